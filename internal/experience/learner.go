package experience

import (
	"context"
	"sync"
	"time"

	"github.com/countygis/agentcore/api/schemas"
	"go.uber.org/zap"
)

// Trainer consumes batches of experiences. It is the hook for an external
// learning process.
type Trainer interface {
	Train(ctx context.Context, batch []schemas.Experience) error
}

// TrainerFunc adapts a function to the Trainer interface.
type TrainerFunc func(ctx context.Context, batch []schemas.Experience) error

func (f TrainerFunc) Train(ctx context.Context, batch []schemas.Experience) error {
	return f(ctx, batch)
}

// LogTrainer reports batch reward statistics to the log and learns nothing.
type LogTrainer struct {
	Logger *zap.Logger
}

func (t LogTrainer) Train(ctx context.Context, batch []schemas.Experience) error {
	var total float64
	successes := 0
	for _, exp := range batch {
		total += exp.Reward
		if exp.Result.Success {
			successes++
		}
	}
	mean := 0.0
	if len(batch) > 0 {
		mean = total / float64(len(batch))
	}
	t.Logger.Info("Experience batch sampled",
		zap.Int("size", len(batch)),
		zap.Int("successes", successes),
		zap.Float64("mean_reward", mean))
	return nil
}

// Learner periodically samples a batch from the buffer and hands it to a Trainer.
type Learner struct {
	sampler   schemas.ExperienceSampler
	trainer   Trainer
	batchSize int
	interval  time.Duration
	logger    *zap.Logger

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	batches  int
	failures int
}

// NewLearner creates a stopped learner.
func NewLearner(sampler schemas.ExperienceSampler, trainer Trainer, batchSize int, interval time.Duration, logger *zap.Logger) *Learner {
	if batchSize <= 0 {
		batchSize = 32
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Learner{
		sampler:   sampler,
		trainer:   trainer,
		batchSize: batchSize,
		interval:  interval,
		logger:    logger.Named("learner"),
	}
}

// Start launches the background loop. Calling Start on a running learner is a no-op.
func (l *Learner) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancel = cancel
	l.running = true
	l.wg.Add(1)
	go l.run(loopCtx)
}

// Stop halts the loop and waits for an in-flight batch to finish.
func (l *Learner) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	l.mu.Unlock()

	cancel()
	l.wg.Wait()
}

// Running reports whether the loop is active.
func (l *Learner) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Learner) run(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info("Learner started.", zap.Duration("interval", l.interval), zap.Int("batch_size", l.batchSize))
	for {
		select {
		case <-ticker.C:
			l.RunOnce(ctx)
		case <-ctx.Done():
			l.logger.Info("Learner stopped.")
			return
		}
	}
}

// RunOnce samples one batch and trains on it. It returns the batch size.
func (l *Learner) RunOnce(ctx context.Context) int {
	batch := l.sampler.Sample(l.batchSize)
	if len(batch) == 0 {
		return 0
	}
	err := l.trainer.Train(ctx, batch)

	l.mu.Lock()
	l.batches++
	if err != nil {
		l.failures++
	}
	l.mu.Unlock()

	if err != nil {
		l.logger.Warn("Trainer failed on batch", zap.Int("size", len(batch)), zap.Error(err))
	}
	return len(batch)
}

// Batches returns how many batches have been trained and how many failed.
func (l *Learner) Batches() (total, failed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.batches, l.failures
}
