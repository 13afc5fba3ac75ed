package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/countygis/agentcore/api/schemas"
	"github.com/countygis/agentcore/internal/config"
	"go.uber.org/zap"
)

// RetryingStore wraps a MessageStore and retries transient failures with
// exponential backoff. Permanent errors and cancellation are returned at once.
type RetryingStore struct {
	inner  schemas.MessageStore
	policy config.RetryConfig
	log    *zap.Logger
}

var _ schemas.MessageStore = (*RetryingStore)(nil)

// NewRetryingStore wraps inner. A zero MaxElapsedTime disables retries.
func NewRetryingStore(inner schemas.MessageStore, policy config.RetryConfig, logger *zap.Logger) *RetryingStore {
	return &RetryingStore{
		inner:  inner,
		policy: policy,
		log:    logger.Named("store.retry"),
	}
}

// Unwrap returns the wrapped store.
func (r *RetryingStore) Unwrap() schemas.MessageStore { return r.inner }

func (r *RetryingStore) newBackOff(ctx context.Context) backoff.BackOff {
	if r.policy.MaxElapsedTime <= 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	b := backoff.NewExponentialBackOff()
	if r.policy.InitialInterval > 0 {
		b.InitialInterval = r.policy.InitialInterval
	}
	if r.policy.MaxInterval > 0 {
		b.MaxInterval = r.policy.MaxInterval
	}
	b.MaxElapsedTime = r.policy.MaxElapsedTime
	return backoff.WithContext(b, ctx)
}

func (r *RetryingStore) do(ctx context.Context, op string, fn func(attempt int) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.log.Warn("Transient store error, retrying...",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotify(operation, r.newBackOff(ctx), notify)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}

func (r *RetryingStore) AppendMessage(ctx context.Context, msg schemas.AgentMessage) error {
	return r.do(ctx, "append_message", func(attempt int) error {
		err := r.inner.AppendMessage(ctx, msg)
		// A retried insert may collide with its own earlier, acknowledged-late write.
		if attempt > 1 && errors.Is(err, ErrDuplicateMessage) {
			return nil
		}
		return err
	})
}

func (r *RetryingStore) UpdateMessage(ctx context.Context, id string, patch schemas.MessagePatch) error {
	return r.do(ctx, "update_message", func(int) error {
		return r.inner.UpdateMessage(ctx, id, patch)
	})
}

func (r *RetryingStore) AppendLog(ctx context.Context, entry schemas.LogEntry) error {
	return r.do(ctx, "append_log", func(int) error {
		return r.inner.AppendLog(ctx, entry)
	})
}

func (r *RetryingStore) GetMessage(ctx context.Context, id string) (*schemas.AgentMessage, error) {
	var msg *schemas.AgentMessage
	err := r.do(ctx, "get_message", func(int) error {
		var err error
		msg, err = r.inner.GetMessage(ctx, id)
		return err
	})
	return msg, err
}

func (r *RetryingStore) ListMessages(ctx context.Context, filter schemas.MessageFilter) ([]schemas.AgentMessage, error) {
	var msgs []schemas.AgentMessage
	err := r.do(ctx, "list_messages", func(int) error {
		var err error
		msgs, err = r.inner.ListMessages(ctx, filter)
		return err
	})
	return msgs, err
}

func (r *RetryingStore) ListLogs(ctx context.Context, limit int) ([]schemas.LogEntry, error) {
	var entries []schemas.LogEntry
	err := r.do(ctx, "list_logs", func(int) error {
		var err error
		entries, err = r.inner.ListLogs(ctx, limit)
		return err
	})
	return entries, err
}

func (r *RetryingStore) Close() error {
	return r.inner.Close()
}
