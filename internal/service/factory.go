// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/countygis/agentcore/internal/config"
	"github.com/countygis/agentcore/internal/events"
	"github.com/countygis/agentcore/internal/experience"
	"github.com/countygis/agentcore/internal/mcp"
	"github.com/countygis/agentcore/internal/registry"
	"github.com/countygis/agentcore/internal/routing"
)

// ComponentFactory builds the set of components behind an orchestration core.
// Commands depend on the interface so tests can substitute a fake.
type ComponentFactory interface {
	Create(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create wires store, bus, registry, experience buffer, learner and router into
// an initialized core.
func (f *concreteFactory) Create(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	components := &Components{logger: logger}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	if err := cfg.Validate(); err != nil {
		initializationErr = fmt.Errorf("invalid configuration: %w", err)
		return nil, initializationErr
	}

	// 1. Message store
	messageStore, cleanup, err := InitializeStore(ctx, cfg.Store, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Store = messageStore
	components.storeCleanup = cleanup
	logger.Debug("Message store initialized.", zap.String("type", cfg.Store.Type))

	// 2. Event bus and registry
	components.Bus = events.NewBus(logger)
	components.Registry = registry.New(logger)

	// 3. Experience buffer and learner
	components.Buffer = experience.NewBuffer(cfg.Learning.BufferCapacity)
	if cfg.Learning.Enabled {
		components.Learner = experience.NewLearner(
			components.Buffer,
			experience.LogTrainer{Logger: logger.Named("trainer")},
			cfg.Learning.BatchSize,
			cfg.Learning.Interval,
			logger,
		)
	}

	// 4. Routing table
	router, err := routing.FromConfig(cfg.Routing)
	if err != nil {
		initializationErr = fmt.Errorf("failed to build routing table: %w", err)
		return nil, initializationErr
	}

	// 5. Core
	opts := []mcp.Option{
		mcp.WithLogger(logger),
		mcp.WithBus(components.Bus),
		mcp.WithRecorder(components.Buffer),
		mcp.WithRouter(router),
		mcp.WithAgentLoader(ConfigAgentLoader(cfg.Agents)),
		mcp.WithSenderID(cfg.Orchestrator.SenderID),
		mcp.WithExperiencePriorities(cfg.Learning.SuccessPriority, cfg.Learning.FailurePriority),
		mcp.WithBroadcastConcurrency(cfg.Orchestrator.BroadcastConcurrency),
		mcp.WithDispatchRateLimit(cfg.Orchestrator.DispatchRateLimit, cfg.Orchestrator.DispatchBurst),
	}
	if components.Learner != nil {
		opts = append(opts, mcp.WithLearner(components.Learner))
	}
	components.Core = mcp.New(components.Registry, components.Store, opts...)

	if err := components.Core.Initialize(ctx); err != nil {
		initializationErr = fmt.Errorf("failed to initialize core: %w", err)
		return nil, initializationErr
	}

	logger.Info("All components initialized successfully.",
		zap.Int("agents", components.Registry.Len()),
		zap.Bool("learning", cfg.Learning.Enabled))
	return components, nil
}
