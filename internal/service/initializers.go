// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/countygis/agentcore/api/schemas"
	"github.com/countygis/agentcore/internal/agent"
	"github.com/countygis/agentcore/internal/config"
	"github.com/countygis/agentcore/internal/store"
)

// InitializeStore opens the configured message store and wraps it with the
// retry policy. The returned cleanup closes the backend; it is never nil.
func InitializeStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (schemas.MessageStore, func(), error) {
	var backend schemas.MessageStore

	switch strings.ToLower(cfg.Type) {
	case "memory", "in-memory", "":
		logger.Warn("No persistent message store configured; using an in-memory store. The audit trail will be lost on exit.")
		backend = store.NewMemoryStore()

	case "sqlite":
		logger.Info("Initializing SQLite message store.", zap.String("path", cfg.SQLite.Path))
		s, err := store.OpenSQLite(ctx, cfg.SQLite.Path, logger)
		if err != nil {
			return nil, func() {}, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		backend = s

	case "postgres":
		logger.Info("Initializing PostgreSQL message store.", zap.String("host", cfg.Postgres.Host))
		pool, err := newPostgresPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, func() {}, err
		}
		s, err := store.NewPostgresStore(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, func() {}, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, func() {}, err
		}
		backend = s

	default:
		return nil, func() {}, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}

	cleanup := func() {
		if err := backend.Close(); err != nil {
			logger.Warn("Error closing message store.", zap.Error(err))
		}
	}
	return store.NewRetryingStore(backend, cfg.Retry, logger), cleanup, nil
}

func newPostgresPool(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}
	return pool, nil
}

// ConfigAgentLoader bootstraps echo agents from the agents section of the
// configuration. Disabled entries are registered inactive.
func ConfigAgentLoader(specs []config.AgentSpec) schemas.AgentLoader {
	return schemas.AgentLoaderFunc(func(ctx context.Context) ([]schemas.Agent, error) {
		agents := make([]schemas.Agent, 0, len(specs))
		for _, spec := range specs {
			agentType, err := schemas.ParseAgentType(spec.Type)
			if err != nil {
				return nil, fmt.Errorf("agent %q: %w", spec.ID, err)
			}
			opts := []agent.Option{agent.WithCapabilities(spec.Capabilities...)}
			if spec.Disabled {
				opts = append(opts, agent.Inactive())
			}
			agents = append(agents, agent.NewEchoAgent(spec.ID, agentType, opts...))
		}
		return agents, nil
	})
}
