// File: internal/service/components.go
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/countygis/agentcore/api/schemas"
	"github.com/countygis/agentcore/internal/events"
	"github.com/countygis/agentcore/internal/experience"
	"github.com/countygis/agentcore/internal/mcp"
	"github.com/countygis/agentcore/internal/registry"
)

// Components holds every service behind a running orchestration core and owns
// their shutdown order.
type Components struct {
	Core     *mcp.Core
	Registry *registry.Registry
	Store    schemas.MessageStore
	Bus      *events.Bus
	Buffer   *experience.Buffer
	Learner  *experience.Learner

	logger       *zap.Logger
	storeCleanup func()
}

// Shutdown stops the core (which stops the learner and every agent) and then
// closes the store.
func (c *Components) Shutdown() {
	c.logger.Debug("Beginning components shutdown sequence.")

	if c.Core != nil {
		// Use a separate context so shutdown completes even if the caller's
		// context was already cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.Core.Shutdown(ctx); err != nil {
			c.logger.Warn("Error during core shutdown.", zap.Error(err))
		}
	} else if c.Learner != nil {
		c.Learner.Stop()
	}

	if c.storeCleanup != nil {
		c.storeCleanup()
		c.logger.Debug("Message store closed.")
	}

	c.logger.Info("All components shut down successfully.")
}
