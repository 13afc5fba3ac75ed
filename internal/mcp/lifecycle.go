package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/countygis/agentcore/api/schemas"
	"go.uber.org/zap"
)

var errNoResponse = errors.New("agent returned no response")

// settleTimeout bounds the writes that finish a persisted message once the
// caller's context is no longer usable.
const settleTimeout = 30 * time.Second

// settleContext detaches ctx from caller cancellation, keeping its values.
// Every write after a message is persisted goes through it so the message
// still reaches a terminal status when the caller gives up mid-invocation.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// Initialize loads bootstrap agents, starts the learner, writes an audit entry
// and emits SYSTEM_STATUS_CHANGED. Repeated calls are no-ops.
func (c *Core) Initialize(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	c.stateMu.RLock()
	done := c.initialized
	c.stateMu.RUnlock()
	if done {
		return nil
	}

	loaded := 0
	if c.loader != nil {
		agents, err := c.loader.LoadAgents(ctx)
		if err != nil {
			return fmt.Errorf("failed to load agents: %w", err)
		}
		for _, a := range agents {
			c.RegisterAgent(ctx, a)
		}
		loaded = len(agents)
	}

	if c.learner != nil {
		c.learner.Start(ctx)
	}

	c.stateMu.Lock()
	c.initialized = true
	c.startedAt = c.now()
	c.stateMu.Unlock()
	c.logger.Info("Orchestration core initialized.", zap.Int("agents_loaded", loaded))

	c.audit(ctx, "INFO", "system_initialized", "MCP initialized", map[string]interface{}{
		"agents_loaded": loaded,
	})
	c.Emit(ctx, schemas.EventSystemStatusChanged, map[string]interface{}{
		"status":        "initialized",
		"agents_loaded": loaded,
	})
	return nil
}

// Shutdown stops the learner, shuts down every registered agent and writes a
// final audit entry. Agent shutdown failures are logged, never returned.
func (c *Core) Shutdown(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	c.stateMu.Lock()
	if c.stopped {
		c.stateMu.Unlock()
		return nil
	}
	c.stopped = true
	c.stateMu.Unlock()

	if c.learner != nil {
		c.learner.Stop()
	}

	agents := c.registry.All()
	failures := 0
	for _, a := range agents {
		if err := c.shutdownAgent(ctx, a); err != nil {
			failures++
			c.logger.Warn("Agent shutdown failed", zap.String("agent_id", a.ID()), zap.Error(err))
		}
	}

	c.logger.Info("Orchestration core shut down.",
		zap.Int("agents", len(agents)),
		zap.Int("agent_failures", failures))

	c.audit(ctx, "INFO", "system_shutdown", "MCP shut down", map[string]interface{}{
		"agents":          len(agents),
		"agent_failures":  failures,
		"dispatched":      c.dispatched.Load(),
		"dispatch_failed": c.dispatchFailed.Load(),
	})
	c.Emit(ctx, schemas.EventSystemStatusChanged, map[string]interface{}{
		"status": "shutdown",
		"agents": len(agents),
	})
	return nil
}

func (c *Core) shutdownAgent(ctx context.Context, a schemas.Agent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w during shutdown: %v", ErrAgentPanic, r)
		}
	}()
	return a.Shutdown(ctx)
}

// audit appends an entry to the persistent event log. Failures are logged only.
func (c *Core) audit(ctx context.Context, level, event, message string, details map[string]interface{}) {
	entry := schemas.LogEntry{
		ID:        c.newID(),
		Timestamp: c.now().UTC(),
		Level:     level,
		Event:     event,
		Message:   message,
		Details:   details,
	}
	if err := c.store.AppendLog(ctx, entry); err != nil {
		c.logger.Error("Failed to append audit log entry", zap.String("event", event), zap.Error(err))
	}
}

// transition persists a status change. Terminal statuses also stamp ProcessedAt.
// msg is updated only after the store accepts the change.
func (c *Core) transition(ctx context.Context, msg *schemas.AgentMessage, to schemas.MessageStatus, payload map[string]interface{}) error {
	patch := schemas.MessagePatch{Status: &to, Payload: payload}
	if to.IsTerminal() {
		processed := c.now().UTC()
		patch.ProcessedAt = &processed
	}
	if err := c.store.UpdateMessage(ctx, msg.ID, patch); err != nil {
		return fmt.Errorf("failed to move message %s to %s: %w", msg.ID, to, err)
	}
	msg.Status = to
	if payload != nil {
		msg.Payload = payload
	}
	if patch.ProcessedAt != nil {
		msg.ProcessedAt = patch.ProcessedAt
	}
	return nil
}

// failMessage forces a non-terminal message to FAILED, attaching errInfo to
// the payload under "error". If the store rejects the payload the status is
// written on its own.
func (c *Core) failMessage(ctx context.Context, msg *schemas.AgentMessage, errInfo map[string]interface{}) {
	if msg.Status.IsTerminal() {
		return
	}
	payload := copyMap(msg.Payload)
	payload["error"] = errInfo
	err := c.transition(ctx, msg, schemas.StatusFailed, payload)
	if err == nil {
		return
	}
	c.logger.Warn("Failed to record failure payload, retrying status only",
		zap.String("message_id", msg.ID), zap.Error(err))
	if err := c.transition(ctx, msg, schemas.StatusFailed, nil); err != nil {
		c.logger.Error("Message could not be marked FAILED",
			zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// invoke calls the agent, converting a panic or a nil response into an error.
func (c *Core) invoke(ctx context.Context, a schemas.Agent, req schemas.AgentRequest) (resp *schemas.AgentResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic recovered during agent invocation",
				zap.String("agent_id", a.ID()),
				zap.Any("panic_value", r),
				zap.Stack("stack"))
			resp, err = nil, fmt.Errorf("%w: %s: %v", ErrAgentPanic, a.ID(), r)
		}
	}()

	resp, err = a.HandleRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("agent %s failed: %w", a.ID(), err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: %s", errNoResponse, a.ID())
	}
	return resp, nil
}

func (c *Core) emitError(ctx context.Context, messageID, correlationID, stage string, err error) {
	c.Emit(ctx, schemas.EventErrorOccurred, map[string]interface{}{
		"message_id":     messageID,
		"correlation_id": correlationID,
		"stage":          stage,
		"error":          err.Error(),
	})
}

func terminalStatus(resp *schemas.AgentResponse) schemas.MessageStatus {
	if resp.Success {
		return schemas.StatusCompleted
	}
	return schemas.StatusFailed
}

// copyMap returns a shallow copy that is never nil.
func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
