package mcp

import (
	"context"
	"fmt"

	"github.com/countygis/agentcore/api/schemas"
	"github.com/countygis/agentcore/internal/agent"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RouteMessage delivers a pre-addressed message to its recipient and returns
// the message id. It never fails from the caller's perspective: every error
// ends in a FAILED message and an ERROR_OCCURRED event. Callers that need the
// agent's answer use DispatchRequest.
func (c *Core) RouteMessage(ctx context.Context, msg schemas.AgentMessage) string {
	msg = c.prepareMessage(msg)
	c.routed.Add(1)
	log := c.logger.With(
		zap.String("message_id", msg.ID),
		zap.String("correlation_id", msg.CorrelationID),
		zap.String("recipient", msg.Recipient))

	if err := c.store.AppendMessage(ctx, msg); err != nil {
		c.routeFailed.Add(1)
		log.Error("Failed to persist routed message", zap.Error(err))
		c.emitError(ctx, msg.ID, msg.CorrelationID, "persist", err)
		return msg.ID
	}

	settle, cancel := settleContext(ctx)
	defer cancel()

	if err := c.deliver(ctx, settle, &msg, log); err != nil {
		c.routeFailed.Add(1)
		log.Error("Routed message failed", zap.Error(err))
		c.failMessage(settle, &msg, map[string]interface{}{
			"code":    string(agent.ErrCodeExecutionFailure),
			"message": err.Error(),
		})
		c.emitError(settle, msg.ID, msg.CorrelationID, "route", err)
	}
	return msg.ID
}

// deliver runs steps two to five of routing for a persisted PENDING message.
// The agent is invoked with ctx; store writes and events use settle.
// A returned error means the message is not yet terminal.
func (c *Core) deliver(ctx, settle context.Context, msg *schemas.AgentMessage, log *zap.Logger) error {
	target, ok := c.registry.Get(msg.Recipient)
	if !ok {
		c.routeFailed.Add(1)
		log.Warn("Recipient not registered, message failed")
		c.failMessage(settle, msg, map[string]interface{}{
			"code":    string(agent.ErrCodeRecipientNotFound),
			"message": fmt.Sprintf("recipient %q is not registered", msg.Recipient),
		})
		return nil
	}

	if err := c.transition(settle, msg, schemas.StatusProcessing, nil); err != nil {
		return err
	}

	resp, err := c.invoke(ctx, target, requestFromMessage(*msg))
	if err != nil {
		return err
	}

	final := terminalStatus(resp)
	payload := copyMap(msg.Payload)
	payload["response"] = resp.ToMap()
	if err := c.transition(settle, msg, final, payload); err != nil {
		return err
	}
	if !resp.Success {
		c.routeFailed.Add(1)
	}

	c.Emit(settle, schemas.EventMessageProcessed, map[string]interface{}{
		"message_id":     msg.ID,
		"correlation_id": msg.CorrelationID,
		"agent_id":       target.ID(),
		"success":        resp.Success,
	})
	return nil
}

// BroadcastMessage routes one copy of template to every active agent and
// returns the message ids in registration order. Each copy has its own
// lifecycle; one agent's failure does not affect the others.
func (c *Core) BroadcastMessage(ctx context.Context, template schemas.AgentMessage) []string {
	targets := c.registry.Active()
	if len(targets) == 0 {
		return nil
	}
	if template.CorrelationID == "" {
		template.CorrelationID = c.newID()
	}

	ids := make([]string, len(targets))
	var g errgroup.Group
	if c.broadcastParallel > 0 {
		g.SetLimit(c.broadcastParallel)
	}
	for i, target := range targets {
		msg := template
		msg.ID = ""
		msg.Recipient = target.ID()
		msg.Payload = copyMap(template.Payload)
		g.Go(func() error {
			ids[i] = c.RouteMessage(ctx, msg)
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Debug("Broadcast complete",
		zap.String("correlation_id", template.CorrelationID),
		zap.Int("recipients", len(ids)))
	return ids
}

// prepareMessage fills defaults and forces the initial PENDING status.
func (c *Core) prepareMessage(msg schemas.AgentMessage) schemas.AgentMessage {
	if msg.ID == "" {
		msg.ID = c.newID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = c.now().UTC()
	}
	if msg.Sender == "" {
		msg.Sender = c.senderID
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = c.newID()
	}
	msg.Payload = copyMap(msg.Payload)
	msg.Status = schemas.StatusPending
	msg.ProcessedAt = nil
	return msg
}

// requestFromMessage builds the agent request for a routed message. The
// payload's "action" entry, when a string, names the action; otherwise the
// message type does.
func requestFromMessage(msg schemas.AgentMessage) schemas.AgentRequest {
	action := msg.MessageType
	if a, ok := msg.Payload["action"].(string); ok && a != "" {
		action = a
	}
	return schemas.AgentRequest{
		Type:     msg.MessageType,
		Action:   action,
		Priority: msg.Priority,
		Payload:  copyMap(msg.Payload),
		Metadata: schemas.RequestMetadata{
			CorrelationID: msg.CorrelationID,
			Requester:     msg.Sender,
		},
	}
}
