package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/countygis/agentcore/api/schemas"
	"github.com/countygis/agentcore/internal/agent"
	"go.uber.org/zap"
)

// dispatchCall carries the state of one DispatchRequest through its steps.
type dispatchCall struct {
	req       schemas.AgentRequest
	agentType schemas.AgentType
	target    schemas.Agent
	msg       *schemas.AgentMessage // nil until persisted
	started   time.Time
	log       *zap.Logger
	recorded  bool
}

// DispatchRequest resolves the agent type for req, invokes one active agent of
// that type and returns its response annotated with the message and correlation
// ids. It never panics and never returns nil: every failure becomes a response
// with Success false and a structured error.
func (c *Core) DispatchRequest(ctx context.Context, req schemas.AgentRequest) (resp *schemas.AgentResponse) {
	c.dispatched.Add(1)
	if req.Metadata.CorrelationID == "" {
		req.Metadata.CorrelationID = c.newID()
	}
	call := &dispatchCall{
		req:     req,
		started: c.now(),
		log: c.logger.With(
			zap.String("correlation_id", req.Metadata.CorrelationID),
			zap.String("request_type", req.Type)),
	}

	defer func() {
		if r := recover(); r != nil {
			call.log.Error("Panic recovered during dispatch", zap.Any("panic_value", r), zap.Stack("stack"))
			resp = c.dispatchFailure(ctx, call, fmt.Errorf("dispatch panicked: %v", r))
		}
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.dispatchFailed.Add(1)
			call.log.Warn("Dispatch rejected by admission limit", zap.Error(err))
			return c.unpersisted(call, agent.Failure(agent.ErrCodeRateLimited,
				"The system is busy. Please retry shortly.",
				map[string]interface{}{"error": err.Error()}))
		}
	}

	call.agentType = c.router.Resolve(req.Type)
	candidates := c.registry.ActiveByType(call.agentType)
	if len(candidates) > 0 {
		call.target = c.selector(candidates, req)
	}
	if call.target == nil {
		c.dispatchFailed.Add(1)
		call.log.Warn("No active agent available", zap.String("agent_type", string(call.agentType)))
		return c.unpersisted(call, agent.Failure(agent.ErrCodeNoAgentAvailable,
			fmt.Sprintf("No active agent is available to handle %s requests.", call.agentType),
			map[string]interface{}{
				"agent_type":   string(call.agentType),
				"request_type": req.Type,
			}))
	}
	call.log = call.log.With(zap.String("agent_id", call.target.ID()))

	msg := schemas.AgentMessage{
		ID:            c.newID(),
		CreatedAt:     c.now().UTC(),
		Sender:        c.senderID,
		Recipient:     call.target.ID(),
		MessageType:   req.Type,
		Priority:      req.Priority,
		Payload:       messagePayload(req),
		Status:        schemas.StatusPending,
		CorrelationID: req.Metadata.CorrelationID,
	}
	if err := c.store.AppendMessage(ctx, msg); err != nil {
		return c.dispatchFailure(ctx, call, err)
	}
	call.msg = &msg

	// Only the agent invocation sees the caller's cancellation from here on.
	settle, cancel := settleContext(ctx)
	defer cancel()

	c.Emit(settle, schemas.EventMessageReceived, map[string]interface{}{
		"message_id":     msg.ID,
		"correlation_id": msg.CorrelationID,
		"agent_id":       msg.Recipient,
		"agent_type":     string(call.agentType),
		"request_type":   req.Type,
	})

	if err := c.transition(settle, call.msg, schemas.StatusProcessing, nil); err != nil {
		return c.dispatchFailure(ctx, call, err)
	}

	agentResp, err := c.invoke(ctx, call.target, req)
	if err != nil {
		return c.dispatchFailure(ctx, call, err)
	}

	payload := copyMap(call.msg.Payload)
	payload["response"] = agentResp.ToMap()
	if err := c.transition(settle, call.msg, terminalStatus(agentResp), payload); err != nil {
		return c.dispatchFailure(ctx, call, err)
	}
	if !agentResp.Success {
		c.dispatchFailed.Add(1)
	}

	c.recordExperience(settle, call, agentResp)

	out := *agentResp
	out.MessageID = msg.ID
	out.CorrelationID = msg.CorrelationID

	c.Emit(settle, schemas.EventMessageProcessed, map[string]interface{}{
		"message_id":     msg.ID,
		"correlation_id": msg.CorrelationID,
		"agent_id":       msg.Recipient,
		"success":        out.Success,
	})
	call.log.Debug("Dispatch complete", zap.String("message_id", msg.ID), zap.Bool("success", out.Success))
	return &out
}

// unpersisted finalizes a response for a dispatch that never created a message.
func (c *Core) unpersisted(call *dispatchCall, resp *schemas.AgentResponse) *schemas.AgentResponse {
	resp.MessageID = c.newID()
	resp.CorrelationID = call.req.Metadata.CorrelationID
	return resp
}

// dispatchFailure converts an unexpected error into a DISPATCH_ERROR response.
// A persisted message is forced to FAILED and its experience recorded, even
// when ctx has already been cancelled.
func (c *Core) dispatchFailure(ctx context.Context, call *dispatchCall, err error) *schemas.AgentResponse {
	ctx, cancel := settleContext(ctx)
	defer cancel()
	c.dispatchFailed.Add(1)
	call.log.Error("Dispatch failed", zap.Error(err))

	resp := agent.Failure(agent.ErrCodeDispatchError,
		"The request could not be processed.",
		map[string]interface{}{"error": err.Error()})
	resp.CorrelationID = call.req.Metadata.CorrelationID

	messageID := ""
	if call.msg != nil {
		messageID = call.msg.ID
		c.failMessage(ctx, call.msg, map[string]interface{}{
			"code":    string(agent.ErrCodeDispatchError),
			"message": err.Error(),
		})
		c.recordExperience(ctx, call, resp)
		resp.MessageID = messageID
	} else {
		resp.MessageID = c.newID()
	}

	c.emitError(ctx, messageID, resp.CorrelationID, "dispatch", err)
	return resp
}

// recordExperience stores the outcome of a dispatch that reached the agent
// stage. Recording failures are logged and reported as ERROR_OCCURRED but do
// not alter the response.
func (c *Core) recordExperience(ctx context.Context, call *dispatchCall, resp *schemas.AgentResponse) {
	if call.recorded {
		return
	}
	call.recorded = true
	msg := call.msg
	priority := c.successPriority
	if !resp.Success {
		priority = c.failurePriority
	}

	exp := schemas.Experience{
		AgentID:       msg.Recipient,
		CorrelationID: msg.CorrelationID,
		InitialState: map[string]interface{}{
			"message_id":   msg.ID,
			"status":       string(schemas.StatusPending),
			"agent_type":   string(call.agentType),
			"request_type": call.req.Type,
			"payload":      copyMap(call.req.Payload),
		},
		Action: call.req.Action,
		Result: schemas.ExperienceResult{
			Success: resp.Success,
			Data:    resp.Data,
			Error:   resp.Error,
		},
		NextState: map[string]interface{}{
			"status":   string(msg.Status),
			"response": resp.ToMap(),
		},
		Reward: c.score(resp, call.log),
		Metadata: schemas.ExperienceMetadata{
			MessageID:   msg.ID,
			RequestType: call.req.Type,
			ElapsedMs:   c.now().Sub(call.started).Milliseconds(),
		},
	}

	if _, err := c.recorder.Record(ctx, exp, priority); err != nil {
		call.log.Error("Failed to record experience", zap.String("message_id", msg.ID), zap.Error(err))
		c.emitError(ctx, msg.ID, msg.CorrelationID, "experience", err)
	}
}

// messagePayload is the audit form of a dispatched request.
func messagePayload(req schemas.AgentRequest) map[string]interface{} {
	payload := map[string]interface{}{
		"action":  req.Action,
		"request": copyMap(req.Payload),
	}
	if req.Metadata.Requester != "" {
		payload["requester"] = req.Metadata.Requester
	}
	if len(req.Metadata.Extra) > 0 {
		payload["metadata"] = copyMap(req.Metadata.Extra)
	}
	return payload
}

// score applies the reward function, falling back to DefaultReward if it panics.
func (c *Core) score(resp *schemas.AgentResponse, log *zap.Logger) (reward float64) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Reward function panicked, using default reward", zap.Any("panic_value", r))
			reward = DefaultReward(resp)
		}
	}()
	return c.reward(resp)
}
