// internal/agent/agent.go
package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/countygis/agentcore/api/schemas"
)

// ActionHandler handles one request action on behalf of an agent.
type ActionHandler func(ctx context.Context, req schemas.AgentRequest) (*schemas.AgentResponse, error)

// FuncAgent builds a schemas.Agent out of plain functions. Requests are routed
// to a handler by their Action; the fallback handles everything else.
type FuncAgent struct {
	id           string
	agentType    schemas.AgentType
	capabilities []string
	active       atomic.Bool
	startedAt    time.Time

	handlers   map[string]ActionHandler
	fallback   ActionHandler
	onShutdown func(ctx context.Context) error

	handled  atomic.Int64
	failed   atomic.Int64
	shutOnce sync.Once
	shutErr  error
}

// Option configures a FuncAgent.
type Option func(*FuncAgent)

// WithAction registers a handler for a specific request action.
func WithAction(action string, h ActionHandler) Option {
	return func(a *FuncAgent) { a.handlers[action] = h }
}

// WithCapabilities sets the agent's capability labels.
func WithCapabilities(caps ...string) Option {
	return func(a *FuncAgent) { a.capabilities = append([]string(nil), caps...) }
}

// WithShutdown sets a hook run once when the agent is shut down.
func WithShutdown(fn func(ctx context.Context) error) Option {
	return func(a *FuncAgent) { a.onShutdown = fn }
}

// Inactive registers the agent in the inactive state.
func Inactive() Option {
	return func(a *FuncAgent) { a.active.Store(false) }
}

var _ schemas.Agent = (*FuncAgent)(nil)

// NewFuncAgent creates an active agent. fallback may be nil.
func NewFuncAgent(id string, agentType schemas.AgentType, fallback ActionHandler, opts ...Option) *FuncAgent {
	a := &FuncAgent{
		id:        id,
		agentType: agentType,
		startedAt: time.Now().UTC(),
		handlers:  make(map[string]ActionHandler),
		fallback:  fallback,
	}
	a.active.Store(true)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *FuncAgent) ID() string              { return a.id }
func (a *FuncAgent) Type() schemas.AgentType { return a.agentType }
func (a *FuncAgent) IsActive() bool          { return a.active.Load() }
func (a *FuncAgent) Capabilities() []string  { return append([]string(nil), a.capabilities...) }
func (a *FuncAgent) SetActive(active bool)   { a.active.Store(active) }

// HandleRequest dispatches req to the handler registered for its action.
func (a *FuncAgent) HandleRequest(ctx context.Context, req schemas.AgentRequest) (*schemas.AgentResponse, error) {
	if !a.IsActive() {
		a.failed.Add(1)
		return Failure(ErrCodeAgentInactive, fmt.Sprintf("agent %s is not active", a.id), nil), nil
	}

	handler, ok := a.handlers[req.Action]
	if !ok {
		handler = a.fallback
	}
	if handler == nil {
		a.failed.Add(1)
		return Failure(ErrCodeUnknownAction, fmt.Sprintf("agent %s has no handler for action %q", a.id, req.Action),
			map[string]interface{}{"action": req.Action}), nil
	}

	resp, err := handler(ctx, req)
	a.handled.Add(1)
	if err != nil || resp == nil || !resp.Success {
		a.failed.Add(1)
	}
	return resp, err
}

// GetStatus reports liveness and request counters.
func (a *FuncAgent) GetStatus(ctx context.Context) map[string]interface{} {
	return map[string]interface{}{
		"id":             a.id,
		"type":           string(a.agentType),
		"active":         a.IsActive(),
		"capabilities":   a.Capabilities(),
		"handled":        a.handled.Load(),
		"failed":         a.failed.Load(),
		"uptime_seconds": int64(time.Since(a.startedAt).Seconds()),
	}
}

// Shutdown deactivates the agent and runs the shutdown hook once.
func (a *FuncAgent) Shutdown(ctx context.Context) error {
	a.shutOnce.Do(func() {
		a.active.Store(false)
		if a.onShutdown != nil {
			a.shutErr = a.onShutdown(ctx)
		}
	})
	return a.shutErr
}

// NewEchoAgent returns an agent that answers every request with its own payload.
// It is used for configured smoke-test agents.
func NewEchoAgent(id string, agentType schemas.AgentType, opts ...Option) *FuncAgent {
	echo := func(ctx context.Context, req schemas.AgentRequest) (*schemas.AgentResponse, error) {
		return Success(fmt.Sprintf("%s handled %s", id, req.Type), map[string]interface{}{
			"agent":   id,
			"action":  req.Action,
			"payload": req.Payload,
		}), nil
	}
	return NewFuncAgent(id, agentType, echo, opts...)
}

// Success builds a successful response.
func Success(message string, data interface{}) *schemas.AgentResponse {
	return &schemas.AgentResponse{Success: true, Message: message, Data: data}
}

// Failure builds a failed response carrying a structured error.
func Failure(code ErrorCode, message string, details map[string]interface{}) *schemas.AgentResponse {
	return &schemas.AgentResponse{
		Success: false,
		Message: message,
		Error: &schemas.ResponseError{
			Code:    string(code),
			Message: message,
			Details: details,
		},
	}
}
