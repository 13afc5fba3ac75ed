// File: internal/gateway/types.go
package gateway

import (
	"context"

	jsoniter "github.com/json-iterator/go"

	"github.com/countygis/agentcore/api/schemas"
	"github.com/countygis/agentcore/internal/events"
	"github.com/countygis/agentcore/internal/mcp"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Orchestrator is the slice of the core the gateway exposes.
type Orchestrator interface {
	DispatchRequest(ctx context.Context, req schemas.AgentRequest) *schemas.AgentResponse
	RouteMessage(ctx context.Context, msg schemas.AgentMessage) string
	BroadcastMessage(ctx context.Context, template schemas.AgentMessage) []string
	GetAgentStatus(ctx context.Context, id string) (map[string]interface{}, error)
	GetSystemStatus() mcp.SystemStatus
	RegisterEventHandler(eventType schemas.EventType, h events.Handler) func()
}

var _ Orchestrator = (*mcp.Core)(nil)

// APIResponse is the envelope of every JSON response.
type APIResponse struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// StreamMessageType tags frames on the event stream.
type StreamMessageType string

const (
	StreamEvent       StreamMessageType = "Event"
	StreamSystemError StreamMessageType = "SystemError"
)

// StreamMessage is one frame written to an event stream client.
type StreamMessage struct {
	Type  StreamMessageType `json:"type"`
	Event *schemas.Event    `json:"event,omitempty"`
	Error string            `json:"error,omitempty"`
	// Dropped counts events discarded for this client since the previous frame.
	Dropped int64 `json:"dropped,omitempty"`
}
