package schemas

import "time"

// EventType is the closed set of lifecycle notifications.
type EventType string

const (
	EventMessageReceived     EventType = "MESSAGE_RECEIVED"
	EventMessageProcessed    EventType = "MESSAGE_PROCESSED"
	EventErrorOccurred       EventType = "ERROR_OCCURRED"
	EventSystemStatusChanged EventType = "SYSTEM_STATUS_CHANGED"
	EventAgentRegistered     EventType = "AGENT_REGISTERED"
	EventAgentUnregistered   EventType = "AGENT_UNREGISTERED"
)

// Event is a transient notification delivered synchronously to handlers.
type Event struct {
	Type      EventType              `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
