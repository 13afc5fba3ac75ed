package schemas

import (
	"fmt"
	"strings"
	"time"
)

// MessageStatus tracks an AgentMessage through its lifecycle.
type MessageStatus string

const (
	StatusPending    MessageStatus = "PENDING"
	StatusProcessing MessageStatus = "PROCESSING"
	StatusCompleted  MessageStatus = "COMPLETED"
	StatusFailed     MessageStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s MessageStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition encodes the message state machine:
// PENDING -> PROCESSING -> {COMPLETED | FAILED}, plus PENDING -> FAILED when
// processing never starts.
func CanTransition(from, to MessageStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Priority is an ordered message priority.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "LOW",
	PriorityMedium:   "MEDIUM",
	PriorityHigh:     "HIGH",
	PriorityCritical: "CRITICAL",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PRIORITY(%d)", int(p))
}

// ParsePriority converts a case-insensitive name into a Priority.
func ParsePriority(s string) (Priority, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for p, name := range priorityNames {
		if name == upper {
			return p, nil
		}
	}
	return PriorityMedium, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// AgentMessage is the durable, status-tracked envelope of one routed or
// dispatched interaction. It is the audit trail and is never deleted.
type AgentMessage struct {
	ID            string                 `json:"id"`
	CreatedAt     time.Time              `json:"created_at"`
	Sender        string                 `json:"sender"`
	Recipient     string                 `json:"recipient"`
	MessageType   string                 `json:"message_type"`
	Priority      Priority               `json:"priority"`
	Payload       map[string]interface{} `json:"payload"`
	Status        MessageStatus          `json:"status"`
	CorrelationID string                 `json:"correlation_id"`
	ExpiresAt     *time.Time             `json:"expires_at,omitempty"`
	ProcessedAt   *time.Time             `json:"processed_at,omitempty"`
}

// Expired reports whether the message carries an expiry that lies before now.
func (m AgentMessage) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// MessagePatch is a partial update applied to a stored message. Nil fields are
// left unchanged.
type MessagePatch struct {
	Status      *MessageStatus
	Payload     map[string]interface{}
	ProcessedAt *time.Time
}

// MessageFilter narrows ListMessages results. Zero values match everything.
type MessageFilter struct {
	CorrelationID string
	Recipient     string
	Status        MessageStatus
	ExpiredBefore *time.Time
	Limit         int
}

// Matches reports whether m satisfies the filter.
func (f MessageFilter) Matches(m AgentMessage) bool {
	if f.CorrelationID != "" && m.CorrelationID != f.CorrelationID {
		return false
	}
	if f.Recipient != "" && m.Recipient != f.Recipient {
		return false
	}
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if f.ExpiredBefore != nil && !m.Expired(*f.ExpiredBefore) {
		return false
	}
	return true
}

// RequestMetadata carries correlation and provenance for a request.
type RequestMetadata struct {
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Requester     string                 `json:"requester,omitempty"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
}

// AgentRequest is the in-memory request handed to an agent.
type AgentRequest struct {
	Type     string                 `json:"type"`
	Action   string                 `json:"action"`
	Priority Priority               `json:"priority"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	Metadata RequestMetadata        `json:"metadata"`
}

// ResponseError is the structured error carried by a failed AgentResponse.
type ResponseError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AgentResponse is what an agent, and in turn the core, returns to a caller.
type AgentResponse struct {
	Success       bool           `json:"success"`
	Message       string         `json:"message,omitempty"`
	MessageID     string         `json:"message_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Data          interface{}    `json:"data,omitempty"`
	Error         *ResponseError `json:"error,omitempty"`
}

// ToMap flattens the response for merging into a message payload.
func (r *AgentResponse) ToMap() map[string]interface{} {
	out := map[string]interface{}{
		"success": r.Success,
	}
	if r.Message != "" {
		out["message"] = r.Message
	}
	if r.Data != nil {
		out["data"] = r.Data
	}
	if r.Error != nil {
		errMap := map[string]interface{}{
			"code":    r.Error.Code,
			"message": r.Error.Message,
		}
		if len(r.Error.Details) > 0 {
			errMap["details"] = r.Error.Details
		}
		out["error"] = errMap
	}
	return out
}

// LogEntry is one record in the audit/event log.
type LogEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Event     string                 `json:"event"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}
