package schemas

import "time"

// ExperienceResult is the outcome portion of an Experience.
type ExperienceResult struct {
	Success bool           `json:"success"`
	Data    interface{}    `json:"data,omitempty"`
	Error   *ResponseError `json:"error,omitempty"`
}

// ExperienceMetadata links an Experience back to the message that produced it.
type ExperienceMetadata struct {
	MessageID   string `json:"message_id"`
	RequestType string `json:"request_type"`
	ElapsedMs   int64  `json:"elapsed_ms"`
}

// Experience is a recorded (state, action, result, next-state, reward) tuple
// for a downstream learning process. It is immutable once recorded.
type Experience struct {
	ID            string                 `json:"id"`
	AgentID       string                 `json:"agent_id"`
	CorrelationID string                 `json:"correlation_id"`
	InitialState  map[string]interface{} `json:"initial_state"`
	Action        string                 `json:"action"`
	Result        ExperienceResult       `json:"result"`
	NextState     map[string]interface{} `json:"next_state"`
	Reward        float64                `json:"reward"`
	Metadata      ExperienceMetadata     `json:"metadata"`
	Priority      int                    `json:"priority"`
	RecordedAt    time.Time              `json:"recorded_at"`
}
