package schemas

import "context"

// MessageStore is the persistence adapter for message envelopes and the audit
// log. Implementations retry transient failures internally and return an error
// only when the failure is permanent.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg AgentMessage) error
	UpdateMessage(ctx context.Context, id string, patch MessagePatch) error
	AppendLog(ctx context.Context, entry LogEntry) error

	GetMessage(ctx context.Context, id string) (*AgentMessage, error)
	ListMessages(ctx context.Context, filter MessageFilter) ([]AgentMessage, error)
	ListLogs(ctx context.Context, limit int) ([]LogEntry, error)
	Close() error
}

// ExperienceRecorder accepts dispatch outcomes for later sampling by a trainer.
type ExperienceRecorder interface {
	Record(ctx context.Context, exp Experience, priority int) (string, error)
	Len() int
}

// ExperienceSampler is the read side a trainer uses to pull experiences.
type ExperienceSampler interface {
	Sample(n int) []Experience
	Drain(n int) []Experience
}
