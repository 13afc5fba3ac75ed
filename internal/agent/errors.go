// internal/agent/errors.go
package agent

// ErrorCode is a string type used for structured error reporting in responses.
type ErrorCode string

const (
	// -- Orchestration Errors --

	// ErrCodeRecipientNotFound marks a routed message whose recipient is not registered.
	ErrCodeRecipientNotFound ErrorCode = "RECIPIENT_NOT_FOUND"
	// ErrCodeNoAgentAvailable means no active agent of the resolved type exists.
	ErrCodeNoAgentAvailable ErrorCode = "NO_AGENT_AVAILABLE"
	// ErrCodeDispatchError wraps any unexpected failure on the dispatch path.
	ErrCodeDispatchError ErrorCode = "DISPATCH_ERROR"
	// ErrCodeRateLimited means the dispatch admission limiter refused the request.
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"

	// -- Agent Execution Errors --
	ErrCodeExecutionFailure  ErrorCode = "EXECUTION_FAILURE"
	ErrCodeInvalidParameters ErrorCode = "INVALID_PARAMETERS"
	ErrCodeUnknownAction     ErrorCode = "UNKNOWN_ACTION_TYPE"
	ErrCodeAgentInactive     ErrorCode = "AGENT_INACTIVE"

	// -- Internal System Errors --
	ErrCodeAgentPanic ErrorCode = "AGENT_PANIC"
)

func (c ErrorCode) String() string { return string(c) }
