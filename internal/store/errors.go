package store

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrMessageNotFound is returned when no message exists for an id.
	ErrMessageNotFound = errors.New("message not found")
	// ErrDuplicateMessage is returned when appending a message whose id already exists.
	ErrDuplicateMessage = errors.New("duplicate message id")
	// ErrTerminalStatus is returned when an update targets a COMPLETED or FAILED message,
	// or asks for a transition the state machine does not allow.
	ErrTerminalStatus = errors.New("message status transition not allowed")
	// ErrTransient marks a failure as retryable. Wrap it with MarkTransient.
	ErrTransient = errors.New("transient store failure")
)

// MarkTransient wraps err so IsTransient reports true for it.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

type transientError struct{ err error }

func (e *transientError) Error() string { return "transient: " + e.err.Error() }
func (e *transientError) Unwrap() []error {
	return []error{ErrTransient, e.err}
}

// pgTransientClasses are SQLSTATE classes worth retrying: connection exceptions,
// transaction rollbacks (serialization, deadlock) and insufficient resources.
var pgTransientClasses = map[string]bool{
	"08": true,
	"40": true,
	"53": true,
}

// IsTransient reports whether err is worth retrying. Cancellation, domain errors
// and anything unrecognized are treated as permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrMessageNotFound) || errors.Is(err, ErrDuplicateMessage) || errors.Is(err, ErrTerminalStatus) {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) >= 2 && pgTransientClasses[pgErr.Code[:2]] {
			return true
		}
		switch pgErr.Code {
		case "57P01", "57P02", "57P03": // admin/crash shutdown, cannot connect now
			return true
		}
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// isUniqueViolation reports a PostgreSQL unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
