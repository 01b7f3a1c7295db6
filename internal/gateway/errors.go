package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Gateway operations, used in errors, logs and metrics
const (
	OpListInstances    = "list_instances"
	OpCompareInstances = "compare_instances"
	OpValidate         = "validate"
)

// Error is any failure talking to the reporting API.
type Error struct {
	Op         string
	Subject    string // form code or instance id
	StatusCode int
	Message    string
	Retryable  bool
	Cause      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("gateway %s %s", e.Op, e.Subject)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether err is a transient gateway failure.
func IsRetryable(err error) bool {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Retryable
	}
	return false
}

func statusError(op, subject string, status int, body string) *Error {
	return &Error{
		Op:         op,
		Subject:    subject,
		StatusCode: status,
		Message:    body,
		Retryable:  status == http.StatusTooManyRequests || status >= 500,
	}
}

func transportError(op, subject string, err error) *Error {
	gwErr := &Error{Op: op, Subject: subject, Cause: err}

	// The caller's own cancellation is never worth retrying.
	if errors.Is(err, context.Canceled) {
		return gwErr
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		gwErr.Message = "timeout"
		gwErr.Retryable = true
		return gwErr
	}
	gwErr.Retryable = true
	return gwErr
}
