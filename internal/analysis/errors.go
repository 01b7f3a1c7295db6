package analysis

import (
	"fmt"
)

// ErrorType classifies why a form or a run failed
type ErrorType string

const (
	ErrorTypeSelection ErrorType = "selection"
	ErrorTypeGateway   ErrorType = "gateway"
	ErrorTypeConfig    ErrorType = "config"
	ErrorTypeCancelled ErrorType = "cancelled"
	ErrorTypePanic     ErrorType = "panic"
)

// Error describes a failed form pipeline or a failed run.
type Error struct {
	Type     ErrorType
	FormCode string
	Step     string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	msg := string(e.Type)
	if e.FormCode != "" {
		msg += fmt.Sprintf(" [%s]", e.FormCode)
	}
	if e.Step != "" {
		msg += fmt.Sprintf(" at %s", e.Step)
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

func newConfigError(message string) *Error {
	return &Error{Type: ErrorTypeConfig, Message: message}
}

func formError(t ErrorType, formCode, step, message string, cause error) *Error {
	return &Error{Type: t, FormCode: formCode, Step: step, Message: message, Cause: cause}
}
