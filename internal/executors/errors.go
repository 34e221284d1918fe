package executors

import (
	"errors"
	"fmt"
)

// Well-known error codes matched by error boundaries and error start events.
const (
	CodeScriptError           = "ScriptError"
	CodeExpressionError       = "ExpressionError"
	CodeTimeout               = "Timeout"
	CodeUserRejected          = "UserRejected"
	CodeNoPathMatched         = "NoPathMatched"
	CodeMultiInstanceOverflow = "MultiInstanceOverflow"
	CodeUnknownSubprocess     = "UnknownSubprocess"
)

// TaskError is a task-level failure carrying the code that boundary and
// event-sub-process error catches match by substring.
type TaskError struct {
	ElementID string
	Code      string
	Message   string
	Cause     error
}

func (e *TaskError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func (e *TaskError) Unwrap() error { return e.Cause }

// Failf builds a TaskError for the element with a formatted message.
func Failf(elementID, code, format string, args ...interface{}) *TaskError {
	return &TaskError{ElementID: elementID, Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorCode extracts the code an error catch should match against. For a
// TaskError that is its code; anything else matches on its message text.
func ErrorCode(err error) string {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Code
	}
	return err.Error()
}

// ErrorMessage extracts the human-readable message of a failure.
func ErrorMessage(err error) string {
	var te *TaskError
	if errors.As(err, &te) && te.Message != "" {
		return te.Message
	}
	return err.Error()
}
