package engine

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable class of a terminal loop failure.
type ErrorCode string

const (
	CodeValidation    ErrorCode = "validation"
	CodeExecution     ErrorCode = "execution"
	CodePermission    ErrorCode = "permission"
	CodeResource      ErrorCode = "resource"
	CodeCommunication ErrorCode = "communication"
	CodeTimeout       ErrorCode = "timeout"
	CodeInternal      ErrorCode = "internal"
	CodeAborted       ErrorCode = "aborted"
	CodeMaxSteps      ErrorCode = "max_steps"
)

var (
	// ErrAborted matches a loop ended by context cancellation.
	ErrAborted = errors.New("processor aborted")
	// ErrMaxSteps matches a loop that ran out of steps.
	ErrMaxSteps = errors.New("max steps exceeded")
	// ErrPermissionDenied is recorded on calls the gate refused.
	ErrPermissionDenied = errors.New("permission denied")
)

// LoopError is the terminal error returned by Process.
type LoopError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *LoopError) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *LoopError) Unwrap() error { return e.Err }

// Info returns the event form of e.
func (e *LoopError) Info() *ErrorInfo {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return &ErrorInfo{Code: e.Code, Message: msg}
}

func loopErr(code ErrorCode, err error, format string, args ...any) *LoopError {
	return &LoopError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of a *LoopError in err's chain, or CodeInternal.
func CodeOf(err error) ErrorCode {
	var le *LoopError
	if errors.As(err, &le) {
		return le.Code
	}
	return CodeInternal
}
