package protocol

import (
	"errors"
	"fmt"
)

// Error codes.
const (
	ErrSpawnFailure        = "SPAWN_FAILURE"
	ErrWriteFailure        = "WRITE_FAILURE"
	ErrProcessRuntimeError = "PROCESS_RUNTIME_ERROR"
	ErrUnknownSession      = "UNKNOWN_SESSION"
	ErrPathAccessDenied    = "PATH_ACCESS_DENIED"
	ErrOversizeFile        = "OVERSIZE_FILE"
	ErrParseFailure        = "PARSE_FAILURE"
	ErrNotFound            = "NOT_FOUND"
	ErrMaxSessions         = "MAX_SESSIONS"
	ErrForbiddenTopic      = "FORBIDDEN_TOPIC"
)

// Error is a failure that is reported back to the originating session.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an Error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to err.
func Wrap(code string, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of the first Error in err's chain, or "".
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
