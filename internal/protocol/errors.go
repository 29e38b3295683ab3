package protocol

import (
	"fmt"
)

// Error codes carried by error events.
const (
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeUnknownMessage = "UNKNOWN_MESSAGE"
	CodeInvalidChannel = "INVALID_CHANNEL"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeAlreadyRunning = "ALREADY_RUNNING"
	CodeNoBackend      = "NO_BACKEND"
	CodeCancelFailed   = "CANCEL_FAILED"
	CodeNotFound       = "NOT_FOUND"
	CodeRateLimited    = "RATE_LIMITED"
	CodeQueueFull      = "QUEUE_FULL"
	CodeAuthRequired   = "AUTH_REQUIRED"
	CodeAuthFailed     = "AUTH_FAILED"
	CodeAuthTimeout    = "AUTH_TIMEOUT"
	CodeStorageError   = "STORAGE_ERROR"
	CodeInternalError  = "INTERNAL_ERROR"
)

// DecodeError describes a frame that could not be turned into a command.
type DecodeError struct {
	Code  string // wire error code
	Kind  string // frame type, when it could be read
	Field string // missing or invalid field, if any
	Err   error
}

func (e *DecodeError) Error() string {
	switch {
	case e.Field != "" && e.Kind == "":
		return fmt.Sprintf("invalid message: missing field %q", e.Field)
	case e.Field != "":
		return fmt.Sprintf("invalid %s message: missing or invalid field %q", e.Kind, e.Field)
	case e.Err != nil:
		return fmt.Sprintf("invalid message: %v", e.Err)
	default:
		return "invalid message"
	}
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Event returns the error event reported to the sender of the frame.
func (e *DecodeError) Event() *ErrorEvent {
	return &ErrorEvent{Code: e.Code, Message: e.Error(), Ref: e.Kind}
}
