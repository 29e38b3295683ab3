package dispatch

import (
	"errors"
	"fmt"

	"github.com/opencode-ai/missionlink/internal/engine"
	"github.com/opencode-ai/missionlink/internal/protocol"
	"github.com/opencode-ai/missionlink/internal/registry"
	"github.com/opencode-ai/missionlink/internal/storage"
)

var (
	errInvalidRequest = errors.New("invalid request")
	errStorage        = errors.New("storage error")
)

// storageErr marks an error as coming from the store. Not-found and invalid
// errors keep their own codes.
func storageErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", errStorage, err)
}

// errorEvent maps a domain error to the error event sent to the client.
// Unexpected errors are reported without detail.
func errorEvent(err error) *protocol.ErrorEvent {
	var rl *engine.RateLimitedError
	var de *protocol.DecodeError

	switch {
	case errors.As(err, &de):
		return de.Event()
	case errors.As(err, &rl):
		ev := protocol.NewError(protocol.CodeRateLimited, "too many executions, retry later")
		ev.RetryAfterMs = rl.RetryAfter.Milliseconds()
		return ev
	case errors.Is(err, engine.ErrAlreadyRunning):
		return protocol.NewError(protocol.CodeAlreadyRunning, "an execution is already running for this resource")
	case errors.Is(err, engine.ErrNoBackendAvailable):
		return protocol.NewError(protocol.CodeNoBackend, "no backend available for the requested model")
	case errors.Is(err, engine.ErrExecutionNotFound):
		return protocol.NewError(protocol.CodeCancelFailed, err.Error())
	case errors.Is(err, engine.ErrShutdown):
		return protocol.NewError(protocol.CodeInternalError, "server is shutting down")
	case errors.Is(err, storage.ErrNotFound):
		return protocol.NewError(protocol.CodeNotFound, err.Error())
	case errors.Is(err, storage.ErrInvalid):
		return protocol.NewError(protocol.CodeInvalidRequest, err.Error())
	case errors.Is(err, registry.ErrInvalidTopic):
		return protocol.NewError(protocol.CodeInvalidChannel, err.Error())
	case errors.Is(err, registry.ErrChannelFull):
		return protocol.NewError(protocol.CodeQueueFull, "outbound queue full")
	case errors.Is(err, errInvalidRequest):
		return protocol.NewError(protocol.CodeInvalidRequest, err.Error())
	case errors.Is(err, errStorage):
		return protocol.NewError(protocol.CodeStorageError, "storage error")
	default:
		return protocol.NewError(protocol.CodeInternalError, "internal error")
	}
}
