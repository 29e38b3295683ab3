package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAlreadyRunning is returned by Start when the session already runs an
	// execution for the resource.
	ErrAlreadyRunning = errors.New("execution already running")
	// ErrNoBackendAvailable is returned by Start when no backend serves the
	// requested model.
	ErrNoBackendAvailable = errors.New("no backend available")
	// ErrExecutionNotFound is returned by Cancel for unknown or finishing
	// executions.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrShutdown is returned by Start after Shutdown.
	ErrShutdown = errors.New("engine shut down")
)

// RateLimitedError is returned by Start when the admission limiter rejects
// the request.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}
