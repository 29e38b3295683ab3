// Package backend defines the contract between the execution engine and the
// model backends that produce streamed output.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/opencode-ai/missionlink/pkg/types"
)

// ErrNoBackend is returned when no backend serves a requested model.
var ErrNoBackend = errors.New("no backend available")

// Request is everything a backend needs to produce one streamed response.
type Request struct {
	ExecutionID  string
	ResourceID   string
	Model        string // model id within the backend, provider prefix removed
	SystemPrompt string
	Messages     []*types.Message
	MaxTokens    int
	Temperature  *float64
	TopP         *float64
}

// Backend opens streams against one model provider.
type Backend interface {
	// Name returns the provider id, e.g. "anthropic".
	Name() string
	// OpenStream starts a response. Cancelling ctx aborts the stream.
	OpenStream(ctx context.Context, req *Request) (Stream, error)
}

// Stream is an ordered sequence of units. Recv returns io.EOF once the
// stream is exhausted; a Done unit normally precedes it.
type Stream interface {
	Recv() (Unit, error)
	Close()
}

// Resolver maps a "provider/model" string to a backend and the model id to
// request from it. An empty model selects the default.
type Resolver interface {
	Resolve(model string) (Backend, string, error)
}

// Unit is one element of a backend stream.
type Unit interface {
	unit()
}

// Token is a single generated text token.
type Token struct {
	Text string
}

// ContentDelta is a chunk of generated text of arbitrary size.
type ContentDelta struct {
	Text string
}

// Usage reports token counts. Later usage units replace earlier ones.
type Usage struct {
	Input     int
	Output    int
	Reasoning int
}

// ToolCallFragment is a piece of a tool call's JSON arguments. Fragments of
// one call share ID; Name is usually set on the first fragment only.
type ToolCallFragment struct {
	ID        string
	Index     int
	Name      string
	Arguments string
}

// Done terminates a stream successfully.
type Done struct {
	Reason string
}

// Failure terminates a stream with an error.
type Failure struct {
	Err error
}

func (Token) unit()            {}
func (ContentDelta) unit()     {}
func (Usage) unit()            {}
func (ToolCallFragment) unit() {}
func (Done) unit()             {}
func (Failure) unit()          {}

// Error implements error so a Failure can be returned directly.
func (f Failure) Error() string {
	if f.Err == nil {
		return "backend failure"
	}
	return f.Err.Error()
}

func (f Failure) Unwrap() error {
	return f.Err
}

// NotFoundError wraps ErrNoBackend with the model that could not be resolved.
func NotFoundError(model string) error {
	return fmt.Errorf("%w for model %q", ErrNoBackend, model)
}
