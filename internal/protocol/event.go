package protocol

import (
	"github.com/opencode-ai/missionlink/pkg/types"
)

// Event is a server to client payload.
type Event interface {
	Kind() string
	event()
}

// Pong answers a ping.
type Pong struct{}

// Welcome is the first event on an active connection.
type Welcome struct {
	SessionID     string `json:"session_id"`
	UserID        string `json:"user_id,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

// Subscribed confirms a subscription. Snapshot is set when requested.
type Subscribed struct {
	Topic    string `json:"topic"`
	Snapshot any    `json:"snapshot,omitempty"`
}

// Unsubscribed confirms a topic was removed.
type Unsubscribed struct {
	Topic string `json:"topic"`
}

// ErrorEvent reports a failed command or a connection level problem.
type ErrorEvent struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
	Ref          string `json:"ref,omitempty"`
}

// ExecutionStarted is the synchronous reply to a start.
type ExecutionStarted struct {
	ExecutionID string `json:"execution_id"`
	ResourceID  string `json:"resource_id"`
	Model       string `json:"model,omitempty"`
}

// ExecutionToken carries a text fragment. Index is the fragment's position
// within the execution, starting at zero.
type ExecutionToken struct {
	ExecutionID string `json:"execution_id"`
	Content     string `json:"content"`
	Index       int    `json:"index"`
}

// ExecutionDelta carries a tool-call argument fragment.
type ExecutionDelta struct {
	ExecutionID string `json:"execution_id"`
	ToolCallID  string `json:"tool_call_id"`
	ToolName    string `json:"tool_name,omitempty"`
	Delta       string `json:"delta"`
}

// ExecutionCompleted is the terminal event of a successful execution.
type ExecutionCompleted struct {
	ExecutionID string                    `json:"execution_id"`
	MessageID   string                    `json:"message_id"`
	Content     string                    `json:"content"`
	Finish      string                    `json:"finish,omitempty"`
	Usage       types.TokenUsage          `json:"usage"`
	FileChanges []types.FileChangeSummary `json:"file_changes"`
	DurationMs  int64                     `json:"duration_ms"`

	// DroppedEvents counts pushes for this execution that were lost to a
	// full outbound queue. Content is complete regardless.
	DroppedEvents int `json:"dropped_events,omitempty"`
}

// ExecutionFailed is the terminal event of a failed execution.
type ExecutionFailed struct {
	ExecutionID string `json:"execution_id"`
	Error       string `json:"error"`
}

// ExecutionCancelled is the terminal event of a cancelled execution.
type ExecutionCancelled struct {
	ExecutionID string `json:"execution_id"`
}

// Resource change reasons.
const (
	ChangeMessageCreated     = "message_created"
	ChangeFileChangesCreated = "file_changes_created"
)

// ResourceChanged tells subscribers that a resource gained new state.
type ResourceChanged struct {
	ResourceID  string                    `json:"resource_id"`
	Change      string                    `json:"change"`
	MessageID   string                    `json:"message_id,omitempty"`
	ExecutionID string                    `json:"execution_id,omitempty"`
	Message     *types.Message            `json:"message,omitempty"`
	FileChanges []types.FileChangeSummary `json:"file_changes,omitempty"`
}

// State answers get_state.
type State struct {
	ResourceKind string `json:"resource_kind"`
	Data         any    `json:"data"`
}

// Notification is a free-form message for display.
type Notification struct {
	Level   string `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Heartbeat is sent every ping interval.
type Heartbeat struct {
	ServerTime int64 `json:"server_time"`
}

func (Pong) Kind() string               { return KindPong }
func (Welcome) Kind() string            { return KindWelcome }
func (Subscribed) Kind() string         { return KindSubscribed }
func (Unsubscribed) Kind() string       { return KindUnsubscribed }
func (ErrorEvent) Kind() string         { return KindError }
func (ExecutionStarted) Kind() string   { return KindExecutionStarted }
func (ExecutionToken) Kind() string     { return KindExecutionToken }
func (ExecutionDelta) Kind() string     { return KindExecutionDelta }
func (ExecutionCompleted) Kind() string { return KindExecutionCompleted }
func (ExecutionFailed) Kind() string    { return KindExecutionFailed }
func (ExecutionCancelled) Kind() string { return KindExecutionCancelled }
func (ResourceChanged) Kind() string    { return KindResourceChanged }
func (State) Kind() string              { return KindState }
func (Notification) Kind() string       { return KindNotification }
func (Heartbeat) Kind() string          { return KindHeartbeat }

func (Pong) event()               {}
func (Welcome) event()            {}
func (Subscribed) event()         {}
func (Unsubscribed) event()       {}
func (ErrorEvent) event()         {}
func (ExecutionStarted) event()   {}
func (ExecutionToken) event()     {}
func (ExecutionDelta) event()     {}
func (ExecutionCompleted) event() {}
func (ExecutionFailed) event()    {}
func (ExecutionCancelled) event() {}
func (ResourceChanged) event()    {}
func (State) event()              {}
func (Notification) event()       {}
func (Heartbeat) event()          {}

// NewError builds an error event.
func NewError(code, message string) *ErrorEvent {
	return &ErrorEvent{Code: code, Message: message}
}
