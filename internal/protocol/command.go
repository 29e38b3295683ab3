package protocol

import (
	"encoding/json"

	"github.com/opencode-ai/missionlink/pkg/types"
)

// Command is a decoded client to server frame.
type Command interface {
	Kind() string
	command()
}

// Ping asks the server for a pong.
type Ping struct{}

// HeartbeatAck is a client "pong" answering a heartbeat. It only refreshes activity.
type HeartbeatAck struct{}

// Subscribe adds a topic to the session's subscriptions.
type Subscribe struct {
	Topic  string           `json:"topic"`
	Params *SubscribeParams `json:"params,omitempty"`
}

// SubscribeParams are optional subscription modifiers.
type SubscribeParams struct {
	Snapshot bool `json:"snapshot,omitempty"`
}

// Unsubscribe removes a topic from the session's subscriptions.
type Unsubscribe struct {
	Topic string `json:"topic"`
}

// StartExecution starts a streaming execution for a resource.
type StartExecution struct {
	ResourceID string                 `json:"resource_id"`
	Options    types.ExecutionOptions `json:"options"`
}

// CancelExecution cancels a running execution.
type CancelExecution struct {
	ExecutionID string `json:"execution_id"`
}

// SendMessage appends a user message to a resource's conversation.
type SendMessage struct {
	ResourceID string                 `json:"resource_id"`
	Content    string                 `json:"content"`
	AutoStart  bool                   `json:"auto_start,omitempty"`
	Options    types.ExecutionOptions `json:"options"`
}

// GetState fetches the current state of a resource or session.
type GetState struct {
	ResourceKind string `json:"resource_kind"`
	ID           string `json:"id"`
}

// Ack acknowledges a received message.
type Ack struct {
	MessageID string `json:"message_id"`
}

// Custom is an application defined action.
type Custom struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Authenticate carries a bearer credential during the authentication phase.
type Authenticate struct {
	Token string `json:"token"`
}

// Unknown is a well-formed frame whose type is not a known command.
type Unknown struct {
	Type string
}

func (Ping) Kind() string            { return KindPing }
func (HeartbeatAck) Kind() string    { return KindPong }
func (Subscribe) Kind() string       { return KindSubscribe }
func (Unsubscribe) Kind() string     { return KindUnsubscribe }
func (StartExecution) Kind() string  { return KindStartExecution }
func (CancelExecution) Kind() string { return KindCancelExecution }
func (SendMessage) Kind() string     { return KindSendMessage }
func (GetState) Kind() string        { return KindGetState }
func (Ack) Kind() string             { return KindAck }
func (Custom) Kind() string          { return KindCustom }
func (Authenticate) Kind() string    { return KindAuthenticate }
func (u Unknown) Kind() string       { return u.Type }

func (Ping) command()            {}
func (HeartbeatAck) command()    {}
func (Subscribe) command()       {}
func (Unsubscribe) command()     {}
func (StartExecution) command()  {}
func (CancelExecution) command() {}
func (SendMessage) command()     {}
func (GetState) command()        {}
func (Ack) command()             {}
func (Custom) command()          {}
func (Authenticate) command()    {}
func (Unknown) command()         {}
