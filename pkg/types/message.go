package types

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one durable entry in a resource's conversation.
type Message struct {
	ID          string      `json:"id"`
	ResourceID  string      `json:"resource_id"`
	Role        string      `json:"role"` // "user" | "assistant" | "system"
	Content     string      `json:"content"`
	ExecutionID string      `json:"execution_id,omitempty"`
	SessionID   string      `json:"session_id,omitempty"`
	Finish      string      `json:"finish,omitempty"`
	Tokens      *TokenUsage `json:"tokens,omitempty"`
	Time        MessageTime `json:"time"`
}

// MessageTime contains timestamps for a message.
type MessageTime struct {
	Created   int64  `json:"created"`
	Completed *int64 `json:"completed,omitempty"`
}

// TokenUsage contains token usage statistics for an execution.
// All fields are always emitted.
type TokenUsage struct {
	Input     int `json:"input"`
	Output    int `json:"output"`
	Reasoning int `json:"reasoning"`
}

// Total returns the sum of input and output tokens.
func (u TokenUsage) Total() int {
	return u.Input + u.Output
}
