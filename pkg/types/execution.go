package types

// ExecutionOptions are the client-supplied knobs for one execution.
// Model uses the "provider/model" format; empty selects the server default.
type ExecutionOptions struct {
	Model        string   `json:"model,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	TopP         *float64 `json:"top_p,omitempty"`
}

// ExecutionInfo is a point-in-time view of an in-flight execution.
type ExecutionInfo struct {
	ExecutionID string `json:"execution_id"`
	SessionID   string `json:"session_id"`
	ResourceID  string `json:"resource_id"`
	Model       string `json:"model,omitempty"`
	StartedAt   int64  `json:"started_at"`
	Cancelling  bool   `json:"cancelling"`
}
