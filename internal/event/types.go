package event

// Disconnect reasons.
const (
	ReasonClientClosed   = "client-closed"
	ReasonTimeout        = "timeout"
	ReasonAuthFailed     = "auth-failed"
	ReasonServerShutdown = "server-shutdown"
	ReasonRateLimited    = "rate-limited"
	ReasonTransportError = "transport-error"
)

// Execution outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// ConnectionData is the data for connection.* events.
type ConnectionData struct {
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id,omitempty"`
	ClientID   string `json:"client_id,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// ExecutionData is the data for execution.* events.
type ExecutionData struct {
	ExecutionID string `json:"execution_id"`
	SessionID   string `json:"session_id"`
	ResourceID  string `json:"resource_id"`
	Outcome     string `json:"outcome,omitempty"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
}
