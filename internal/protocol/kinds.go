package protocol

// Inbound (client to server) kinds.
const (
	KindPing            = "ping"
	KindSubscribe       = "subscribe"
	KindUnsubscribe     = "unsubscribe"
	KindStartExecution  = "start_execution"
	KindCancelExecution = "cancel_execution"
	KindSendMessage     = "send_message"
	KindGetState        = "get_state"
	KindAck             = "ack"
	KindCustom          = "custom"
	KindAuthenticate    = "authenticate"
)

// Outbound (server to client) kinds. KindPong is shared: clients may also
// send "pong" in answer to a heartbeat.
const (
	KindPong               = "pong"
	KindWelcome            = "welcome"
	KindSubscribed         = "subscribed"
	KindUnsubscribed       = "unsubscribed"
	KindError              = "error"
	KindExecutionStarted   = "execution_started"
	KindExecutionToken     = "execution_token"
	KindExecutionDelta     = "execution_delta"
	KindExecutionCompleted = "execution_completed"
	KindExecutionFailed    = "execution_failed"
	KindExecutionCancelled = "execution_cancelled"
	KindResourceChanged    = "resource_changed"
	KindState              = "state"
	KindNotification       = "notification"
	KindHeartbeat          = "heartbeat"
)

// InboundKinds lists every command kind the server understands.
var InboundKinds = []string{
	KindPing,
	KindPong,
	KindSubscribe,
	KindUnsubscribe,
	KindStartExecution,
	KindCancelExecution,
	KindSendMessage,
	KindGetState,
	KindAck,
	KindCustom,
	KindAuthenticate,
}
