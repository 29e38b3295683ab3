// Package protocol defines the websocket wire protocol: the envelope that
// wraps every frame, the closed set of client commands, the closed set of
// server events, and the decoder that turns raw frames into commands.
//
// Frames are flat JSON objects discriminated by their "type" field:
//
//	{"type": "subscribe", "request_id": "7", "topic": "resource:abc"}
//	{"type": "subscribed", "request_id": "7", "timestamp": 1700000000000, "topic": "resource:abc"}
//
// Replies to a command echo the command's "request_id". Events pushed outside
// a request/reply exchange carry none; execution-scoped events always carry
// "execution_id" so a client can demultiplex concurrent streams.
//
// Execution events are best effort under back-pressure: when a session's
// outbound queue is full a push is dropped rather than blocking the stream.
// A gap in execution_token "index" values shows the loss, and the terminal
// execution_completed carries the full "content" together with a
// "dropped_events" count.
package protocol
