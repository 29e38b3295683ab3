package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/agnivade/levenshtein"
)

type header struct {
	Type      string          `json:"type"`
	RequestID json.RawMessage `json:"request_id,omitempty"`
}

// Decode parses one inbound frame. It returns the command, the frame's
// "request_id" and, for malformed frames, a *DecodeError. The id is returned
// whenever it could be read so that error replies can still be correlated.
// An unrecognized type decodes to Unknown without error.
func Decode(data []byte) (Command, string, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, "", &DecodeError{Code: CodeInvalidMessage, Err: err}
	}
	id := correlationID(h.RequestID)
	if h.Type == "" {
		return nil, id, &DecodeError{Code: CodeInvalidMessage, Field: "type", Err: errors.New("missing type")}
	}

	cmd, field, err := decodeCommand(h.Type, data)
	if err != nil {
		return nil, id, &DecodeError{Code: CodeInvalidMessage, Kind: h.Type, Err: err}
	}
	if field != "" {
		return nil, id, &DecodeError{Code: CodeInvalidMessage, Kind: h.Type, Field: field}
	}
	return cmd, id, nil
}

// decodeCommand returns the name of the first missing required field, if any.
func decodeCommand(kind string, data []byte) (Command, string, error) {
	switch kind {
	case KindPing:
		return Ping{}, "", nil
	case KindPong:
		return HeartbeatAck{}, "", nil
	case KindSubscribe:
		var c Subscribe
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, "", err
		}
		return c, required("topic", c.Topic), nil
	case KindUnsubscribe:
		var c Unsubscribe
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, "", err
		}
		return c, required("topic", c.Topic), nil
	case KindStartExecution:
		var c StartExecution
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, "", err
		}
		return c, required("resource_id", c.ResourceID), nil
	case KindCancelExecution:
		var c CancelExecution
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, "", err
		}
		return c, required("execution_id", c.ExecutionID), nil
	case KindSendMessage:
		var c SendMessage
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, "", err
		}
		return c, required("resource_id", c.ResourceID, "content", c.Content), nil
	case KindGetState:
		var c GetState
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, "", err
		}
		return c, required("resource_kind", c.ResourceKind, "id", c.ID), nil
	case KindAck:
		var c Ack
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, "", err
		}
		return c, required("message_id", c.MessageID), nil
	case KindCustom:
		var c Custom
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, "", err
		}
		return c, required("action", c.Action), nil
	case KindAuthenticate:
		var c Authenticate
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, "", err
		}
		return c, required("token", c.Token), nil
	default:
		return Unknown{Type: kind}, "", nil
	}
}

// required takes name/value pairs and returns the first name with a blank value.
func required(pairs ...string) string {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return pairs[i]
		}
	}
	return ""
}

// correlationID accepts string or numeric ids.
func correlationID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Suggest returns the known command kind closest to kind, or "" when none is
// within an edit distance of two.
func Suggest(kind string) string {
	best, bestDist := "", 3
	for _, known := range InboundKinds {
		if d := levenshtein.ComputeDistance(kind, known); d < bestDist {
			best, bestDist = known, d
		}
	}
	return best
}

// UnknownKindError builds the error event for an unrecognized command type.
func UnknownKindError(kind string) *ErrorEvent {
	msg := "unknown message type: " + kind
	if s := Suggest(kind); s != "" {
		msg += " (did you mean " + s + "?)"
	}
	return &ErrorEvent{Code: CodeUnknownMessage, Message: msg, Ref: kind}
}
