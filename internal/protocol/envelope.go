package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps a payload with its correlation id, kind and creation time.
// It is immutable once built.
type Envelope[T Event] struct {
	ID        string // request_id of the command answered, empty for pushed events
	Kind      string
	Timestamp int64 // unix milliseconds
	Payload   T
}

// Outbound is the envelope type carried by outbound queues.
type Outbound = Envelope[Event]

// Wrap builds an envelope for payload.
func Wrap[T Event](id string, payload T) Envelope[T] {
	return Envelope[T]{
		ID:        id,
		Kind:      payload.Kind(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}

// Reply builds an outbound envelope answering the command with the given id.
func Reply(id string, ev Event) Outbound {
	return Wrap[Event](id, ev)
}

// Push builds an outbound envelope that is not a reply to any command.
func Push(ev Event) Outbound {
	return Wrap[Event]("", ev)
}

// MarshalJSON flattens the payload fields next to "type", "request_id" and "timestamp".
func (e Envelope[T]) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Kind, err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%s payload is not an object: %w", e.Kind, err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 3)
	}

	kind, _ := json.Marshal(e.Kind)
	fields["type"] = kind
	if e.ID != "" {
		id, _ := json.Marshal(e.ID)
		fields["request_id"] = id
	}
	fields["timestamp"] = json.RawMessage(fmt.Sprintf("%d", e.Timestamp))

	return json.Marshal(fields)
}
