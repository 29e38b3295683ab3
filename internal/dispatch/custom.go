package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opencode-ai/missionlink/internal/protocol"
	"github.com/opencode-ai/missionlink/internal/registry"
)

// ActionNotify broadcasts a notification to a topic.
const ActionNotify = "notify"

type notifyPayload struct {
	Topic   string `json:"topic"`
	Level   string `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

func (d *Dispatcher) customAction(ctx context.Context, sessionID string, c protocol.Custom) (protocol.Event, error) {
	d.mu.RLock()
	h, ok := d.custom[c.Action]
	d.mu.RUnlock()
	if !ok {
		d.log.Info().
			Str("session_id", sessionID).
			Str("action", c.Action).
			Msg("ignoring unknown custom action")
		return nil, nil
	}
	return h(ctx, sessionID, c.Payload)
}

func (d *Dispatcher) notify(_ context.Context, sessionID string, payload json.RawMessage) (protocol.Event, error) {
	var p notifyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: notify payload: %v", errInvalidRequest, err)
	}
	if err := registry.ValidateTopic(p.Topic); err != nil {
		return nil, err
	}
	if p.Level == "" {
		p.Level = "info"
	}

	n := d.registry.BroadcastToTopic(p.Topic, protocol.Push(protocol.Notification{
		Level:   p.Level,
		Title:   p.Title,
		Message: p.Message,
	}))
	d.log.Debug().
		Str("session_id", sessionID).
		Str("topic", p.Topic).
		Int("recipients", n).
		Msg("notification sent")
	return nil, nil
}
