package dispatch

import (
	"context"
	"fmt"

	"github.com/opencode-ai/missionlink/internal/protocol"
	"github.com/opencode-ai/missionlink/internal/registry"
	"github.com/opencode-ai/missionlink/internal/storage"
	"github.com/opencode-ai/missionlink/pkg/types"
)

// State kinds accepted by get_state.
const (
	StateResource    = "resource"
	StateMission     = types.KindMission
	StateSpec        = types.KindSpec
	StateMessages    = "messages"
	StateFileChanges = "file_changes"
	StateExecution   = "execution"
	StateSession     = "session"
)

// SessionState is the view of a session returned by get_state.
type SessionState struct {
	SessionID      string   `json:"session_id"`
	UserID         string   `json:"user_id,omitempty"`
	ClientID       string   `json:"client_id,omitempty"`
	Authenticated  bool     `json:"authenticated"`
	Subscriptions  []string `json:"subscriptions"`
	ConnectedAt    int64    `json:"connected_at"`
	LastActivityAt int64    `json:"last_activity_at"`
}

func (d *Dispatcher) getState(ctx context.Context, sessionID string, c protocol.GetState) (protocol.Event, error) {
	var data any
	switch c.ResourceKind {
	case StateResource, StateMission, StateSpec:
		res, err := d.store.GetResource(ctx, c.ID)
		if err != nil {
			return nil, storageErr(err)
		}
		if c.ResourceKind != StateResource && res.Kind != c.ResourceKind {
			return nil, fmt.Errorf("%s %s: %w", c.ResourceKind, c.ID, storage.ErrNotFound)
		}
		data = res

	case StateMessages:
		if _, err := d.store.GetResource(ctx, c.ID); err != nil {
			return nil, storageErr(err)
		}
		msgs, err := d.store.ListMessages(ctx, c.ID)
		if err != nil {
			return nil, storageErr(err)
		}
		data = msgs

	case StateFileChanges:
		if _, err := d.store.GetResource(ctx, c.ID); err != nil {
			return nil, storageErr(err)
		}
		changes, err := d.store.ListFileChanges(ctx, c.ID)
		if err != nil {
			return nil, storageErr(err)
		}
		data = changes

	case StateExecution:
		info, ok := d.engine.Snapshot(c.ID)
		if !ok {
			return nil, fmt.Errorf("execution %s: %w", c.ID, storage.ErrNotFound)
		}
		data = info

	case StateSession:
		s, ok := d.registry.Get(c.ID)
		if !ok || c.ID != sessionID {
			return nil, fmt.Errorf("session %s: %w", c.ID, storage.ErrNotFound)
		}
		data = sessionState(s)

	default:
		return nil, fmt.Errorf("%w: unknown resource kind %q", errInvalidRequest, c.ResourceKind)
	}
	return protocol.State{ResourceKind: c.ResourceKind, Data: data}, nil
}

func sessionState(s *registry.Session) SessionState {
	return SessionState{
		SessionID:      s.ID,
		UserID:         s.UserID,
		ClientID:       s.ClientID,
		Authenticated:  s.Authenticated,
		Subscriptions:  s.Topics(),
		ConnectedAt:    s.ConnectedAt.UnixMilli(),
		LastActivityAt: s.LastActivityAt.UnixMilli(),
	}
}

