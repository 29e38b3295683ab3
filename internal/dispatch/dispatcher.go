// Package dispatch routes decoded commands to the registry and the engine and
// produces at most one synchronous reply per command.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/missionlink/internal/engine"
	"github.com/opencode-ai/missionlink/internal/logging"
	"github.com/opencode-ai/missionlink/internal/protocol"
	"github.com/opencode-ai/missionlink/internal/registry"
	"github.com/opencode-ai/missionlink/pkg/types"
)

// Store is the persistence the dispatcher reads and writes.
type Store interface {
	GetResource(ctx context.Context, id string) (*types.Resource, error)
	ListMessages(ctx context.Context, resourceID string) ([]*types.Message, error)
	CreateMessage(ctx context.Context, msg *types.Message) error
	ListFileChanges(ctx context.Context, resourceID string) ([]*types.FileChangeProposal, error)
}

// Executor is the part of the engine the dispatcher drives.
type Executor interface {
	Start(ctx context.Context, req engine.StartRequest) (types.ExecutionInfo, error)
	Cancel(executionID string) error
	Snapshot(executionID string) (types.ExecutionInfo, bool)
}

// CustomHandler serves one custom action. A nil event means no reply.
type CustomHandler func(ctx context.Context, sessionID string, payload json.RawMessage) (protocol.Event, error)

// Dispatcher is stateless apart from its custom action table.
type Dispatcher struct {
	registry *registry.Registry
	engine   Executor
	store    Store
	log      zerolog.Logger

	mu     sync.RWMutex
	custom map[string]CustomHandler
}

// New creates a dispatcher with the built-in custom actions registered.
func New(reg *registry.Registry, eng Executor, store Store) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		engine:   eng,
		store:    store,
		log:      logging.Component("dispatch"),
		custom:   make(map[string]CustomHandler),
	}
	d.Handle(ActionNotify, d.notify)
	return d
}

// Handle registers a custom action, replacing any previous handler.
func (d *Dispatcher) Handle(action string, h CustomHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.custom[action] = h
}

// DispatchFrame decodes a raw frame and dispatches it. Frames that do not
// decode are answered with an error and never reach a handler.
func (d *Dispatcher) DispatchFrame(ctx context.Context, sessionID string, data []byte) *protocol.Outbound {
	cmd, id, err := protocol.Decode(data)
	if err != nil {
		d.log.Debug().Err(err).Str("session_id", sessionID).Msg("undecodable frame")
		return reply(id, errorEvent(err))
	}
	return d.Dispatch(ctx, sessionID, id, cmd)
}

// Dispatch handles one command from a session. id is the frame's correlation
// id and is echoed on the reply.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID, id string, cmd protocol.Command) (out *protocol.Outbound) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Interface("panic", r).
				Str("session_id", sessionID).
				Str("kind", cmd.Kind()).
				Str("stack", string(debug.Stack())).
				Msg("dispatch panicked")
			out = reply(id, protocol.NewError(protocol.CodeInternalError, "internal error"))
		}
	}()

	ev, err := d.route(ctx, sessionID, id, cmd)
	if err != nil {
		d.log.Debug().
			Err(err).
			Str("session_id", sessionID).
			Str("kind", cmd.Kind()).
			Msg("command failed")
		return reply(id, errorEvent(err))
	}
	if ev == nil {
		return nil
	}
	return reply(id, ev)
}

func (d *Dispatcher) route(ctx context.Context, sessionID, id string, cmd protocol.Command) (protocol.Event, error) {
	switch c := cmd.(type) {
	case protocol.Ping:
		return protocol.Pong{}, nil
	case protocol.HeartbeatAck:
		return nil, nil
	case protocol.Subscribe:
		return d.subscribe(ctx, sessionID, c)
	case protocol.Unsubscribe:
		return d.unsubscribe(sessionID, c)
	case protocol.StartExecution:
		return d.startExecution(ctx, sessionID, id, c.ResourceID, c.Options)
	case protocol.CancelExecution:
		return d.cancelExecution(sessionID, c)
	case protocol.SendMessage:
		return d.sendMessage(ctx, sessionID, id, c)
	case protocol.GetState:
		return d.getState(ctx, sessionID, c)
	case protocol.Ack:
		d.log.Trace().Str("session_id", sessionID).Str("message_id", c.MessageID).Msg("ack")
		return nil, nil
	case protocol.Custom:
		return d.customAction(ctx, sessionID, c)
	case protocol.Authenticate:
		return nil, fmt.Errorf("%w: already authenticated", errInvalidRequest)
	case protocol.Unknown:
		return protocol.UnknownKindError(c.Type), nil
	default:
		return protocol.UnknownKindError(cmd.Kind()), nil
	}
}

func reply(id string, ev protocol.Event) *protocol.Outbound {
	out := protocol.Reply(id, ev)
	return &out
}

func (d *Dispatcher) subscribe(ctx context.Context, sessionID string, c protocol.Subscribe) (protocol.Event, error) {
	if err := registry.ValidateTopic(c.Topic); err != nil {
		return nil, err
	}

	var snapshot any
	if c.Params != nil && c.Params.Snapshot {
		if resourceID, ok := registry.ResourceIDFromTopic(c.Topic); ok {
			snap, err := d.resourceSnapshot(ctx, resourceID)
			if err != nil {
				return nil, err
			}
			snapshot = snap
		}
	}

	if err := d.registry.Update(sessionID, func(s *registry.Session) { s.Subscribe(c.Topic) }); err != nil {
		return nil, err
	}
	return protocol.Subscribed{Topic: c.Topic, Snapshot: snapshot}, nil
}

func (d *Dispatcher) unsubscribe(sessionID string, c protocol.Unsubscribe) (protocol.Event, error) {
	if err := d.registry.Update(sessionID, func(s *registry.Session) { s.Unsubscribe(c.Topic) }); err != nil {
		return nil, err
	}
	return protocol.Unsubscribed{Topic: c.Topic}, nil
}

// startExecution returns no event on success: the engine pushes
// execution_started, carrying id, ahead of the stream.
func (d *Dispatcher) startExecution(ctx context.Context, sessionID, id, resourceID string, opts types.ExecutionOptions) (protocol.Event, error) {
	_, err := d.engine.Start(ctx, engine.StartRequest{
		SessionID:  sessionID,
		ResourceID: resourceID,
		Options:    opts,
		RequestID:  id,
	})
	return nil, err
}

// cancelExecution confirms nothing synchronously; execution_cancelled follows
// from the engine. Other sessions' executions are reported as unknown.
func (d *Dispatcher) cancelExecution(sessionID string, c protocol.CancelExecution) (protocol.Event, error) {
	info, ok := d.engine.Snapshot(c.ExecutionID)
	if !ok || info.SessionID != sessionID {
		return nil, fmt.Errorf("%w: %s", engine.ErrExecutionNotFound, c.ExecutionID)
	}
	return nil, d.engine.Cancel(c.ExecutionID)
}

func (d *Dispatcher) sendMessage(ctx context.Context, sessionID, id string, c protocol.SendMessage) (protocol.Event, error) {
	res, err := d.store.GetResource(ctx, c.ResourceID)
	if err != nil {
		return nil, storageErr(err)
	}

	msg := &types.Message{
		ResourceID: res.ID,
		Role:       types.RoleUser,
		Content:    c.Content,
		SessionID:  sessionID,
	}
	if err := d.store.CreateMessage(ctx, msg); err != nil {
		return nil, storageErr(err)
	}

	changed := protocol.ResourceChanged{
		ResourceID: res.ID,
		Change:     protocol.ChangeMessageCreated,
		MessageID:  msg.ID,
		Message:    msg,
	}
	d.registry.BroadcastToTopics(
		registry.ResourceTopics(res.Kind, res.ID),
		protocol.Push(changed),
		sessionID,
	)

	if c.AutoStart {
		return d.startExecution(ctx, sessionID, id, res.ID, c.Options)
	}
	return changed, nil
}

// ResourceSnapshot is the state attached to resource subscriptions.
type ResourceSnapshot struct {
	Resource *types.Resource  `json:"resource"`
	Messages []*types.Message `json:"messages"`
}

func (d *Dispatcher) resourceSnapshot(ctx context.Context, resourceID string) (*ResourceSnapshot, error) {
	res, err := d.store.GetResource(ctx, resourceID)
	if err != nil {
		return nil, storageErr(err)
	}
	msgs, err := d.store.ListMessages(ctx, resourceID)
	if err != nil {
		return nil, storageErr(err)
	}
	return &ResourceSnapshot{Resource: res, Messages: msgs}, nil
}
