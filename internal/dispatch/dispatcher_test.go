package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/missionlink/internal/engine"
	"github.com/opencode-ai/missionlink/internal/protocol"
	"github.com/opencode-ai/missionlink/internal/registry"
	"github.com/opencode-ai/missionlink/internal/storage"
	"github.com/opencode-ai/missionlink/pkg/types"
)

type fakeExecutor struct {
	mu        sync.Mutex
	starts    []engine.StartRequest
	cancels   []string
	startErr  error
	cancelErr error
	running   map[string]types.ExecutionInfo
}

func (f *fakeExecutor) Start(_ context.Context, req engine.StartRequest) (types.ExecutionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, req)
	if f.startErr != nil {
		return types.ExecutionInfo{}, f.startErr
	}
	return types.ExecutionInfo{ExecutionID: "exec-1", SessionID: req.SessionID, ResourceID: req.ResourceID}, nil
}

func (f *fakeExecutor) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, id)
	return f.cancelErr
}

func (f *fakeExecutor) Snapshot(id string) (types.ExecutionInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.running[id]
	return info, ok
}

type sink struct {
	mu   sync.Mutex
	msgs []protocol.Outbound
}

func (s *sink) Enqueue(msg protocol.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *sink) received() []protocol.Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Outbound(nil), s.msgs...)
}

type fixture struct {
	d        *Dispatcher
	reg      *registry.Registry
	repo     *storage.Repository
	exec     *fakeExecutor
	resource *types.Resource
	self     *sink
	peer     *sink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := storage.NewRepository(storage.NewMemory())
	res := &types.Resource{Kind: types.KindMission, Title: "Launch"}
	require.NoError(t, repo.CreateResource(context.Background(), res))

	reg := registry.New(4)
	self, peer := &sink{}, &sink{}
	require.NoError(t, reg.Register(registry.NewSession("s1"), self))
	require.NoError(t, reg.Register(registry.NewSession("s2"), peer))

	exec := &fakeExecutor{running: map[string]types.ExecutionInfo{}}
	return &fixture{
		d:        New(reg, exec, repo),
		reg:      reg,
		repo:     repo,
		exec:     exec,
		resource: res,
		self:     self,
		peer:     peer,
	}
}

func (f *fixture) frame(t *testing.T, raw string) *protocol.Outbound {
	t.Helper()
	return f.d.DispatchFrame(context.Background(), "s1", []byte(raw))
}

func errorCode(t *testing.T, out *protocol.Outbound) string {
	t.Helper()
	require.NotNil(t, out)
	ev, ok := out.Payload.(*protocol.ErrorEvent)
	require.True(t, ok, "expected error event, got %s", out.Kind)
	return ev.Code
}

func TestDispatch_Ping(t *testing.T) {
	f := newFixture(t)
	out := f.frame(t, `{"type":"ping","request_id":"p1"}`)
	require.NotNil(t, out)
	assert.Equal(t, protocol.KindPong, out.Kind)
	assert.Equal(t, "p1", out.ID)
}

func TestDispatch_SubscribeAndUnsubscribe(t *testing.T) {
	f := newFixture(t)

	out := f.frame(t, `{"type":"subscribe","topic":"resource:abc"}`)
	require.NotNil(t, out)
	assert.Equal(t, protocol.KindSubscribed, out.Kind)
	assert.Equal(t, protocol.Subscribed{Topic: "resource:abc"}, out.Payload)

	s, ok := f.reg.Get("s1")
	require.True(t, ok)
	assert.True(t, s.IsSubscribed("resource:abc"))

	out = f.frame(t, `{"type":"unsubscribe","topic":"resource:abc"}`)
	assert.Equal(t, protocol.Unsubscribed{Topic: "resource:abc"}, out.Payload)
	out = f.frame(t, `{"type":"unsubscribe","topic":"resource:abc"}`)
	assert.Equal(t, protocol.KindUnsubscribed, out.Kind)

	s, _ = f.reg.Get("s1")
	assert.Empty(t, s.Topics())
}

func TestDispatch_SubscribeInvalidTopic(t *testing.T) {
	f := newFixture(t)
	for _, topic := range []string{"nonsense:abc", "resource:", "resource:a b"} {
		out := f.frame(t, `{"type":"subscribe","topic":"`+topic+`"}`)
		assert.Equal(t, protocol.CodeInvalidChannel, errorCode(t, out), topic)
	}
}

func TestDispatch_SubscribeWithSnapshot(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.repo.CreateMessage(context.Background(), &types.Message{
		ResourceID: f.resource.ID, Role: types.RoleUser, Content: "hi",
	}))

	out := f.frame(t, `{"type":"subscribe","topic":"mission:`+f.resource.ID+`","params":{"snapshot":true}}`)
	require.Equal(t, protocol.KindSubscribed, out.Kind)
	snap, ok := out.Payload.(protocol.Subscribed).Snapshot.(*ResourceSnapshot)
	require.True(t, ok)
	assert.Equal(t, f.resource.ID, snap.Resource.ID)
	assert.Len(t, snap.Messages, 1)

	out = f.frame(t, `{"type":"subscribe","topic":"resource:missing","params":{"snapshot":true}}`)
	assert.Equal(t, protocol.CodeNotFound, errorCode(t, out))
	s, _ := f.reg.Get("s1")
	assert.False(t, s.IsSubscribed("resource:missing"))
}

func TestDispatch_StartExecution(t *testing.T) {
	f := newFixture(t)

	out := f.frame(t, `{"type":"start_execution","request_id":7,"resource_id":"abc","options":{"model":"local/echo"}}`)
	assert.Nil(t, out)
	require.Len(t, f.exec.starts, 1)
	assert.Equal(t, engine.StartRequest{
		SessionID:  "s1",
		ResourceID: "abc",
		Options:    types.ExecutionOptions{Model: "local/echo"},
		RequestID:  "7",
	}, f.exec.starts[0])
}

func TestDispatch_StartExecutionErrors(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{engine.ErrAlreadyRunning, protocol.CodeAlreadyRunning},
		{engine.ErrNoBackendAvailable, protocol.CodeNoBackend},
		{&engine.RateLimitedError{RetryAfter: 2 * time.Second}, protocol.CodeRateLimited},
		{storage.ErrNotFound, protocol.CodeNotFound},
		{errors.New("boom"), protocol.CodeInternalError},
	}
	for _, tt := range tests {
		f := newFixture(t)
		f.exec.startErr = tt.err
		out := f.frame(t, `{"type":"start_execution","request_id":"x","resource_id":"abc"}`)
		assert.Equal(t, tt.code, errorCode(t, out))
		assert.Equal(t, "x", out.ID)
		if tt.code == protocol.CodeRateLimited {
			assert.EqualValues(t, 2000, out.Payload.(*protocol.ErrorEvent).RetryAfterMs)
		}
		if tt.code == protocol.CodeInternalError {
			assert.NotContains(t, out.Payload.(*protocol.ErrorEvent).Message, "boom")
		}
	}
}

func TestDispatch_CancelExecution(t *testing.T) {
	f := newFixture(t)
	f.exec.running["mine"] = types.ExecutionInfo{ExecutionID: "mine", SessionID: "s1"}
	f.exec.running["theirs"] = types.ExecutionInfo{ExecutionID: "theirs", SessionID: "s2"}

	assert.Nil(t, f.frame(t, `{"type":"cancel_execution","execution_id":"mine"}`))
	assert.Equal(t, []string{"mine"}, f.exec.cancels)

	out := f.frame(t, `{"type":"cancel_execution","execution_id":"unknown"}`)
	assert.Equal(t, protocol.CodeCancelFailed, errorCode(t, out))

	out = f.frame(t, `{"type":"cancel_execution","execution_id":"theirs"}`)
	assert.Equal(t, protocol.CodeCancelFailed, errorCode(t, out))
	assert.Equal(t, []string{"mine"}, f.exec.cancels)

	f.exec.cancelErr = engine.ErrExecutionNotFound
	out = f.frame(t, `{"type":"cancel_execution","execution_id":"mine"}`)
	assert.Equal(t, protocol.CodeCancelFailed, errorCode(t, out))
}

func TestDispatch_SendMessage(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Update("s1", func(s *registry.Session) { s.Subscribe(registry.ResourceTopic(f.resource.ID)) }))
	require.NoError(t, f.reg.Update("s2", func(s *registry.Session) { s.Subscribe("mission:" + f.resource.ID) }))

	out := f.frame(t, `{"type":"send_message","request_id":"m1","resource_id":"`+f.resource.ID+`","content":"hello"}`)
	require.NotNil(t, out)
	assert.Equal(t, protocol.KindResourceChanged, out.Kind)
	assert.Equal(t, "m1", out.ID)
	changed := out.Payload.(protocol.ResourceChanged)
	assert.Equal(t, protocol.ChangeMessageCreated, changed.Change)
	assert.Equal(t, "hello", changed.Message.Content)
	assert.Equal(t, types.RoleUser, changed.Message.Role)

	// The sender gets the reply, not a broadcast copy.
	assert.Empty(t, f.self.received())
	peer := f.peer.received()
	require.Len(t, peer, 1)
	assert.Equal(t, protocol.KindResourceChanged, peer[0].Kind)
	assert.Empty(t, peer[0].ID)

	msgs, err := f.repo.ListMessages(context.Background(), f.resource.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "s1", msgs[0].SessionID)
	assert.Empty(t, f.exec.starts)
}

func TestDispatch_SendMessageAutoStart(t *testing.T) {
	f := newFixture(t)
	out := f.frame(t, `{"type":"send_message","request_id":"m2","resource_id":"`+f.resource.ID+`","content":"go","auto_start":true}`)
	assert.Nil(t, out)
	require.Len(t, f.exec.starts, 1)
	assert.Equal(t, f.resource.ID, f.exec.starts[0].ResourceID)
	assert.Equal(t, "m2", f.exec.starts[0].RequestID)

	f.exec.startErr = engine.ErrAlreadyRunning
	out = f.frame(t, `{"type":"send_message","resource_id":"`+f.resource.ID+`","content":"again","auto_start":true}`)
	assert.Equal(t, protocol.CodeAlreadyRunning, errorCode(t, out))
}

func TestDispatch_SendMessageUnknownResource(t *testing.T) {
	f := newFixture(t)
	out := f.frame(t, `{"type":"send_message","resource_id":"nope","content":"hello"}`)
	assert.Equal(t, protocol.CodeNotFound, errorCode(t, out))
}

func TestDispatch_GetState(t *testing.T) {
	f := newFixture(t)
	f.exec.running["e1"] = types.ExecutionInfo{ExecutionID: "e1", SessionID: "s1"}
	require.NoError(t, f.repo.CreateFileChangeProposal(context.Background(), &types.FileChangeProposal{
		ResourceID: f.resource.ID, Path: "a.txt", Operation: types.FileOpCreate,
	}))

	tests := []struct {
		kind, id string
		code     string
	}{
		{StateResource, f.resource.ID, ""},
		{StateMission, f.resource.ID, ""},
		{StateSpec, f.resource.ID, protocol.CodeNotFound},
		{StateResource, "missing", protocol.CodeNotFound},
		{StateMessages, f.resource.ID, ""},
		{StateMessages, "missing", protocol.CodeNotFound},
		{StateFileChanges, f.resource.ID, ""},
		{StateExecution, "e1", ""},
		{StateExecution, "e2", protocol.CodeNotFound},
		{StateSession, "s1", ""},
		{StateSession, "s2", protocol.CodeNotFound},
		{"weather", "x", protocol.CodeInvalidRequest},
	}
	for _, tt := range tests {
		out := f.frame(t, `{"type":"get_state","resource_kind":"`+tt.kind+`","id":"`+tt.id+`"}`)
		if tt.code != "" {
			assert.Equal(t, tt.code, errorCode(t, out), "%s/%s", tt.kind, tt.id)
			continue
		}
		require.NotNil(t, out)
		require.Equal(t, protocol.KindState, out.Kind, "%s/%s", tt.kind, tt.id)
		assert.Equal(t, tt.kind, out.Payload.(protocol.State).ResourceKind)
	}

	out := f.frame(t, `{"type":"get_state","resource_kind":"file_changes","id":"`+f.resource.ID+`"}`)
	changes := out.Payload.(protocol.State).Data.([]*types.FileChangeProposal)
	require.Len(t, changes, 1)
	assert.Equal(t, "a.txt", changes[0].Path)
}

func TestDispatch_GetStateRejectsPathIDs(t *testing.T) {
	f := newFixture(t)
	for _, kind := range []string{StateResource, StateMessages, StateFileChanges} {
		out := f.frame(t, `{"type":"get_state","resource_kind":"`+kind+`","id":"../../../etc/passwd"}`)
		assert.Equal(t, protocol.CodeInvalidRequest, errorCode(t, out), kind)
	}
}

func TestDispatch_AckAndPong(t *testing.T) {
	f := newFixture(t)
	assert.Nil(t, f.frame(t, `{"type":"ack","message_id":"m1"}`))
	assert.Nil(t, f.frame(t, `{"type":"pong"}`))
}

func TestDispatch_Custom(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Update("s2", func(s *registry.Session) { s.Subscribe("system:alerts") }))

	assert.Nil(t, f.frame(t, `{"type":"custom","action":"notify","payload":{"topic":"system:alerts","title":"Deploy","message":"done"}}`))
	peer := f.peer.received()
	require.Len(t, peer, 1)
	assert.Equal(t, protocol.Notification{Level: "info", Title: "Deploy", Message: "done"}, peer[0].Payload)

	out := f.frame(t, `{"type":"custom","action":"notify","payload":{"topic":"bogus"}}`)
	assert.Equal(t, protocol.CodeInvalidChannel, errorCode(t, out))

	assert.Nil(t, f.frame(t, `{"type":"custom","action":"does_not_exist","payload":{}}`))

	f.d.Handle("echo", func(_ context.Context, sessionID string, payload json.RawMessage) (protocol.Event, error) {
		return protocol.Notification{Level: "debug", Title: sessionID, Message: string(payload)}, nil
	})
	out = f.frame(t, `{"type":"custom","action":"echo","payload":{"a":1}}`)
	require.NotNil(t, out)
	assert.Equal(t, protocol.Notification{Level: "debug", Title: "s1", Message: `{"a":1}`}, out.Payload)
}

func TestDispatch_ProtocolErrors(t *testing.T) {
	f := newFixture(t)

	out := f.frame(t, `not json`)
	assert.Equal(t, protocol.CodeInvalidMessage, errorCode(t, out))

	out = f.frame(t, `{"type":"subscribe","request_id":"s"}`)
	assert.Equal(t, protocol.CodeInvalidMessage, errorCode(t, out))
	assert.Equal(t, "s", out.ID)

	out = f.frame(t, `{"type":"subscrbe","topic":"resource:abc"}`)
	assert.Equal(t, protocol.CodeUnknownMessage, errorCode(t, out))
	ev := out.Payload.(*protocol.ErrorEvent)
	assert.Contains(t, ev.Message, "subscrbe")
	assert.Contains(t, ev.Message, "did you mean subscribe")

	out = f.frame(t, `{"type":"authenticate","token":"t"}`)
	assert.Equal(t, protocol.CodeInvalidRequest, errorCode(t, out))
}

func TestDispatch_RecoversFromPanics(t *testing.T) {
	f := newFixture(t)
	f.d.Handle("explode", func(context.Context, string, json.RawMessage) (protocol.Event, error) {
		panic("kaboom")
	})
	out := f.frame(t, `{"type":"custom","action":"explode"}`)
	assert.Equal(t, protocol.CodeInternalError, errorCode(t, out))
}
