package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/missionlink/internal/backend"
	"github.com/opencode-ai/missionlink/internal/event"
	"github.com/opencode-ai/missionlink/internal/protocol"
	"github.com/opencode-ai/missionlink/internal/registry"
	"github.com/opencode-ai/missionlink/internal/storage"
	"github.com/opencode-ai/missionlink/pkg/types"
)

// scriptStream replays units. With a step channel each Recv waits for a
// receive on it first.
type scriptStream struct {
	ctx   context.Context
	units []backend.Unit
	step  chan struct{}
	next  int
}

func (s *scriptStream) Recv() (backend.Unit, error) {
	if s.step != nil {
		select {
		case <-s.step:
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		}
	}
	if s.next >= len(s.units) {
		return nil, io.EOF
	}
	u := s.units[s.next]
	s.next++
	return u, nil
}

func (s *scriptStream) Close() {}

type fakeBackend struct {
	units    []backend.Unit
	step     chan struct{}
	failOpen int32

	opens    atomic.Int32
	mu       sync.Mutex
	requests []*backend.Request
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) OpenStream(ctx context.Context, req *backend.Request) (backend.Stream, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	if n := b.opens.Add(1); n <= b.failOpen {
		return nil, fmt.Errorf("open attempt %d refused", n)
	}
	return &scriptStream{ctx: ctx, units: b.units, step: b.step}, nil
}

type staticResolver struct {
	b   backend.Backend
	err error
}

func (r staticResolver) Resolve(model string) (backend.Backend, string, error) {
	if r.err != nil {
		return nil, "", r.err
	}
	return r.b, "model-1", nil
}

type denyAll struct{}

func (denyAll) Allow(string) (bool, time.Duration) { return false, 1500 * time.Millisecond }

// recorder is a session's outbound queue as seen by tests.
type recorder struct {
	ch      chan protocol.Outbound
	backlog []protocol.Outbound
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan protocol.Outbound, 1024)}
}

func (r *recorder) Enqueue(msg protocol.Outbound) error {
	select {
	case r.ch <- msg:
		return nil
	default:
		return registry.ErrChannelFull
	}
}

func isTerminal(kind string) bool {
	switch kind {
	case protocol.KindExecutionCompleted, protocol.KindExecutionFailed, protocol.KindExecutionCancelled:
		return true
	}
	return false
}

// collect reads events for one execution up to and including its terminal event.
func (r *recorder) collect(t *testing.T, executionID string) []protocol.Outbound {
	t.Helper()
	var out []protocol.Outbound
	kept := r.backlog[:0]
	for _, msg := range r.backlog {
		if executionOf(msg) == executionID {
			out = append(out, msg)
		} else {
			kept = append(kept, msg)
		}
	}
	r.backlog = kept
	for _, msg := range out {
		if isTerminal(msg.Kind) {
			return out
		}
	}

	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-r.ch:
			if executionOf(msg) != executionID {
				r.backlog = append(r.backlog, msg)
				continue
			}
			out = append(out, msg)
			if isTerminal(msg.Kind) {
				return out
			}
		case <-timeout:
			t.Fatalf("no terminal event for %s, got %d events", executionID, len(out))
			return nil
		}
	}
}

func executionOf(msg protocol.Outbound) string {
	switch p := msg.Payload.(type) {
	case protocol.ExecutionStarted:
		return p.ExecutionID
	case protocol.ExecutionToken:
		return p.ExecutionID
	case protocol.ExecutionDelta:
		return p.ExecutionID
	case protocol.ExecutionCompleted:
		return p.ExecutionID
	case protocol.ExecutionFailed:
		return p.ExecutionID
	case protocol.ExecutionCancelled:
		return p.ExecutionID
	}
	return ""
}

type harness struct {
	engine   *Engine
	registry *registry.Registry
	repo     *storage.Repository
	resource *types.Resource
	owner    *recorder
}

func newHarness(t *testing.T, be backend.Backend, cfg Config, opts ...Option) *harness {
	t.Helper()
	repo := storage.NewRepository(storage.NewMemory())
	res := &types.Resource{Kind: types.KindMission, Title: "Ship it", Description: "Plan the release"}
	require.NoError(t, repo.CreateResource(context.Background(), res))

	reg := registry.New(4)
	owner := newRecorder()
	require.NoError(t, reg.Register(registry.NewSession("owner"), owner))

	if cfg.OpenBackoff == 0 {
		cfg.OpenBackoff = time.Millisecond
	}
	e := New(repo, reg, staticResolver{b: be}, cfg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return &harness{engine: e, registry: reg, repo: repo, resource: res, owner: owner}
}

func (h *harness) start(t *testing.T) types.ExecutionInfo {
	t.Helper()
	info, err := h.engine.Start(context.Background(), StartRequest{
		SessionID:  "owner",
		ResourceID: h.resource.ID,
		RequestID:  "req-1",
	})
	require.NoError(t, err)
	return info
}

func textUnits(text string, size int) []backend.Unit {
	var units []backend.Unit
	for len(text) > 0 {
		n := min(size, len(text))
		units = append(units, backend.ContentDelta{Text: text[:n]})
		text = text[n:]
	}
	return units
}

func tokensOf(events []protocol.Outbound) (string, []int) {
	var sb strings.Builder
	var indexes []int
	for _, ev := range events {
		if tok, ok := ev.Payload.(protocol.ExecutionToken); ok {
			sb.WriteString(tok.Content)
			indexes = append(indexes, tok.Index)
		}
	}
	return sb.String(), indexes
}

func TestEngine_StreamsAndCompletes(t *testing.T) {
	units := append(textUnits("Hello world", 3),
		backend.Usage{Input: 7, Output: 2},
		backend.Done{Reason: "stop"},
	)
	be := &fakeBackend{units: units}
	h := newHarness(t, be, Config{MinFlushBytes: 4, SystemPrompt: "be terse", MaxTokens: 100})

	info := h.start(t)
	assert.Equal(t, "fake/model-1", info.Model)

	events := h.owner.collect(t, info.ExecutionID)
	require.NotEmpty(t, events)

	first := events[0]
	assert.Equal(t, protocol.KindExecutionStarted, first.Kind)
	assert.Equal(t, "req-1", first.ID)

	text, indexes := tokensOf(events)
	assert.Equal(t, "Hello world", text)
	for i, idx := range indexes {
		assert.Equal(t, i, idx)
	}

	last := events[len(events)-1]
	require.Equal(t, protocol.KindExecutionCompleted, last.Kind)
	completed := last.Payload.(protocol.ExecutionCompleted)
	assert.Equal(t, "Hello world", completed.Content)
	assert.Equal(t, "stop", completed.Finish)
	assert.Equal(t, types.TokenUsage{Input: 7, Output: 2}, completed.Usage)
	assert.Empty(t, last.ID)

	msgs, err := h.repo.ListMessages(context.Background(), h.resource.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, completed.MessageID, msgs[0].ID)
	assert.Equal(t, types.RoleAssistant, msgs[0].Role)
	assert.Equal(t, info.ExecutionID, msgs[0].ExecutionID)

	assert.Equal(t, 0, h.engine.ActiveCount())

	be.mu.Lock()
	req := be.requests[0]
	be.mu.Unlock()
	assert.Equal(t, "be terse", req.SystemPrompt)
	assert.Equal(t, "model-1", req.Model)
	assert.Equal(t, 100, req.MaxTokens)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "Ship it\n\nPlan the release", req.Messages[0].Content)
}

func TestEngine_TokensReconstructTextForAnyThreshold(t *testing.T) {
	text := "Streaming is mostly about keeping order: first, second, third."
	for _, threshold := range []int{1, 2, 3, 5, 8, 13, 64, 1000} {
		t.Run(fmt.Sprintf("threshold=%d", threshold), func(t *testing.T) {
			be := &fakeBackend{units: append(textUnits(text, 2), backend.Done{})}
			h := newHarness(t, be, Config{MinFlushBytes: threshold})

			info := h.start(t)
			events := h.owner.collect(t, info.ExecutionID)

			got, _ := tokensOf(events)
			assert.Equal(t, text, got)
			assert.Equal(t, protocol.KindExecutionCompleted, events[len(events)-1].Kind)
		})
	}
}

func TestEngine_AlreadyRunning(t *testing.T) {
	be := &fakeBackend{units: []backend.Unit{backend.Done{}}, step: make(chan struct{})}
	h := newHarness(t, be, Config{})

	info := h.start(t)

	var wg sync.WaitGroup
	var rejected atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Start(context.Background(), StartRequest{SessionID: "owner", ResourceID: h.resource.ID})
			if errors.Is(err, ErrAlreadyRunning) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 16, rejected.Load())

	// Another session may run the same resource.
	require.NoError(t, h.registry.Register(registry.NewSession("other"), newRecorder()))
	other, err := h.engine.Start(context.Background(), StartRequest{SessionID: "other", ResourceID: h.resource.ID})
	require.NoError(t, err)
	require.NoError(t, h.engine.Cancel(other.ExecutionID))

	require.NoError(t, h.engine.Cancel(info.ExecutionID))
	events := h.owner.collect(t, info.ExecutionID)
	assert.Equal(t, protocol.KindExecutionCancelled, events[len(events)-1].Kind)

	again, err := h.engine.Start(context.Background(), StartRequest{SessionID: "owner", ResourceID: h.resource.ID})
	require.NoError(t, err)
	assert.NotEqual(t, info.ExecutionID, again.ExecutionID)
}

func TestEngine_CancelUnknown(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, Config{})
	err := h.engine.Cancel("nope")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestEngine_CancelSkipsPersistence(t *testing.T) {
	step := make(chan struct{})
	be := &fakeBackend{units: append(textUnits("partial output", 4), backend.Done{}), step: step}
	h := newHarness(t, be, Config{MinFlushBytes: 1})

	info := h.start(t)
	step <- struct{}{}
	step <- struct{}{}

	require.NoError(t, h.engine.Cancel(info.ExecutionID))
	require.NoError(t, h.engine.Cancel(info.ExecutionID), "second cancel is a no-op")

	snap, ok := h.engine.Snapshot(info.ExecutionID)
	if ok {
		assert.True(t, snap.Cancelling)
	}

	events := h.owner.collect(t, info.ExecutionID)
	terminal := 0
	for _, ev := range events {
		if isTerminal(ev.Kind) {
			terminal++
			assert.Equal(t, protocol.KindExecutionCancelled, ev.Kind)
		}
	}
	assert.Equal(t, 1, terminal)

	msgs, err := h.repo.ListMessages(context.Background(), h.resource.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	assert.ErrorIs(t, h.engine.Cancel(info.ExecutionID), ErrExecutionNotFound)
}

func TestEngine_CancelRacingCompletion(t *testing.T) {
	be := &fakeBackend{units: append(textUnits("short", 1), backend.Done{})}
	h := newHarness(t, be, Config{})

	for i := 0; i < 50; i++ {
		info := h.start(t)

		cancelErr := make(chan error, 1)
		go func() { cancelErr <- h.engine.Cancel(info.ExecutionID) }()

		events := h.owner.collect(t, info.ExecutionID)
		terminal := events[len(events)-1]
		err := <-cancelErr

		count := 0
		for _, ev := range events {
			if isTerminal(ev.Kind) {
				count++
			}
		}
		require.Equal(t, 1, count)

		if err == nil {
			assert.Equal(t, protocol.KindExecutionCancelled, terminal.Kind)
		} else {
			assert.ErrorIs(t, err, ErrExecutionNotFound)
			assert.Equal(t, protocol.KindExecutionCompleted, terminal.Kind)
		}

		// The terminal event is pushed after the handle is gone.
		assert.Equal(t, 0, h.engine.ActiveCount())
	}
}

func TestEngine_BackendFailure(t *testing.T) {
	be := &fakeBackend{units: []backend.Unit{
		backend.ContentDelta{Text: "so far so good"},
		backend.Failure{Err: errors.New("upstream 529: overloaded, key sk-secret")},
	}}
	h := newHarness(t, be, Config{MinFlushBytes: 1})

	info := h.start(t)
	events := h.owner.collect(t, info.ExecutionID)

	last := events[len(events)-1]
	require.Equal(t, protocol.KindExecutionFailed, last.Kind)
	failed := last.Payload.(protocol.ExecutionFailed)
	assert.NotContains(t, failed.Error, "sk-secret")

	msgs, err := h.repo.ListMessages(context.Background(), h.resource.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, 0, h.engine.ActiveCount())
}

func TestEngine_OpenRetries(t *testing.T) {
	be := &fakeBackend{units: []backend.Unit{backend.Done{}}, failOpen: 2}
	h := newHarness(t, be, Config{MaxOpenRetries: 2})

	info := h.start(t)
	events := h.owner.collect(t, info.ExecutionID)
	assert.Equal(t, protocol.KindExecutionCompleted, events[len(events)-1].Kind)
	assert.EqualValues(t, 3, be.opens.Load())
}

func TestEngine_OpenGivesUp(t *testing.T) {
	be := &fakeBackend{failOpen: 10}
	h := newHarness(t, be, Config{MaxOpenRetries: 1})

	info := h.start(t)
	events := h.owner.collect(t, info.ExecutionID)
	assert.Equal(t, protocol.KindExecutionFailed, events[len(events)-1].Kind)
	assert.EqualValues(t, 2, be.opens.Load())
}

func TestEngine_StartErrors(t *testing.T) {
	t.Run("no backend", func(t *testing.T) {
		h := newHarness(t, &fakeBackend{}, Config{})
		h.engine.resolver = staticResolver{err: backend.NotFoundError("x/y")}
		_, err := h.engine.Start(context.Background(), StartRequest{SessionID: "owner", ResourceID: h.resource.ID})
		assert.ErrorIs(t, err, ErrNoBackendAvailable)
	})

	t.Run("unknown resource", func(t *testing.T) {
		h := newHarness(t, &fakeBackend{}, Config{})
		_, err := h.engine.Start(context.Background(), StartRequest{SessionID: "owner", ResourceID: "missing"})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("rate limited", func(t *testing.T) {
		h := newHarness(t, &fakeBackend{}, Config{}, WithAdmission(denyAll{}))
		_, err := h.engine.Start(context.Background(), StartRequest{SessionID: "owner", ResourceID: h.resource.ID})
		var rl *RateLimitedError
		require.ErrorAs(t, err, &rl)
		assert.Equal(t, 1500*time.Millisecond, rl.RetryAfter)
	})

	t.Run("after shutdown", func(t *testing.T) {
		h := newHarness(t, &fakeBackend{}, Config{})
		require.NoError(t, h.engine.Shutdown(context.Background()))
		_, err := h.engine.Start(context.Background(), StartRequest{SessionID: "owner", ResourceID: h.resource.ID})
		assert.ErrorIs(t, err, ErrShutdown)
	})
}

func TestEngine_ToolCallsBecomeProposals(t *testing.T) {
	be := &fakeBackend{units: []backend.Unit{
		backend.ContentDelta{Text: "Writing"},
		backend.ToolCallFragment{ID: "call_1", Name: "write_file", Arguments: `{"path":"notes.md",`},
		backend.ToolCallFragment{ID: "call_1", Arguments: `"content":"a\nb\n"}`},
		backend.Done{Reason: "tool_calls"},
	}}
	h := newHarness(t, be, Config{MinFlushBytes: 64})

	watcher := newRecorder()
	sess := registry.NewSession("watcher")
	sess.Subscribe(registry.ResourceTopic(h.resource.ID))
	require.NoError(t, h.registry.Register(sess, watcher))

	info := h.start(t)
	events := h.owner.collect(t, info.ExecutionID)

	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []string{
		protocol.KindExecutionStarted,
		protocol.KindExecutionToken,
		protocol.KindExecutionDelta,
		protocol.KindExecutionDelta,
		protocol.KindExecutionCompleted,
	}, kinds)

	delta := events[3].Payload.(protocol.ExecutionDelta)
	assert.Equal(t, "write_file", delta.ToolName)

	completed := events[len(events)-1].Payload.(protocol.ExecutionCompleted)
	require.Len(t, completed.FileChanges, 1)
	assert.Equal(t, "notes.md", completed.FileChanges[0].Path)
	assert.Equal(t, types.FileOpCreate, completed.FileChanges[0].Operation)
	assert.Equal(t, 2, completed.FileChanges[0].Additions)

	proposals, err := h.repo.ListFileChanges(context.Background(), h.resource.ID)
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, completed.MessageID, proposals[0].MessageID)
	assert.Equal(t, "pending", proposals[0].Status)

	var changes []string
	for len(watcher.ch) > 0 {
		msg := <-watcher.ch
		if rc, ok := msg.Payload.(protocol.ResourceChanged); ok {
			changes = append(changes, rc.Change)
		}
	}
	assert.Equal(t, []string{protocol.ChangeMessageCreated, protocol.ChangeFileChangesCreated}, changes)
}

func TestEngine_OwnerGoneStillPersists(t *testing.T) {
	be := &fakeBackend{units: append(textUnits("nobody is listening", 5), backend.Done{})}
	h := newHarness(t, be, Config{})

	_, err := h.engine.Start(context.Background(), StartRequest{SessionID: "ghost", ResourceID: h.resource.ID})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.engine.ActiveCount() == 0 }, 5*time.Second, 5*time.Millisecond)

	msgs, err := h.repo.ListMessages(context.Background(), h.resource.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "nobody is listening", msgs[0].Content)
}

func TestEngine_CancelSessionAndShutdown(t *testing.T) {
	be := &fakeBackend{units: []backend.Unit{backend.Done{}}, step: make(chan struct{})}
	bus := event.NewBus()
	defer bus.Close()

	var outcomes []string
	var mu sync.Mutex
	bus.Subscribe(event.ExecutionFinished, func(ev event.Event) {
		mu.Lock()
		outcomes = append(outcomes, ev.Data.(event.ExecutionData).Outcome)
		mu.Unlock()
	})

	h := newHarness(t, be, Config{}, WithBus(bus))
	second := &types.Resource{Kind: types.KindSpec, Title: "API"}
	require.NoError(t, h.repo.CreateResource(context.Background(), second))

	a := h.start(t)
	b, err := h.engine.Start(context.Background(), StartRequest{SessionID: "owner", ResourceID: second.ID})
	require.NoError(t, err)
	assert.Len(t, h.engine.Active("owner"), 2)

	assert.Equal(t, 2, h.engine.CancelSession("owner"))
	assert.Equal(t, 0, h.engine.CancelSession("owner"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Shutdown(ctx))
	assert.Equal(t, 0, h.engine.ActiveCount())

	for _, id := range []string{a.ExecutionID, b.ExecutionID} {
		events := h.owner.collect(t, id)
		assert.Equal(t, protocol.KindExecutionCancelled, events[len(events)-1].Kind)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(outcomes) == 2
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{event.OutcomeCancelled, event.OutcomeCancelled}, outcomes)
	mu.Unlock()
}

type explodingStream struct{}

func (explodingStream) Recv() (backend.Unit, error) { panic("decoder state corrupted") }

func (explodingStream) Close() {}

type explodingBackend struct{}

func (explodingBackend) Name() string { return "exploding" }

func (explodingBackend) OpenStream(context.Context, *backend.Request) (backend.Stream, error) {
	return explodingStream{}, nil
}

func TestEngine_BackendPanicFailsExecution(t *testing.T) {
	h := newHarness(t, explodingBackend{}, Config{})

	info := h.start(t)
	events := h.owner.collect(t, info.ExecutionID)

	last := events[len(events)-1]
	require.Equal(t, protocol.KindExecutionFailed, last.Kind)
	assert.NotContains(t, last.Payload.(protocol.ExecutionFailed).Error, "decoder")
	assert.Equal(t, 0, h.engine.ActiveCount())

	// The engine keeps serving after the panic.
	h.engine.resolver = staticResolver{b: &fakeBackend{units: []backend.Unit{backend.Done{}}}}
	again := h.start(t)
	events = h.owner.collect(t, again.ExecutionID)
	assert.Equal(t, protocol.KindExecutionCompleted, events[len(events)-1].Kind)
}

// brokenStore panics when the assistant reply is saved.
type brokenStore struct {
	*storage.Repository
}

func (brokenStore) CreateMessage(context.Context, *types.Message) error {
	panic("disk controller on fire")
}

func TestEngine_PersistPanicStillReportsOutcome(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	outcomes := make(chan string, 4)
	bus.Subscribe(event.ExecutionFinished, func(ev event.Event) {
		outcomes <- ev.Data.(event.ExecutionData).Outcome
	})

	be := &fakeBackend{units: append(textUnits("never saved", 4), backend.Done{})}
	h := newHarness(t, be, Config{}, WithBus(bus))
	h.engine.store = brokenStore{h.repo}

	info := h.start(t)
	events := h.owner.collect(t, info.ExecutionID)

	terminal := 0
	for _, ev := range events {
		if isTerminal(ev.Kind) {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
	assert.Equal(t, protocol.KindExecutionFailed, events[len(events)-1].Kind)
	assert.Equal(t, 0, h.engine.ActiveCount())

	select {
	case outcome := <-outcomes:
		assert.Equal(t, event.OutcomeFailed, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("no execution.finished event")
	}
	assert.Empty(t, outcomes)
}

func droppedFor(e *Engine, executionID string) int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.byID[executionID]
	if !ok {
		return -1
	}
	return h.dropped.Load()
}

func TestEngine_CountsDroppedEvents(t *testing.T) {
	step := make(chan struct{})
	be := &fakeBackend{units: append(textUnits("abcde", 1), backend.Done{}), step: step}
	h := newHarness(t, be, Config{MinFlushBytes: 1})

	slow := &recorder{ch: make(chan protocol.Outbound, 1)}
	require.NoError(t, h.registry.Register(registry.NewSession("slow"), slow))

	info, err := h.engine.Start(context.Background(), StartRequest{SessionID: "slow", ResourceID: h.resource.ID})
	require.NoError(t, err)

	// execution_started fills the queue, so every token is lost.
	for i := 0; i < 5; i++ {
		step <- struct{}{}
	}
	require.Eventually(t, func() bool { return droppedFor(h.engine, info.ExecutionID) == 5 },
		2*time.Second, 5*time.Millisecond)

	started := <-slow.ch
	assert.Equal(t, protocol.KindExecutionStarted, started.Kind)

	step <- struct{}{}
	events := slow.collect(t, info.ExecutionID)
	require.Len(t, events, 1)
	completed := events[0].Payload.(protocol.ExecutionCompleted)
	assert.Equal(t, 5, completed.DroppedEvents)
	assert.Equal(t, "abcde", completed.Content)
}
