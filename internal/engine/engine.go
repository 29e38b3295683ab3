// Package engine runs streaming executions: at most one per session and
// resource, many in parallel, each cancellable and each finalized exactly once.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/missionlink/internal/backend"
	"github.com/opencode-ai/missionlink/internal/event"
	"github.com/opencode-ai/missionlink/internal/logging"
	"github.com/opencode-ai/missionlink/internal/protocol"
	"github.com/opencode-ai/missionlink/internal/registry"
	"github.com/opencode-ai/missionlink/pkg/types"
)

// Storage is the persistence the engine needs.
type Storage interface {
	GetResource(ctx context.Context, id string) (*types.Resource, error)
	ListMessages(ctx context.Context, resourceID string) ([]*types.Message, error)
	CreateMessage(ctx context.Context, msg *types.Message) error
	CreateFileChangeProposal(ctx context.Context, p *types.FileChangeProposal) error
}

// Admission decides whether a key may start another execution.
type Admission interface {
	Allow(key string) (bool, time.Duration)
}

// Config tunes the engine.
type Config struct {
	// MinFlushBytes is the smallest text fragment pushed before a terminal signal.
	MinFlushBytes int
	// MaxOpenRetries is how often opening a backend stream is retried.
	MaxOpenRetries int
	// OpenBackoff is the first retry delay; later delays grow exponentially.
	OpenBackoff time.Duration
	MaxTokens   int
	// SystemPrompt is used when the options carry none.
	SystemPrompt string
}

// StartRequest asks for a new execution.
type StartRequest struct {
	SessionID  string
	ResourceID string
	Options    types.ExecutionOptions
	// RequestID is echoed on the execution_started event.
	RequestID string
}

// Option configures an Engine.
type Option func(*Engine)

// WithAdmission sets the limiter consulted by Start.
func WithAdmission(a Admission) Option {
	return func(e *Engine) { e.admission = a }
}

// WithBus sets the bus that receives execution lifecycle events.
func WithBus(b *event.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

type pairKey struct {
	session  string
	resource string
}

// handle is one in-flight execution. cancelled and completing are guarded by
// Engine.mu and are mutually exclusive: whichever is set first decides the
// terminal event.
type handle struct {
	id        string
	sessionID string
	resource  *types.Resource
	model     string
	modelID   string
	backend   backend.Backend
	options   types.ExecutionOptions
	startedAt time.Time

	ctx      context.Context
	stop     context.CancelFunc
	cancelCh chan struct{}

	cancelled  bool
	completing bool

	// dropped counts pushes lost to a full outbound queue.
	dropped atomic.Int32
}

// Engine multiplexes executions over the session registry.
type Engine struct {
	store     Storage
	registry  *registry.Registry
	resolver  backend.Resolver
	admission Admission
	bus       *event.Bus
	cfg       Config
	log       zerolog.Logger

	mu     sync.Mutex
	byID   map[string]*handle
	byPair map[pairKey]*handle
	closed bool
	wg     sync.WaitGroup
}

// New creates an engine.
func New(store Storage, reg *registry.Registry, resolver backend.Resolver, cfg Config, opts ...Option) *Engine {
	if cfg.MinFlushBytes < 1 {
		cfg.MinFlushBytes = 1
	}
	if cfg.MaxOpenRetries < 0 {
		cfg.MaxOpenRetries = 0
	}
	if cfg.OpenBackoff <= 0 {
		cfg.OpenBackoff = 200 * time.Millisecond
	}
	e := &Engine{
		store:    store,
		registry: reg,
		resolver: resolver,
		cfg:      cfg,
		log:      logging.Component("engine"),
		byID:     make(map[string]*handle),
		byPair:   make(map[pairKey]*handle),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start validates the request, registers a handle and launches the run. The
// execution_started event is pushed to the owner before any stream event.
func (e *Engine) Start(ctx context.Context, req StartRequest) (types.ExecutionInfo, error) {
	if req.ResourceID == "" {
		return types.ExecutionInfo{}, fmt.Errorf("resource id is required")
	}
	key := pairKey{session: req.SessionID, resource: req.ResourceID}
	if e.running(key) {
		return types.ExecutionInfo{}, ErrAlreadyRunning
	}

	res, err := e.store.GetResource(ctx, req.ResourceID)
	if err != nil {
		return types.ExecutionInfo{}, fmt.Errorf("resource %s: %w", req.ResourceID, err)
	}

	if e.admission != nil {
		if ok, retry := e.admission.Allow(req.SessionID); !ok {
			return types.ExecutionInfo{}, &RateLimitedError{RetryAfter: retry}
		}
	}

	be, modelID, err := e.resolver.Resolve(req.Options.Model)
	if err != nil {
		return types.ExecutionInfo{}, fmt.Errorf("%w: %v", ErrNoBackendAvailable, err)
	}

	runCtx, stop := context.WithCancel(context.Background())
	h := &handle{
		id:        newID(),
		sessionID: req.SessionID,
		resource:  res,
		model:     be.Name() + "/" + modelID,
		modelID:   modelID,
		backend:   be,
		options:   req.Options,
		startedAt: time.Now(),
		ctx:       runCtx,
		stop:      stop,
		cancelCh:  make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		stop()
		return types.ExecutionInfo{}, ErrShutdown
	}
	if _, exists := e.byPair[key]; exists {
		e.mu.Unlock()
		stop()
		return types.ExecutionInfo{}, ErrAlreadyRunning
	}
	e.byID[h.id] = h
	e.byPair[key] = h
	e.wg.Add(1)
	info := e.infoLocked(h)
	e.mu.Unlock()

	e.send(h, protocol.Reply(req.RequestID, protocol.ExecutionStarted{
		ExecutionID: h.id,
		ResourceID:  res.ID,
		Model:       h.model,
	}))
	e.publish(event.ExecutionStarted, event.ExecutionData{
		ExecutionID: h.id,
		SessionID:   h.sessionID,
		ResourceID:  res.ID,
	})

	e.log.Info().
		Str("execution_id", h.id).
		Str("session_id", h.sessionID).
		Str("resource_id", res.ID).
		Str("model", h.model).
		Msg("execution started")

	go e.run(h)
	return info, nil
}

// Cancel signals an execution to stop. Cancelling an execution that is
// already cancelling is a no-op; one that is finishing or gone fails with
// ErrExecutionNotFound.
func (e *Engine) Cancel(executionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.byID[executionID]
	if !ok || h.completing {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	e.cancelLocked(h)
	return nil
}

// CancelSession cancels every execution owned by a session and returns how
// many were signalled.
func (e *Engine) CancelSession(sessionID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, h := range e.byID {
		if h.sessionID != sessionID || h.completing || h.cancelled {
			continue
		}
		e.cancelLocked(h)
		n++
	}
	return n
}

func (e *Engine) cancelLocked(h *handle) {
	if h.cancelled {
		return
	}
	h.cancelled = true
	close(h.cancelCh)
	h.stop()
}

// Snapshot returns the state of an in-flight execution.
func (e *Engine) Snapshot(executionID string) (types.ExecutionInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.byID[executionID]
	if !ok {
		return types.ExecutionInfo{}, false
	}
	return e.infoLocked(h), true
}

// Active returns the in-flight executions of a session, oldest first.
func (e *Engine) Active(sessionID string) []types.ExecutionInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	var infos []types.ExecutionInfo
	for _, h := range e.byID {
		if h.sessionID == sessionID {
			infos = append(infos, e.infoLocked(h))
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ExecutionID < infos[j].ExecutionID })
	return infos
}

// ActiveCount returns the number of in-flight executions.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.byID)
}

// Shutdown rejects new executions, cancels the running ones and waits for
// them to finish or for ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, h := range e.byID {
		if !h.completing {
			e.cancelLocked(h)
		}
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newID() string {
	return ulid.Make().String()
}

func (e *Engine) running(key pairKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.byPair[key]
	return ok
}

func (e *Engine) infoLocked(h *handle) types.ExecutionInfo {
	return types.ExecutionInfo{
		ExecutionID: h.id,
		SessionID:   h.sessionID,
		ResourceID:  h.resource.ID,
		Model:       h.model,
		StartedAt:   h.startedAt.UnixMilli(),
		Cancelling:  h.cancelled,
	}
}

// settle claims the terminal outcome for the run. It returns false when a
// cancel got there first.
func (e *Engine) settle(h *handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h.cancelled {
		return false
	}
	h.completing = true
	return true
}

// remove drops the handle from the active set. Only the first call for a
// handle has an effect.
func (e *Engine) remove(h *handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.byID[h.id]; !ok || cur != h {
		return false
	}
	delete(e.byID, h.id)
	delete(e.byPair, pairKey{session: h.sessionID, resource: h.resource.ID})
	h.stop()
	return true
}

// send pushes to the owner and reports whether later pushes are worth trying.
func (e *Engine) send(h *handle, msg protocol.Outbound) bool {
	if e.registry == nil {
		return false
	}
	err := e.registry.SendTo(h.sessionID, msg)
	switch {
	case err == nil:
		return true
	case errors.Is(err, registry.ErrChannelFull):
		h.dropped.Add(1)
		e.log.Warn().
			Str("execution_id", h.id).
			Str("session_id", h.sessionID).
			Str("kind", msg.Kind).
			Msg("outbound queue full, event dropped")
		return true
	default:
		e.log.Debug().
			Err(err).
			Str("execution_id", h.id).
			Str("session_id", h.sessionID).
			Msg("owner unreachable, pushes stopped")
		return false
	}
}

func (e *Engine) publish(t event.EventType, data event.ExecutionData) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(event.Event{Type: t, Data: data})
}
