// Package supervisor owns the lifecycle of client connections: admission,
// optional timed authentication, the read, write and heartbeat pumps, and a
// teardown that always runs to completion.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/missionlink/internal/auth"
	"github.com/opencode-ai/missionlink/internal/event"
	"github.com/opencode-ai/missionlink/internal/logging"
	"github.com/opencode-ai/missionlink/internal/protocol"
	"github.com/opencode-ai/missionlink/internal/registry"
)

// Transport is a message-framed bidirectional connection. *websocket.Conn
// satisfies it. WriteControl and Close may be called concurrently with the
// other methods; everything else has a single caller at a time.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dispatcher handles inbound frames of active connections.
type Dispatcher interface {
	DispatchFrame(ctx context.Context, sessionID string, data []byte) *protocol.Outbound
}

// Authenticator validates bearer credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Identity, error)
}

// Canceller cancels the executions owned by a session.
type Canceller interface {
	CancelSession(sessionID string) int
}

// Admission decides whether a client may connect.
type Admission interface {
	Allow(key string) (bool, time.Duration)
}

// Config tunes connection handling.
type Config struct {
	AuthRequired bool
	AuthTimeout  time.Duration
	PingInterval time.Duration
	// PongMultiplier times PingInterval is how long a connection may stay
	// silent before it is closed.
	PongMultiplier  int
	WriteWait       time.Duration
	MaxMessageSize  int64
	OutboundQueue   int
	ActivityRefresh time.Duration
}

// DefaultConfig returns the default connection settings.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:     10 * time.Second,
		PingInterval:    30 * time.Second,
		PongMultiplier:  2,
		WriteWait:       10 * time.Second,
		MaxMessageSize:  64 * 1024,
		OutboundQueue:   256,
		ActivityRefresh: time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongMultiplier < 1 {
		c.PongMultiplier = d.PongMultiplier
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = d.OutboundQueue
	}
	if c.ActivityRefresh <= 0 {
		c.ActivityRefresh = d.ActivityRefresh
	}
	return c
}

// ConnectParams are the connect-time parameters of a client.
type ConnectParams struct {
	ClientID   string
	Token      string
	RemoteAddr string
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithAuthenticator sets the credential validator.
func WithAuthenticator(a Authenticator) Option {
	return func(s *Supervisor) { s.auth = a }
}

// WithAdmission sets the connect limiter.
func WithAdmission(a Admission) Option {
	return func(s *Supervisor) { s.admission = a }
}

// WithBus sets the bus that receives connection lifecycle events.
func WithBus(b *event.Bus) Option {
	return func(s *Supervisor) { s.bus = b }
}

// Supervisor runs connections against a shared registry.
type Supervisor struct {
	cfg        Config
	registry   *registry.Registry
	dispatcher Dispatcher
	engine     Canceller
	auth       Authenticator
	admission  Admission
	bus        *event.Bus
	log        zerolog.Logger

	mu       sync.Mutex
	conns    map[string]*Connection
	draining bool
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a supervisor.
func New(cfg Config, reg *registry.Registry, d Dispatcher, eng Canceller, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:        cfg.withDefaults(),
		registry:   reg,
		dispatcher: d,
		engine:     eng,
		log:        logging.Component("supervisor"),
		conns:      make(map[string]*Connection),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve runs one connection until it is closed and always closes t.
// Cancelling ctx closes the connection with reason server-shutdown.
func (s *Supervisor) Serve(ctx context.Context, t Transport, p ConnectParams) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		c := newConnection(s, t, p)
		c.reject(protocol.Push(protocol.NewError(protocol.CodeInternalError, "server is shutting down")), event.ReasonServerShutdown)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	c := newConnection(s, t, p)
	c.run(ctx)
}

// Count returns the number of active connections.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown closes every connection with reason server-shutdown and waits for
// their teardown, or for ctx to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.draining {
		s.draining = true
		close(s.done)
	}
	n := len(s.conns)
	s.mu.Unlock()

	s.log.Info().Int("connections", n).Msg("closing connections")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connection returns a live connection by session id.
func (s *Supervisor) Connection(sessionID string) (*Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[sessionID]
	return c, ok
}

func (s *Supervisor) track(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.id] = c
}

func (s *Supervisor) untrack(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.id)
}

func (s *Supervisor) publish(t event.EventType, data event.ConnectionData) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(event.Event{Type: t, Data: data})
}
