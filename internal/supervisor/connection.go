package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/opencode-ai/missionlink/internal/auth"
	"github.com/opencode-ai/missionlink/internal/event"
	"github.com/opencode-ai/missionlink/internal/protocol"
	"github.com/opencode-ai/missionlink/internal/registry"
)

// State is the lifecycle state of a connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// closeCodes maps a disconnect reason to the close frame status.
var closeCodes = map[string]int{
	event.ReasonClientClosed:   websocket.CloseNormalClosure,
	event.ReasonServerShutdown: websocket.CloseGoingAway,
	event.ReasonTimeout:        websocket.CloseGoingAway,
	event.ReasonAuthFailed:     websocket.ClosePolicyViolation,
	event.ReasonRateLimited:    websocket.CloseTryAgainLater,
	event.ReasonTransportError: websocket.CloseInternalServerErr,
}

// Connection is one client connection. It owns the session's outbound queue
// and closes exactly once.
type Connection struct {
	id     string
	sup    *Supervisor
	t      Transport
	params ConnectParams
	queue  *Queue
	log    zerolog.Logger

	state       atomic.Int32
	mu          sync.Mutex
	reason      string
	closeCh     chan struct{}
	down        sync.Once
	identity    *auth.Identity
	lastSeen    atomic.Int64
	lastRefresh atomic.Int64
}

func newConnection(s *Supervisor, t Transport, p ConnectParams) *Connection {
	id := uuid.NewString()
	c := &Connection{
		id:      id,
		sup:     s,
		t:       t,
		params:  p,
		queue:   NewQueue(s.cfg.OutboundQueue),
		closeCh: make(chan struct{}),
		log: s.log.With().
			Str("session_id", id).
			Str("client_id", p.ClientID).
			Str("remote_addr", p.RemoteAddr).
			Logger(),
	}
	now := time.Now().UnixNano()
	c.lastSeen.Store(now)
	c.lastRefresh.Store(now)
	return c
}

// ID returns the session id.
func (c *Connection) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Reason returns the disconnect reason, empty while the connection is open.
func (c *Connection) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Close starts teardown with reason. The first reason wins.
func (c *Connection) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason != "" {
		return
	}
	c.reason = reason
	close(c.closeCh)
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Connection) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("connection panicked")
			c.Close(event.ReasonTransportError)
			c.teardown()
		}
	}()

	c.setState(StateConnecting)
	if !c.admit() {
		return
	}

	replyID, ok := c.authenticate(ctx)
	if !ok {
		return
	}

	select {
	case <-c.sup.done:
		c.reject(protocol.Push(protocol.NewError(protocol.CodeInternalError, "server is shutting down")), event.ReasonServerShutdown)
		return
	default:
	}

	if !c.activate(replyID) {
		return
	}
	c.serve(ctx)
}

// admit applies connect-time admission keyed by client id, falling back to
// the remote address.
func (c *Connection) admit() bool {
	if c.sup.admission == nil {
		return true
	}
	key := c.params.ClientID
	if key == "" {
		key = c.params.RemoteAddr
	}
	ok, retry := c.sup.admission.Allow("connect:" + key)
	if ok {
		return true
	}
	ev := protocol.NewError(protocol.CodeRateLimited, "too many connection attempts")
	ev.RetryAfterMs = retry.Milliseconds()
	c.reject(protocol.Push(ev), event.ReasonRateLimited)
	return false
}

// authenticate runs the authentication phase when it is required or when a
// credential was offered at connect. It returns the correlation id of the
// authenticate frame, if one was read.
func (c *Connection) authenticate(ctx context.Context) (string, bool) {
	cfg := c.sup.cfg
	if !cfg.AuthRequired && c.params.Token == "" {
		return "", true
	}
	c.setState(StateAuthenticating)

	token, replyID := c.params.Token, ""
	if token == "" {
		var ok bool
		token, replyID, ok = c.readCredential()
		if !ok {
			return "", false
		}
	}

	if c.sup.auth == nil {
		c.reject(protocol.Reply(replyID, protocol.NewError(protocol.CodeAuthFailed, "authentication is not configured")), event.ReasonAuthFailed)
		return "", false
	}

	authCtx, cancel := context.WithTimeout(ctx, cfg.AuthTimeout)
	defer cancel()
	ident, err := c.sup.auth.Authenticate(authCtx, token)
	if err != nil {
		c.log.Info().Err(err).Msg("authentication failed")
		code, msg := protocol.CodeAuthFailed, "invalid credentials"
		if errors.Is(err, context.DeadlineExceeded) {
			code, msg = protocol.CodeAuthTimeout, "authentication timed out"
		}
		c.reject(protocol.Reply(replyID, protocol.NewError(code, msg)), event.ReasonAuthFailed)
		return "", false
	}
	c.identity = ident
	return replyID, true
}

// readCredential waits up to AuthTimeout for an authenticate frame.
func (c *Connection) readCredential() (token, replyID string, ok bool) {
	timeout := c.sup.cfg.AuthTimeout
	if err := c.t.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		c.reject(protocol.Push(protocol.NewError(protocol.CodeInternalError, "internal error")), event.ReasonTransportError)
		return "", "", false
	}

	_, data, err := c.t.ReadMessage()
	if err != nil {
		switch {
		case isTimeout(err):
			c.reject(protocol.Push(protocol.NewError(protocol.CodeAuthTimeout, "authentication timed out")), event.ReasonTimeout)
		case isClientClose(err):
			c.reject(protocol.Outbound{}, event.ReasonClientClosed)
		default:
			c.reject(protocol.Outbound{}, event.ReasonTransportError)
		}
		return "", "", false
	}

	cmd, id, err := protocol.Decode(data)
	a, isAuth := cmd.(protocol.Authenticate)
	if err != nil || !isAuth {
		c.reject(protocol.Reply(id, protocol.NewError(protocol.CodeAuthRequired, "authenticate first")), event.ReasonAuthFailed)
		return "", "", false
	}

	if err := c.t.SetReadDeadline(time.Time{}); err != nil {
		c.reject(protocol.Push(protocol.NewError(protocol.CodeInternalError, "internal error")), event.ReasonTransportError)
		return "", "", false
	}
	return a.Token, id, true
}

// activate registers the session and queues the welcome. The welcome is
// queued before registration so that it precedes any broadcast.
func (c *Connection) activate(replyID string) bool {
	session := registry.NewSession(c.id)
	session.ClientID = c.params.ClientID
	session.RemoteAddr = c.params.RemoteAddr
	if c.identity != nil {
		session.UserID = c.identity.UserID
		session.Authenticated = true
	}

	welcome := protocol.Welcome{
		SessionID:     c.id,
		UserID:        session.UserID,
		Authenticated: session.Authenticated,
	}
	if err := c.queue.Enqueue(protocol.Reply(replyID, welcome)); err != nil {
		c.reject(protocol.Push(protocol.NewError(protocol.CodeInternalError, "internal error")), event.ReasonTransportError)
		return false
	}
	if err := c.sup.registry.Register(session, c.queue); err != nil {
		c.log.Error().Err(err).Msg("register session")
		c.reject(protocol.Push(protocol.NewError(protocol.CodeInternalError, "internal error")), event.ReasonTransportError)
		return false
	}
	c.sup.track(c)
	c.setState(StateActive)

	data := c.eventData("")
	c.sup.publish(event.ConnectionOpened, data)
	if session.Authenticated {
		c.sup.publish(event.ConnectionAuthenticated, data)
	}
	c.log.Info().
		Str("user_id", session.UserID).
		Bool("authenticated", session.Authenticated).
		Msg("connection opened")
	return true
}

// serve runs the pumps until one of them ends, then tears down.
func (c *Connection) serve(ctx context.Context) {
	c.t.SetReadLimit(c.sup.cfg.MaxMessageSize)
	c.t.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.guard("read", func() error { return c.readPump(gctx) }) })
	g.Go(func() error { return c.guard("write", c.writePump) })
	g.Go(func() error { return c.guard("heartbeat", func() error { return c.heartbeat(gctx) }) })
	g.Go(func() error {
		select {
		case <-c.closeCh:
		case <-gctx.Done():
			if ctx.Err() != nil {
				c.Close(event.ReasonServerShutdown)
			} else {
				c.Close(event.ReasonTransportError)
			}
		case <-c.sup.done:
			c.Close(event.ReasonServerShutdown)
		}
		c.teardown()
		return nil
	})

	if err := g.Wait(); err != nil {
		c.log.Debug().Err(err).Msg("connection pumps stopped")
	}
	c.setState(StateClosed)
}

// guard converts a panic in a pump into a transport-error close.
func (c *Connection) guard(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().
				Interface("panic", r).
				Str("pump", name).
				Str("stack", string(debug.Stack())).
				Msg("pump panicked")
			c.Close(event.ReasonTransportError)
			err = fmt.Errorf("%s pump panicked: %v", name, r)
		}
	}()
	return fn()
}

func (c *Connection) readPump(ctx context.Context) error {
	for {
		typ, data, err := c.t.ReadMessage()
		if err != nil {
			if isClientClose(err) {
				c.Close(event.ReasonClientClosed)
				return nil
			}
			c.Close(event.ReasonTransportError)
			return fmt.Errorf("read: %w", err)
		}
		c.touch()
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}

		out := c.sup.dispatcher.DispatchFrame(ctx, c.id, data)
		if out == nil {
			continue
		}
		if err := c.queue.Enqueue(*out); err != nil {
			if errors.Is(err, registry.ErrChannelClosed) {
				return nil
			}
			c.log.Warn().Err(err).Str("kind", out.Kind).Msg("reply dropped")
		}
	}
}

// writePump is the queue's single consumer. It ends when the queue is closed
// and drained, or on the first write failure.
func (c *Connection) writePump() error {
	for msg := range c.queue.C() {
		data, err := json.Marshal(msg)
		if err != nil {
			c.log.Error().Err(err).Str("kind", msg.Kind).Msg("marshal outbound message")
			continue
		}
		if err := c.write(data); err != nil {
			c.Close(event.ReasonTransportError)
			return fmt.Errorf("write %s: %w", msg.Kind, err)
		}
	}
	return nil
}

func (c *Connection) write(data []byte) error {
	if err := c.t.SetWriteDeadline(time.Now().Add(c.sup.cfg.WriteWait)); err != nil {
		return err
	}
	return c.t.WriteMessage(websocket.TextMessage, data)
}

var errHeartbeatTimeout = errors.New("heartbeat timeout")

func (c *Connection) heartbeat(ctx context.Context) error {
	cfg := c.sup.cfg
	limit := cfg.PingInterval * time.Duration(cfg.PongMultiplier)
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.closeCh:
			return nil
		case now := <-ticker.C:
			idle := now.Sub(time.Unix(0, c.lastSeen.Load()))
			if idle > limit {
				c.log.Info().Dur("idle", idle).Msg("heartbeat timeout")
				c.Close(event.ReasonTimeout)
				return errHeartbeatTimeout
			}
			if err := c.t.WriteControl(websocket.PingMessage, nil, now.Add(cfg.WriteWait)); err != nil {
				c.Close(event.ReasonTransportError)
				return fmt.Errorf("ping: %w", err)
			}
			err := c.queue.Enqueue(protocol.Push(protocol.Heartbeat{ServerTime: now.UnixMilli()}))
			if err != nil && errors.Is(err, registry.ErrChannelFull) {
				c.log.Debug().Msg("heartbeat dropped, outbound queue full")
			}
		}
	}
}

// touch records inbound activity. The registry copy is refreshed at most once
// per ActivityRefresh.
func (c *Connection) touch() {
	now := time.Now()
	c.lastSeen.Store(now.UnixNano())

	last := c.lastRefresh.Load()
	if now.Sub(time.Unix(0, last)) < c.sup.cfg.ActivityRefresh {
		return
	}
	if !c.lastRefresh.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	_ = c.sup.registry.Update(c.id, func(s *registry.Session) { s.LastActivityAt = now })
}

// teardown runs every closing step even when earlier ones fail. Only the
// first call has an effect.
func (c *Connection) teardown() {
	c.down.Do(c.closeSteps)
}

func (c *Connection) closeSteps() {
	c.setState(StateClosing)
	reason := c.Reason()

	var errs []error
	step := func(name string, fn func() error) {
		defer func() {
			if r := recover(); r != nil {
				errs = append(errs, fmt.Errorf("%s: panic: %v", name, r))
			}
		}()
		if err := fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("unregister", func() error {
		if !c.sup.registry.Unregister(c.id) {
			return registry.ErrUnknownSession
		}
		return nil
	})
	step("cancel executions", func() error {
		if c.sup.engine == nil {
			return nil
		}
		if n := c.sup.engine.CancelSession(c.id); n > 0 {
			c.log.Info().Int("executions", n).Msg("cancelled executions of closing session")
		}
		return nil
	})
	step("close queue", func() error {
		c.queue.Close()
		return nil
	})
	step("close frame", func() error {
		err := c.closeFrame(reason)
		if reason == event.ReasonClientClosed || reason == event.ReasonTransportError {
			return nil
		}
		return err
	})
	step("close transport", c.t.Close)

	c.sup.untrack(c)
	if err := errors.Join(errs...); err != nil {
		c.log.Warn().Err(err).Str("reason", reason).Msg("teardown incomplete")
	}
	c.sup.publish(event.ConnectionClosed, c.eventData(reason))
	c.log.Info().Str("reason", reason).Msg("connection closed")
}

// reject ends a connection that never became active: it writes msg (unless
// empty), a close frame and closes the transport.
func (c *Connection) reject(msg protocol.Outbound, reason string) {
	c.Close(reason)
	c.setState(StateClosing)

	if msg.Payload != nil {
		if data, err := json.Marshal(msg); err == nil {
			if err := c.write(data); err != nil {
				c.log.Debug().Err(err).Msg("write rejection")
			}
		}
	}
	if err := c.closeFrame(reason); err != nil {
		c.log.Debug().Err(err).Msg("write close frame")
	}
	if err := c.t.Close(); err != nil {
		c.log.Debug().Err(err).Msg("close transport")
	}

	c.setState(StateClosed)
	c.sup.publish(event.ConnectionClosed, c.eventData(reason))
	c.log.Info().Str("reason", reason).Msg("connection rejected")
}

func (c *Connection) closeFrame(reason string) error {
	code, ok := closeCodes[reason]
	if !ok {
		code = websocket.CloseNormalClosure
	}
	frame := websocket.FormatCloseMessage(code, reason)
	err := c.t.WriteControl(websocket.CloseMessage, frame, time.Now().Add(c.sup.cfg.WriteWait))
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (c *Connection) eventData(reason string) event.ConnectionData {
	data := event.ConnectionData{
		SessionID:  c.id,
		ClientID:   c.params.ClientID,
		RemoteAddr: c.params.RemoteAddr,
		Reason:     reason,
	}
	if c.identity != nil {
		data.UserID = c.identity.UserID
	}
	return data
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isClientClose(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce)
}
