// Package registry keeps one record per live connection together with the
// handle used to push messages to it.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/opencode-ai/missionlink/internal/logging"
	"github.com/opencode-ai/missionlink/internal/protocol"
)

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 32

var (
	// ErrUnknownSession is returned when no session is registered under an id.
	ErrUnknownSession = errors.New("unknown session")
	// ErrDuplicateSession is returned when registering an id twice.
	ErrDuplicateSession = errors.New("session already registered")
	// ErrChannelClosed is returned by an Outbound after it has been closed.
	ErrChannelClosed = errors.New("outbound channel closed")
	// ErrChannelFull is returned by an Outbound whose queue has no room.
	ErrChannelFull = errors.New("outbound channel full")
)

// Outbound is the push handle of one session. Enqueue must never block and
// must fail with ErrChannelClosed or ErrChannelFull instead.
type Outbound interface {
	Enqueue(msg protocol.Outbound) error
}

// SendError is returned by SendTo.
type SendError struct {
	SessionID string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to session %s: %v", e.SessionID, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

type entry struct {
	session *Session
	out     Outbound
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Registry is a sharded, concurrency-safe session table.
type Registry struct {
	shards []*shard
}

// New creates a registry with the given number of shards.
func New(shardCount int) *Registry {
	if shardCount <= 0 {
		shardCount = DefaultShards
	}
	r := &Registry{shards: make([]*shard, shardCount)}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	return r.shards[xxhash.Sum64String(id)%uint64(len(r.shards))]
}

// Register adds a session and its push handle.
func (r *Registry) Register(session *Session, out Outbound) error {
	s := r.shardFor(session.ID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[session.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, session.ID)
	}
	s.entries[session.ID] = &entry{session: session.clone(), out: out}
	return nil
}

// Unregister removes a session, reporting whether it was present.
func (r *Registry) Unregister(id string) bool {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	return true
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (*Session, bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return e.session.clone(), true
}

// Update applies fn to the stored session under the shard's write lock.
// fn must not call back into the Registry.
func (r *Registry) Update(id string, fn func(*Session)) error {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return &SendError{SessionID: id, Err: ErrUnknownSession}
	}
	fn(e.session)
	return nil
}

// SendTo enqueues msg on one session's outbound handle. Failures are
// *SendError wrapping ErrUnknownSession, ErrChannelClosed or ErrChannelFull.
func (r *Registry) SendTo(id string, msg protocol.Outbound) error {
	s := r.shardFor(id)
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()

	if !ok {
		return &SendError{SessionID: id, Err: ErrUnknownSession}
	}
	if err := e.out.Enqueue(msg); err != nil {
		return &SendError{SessionID: id, Err: err}
	}
	return nil
}

// Broadcast enqueues msg on every session except the excluded ones and
// returns how many accepted it.
func (r *Registry) Broadcast(msg protocol.Outbound, exclude ...string) int {
	return r.deliver(msg, func(*Session) bool { return true }, exclude)
}

// BroadcastToTopic enqueues msg on every session subscribed to topic.
func (r *Registry) BroadcastToTopic(topic string, msg protocol.Outbound, exclude ...string) int {
	return r.BroadcastToTopics([]string{topic}, msg, exclude...)
}

// BroadcastToTopics enqueues msg once on every session subscribed to any of topics.
func (r *Registry) BroadcastToTopics(topics []string, msg protocol.Outbound, exclude ...string) int {
	return r.deliver(msg, func(s *Session) bool { return s.Receives(topics...) }, exclude)
}

// deliver collects targets under read locks and enqueues outside them, so a
// slow handle never holds a shard. Sessions that disappear or reject the
// message are skipped.
func (r *Registry) deliver(msg protocol.Outbound, match func(*Session) bool, exclude []string) int {
	type target struct {
		id  string
		out Outbound
	}
	var targets []target
	for _, s := range r.shards {
		s.mu.RLock()
		for id, e := range s.entries {
			if slices.Contains(exclude, id) || !match(e.session) {
				continue
			}
			targets = append(targets, target{id: id, out: e.out})
		}
		s.mu.RUnlock()
	}

	delivered := 0
	for _, t := range targets {
		if err := t.out.Enqueue(msg); err != nil {
			logging.Debug().
				Str("session_id", t.id).
				Str("type", msg.Kind).
				Err(err).
				Msg("Broadcast skipped session")
			continue
		}
		delivered++
	}
	return delivered
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// SessionIDs returns the ids of all registered sessions, sorted.
func (r *Registry) SessionIDs() []string {
	var ids []string
	for _, s := range r.shards {
		s.mu.RLock()
		for id := range s.entries {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	slices.Sort(ids)
	return ids
}
