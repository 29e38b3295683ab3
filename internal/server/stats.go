package server

import (
	"maps"
	"sync"

	"github.com/opencode-ai/missionlink/internal/event"
)

// Stats counts lifecycle events seen on the bus.
type Stats struct {
	mu            sync.Mutex
	opened        int64
	authenticated int64
	closed        int64
	reasons       map[string]int64
	started       int64
	outcomes      map[string]int64
	unsubscribe   []func()
}

// StatsSnapshot is the JSON form of Stats.
type StatsSnapshot struct {
	ConnectionsOpened        int64            `json:"connections_opened"`
	ConnectionsAuthenticated int64            `json:"connections_authenticated"`
	ConnectionsClosed        int64            `json:"connections_closed"`
	DisconnectReasons        map[string]int64 `json:"disconnect_reasons"`
	ExecutionsStarted        int64            `json:"executions_started"`
	ExecutionOutcomes        map[string]int64 `json:"execution_outcomes"`
}

// NewStats subscribes to bus. A nil bus yields counters that stay at zero.
func NewStats(bus *event.Bus) *Stats {
	s := &Stats{
		reasons:  make(map[string]int64),
		outcomes: make(map[string]int64),
	}
	if bus == nil {
		return s
	}
	s.unsubscribe = []func(){
		bus.Subscribe(event.ConnectionOpened, func(event.Event) { s.add(&s.opened) }),
		bus.Subscribe(event.ConnectionAuthenticated, func(event.Event) { s.add(&s.authenticated) }),
		bus.Subscribe(event.ConnectionClosed, s.onClosed),
		bus.Subscribe(event.ExecutionStarted, func(event.Event) { s.add(&s.started) }),
		bus.Subscribe(event.ExecutionFinished, s.onFinished),
	}
	return s
}

func (s *Stats) add(n *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*n++
}

func (s *Stats) onClosed(e event.Event) {
	data, _ := e.Data.(event.ConnectionData)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	s.reasons[data.Reason]++
}

func (s *Stats) onFinished(e event.Event) {
	data, _ := e.Data.(event.ExecutionData)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[data.Outcome]++
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		ConnectionsOpened:        s.opened,
		ConnectionsAuthenticated: s.authenticated,
		ConnectionsClosed:        s.closed,
		DisconnectReasons:        maps.Clone(s.reasons),
		ExecutionsStarted:        s.started,
		ExecutionOutcomes:        maps.Clone(s.outcomes),
	}
}

// Close stops counting.
func (s *Stats) Close() {
	s.mu.Lock()
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	for _, fn := range unsub {
		fn()
	}
}
