package registry

import (
	"maps"
	"slices"
	"time"
)

// Session is the server-side record of one live connection.
//
// Sessions returned by the Registry are copies; mutate the stored record
// through Registry.Update.
type Session struct {
	ID             string
	UserID         string
	ClientID       string
	RemoteAddr     string
	Authenticated  bool
	Subscriptions  map[string]struct{}
	ConnectedAt    time.Time
	LastActivityAt time.Time
}

// NewSession creates a session connected now.
func NewSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:             id,
		Subscriptions:  make(map[string]struct{}),
		ConnectedAt:    now,
		LastActivityAt: now,
	}
}

// Subscribe adds topic, reporting whether it was newly added.
func (s *Session) Subscribe(topic string) bool {
	if s.Subscriptions == nil {
		s.Subscriptions = make(map[string]struct{})
	}
	if _, ok := s.Subscriptions[topic]; ok {
		return false
	}
	s.Subscriptions[topic] = struct{}{}
	return true
}

// Unsubscribe removes topic, reporting whether it was present.
func (s *Session) Unsubscribe(topic string) bool {
	if _, ok := s.Subscriptions[topic]; !ok {
		return false
	}
	delete(s.Subscriptions, topic)
	return true
}

// IsSubscribed reports whether topic is one of the session's subscriptions.
func (s *Session) IsSubscribed(topic string) bool {
	_, ok := s.Subscriptions[topic]
	return ok
}

// Topics returns the subscriptions in sorted order.
func (s *Session) Topics() []string {
	return slices.Sorted(maps.Keys(s.Subscriptions))
}

// Receives reports whether an event published on any of topics reaches this session.
func (s *Session) Receives(topics ...string) bool {
	for pattern := range s.Subscriptions {
		for _, topic := range topics {
			if Match(pattern, topic) {
				return true
			}
		}
	}
	return false
}

func (s *Session) clone() *Session {
	c := *s
	c.Subscriptions = maps.Clone(s.Subscriptions)
	if c.Subscriptions == nil {
		c.Subscriptions = make(map[string]struct{})
	}
	return &c
}
