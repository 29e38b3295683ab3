package supervisor

import (
	"sync"

	"github.com/opencode-ai/missionlink/internal/protocol"
	"github.com/opencode-ai/missionlink/internal/registry"
)

// Queue is a session's bounded outbound queue. Enqueue never blocks: it
// fails with registry.ErrChannelFull when the queue has no room and with
// registry.ErrChannelClosed after Close. A single consumer drains C.
type Queue struct {
	mu     sync.RWMutex
	ch     chan protocol.Outbound
	closed bool
}

// NewQueue creates a queue holding at most size messages.
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan protocol.Outbound, size)}
}

// Enqueue adds msg without blocking.
func (q *Queue) Enqueue(msg protocol.Outbound) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return registry.ErrChannelClosed
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return registry.ErrChannelFull
	}
}

// C returns the channel the consumer drains. It is closed by Close once the
// remaining messages have been received.
func (q *Queue) C() <-chan protocol.Outbound {
	return q.ch
}

// Close rejects further messages. It is safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	return len(q.ch)
}

var _ registry.Outbound = (*Queue)(nil)
