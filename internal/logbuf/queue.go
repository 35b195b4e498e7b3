package logbuf

import (
	"sync"
	"sync/atomic"
)

// Queue is a bounded FIFO of events. Push never blocks: when the queue is
// full the oldest queued event is discarded and counted as dropped. A single
// consumer drains it with Pop.
type Queue struct {
	mu      sync.Mutex
	items   []Event
	cap     int
	closed  bool
	notify  chan struct{}
	dropped atomic.Uint64
}

// NewQueue creates a queue holding at most capacity events.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		items:  make([]Event, 0, capacity),
		cap:    capacity,
		notify: make(chan struct{}, 1),
	}
}

// Push enqueues ev. It reports false if the queue is closed.
func (q *Queue) Push(ev Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if len(q.items) == q.cap {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		q.dropped.Add(1)
	}
	q.items = append(q.items, ev)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	q.mu.Unlock()
	return true
}

// Pop removes and returns everything queued. ok is false once the queue is
// closed and drained.
func (q *Queue) Pop() (batch []Event, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			batch = append([]Event(nil), q.items...)
			q.items = q.items[:0]
			q.mu.Unlock()
			return batch, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.notify
	}
}

// Close stops accepting events. Queued events can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.notify)
	}
	q.mu.Unlock()
}

// Len is the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped is the number of events discarded because the queue was full.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}
