package logbuf

import "sync"

// DefaultRingSize is the capacity used when NewRing is given a non-positive size.
const DefaultRingSize = 2000

// Ring is an append-only, capped sequence of events. Appending to a full
// ring evicts the oldest event. Sequence numbers are assigned by the ring and
// strictly increase.
type Ring struct {
	mu      sync.RWMutex
	buf     []Event
	start   int
	size    int
	nextSeq uint64
	errors  uint64
	total   uint64
}

// NewRing creates a ring holding at most capacity events.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingSize
	}
	return &Ring{buf: make([]Event, capacity), nextSeq: 1}
}

// Append stamps ev with the next sequence number, stores it and returns it.
func (r *Ring) Append(ev Event) Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev.Seq = r.nextSeq
	r.nextSeq++
	r.total++
	if ev.Level == LevelError {
		r.errors++
	}

	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = ev
		r.size++
	} else {
		r.buf[r.start] = ev
		r.start = (r.start + 1) % len(r.buf)
	}
	return ev
}

// Since returns up to limit events with Seq > since, oldest first.
// A non-positive limit means no limit.
func (r *Ring) Since(since uint64, limit int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Event, 0, r.size)
	for i := 0; i < r.size; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > since {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Tail returns the last n events.
func (r *Ring) Tail(n int) []Event {
	return r.Since(0, n)
}

// Len is the number of events currently held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap is the ring capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Counts reports the number of events ever appended and how many were errors.
func (r *Ring) Counts() (total, errors uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total, r.errors
}

// LastSeq is the sequence number of the newest event, or 0.
func (r *Ring) LastSeq() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextSeq - 1
}
