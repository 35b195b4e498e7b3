// Package eventbus fans values out to subscribers without letting a slow
// subscriber hold up the publisher.
package eventbus

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber buffer used when Subscribe is given a
// non-positive size.
const DefaultBuffer = 64

// Stats is a snapshot of bus counters.
type Stats struct {
	PublishedCount  int64
	DroppedCount    int64
	SubscriberCount int
}

// Bus delivers every published value to each current subscriber. Each
// subscriber has its own buffered channel; when it is full the oldest queued
// value is discarded to make room, so Publish never blocks.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]chan T
	nextID uint64
	closed int32

	publishedCount int64
	droppedCount   int64
}

// New creates an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[uint64]chan T)}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once. Subscribing to a
// closed bus returns an already closed channel.
func (b *Bus[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan T, buffer)

	b.mu.Lock()
	if atomic.LoadInt32(&b.closed) == 1 {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers v to every subscriber.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if atomic.LoadInt32(&b.closed) == 1 {
		return
	}
	atomic.AddInt64(&b.publishedCount, 1)
	for _, ch := range b.subs {
		for {
			select {
			case ch <- v:
			default:
				// Full: discard the oldest and retry.
				select {
				case <-ch:
					atomic.AddInt64(&b.droppedCount, 1)
				default:
				}
				continue
			}
			break
		}
	}
}

// Close unregisters and closes every subscriber. Later publishes are ignored.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !atomic.CompareAndSwapInt32(&b.closed, 0, 1) {
		return
	}
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// GetStats returns current counters.
func (b *Bus[T]) GetStats() *Stats {
	b.mu.Lock()
	n := len(b.subs)
	b.mu.Unlock()
	return &Stats{
		PublishedCount:  atomic.LoadInt64(&b.publishedCount),
		DroppedCount:    atomic.LoadInt64(&b.droppedCount),
		SubscriberCount: n,
	}
}
