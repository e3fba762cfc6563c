// Package events provides the typed fan-out channels that components use to
// publish change notifications.
//
// Each notification kind gets its own Topic. Publishers never block: every
// subscriber has a bounded buffer and, when it is full, the oldest pending
// value is discarded in favour of the newest. Notifications describe current
// state, so a slow reader that misses intermediate values still converges.
//
// Delivery happens on no particular goroutine. Subscribers must not assume
// they run on the publisher's goroutine or on any goroutine of their own
// choosing other than the one that reads the channel.
package events

import "sync"

// DefaultBuffer is the per-subscriber buffer used when NewTopic receives a
// non-positive size.
const DefaultBuffer = 16

// Topic is a fan-out publish/subscribe channel for values of type T.
// The zero value is not usable; construct with NewTopic.
type Topic[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	next   int
	buf    int
	closed bool
}

// NewTopic creates a Topic whose subscribers buffer up to buf values.
func NewTopic[T any](buf int) *Topic[T] {
	if buf <= 0 {
		buf = DefaultBuffer
	}
	return &Topic[T]{subs: make(map[int]chan T), buf: buf}
}

// Subscribe registers a new subscriber. The returned cancel func removes it
// and closes its channel; it is safe to call more than once. Subscribing to a
// closed topic returns an already-closed channel.
func (t *Topic[T]) Subscribe() (<-chan T, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan T, t.buf)
	if t.closed {
		close(ch)
		return ch, func() {}
	}
	id := t.next
	t.next++
	t.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if c, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers v to every subscriber without blocking. Publishing on a
// closed topic is a no-op.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		// Full: drop the oldest pending value and retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

// Len returns the number of active subscribers.
func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close closes every subscriber channel. Further publishes are dropped.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}
