// Package broadcast fans snapshots out to any number of observers.
//
// Delivery is conflating: every subscriber owns a single-slot buffer and a
// newer value replaces one the subscriber has not read yet, so a slow reader
// always catches up to the latest state and never blocks the publisher.
package broadcast

import "sync"

// Hub publishes values of type T to its subscribers.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[chan T]struct{}
	closed bool
}

// New returns an empty hub.
func New[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[chan T]struct{})}
}

// Subscribe registers a new observer. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (h *Hub[T]) Subscribe() (<-chan T, func()) {
	h.mu.Lock()
	ch, cancel := h.subscribeLocked()
	h.mu.Unlock()
	if ch == nil {
		return closedChan[T](), func() {}
	}
	return ch, cancel
}

// SubscribeWith registers an observer and seeds it with v before any later
// publish can reach it.
func (h *Hub[T]) SubscribeWith(v T) (<-chan T, func()) {
	h.mu.Lock()
	ch, cancel := h.subscribeLocked()
	if ch != nil {
		ch <- v
	}
	h.mu.Unlock()
	if ch == nil {
		return closedChan[T](), func() {}
	}
	return ch, cancel
}

func (h *Hub[T]) subscribeLocked() (chan T, func()) {
	if h.closed {
		return nil, nil
	}
	ch := make(chan T, 1)
	h.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

func closedChan[T any]() chan T {
	ch := make(chan T)
	close(ch)
	return ch
}

// Publish hands v to every subscriber without blocking.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		offer(ch, v)
	}
}

// Len returns the number of live subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Later subscriptions receive an
// already closed channel.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
	}
	h.subs = nil
}

func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	// drop the stale value the reader has not picked up yet
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
