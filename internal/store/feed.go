package store

import "sync"

// feedBuffer is the per-subscriber channel capacity.
const feedBuffer = 100

// Feed is an in-process publish/subscribe fan-out.
//
// Subscribers receive values via buffered channels (buffer size 100).
// Publishing never blocks: if a subscriber's buffer is full the value is
// dropped for that subscriber only.
type Feed[T any] struct {
	mu          sync.RWMutex
	subscribers map[chan T]struct{}
	closed      bool
}

// NewFeed creates a [Feed] with no subscribers.
func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{subscribers: make(map[chan T]struct{})}
}

// Publish sends v to every subscriber without blocking.
func (f *Feed[T]) Publish(v T) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for ch := range f.subscribers {
		select {
		case ch <- v:
		default:
			// subscriber is slow, drop the message
		}
	}
}

// Subscribe returns a channel receiving published values.
//
// Caller must call [Feed.Unsubscribe] when done. Subscribing to a closed
// feed returns an already closed channel.
func (f *Feed[T]) Subscribe() <-chan T {
	ch := make(chan T, feedBuffer)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch
	}
	f.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// multiple times or with an unknown channel.
func (f *Feed[T]) Unsubscribe(ch <-chan T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for subCh := range f.subscribers {
		if subCh == ch {
			delete(f.subscribers, subCh)
			close(subCh)
			break
		}
	}
}

// Close closes every subscriber channel. Later publishes are no-ops.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.subscribers {
		close(ch)
		delete(f.subscribers, ch)
	}
}

// Subscribers returns the current subscriber count.
func (f *Feed[T]) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}
