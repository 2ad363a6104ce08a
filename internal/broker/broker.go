// Package broker fans published values out to per-topic subscribers.
package broker

import "sync"

// DefaultBuffer is the channel buffer for each subscriber. Values are dropped
// if a subscriber falls this far behind.
const DefaultBuffer = 64

// Broker manages per-topic streaming to subscribers. It is safe for
// concurrent use.
//
// Closed topics are retained as markers so that late subscribers receive a
// closed channel instead of blocking forever.
type Broker[T any] struct {
	mu     sync.Mutex
	buffer int
	topics map[string]*topic[T]
}

type topic[T any] struct {
	subs   map[int]chan T
	nextID int
	closed bool
}

// New creates a broker whose subscriber channels hold buffer values. A
// non-positive buffer selects DefaultBuffer.
func New[T any](buffer int) *Broker[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broker[T]{
		buffer: buffer,
		topics: make(map[string]*topic[T]),
	}
}

// Subscribe returns a channel that receives values published to key and an
// unsubscribe function. If the topic is already closed, the returned channel
// is closed.
func (b *Broker[T]) Subscribe(key string) (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[key]
	if !ok {
		t = &topic[T]{subs: make(map[int]chan T)}
		b.topics[key] = t
	}

	ch := make(chan T, b.buffer)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub)
		}
		if len(t.subs) == 0 && !t.closed && b.topics[key] == t {
			delete(b.topics, key)
		}
	}
}

// Publish sends v to every subscriber of key. Values are dropped for
// subscribers whose buffers are full. It reports how many subscribers
// received the value.
func (b *Broker[T]) Publish(key string, v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[key]
	if !ok || t.closed {
		return 0
	}

	sent := 0
	for _, ch := range t.subs {
		select {
		case ch <- v:
			sent++
		default:
		}
	}
	return sent
}

// Close signals that nothing more will be published on key. All subscriber
// channels are closed and future Subscribe calls return a closed channel.
func (b *Broker[T]) Close(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[key]
	if !ok {
		b.topics[key] = &topic[T]{subs: make(map[int]chan T), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Closed reports whether key has been closed.
func (b *Broker[T]) Closed(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[key]
	return ok && t.closed
}

// Forget drops the marker of a closed topic so long-running owners can
// release finished keys. It reports whether a marker was removed; open
// topics are left alone.
func (b *Broker[T]) Forget(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[key]
	if !ok || !t.closed {
		return false
	}
	delete(b.topics, key)
	return true
}

// Len reports how many topics, open or closed, the broker is tracking.
func (b *Broker[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
