// internal/events/broadcaster.go
package events

import (
	"sync"
	"sync/atomic"
)

const defaultQueueLen = 16

// Subscription is one consumer's bounded queue.
type Subscription[T any] struct {
	ch      chan T
	dropped atomic.Uint64
	b       *Broadcaster[T]
}

// C returns the receive side. It is closed by Unsubscribe or Broadcaster.Close.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Dropped reports how many events were discarded because the queue was full.
func (s *Subscription[T]) Dropped() uint64 { return s.dropped.Load() }

// Unsubscribe detaches the subscription and closes its channel.
func (s *Subscription[T]) Unsubscribe() { s.b.remove(s) }

// Broadcaster fans one producer out to many bounded subscriber queues.
// Publish never blocks: a slow consumer loses events, the producer does not wait.
type Broadcaster[T any] struct {
	mu     sync.RWMutex
	subs   []*Subscription[T]
	closed bool
}

func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{}
}

// Subscribe registers a consumer with a queue of queueLen events.
func (b *Broadcaster[T]) Subscribe(queueLen int) *Subscription[T] {
	if queueLen <= 0 {
		queueLen = defaultQueueLen
	}
	s := &Subscription[T]{ch: make(chan T, queueLen), b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs = append(b.subs, s)
	return s
}

// Publish delivers v to every subscriber that has room.
func (b *Broadcaster[T]) Publish(v T) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		select {
		case s.ch <- v:
		default:
			s.dropped.Add(1)
		}
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}

func (b *Broadcaster[T]) remove(s *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, x := range b.subs {
		if x == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(s.ch)
			return
		}
	}
}
