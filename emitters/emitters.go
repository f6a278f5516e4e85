// Package emitters implements a best-effort fan-out broadcaster.
//
// An Emitters value delivers a copy of every emitted event to each of its
// subscriptions without ever blocking the emitter: a subscription whose buffer
// is full loses its oldest buffered event, and a closed subscription is pruned
// on the next emit.
package emitters

import "sync"

// DefaultBuffer is the per-subscription buffer used when New is given a
// non-positive size.
const DefaultBuffer = 64

// Subscription receives events from an Emitters.
type Subscription[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
}

// C returns the channel on which events are delivered. The channel is closed
// once the subscription has been pruned or the emitter has been closed.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Close unsubscribes. It is safe to call Close multiple times and from any
// goroutine. Events already buffered remain readable until the emitter prunes
// the subscription.
func (s *Subscription[T]) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription[T]) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Emitters broadcasts events of type T to an unordered set of subscriptions.
type Emitters[T any] struct {
	mu      sync.Mutex
	subs    map[*Subscription[T]]struct{}
	buffer  int
	dropped uint64
	closed  bool
}

// New returns an Emitters whose subscriptions buffer up to buffer events each.
func New[T any](buffer int) *Emitters[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Emitters[T]{
		subs:   map[*Subscription[T]]struct{}{},
		buffer: buffer,
	}
}

// Subscribe registers a new subscription. Subscribing to a closed emitter
// returns a subscription whose channel is already closed.
func (e *Emitters[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{
		ch:   make(chan T, e.buffer),
		done: make(chan struct{}),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		s.Close()
		close(s.ch)
		return s
	}
	e.subs[s] = struct{}{}
	return s
}

// Emit delivers a copy of event to every live subscription and prunes the
// closed ones. It never blocks.
func (e *Emitters[T]) Emit(event T) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for s := range e.subs {
		if s.closed() {
			e.prune(s)
			continue
		}
		select {
		case s.ch <- event:
			continue
		default:
		}
		// Buffer full: drop the oldest event to make room.
		select {
		case <-s.ch:
			e.dropped++
		default:
		}
		select {
		case s.ch <- event:
		default:
			e.dropped++
		}
	}
}

// Only Emit sends on s.ch and it holds e.mu, so closing here cannot race a send.
func (e *Emitters[T]) prune(s *Subscription[T]) {
	delete(e.subs, s)
	close(s.ch)
}

// Len returns the number of subscriptions that have not been pruned yet.
func (e *Emitters[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Dropped returns the number of events discarded because a subscriber was
// too slow.
func (e *Emitters[T]) Dropped() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Close closes every subscription channel. Later emits are no-ops.
func (e *Emitters[T]) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for s := range e.subs {
		s.Close()
		e.prune(s)
	}
}
