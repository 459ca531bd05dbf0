package changebus

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Subscription is one consumer of a Bus. Events arrive on C in publish order,
// minus whatever the overflow policy dropped.
type Subscription[E any] struct {
	id       uuid.UUID
	policy   OverflowPolicy
	capacity int

	mu     sync.Mutex
	queue  []E
	notify chan struct{}

	out      chan E
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

func newSubscription[E any](policy OverflowPolicy, capacity int) *Subscription[E] {
	return &Subscription[E]{
		id:       uuid.New(),
		policy:   policy,
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		out:      make(chan E),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ID identifies the subscription.
func (s *Subscription[E]) ID() uuid.UUID {
	return s.id
}

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription[E]) C() <-chan E {
	return s.out
}

// Done is closed once the subscription has ended and been removed from the bus.
func (s *Subscription[E]) Done() <-chan struct{} {
	return s.done
}

// Close ends the subscription. Queued but undelivered events are discarded.
func (s *Subscription[E]) Close() {
	s.stop()
}

// Pending returns the number of queued, undelivered events.
func (s *Subscription[E]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription[E]) stop() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// offer queues an event and reports false when an event was dropped.
func (s *Subscription[E]) offer(event E) bool {
	s.mu.Lock()
	delivered := true
	if s.policy != Buffered && len(s.queue) >= s.capacity {
		switch s.policy {
		case DropLatest:
			s.mu.Unlock()
			return false
		case DropOldest:
			var zero E
			s.queue[0] = zero
			s.queue = s.queue[1:]
			delivered = false
		}
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return delivered
}

func (s *Subscription[E]) next() (E, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero E
	if len(s.queue) == 0 {
		return zero, false
	}
	e := s.queue[0]
	s.queue[0] = zero
	s.queue = s.queue[1:]
	return e, true
}

func (s *Subscription[E]) pump(ctx context.Context, onExit func()) {
	defer close(s.out)
	defer close(s.done)
	defer onExit()

	for {
		if e, ok := s.next(); ok {
			select {
			case s.out <- e:
				continue
			case <-s.quit:
				return
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-s.notify:
		case <-s.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}
