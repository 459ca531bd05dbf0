// Package changebus provides a typed multi-subscriber event bus with a configurable
// overflow policy. Publishing never blocks; every subscriber owns its own queue and
// a pump goroutine that hands events to the subscriber's channel.
package changebus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// OverflowPolicy decides what happens when a subscriber queue is full.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest queued event to make room for the new one.
	DropOldest OverflowPolicy = iota
	// DropLatest discards the incoming event and keeps the queue as is.
	DropLatest
	// Buffered never drops; the queue grows without bound.
	Buffered
)

// DefaultCapacity is the per-subscriber queue size used when none is configured.
const DefaultCapacity = 64

// String returns the configuration name of the policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "dropOldest"
	case DropLatest:
		return "dropLatest"
	case Buffered:
		return "buffered"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
}

// ParsePolicy converts a configuration name into an OverflowPolicy.
func ParsePolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "dropOldest", "drop_oldest":
		return DropOldest, nil
	case "dropLatest", "drop_latest":
		return DropLatest, nil
	case "", "buffered":
		return Buffered, nil
	default:
		return Buffered, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Option configures a Bus.
type Option func(*options)

type options struct {
	policy   OverflowPolicy
	capacity int
	replay   int
	logger   *slog.Logger
	onDrop   func()
}

// WithPolicy sets the overflow policy. The default is Buffered.
func WithPolicy(policy OverflowPolicy) Option {
	return func(o *options) {
		o.policy = policy
	}
}

// WithCapacity sets the per-subscriber queue size for the dropping policies.
func WithCapacity(capacity int) Option {
	return func(o *options) {
		if capacity > 0 {
			o.capacity = capacity
		}
	}
}

// WithReplay keeps the last n published events and delivers them to new subscribers
// before any live event.
func WithReplay(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.replay = n
		}
	}
}

// WithLogger sets the logger used to report dropped events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithDropHook registers a function called once per dropped event.
func WithDropHook(fn func()) Option {
	return func(o *options) {
		o.onDrop = fn
	}
}

// Bus delivers published events to every live subscription.
type Bus[E any] struct {
	opts options

	mu      sync.RWMutex
	subs    map[uuid.UUID]*Subscription[E]
	history []E
	closed  bool

	dropped atomic.Uint64
}

// New creates a bus.
func New[E any](opts ...Option) *Bus[E] {
	o := options{
		policy:   Buffered,
		capacity: DefaultCapacity,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Bus[E]{
		opts: o,
		subs: make(map[uuid.UUID]*Subscription[E]),
	}
}

// Policy returns the configured overflow policy.
func (b *Bus[E]) Policy() OverflowPolicy {
	return b.opts.policy
}

// Publish enqueues event for every subscriber. It never blocks on a subscriber.
// Publishing on a closed bus is a no-op.
func (b *Bus[E]) Publish(event E) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.opts.replay > 0 {
		b.history = append(b.history, event)
		if over := len(b.history) - b.opts.replay; over > 0 {
			b.history = append(b.history[:0], b.history[over:]...)
		}
	}
	subs := make([]*Subscription[E], 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if !s.offer(event) {
			b.dropped.Add(1)
			if b.opts.onDrop != nil {
				b.opts.onDrop()
			}
			b.opts.logger.Debug("Dropped event for slow subscriber",
				"subscription", s.id,
				"policy", b.opts.policy.String(),
			)
		}
	}
}

// Subscribe registers a new subscription. Events published before this call are not
// delivered, except for the replay window. The subscription ends when ctx is done,
// when Close is called on it, or when the bus is closed.
func (b *Bus[E]) Subscribe(ctx context.Context) *Subscription[E] {
	s := newSubscription[E](b.opts.policy, b.opts.capacity)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.stop()
		go s.pump(ctx, func() {})
		return s
	}
	for _, e := range b.history {
		s.offer(e)
	}
	b.subs[s.id] = s
	b.mu.Unlock()

	go s.pump(ctx, func() { b.remove(s.id) })

	return s
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus[E]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the number of events dropped across all subscribers.
func (b *Bus[E]) Dropped() uint64 {
	return b.dropped.Load()
}

// Close ends every subscription and rejects further publishes.
func (b *Bus[E]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uuid.UUID]*Subscription[E])
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

func (b *Bus[E]) remove(id uuid.UUID) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}
