// Package initbarrier provides a one-shot, awaitable initialization gate.
package initbarrier

import (
	"context"
	"errors"
	"sync"
)

// ErrNotInitialized is returned by Result when the barrier has not been resolved yet.
var ErrNotInitialized = errors.New("barrier is not initialized")

// Barrier is resolved exactly once, either with a value or with an error.
// Any number of goroutines may wait on it; once resolved every wait returns immediately.
type Barrier[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	resolved  bool
	value     T
	err       error
	callbacks []func(T, error)
}

// New creates an unresolved barrier.
func New[T any]() *Barrier[T] {
	return &Barrier[T]{
		done: make(chan struct{}),
	}
}

// InitWithValue resolves the barrier successfully. It panics if the barrier is already resolved.
func (b *Barrier[T]) InitWithValue(value T) {
	b.resolve(value, nil)
}

// InitWithError resolves the barrier with a permanent error. It panics if the barrier
// is already resolved or if err is nil.
func (b *Barrier[T]) InitWithError(err error) {
	if err == nil {
		panic("initbarrier: InitWithError called with nil error")
	}
	var zero T
	b.resolve(zero, err)
}

func (b *Barrier[T]) resolve(value T, err error) {
	b.mu.Lock()
	if b.resolved {
		b.mu.Unlock()
		panic("initbarrier: barrier resolved twice")
	}
	b.resolved = true
	b.value = value
	b.err = err
	callbacks := b.callbacks
	b.callbacks = nil
	close(b.done)
	b.mu.Unlock()

	// Callbacks run outside the lock so they may call back into the barrier.
	for _, cb := range callbacks {
		cb(value, err)
	}
}

// IsInitialized reports whether the barrier has been resolved, successfully or not.
func (b *Barrier[T]) IsInitialized() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed once the barrier is resolved.
func (b *Barrier[T]) Done() <-chan struct{} {
	return b.done
}

// Await blocks until the barrier is resolved or ctx is done.
// A resolved barrier returns without blocking.
func (b *Barrier[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-b.done:
		return b.value, b.err
	default:
	}

	select {
	case <-b.done:
		return b.value, b.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the resolution without blocking, or ErrNotInitialized.
func (b *Barrier[T]) Result() (T, error) {
	if !b.IsInitialized() {
		var zero T
		return zero, ErrNotInitialized
	}
	return b.value, b.err
}

// RunWhenInitialized invokes cb exactly once: immediately on the calling goroutine if
// the barrier is already resolved, otherwise on the resolving goroutine.
func (b *Barrier[T]) RunWhenInitialized(cb func(T, error)) {
	b.mu.Lock()
	if !b.resolved {
		b.callbacks = append(b.callbacks, cb)
		b.mu.Unlock()
		return
	}
	value, err := b.value, b.err
	b.mu.Unlock()

	cb(value, err)
}
