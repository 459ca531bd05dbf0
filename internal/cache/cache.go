// Package cache provides an in-memory map guarded by a single reader/writer lock,
// with an optional order list and an optional partition index.
//
// All access goes through Read or Write. The View and Tx handles passed to the
// callbacks are only valid for the duration of the callback; anything that has to
// outlive the lock must be copied out (see ToList and ToMap).
package cache

import (
	"fmt"
	"sync"
)

// Cache is a synchronized mapping from K to V.
type Cache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V

	ordered bool
	order   []K

	partitionOf func(K) string
	partitions  map[string]map[K]struct{}
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithOrder enables the order list. Insertion order is preserved and can be changed
// with Swap and Move.
func WithOrder[K comparable, V any]() Option[K, V] {
	return func(c *Cache[K, V]) {
		c.ordered = true
	}
}

// WithPartition maintains a secondary index from an outer key (site, thread, ...) to
// the keys that belong to it.
func WithPartition[K comparable, V any](partitionOf func(K) string) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.partitionOf = partitionOf
		c.partitions = make(map[string]map[K]struct{})
	}
}

// New creates an empty cache.
func New[K comparable, V any](opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		entries: make(map[K]V),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Read runs fn under the shared lock. Any number of readers may run concurrently.
func (c *Cache[K, V]) Read(fn func(v *View[K, V])) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	fn(&View[K, V]{c: c})
}

// Write runs fn under the exclusive lock. fn must not block on I/O.
func (c *Cache[K, V]) Write(fn func(tx *Tx[K, V])) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fn(&Tx[K, V]{View: View[K, V]{c: c}})
}

// Get returns a copy of the value stored under key.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.entries[key]
	return v, ok
}

// Contains reports whether key is present.
func (c *Cache[K, V]) Contains(key K) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.entries[key]
	return ok
}

// Len returns the number of entries.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// ToList returns a snapshot of all values, in order when ordering is enabled.
func (c *Cache[K, V]) ToList() []V {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]V, 0, len(c.entries))
	(&View[K, V]{c: c}).Range(func(_ K, v V) bool {
		out = append(out, v)
		return true
	})
	return out
}

// ToMap returns a snapshot of the mapping.
func (c *Cache[K, V]) ToMap() map[K]V {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[K]V, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// Keys returns a snapshot of all keys, in order when ordering is enabled.
func (c *Cache[K, V]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return (&View[K, V]{c: c}).Keys()
}

// CheckConsistency verifies that the order list and the partition index agree with the map.
func (c *Cache[K, V]) CheckConsistency() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.checkConsistency()
}

func (c *Cache[K, V]) checkConsistency() error {
	if c.ordered {
		if len(c.order) != len(c.entries) {
			return fmt.Errorf("order list has %d keys, map has %d", len(c.order), len(c.entries))
		}
		seen := make(map[K]struct{}, len(c.order))
		for i, k := range c.order {
			if _, dup := seen[k]; dup {
				return fmt.Errorf("duplicate key %v at order index %d", k, i)
			}
			seen[k] = struct{}{}
			if _, ok := c.entries[k]; !ok {
				return fmt.Errorf("order key %v at index %d is missing from the map", k, i)
			}
		}
	}

	if c.partitionOf != nil {
		total := 0
		for p, keys := range c.partitions {
			total += len(keys)
			for k := range keys {
				if _, ok := c.entries[k]; !ok {
					return fmt.Errorf("partition %q references missing key %v", p, k)
				}
				if c.partitionOf(k) != p {
					return fmt.Errorf("key %v indexed under partition %q", k, p)
				}
			}
		}
		if total != len(c.entries) {
			return fmt.Errorf("partition index has %d keys, map has %d", total, len(c.entries))
		}
	}

	return nil
}
