package manager

import (
	"github.com/stacklok/chanstate/internal/cache"
)

// Get returns a copy of the entity under key.
func (m *Manager[K, V]) Get(key K) (V, bool) {
	m.requireReady("Get")

	v, ok := m.cache.Get(key)
	if !ok {
		return v, false
	}
	return m.clone(v), true
}

// Contains reports whether key is cached.
func (m *Manager[K, V]) Contains(key K) bool {
	m.requireReady("Contains")
	return m.cache.Contains(key)
}

// Len returns the number of cached entities.
func (m *Manager[K, V]) Len() int {
	m.requireReady("Len")
	return m.cache.Len()
}

// Keys returns the keys in order.
func (m *Manager[K, V]) Keys() []K {
	m.requireReady("Keys")
	return m.cache.Keys()
}

// All returns copies of every entity in order.
func (m *Manager[K, V]) All() []V {
	m.requireReady("All")
	return m.Filter(nil)
}

// Filter returns copies of the entities matching pred, in order. A nil pred
// matches everything.
func (m *Manager[K, V]) Filter(pred func(V) bool) []V {
	m.requireReady("Filter")

	var out []V
	m.cache.Read(func(v *cache.View[K, V]) {
		out = make([]V, 0, v.Len())
		v.Range(func(_ K, val V) bool {
			if pred == nil || pred(val) {
				out = append(out, m.clone(val))
			}
			return true
		})
	})
	return out
}

// Partition returns copies of the entities of one partition, in order.
func (m *Manager[K, V]) Partition(partition string) []V {
	m.requireReady("Partition")

	var out []V
	m.cache.Read(func(v *cache.View[K, V]) {
		out = make([]V, 0, v.PartitionLen(partition))
		v.RangePartition(partition, func(_ K, val V) bool {
			out = append(out, m.clone(val))
			return true
		})
	})
	return out
}

// PartitionLen returns the number of entities in a partition.
func (m *Manager[K, V]) PartitionLen(partition string) int {
	m.requireReady("PartitionLen")

	n := 0
	m.cache.Read(func(v *cache.View[K, V]) {
		n = v.PartitionLen(partition)
	})
	return n
}

// View calls fn with the entity under key while holding the read lock. fn must not
// retain the value or call back into the manager. It reports whether key exists.
func (m *Manager[K, V]) View(key K, fn func(V)) bool {
	m.requireReady("View")

	found := false
	m.cache.Read(func(v *cache.View[K, V]) {
		val, ok := v.Get(key)
		if !ok {
			return
		}
		found = true
		fn(val)
	})
	return found
}

// Read runs fn under the read lock with the whole cache. fn must not block or call
// back into the manager.
func (m *Manager[K, V]) Read(fn func(v *cache.View[K, V])) {
	m.requireReady("Read")
	m.cache.Read(fn)
}

// ViewAs maps the entity under key through fn under the read lock.
func ViewAs[K comparable, V, T any](m *Manager[K, V], key K, fn func(V) T) (T, bool) {
	var out T
	found := m.View(key, func(v V) {
		out = fn(v)
	})
	return out, found
}

// MapAll maps every entity through fn, in order, under the read lock.
func MapAll[K comparable, V, T any](m *Manager[K, V], fn func(V) T) []T {
	var out []T
	m.Read(func(v *cache.View[K, V]) {
		out = make([]T, 0, v.Len())
		v.Range(func(_ K, val V) bool {
			out = append(out, fn(val))
			return true
		})
	})
	return out
}

// Count returns the number of entities matching pred.
func (m *Manager[K, V]) Count(pred func(V) bool) int {
	m.requireReady("Count")

	n := 0
	m.cache.Read(func(v *cache.View[K, V]) {
		v.Range(func(_ K, val V) bool {
			if pred(val) {
				n++
			}
			return true
		})
	})
	return n
}
