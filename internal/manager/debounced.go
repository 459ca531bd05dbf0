package manager

import (
	"context"
	"fmt"

	"github.com/stacklok/chanstate/internal/cache"
)

// UpdateDebounced applies fn to the entity under key without publishing anything.
// The change is persisted after the debounce window, coalesced with every other
// debounced change of this manager, and Updated is published once it is durable.
// If that persistence fails, the last durable version is restored. It reports
// whether key exists.
func (m *Manager[K, V]) UpdateDebounced(key K, fn func(V) V) bool {
	m.requireReady("UpdateDebounced")
	m.requireOpen("UpdateDebounced")

	found := false
	m.cache.Write(func(tx *cache.Tx[K, V]) {
		m.requireOpen("UpdateDebounced")

		cur, ok := tx.Get(key)
		if !ok {
			return
		}
		found = true

		next := fn(m.clone(cur))
		if m.key(next) != key {
			panic(fmt.Sprintf("%s: update changed the key of %v", m.name, key))
		}
		if m.equal(cur, next) {
			return
		}
		tx.Put(key, next)
		m.markDirty(key, cur)
		m.schedulePersist()
	})
	return found
}

// schedulePersist (re)starts the debounce window. Callers hold the write lock, so
// Close cannot slip between marking a key dirty and scheduling its persistence.
func (m *Manager[K, V]) schedulePersist() {
	m.debouncer.Post(m.name, m.debounce, m.persistDirty)
}

// persistDirty persists every dirty key in one batch and waits for the outcome.
func (m *Manager[K, V]) persistDirty(ctx context.Context) error {
	var j *job
	m.cache.Write(func(tx *cache.Tx[K, V]) {
		cs := m.takeDirty(tx)
		if cs == nil {
			return
		}
		j = m.enqueue(ctx, cs, Awaited)
	})
	if j == nil {
		return nil
	}
	<-j.done
	return j.err
}

// takeDirty builds the change set of the dirty keys, in cache order. Dirty entries
// stay in place until the outcome is known.
func (m *Manager[K, V]) takeDirty(tx *cache.Tx[K, V]) *changeSet[K, V] {
	if len(m.dirty) == 0 {
		return nil
	}

	cs := newChangeSet[K, V]("update_debounced")
	tx.Range(func(k K, cur V) bool {
		durable, ok := m.dirty[k]
		if !ok {
			return true
		}
		if m.equal(durable, cur) {
			delete(m.dirty, k)
			return true
		}
		cs.updated = append(cs.updated, change[K, V]{key: k, prev: durable, next: cur})
		return true
	})
	if len(cs.updated) == 0 {
		return nil
	}
	return cs
}

// markDirty remembers the durable value of key. Callers hold the write lock.
func (m *Manager[K, V]) markDirty(key K, durable V) {
	if _, ok := m.dirty[key]; !ok {
		m.dirty[key] = durable
	}
}

// markDurable records persisted values of dirty keys. Keys changed again since
// stay dirty with the persisted value as their new baseline.
func (m *Manager[K, V]) markDurable(changes []change[K, V]) {
	m.cache.Write(func(tx *cache.Tx[K, V]) {
		for _, c := range changes {
			if _, ok := m.dirty[c.key]; !ok {
				continue
			}
			if cur, ok := tx.Get(c.key); ok && m.equal(cur, c.next) {
				delete(m.dirty, c.key)
				continue
			}
			m.dirty[c.key] = c.next
		}
	})
}

func (m *Manager[K, V]) forgetDirty(keys []K) {
	m.cache.Write(func(*cache.Tx[K, V]) {
		for _, k := range keys {
			delete(m.dirty, k)
			delete(m.survivors, k)
		}
	})
}
