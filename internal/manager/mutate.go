package manager

import (
	"context"
	"fmt"

	"github.com/stacklok/chanstate/internal/cache"
)

// Create inserts v unless its key exists. It reports whether v was inserted. In
// Awaited mode the insert is durable when Create returns; on failure it has been
// rolled back and the error is returned.
func (m *Manager[K, V]) Create(ctx context.Context, v V, modes ...Mode) (bool, error) {
	m.requireReady("Create")

	k := m.key(v)
	created := false
	_, err := m.mutate(ctx, "create", m.modeOf(modes), func(tx *cache.Tx[K, V], cs *changeSet[K, V]) {
		if tx.Contains(k) {
			return
		}
		tx.Put(k, v)
		cs.create(k)
		created = true
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// CreateMany inserts the values whose keys are not cached yet, in order. It returns
// the inserted keys.
func (m *Manager[K, V]) CreateMany(ctx context.Context, vs []V, modes ...Mode) ([]K, error) {
	m.requireReady("CreateMany")

	var created []K
	_, err := m.mutate(ctx, "create_many", m.modeOf(modes), func(tx *cache.Tx[K, V], cs *changeSet[K, V]) {
		for _, v := range vs {
			k := m.key(v)
			if tx.Contains(k) {
				continue
			}
			tx.Put(k, v)
			cs.create(k)
			created = append(created, k)
		}
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Put inserts v or merges it into the cached entity with the same key. A merge
// keeps the entity's position. It reports whether anything changed.
func (m *Manager[K, V]) Put(ctx context.Context, v V, modes ...Mode) (bool, error) {
	m.requireReady("Put")

	changed, err := m.putMany(ctx, "put", []V{v}, m.modeOf(modes))
	return len(changed) > 0, err
}

// PutMany is Put for several values. It returns the keys that changed.
func (m *Manager[K, V]) PutMany(ctx context.Context, vs []V, modes ...Mode) ([]K, error) {
	m.requireReady("PutMany")

	return m.putMany(ctx, "put_many", vs, m.modeOf(modes))
}

func (m *Manager[K, V]) putMany(ctx context.Context, op string, vs []V, mode Mode) ([]K, error) {
	var changed []K
	_, err := m.mutate(ctx, op, mode, func(tx *cache.Tx[K, V], cs *changeSet[K, V]) {
		for _, v := range vs {
			k := m.key(v)
			existed := tx.Contains(k)
			_, prev, ok := tx.PutMerged(k, v, m.merge, m.equal)
			if !ok {
				continue
			}
			if existed {
				cs.update(k, prev)
			} else {
				cs.create(k)
			}
			changed = append(changed, k)
		}
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// Update replaces the entity under key with fn(copy). It reports whether key exists.
// A result equal to the current entity is a no-op: nothing is persisted or
// published. fn must not change the key.
func (m *Manager[K, V]) Update(ctx context.Context, key K, fn func(V) V, modes ...Mode) (bool, error) {
	m.requireReady("Update")

	found := false
	_, err := m.mutate(ctx, "update", m.modeOf(modes), func(tx *cache.Tx[K, V], cs *changeSet[K, V]) {
		found = m.updateLocked(tx, cs, key, fn)
	})
	if err != nil {
		return found, err
	}
	return found, nil
}

// UpdateMany applies fn to every listed key that exists and persists the changed
// entities together. It returns the keys that changed.
func (m *Manager[K, V]) UpdateMany(ctx context.Context, keys []K, fn func(V) V, modes ...Mode) ([]K, error) {
	m.requireReady("UpdateMany")

	var changed []K
	_, err := m.mutate(ctx, "update_many", m.modeOf(modes), func(tx *cache.Tx[K, V], cs *changeSet[K, V]) {
		changed = m.updateKeysLocked(tx, cs, keys, fn)
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// UpdateWhere applies fn to every entity matching pred. It returns the keys that changed.
func (m *Manager[K, V]) UpdateWhere(ctx context.Context, pred func(V) bool, fn func(V) V, modes ...Mode) ([]K, error) {
	m.requireReady("UpdateWhere")

	var changed []K
	_, err := m.mutate(ctx, "update_where", m.modeOf(modes), func(tx *cache.Tx[K, V], cs *changeSet[K, V]) {
		var keys []K
		tx.Range(func(k K, v V) bool {
			if pred(v) {
				keys = append(keys, k)
			}
			return true
		})
		changed = m.updateKeysLocked(tx, cs, keys, fn)
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// updateKeysLocked updates keys in order and returns the changed ones. A panic
// from fn or a changed key puts back every entry written before it.
func (m *Manager[K, V]) updateKeysLocked(tx *cache.Tx[K, V], cs *changeSet[K, V], keys []K, fn func(V) V) []K {
	start := len(cs.updated)
	defer func() {
		if r := recover(); r != nil {
			for _, c := range cs.updated[start:] {
				tx.Put(c.key, c.prev)
				delete(cs.updatedIdx, c.key)
			}
			cs.updated = cs.updated[:start]
			panic(r)
		}
	}()

	var changed []K
	for _, k := range keys {
		before := len(cs.updated)
		m.updateLocked(tx, cs, k, fn)
		if len(cs.updated) > before {
			changed = append(changed, k)
		}
	}
	return changed
}

func (m *Manager[K, V]) updateLocked(tx *cache.Tx[K, V], cs *changeSet[K, V], key K, fn func(V) V) bool {
	cur, ok := tx.Get(key)
	if !ok {
		return false
	}
	next := fn(m.clone(cur))
	if m.key(next) != key {
		panic(fmt.Sprintf("%s: update changed the key of %v", m.name, key))
	}
	if m.equal(cur, next) {
		return true
	}
	tx.Put(key, next)
	cs.update(key, cur)
	return true
}

// Delete removes the entity under key. It reports whether it existed.
func (m *Manager[K, V]) Delete(ctx context.Context, key K, modes ...Mode) (bool, error) {
	m.requireReady("Delete")

	deleted, err := m.deleteKeys(ctx, "delete", []K{key}, m.modeOf(modes))
	return len(deleted) > 0, err
}

// DeleteMany removes the listed entities. It returns the keys that existed.
func (m *Manager[K, V]) DeleteMany(ctx context.Context, keys []K, modes ...Mode) ([]K, error) {
	m.requireReady("DeleteMany")

	return m.deleteKeys(ctx, "delete_many", keys, m.modeOf(modes))
}

func (m *Manager[K, V]) deleteKeys(ctx context.Context, op string, keys []K, mode Mode) ([]K, error) {
	var deleted []K
	_, err := m.mutate(ctx, op, mode, func(tx *cache.Tx[K, V], cs *changeSet[K, V]) {
		for _, k := range keys {
			if v, idx, ok := tx.Remove(k); ok {
				cs.remove(k, v, idx)
				deleted = append(deleted, k)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// DeleteWhere removes every entity matching pred. It returns the removed keys.
func (m *Manager[K, V]) DeleteWhere(ctx context.Context, pred func(V) bool, modes ...Mode) ([]K, error) {
	m.requireReady("DeleteWhere")

	var deleted []K
	_, err := m.mutate(ctx, "delete_where", m.modeOf(modes), func(tx *cache.Tx[K, V], cs *changeSet[K, V]) {
		var keys []K
		tx.Range(func(k K, v V) bool {
			if pred(v) {
				keys = append(keys, k)
			}
			return true
		})
		for _, k := range keys {
			v, idx, _ := tx.Remove(k)
			cs.remove(k, v, idx)
			deleted = append(deleted, k)
		}
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// DeleteAll removes every entity. On failure every entity is restored at its
// original position. It returns the number of removed entities.
func (m *Manager[K, V]) DeleteAll(ctx context.Context, modes ...Mode) (int, error) {
	m.requireReady("DeleteAll")

	n := 0
	_, err := m.mutate(ctx, "delete_all", m.modeOf(modes), func(tx *cache.Tx[K, V], cs *changeSet[K, V]) {
		removed := tx.Clear()
		cs.deleted = removed
		cs.clearAll = true
		n = len(removed)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Transform runs fn with direct access to the cache and persists every entity it
// changed, including order index rewrites caused by reordering. fn may modify
// values and the order list but must not add or remove keys. It returns the
// changed keys.
func (m *Manager[K, V]) Transform(ctx context.Context, fn func(tx *cache.Tx[K, V]), modes ...Mode) ([]K, error) {
	m.requireReady("Transform")

	var moved []K
	cs, err := m.mutate(ctx, "transform", m.modeOf(modes), func(tx *cache.Tx[K, V], cs *changeSet[K, V]) {
		before := tx.Keys()
		snapshot := make(map[K]V, len(before))
		for _, k := range before {
			snapshot[k], _ = tx.Get(k)
		}

		fn(tx)

		if !sameKeys(tx, snapshot) {
			tx.Clear()
			for _, k := range before {
				tx.Put(k, snapshot[k])
			}
			panic(fmt.Sprintf("%s: transform must not add or remove entities", m.name))
		}

		after := tx.Keys()
		for _, k := range after {
			if v, _ := tx.Get(k); !m.equal(snapshot[k], v) {
				cs.update(k, snapshot[k])
			}
		}
		cs.allPartitions = true

		if m.order == nil {
			moved = movedKeys(before, after)
		}
	})
	if err != nil {
		return nil, err
	}

	// Without an order index positions are not persisted, so reorders are
	// published right away.
	if len(moved) > 0 {
		m.publish(ctx, Updated, moved)
	}
	if cs == nil {
		return nil, nil
	}
	return updatedKeys(cs.updated), nil
}

// Move moves an entity within the subsequence of the order list selected by keep.
// from and to are positions in that subsequence. With an order index the rewritten
// positions are persisted after the debounce window and Updated is published once
// durable; without one Updated is published immediately.
func (m *Manager[K, V]) Move(ctx context.Context, keep func(K, V) bool, from, to int) bool {
	m.requireReady("Move")
	m.requireOpen("Move")

	var (
		ok    bool
		moved []K
	)
	m.cache.Write(func(tx *cache.Tx[K, V]) {
		m.requireOpen("Move")

		before := tx.Keys()
		if ok = tx.MoveWithin(keep, from, to); !ok || from == to {
			return
		}
		if m.order == nil {
			moved = movedKeys(before, tx.Keys())
			return
		}

		cs := newChangeSet[K, V]("move")
		cs.allPartitions = true
		m.renumber(tx, cs)
		for _, c := range cs.updated {
			m.markDirty(c.key, c.prev)
		}
		if len(cs.updated) > 0 {
			m.schedulePersist()
		}
	})

	if len(moved) > 0 {
		m.publish(ctx, Updated, moved)
	}
	return ok
}

func sameKeys[K comparable, V any](tx *cache.Tx[K, V], snapshot map[K]V) bool {
	if tx.Len() != len(snapshot) {
		return false
	}
	for k := range snapshot {
		if !tx.Contains(k) {
			return false
		}
	}
	return true
}

func movedKeys[K comparable](before, after []K) []K {
	var moved []K
	for i, k := range after {
		if i >= len(before) || before[i] != k {
			moved = append(moved, k)
		}
	}
	return moved
}
