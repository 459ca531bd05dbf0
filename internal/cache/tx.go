package cache

import "slices"

// View is the read-only handle passed to Read callbacks.
type View[K comparable, V any] struct {
	c *Cache[K, V]
}

// Get returns the value stored under key.
func (v *View[K, V]) Get(key K) (V, bool) {
	val, ok := v.c.entries[key]
	return val, ok
}

// Contains reports whether key is present.
func (v *View[K, V]) Contains(key K) bool {
	_, ok := v.c.entries[key]
	return ok
}

// Len returns the number of entries.
func (v *View[K, V]) Len() int {
	return len(v.c.entries)
}

// Range calls fn for every entry until fn returns false. Entries are visited in
// order when ordering is enabled, in map order otherwise.
func (v *View[K, V]) Range(fn func(K, V) bool) {
	if v.c.ordered {
		for _, k := range v.c.order {
			if !fn(k, v.c.entries[k]) {
				return
			}
		}
		return
	}
	for k, val := range v.c.entries {
		if !fn(k, val) {
			return
		}
	}
}

// Keys returns the keys, in order when ordering is enabled.
func (v *View[K, V]) Keys() []K {
	keys := make([]K, 0, len(v.c.entries))
	v.Range(func(k K, _ V) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// IndexOf returns the position of key in the order list, or -1.
func (v *View[K, V]) IndexOf(key K) int {
	for i, k := range v.c.order {
		if k == key {
			return i
		}
	}
	return -1
}

// PartitionLen returns the number of keys in a partition.
func (v *View[K, V]) PartitionLen(partition string) int {
	return len(v.c.partitions[partition])
}

// RangePartition visits the entries of one partition, in order when ordering is enabled.
func (v *View[K, V]) RangePartition(partition string, fn func(K, V) bool) {
	keys, ok := v.c.partitions[partition]
	if !ok {
		return
	}
	if v.c.ordered {
		remaining := len(keys)
		for _, k := range v.c.order {
			if remaining == 0 {
				return
			}
			if _, in := keys[k]; !in {
				continue
			}
			remaining--
			if !fn(k, v.c.entries[k]) {
				return
			}
		}
		return
	}
	for k := range keys {
		if !fn(k, v.c.entries[k]) {
			return
		}
	}
}

// Tx is the handle passed to Write callbacks. It embeds View, so reads observe
// the writes made earlier in the same callback.
type Tx[K comparable, V any] struct {
	View[K, V]
}

// Put stores value under key. A new key is appended to the order list; an existing
// key keeps its position. It returns the previous value, if any.
func (tx *Tx[K, V]) Put(key K, value V) (V, bool) {
	c := tx.c
	old, existed := c.entries[key]
	c.entries[key] = value
	if !existed {
		if c.ordered {
			c.order = append(c.order, key)
		}
		tx.index(key)
	}
	return old, existed
}

// InsertAt stores a new key at position idx of the order list. Out of range
// positions are clamped. An existing key is replaced in place.
func (tx *Tx[K, V]) InsertAt(idx int, key K, value V) {
	c := tx.c
	if _, existed := c.entries[key]; existed || !c.ordered {
		tx.Put(key, value)
		return
	}

	c.entries[key] = value
	tx.index(key)

	if idx < 0 {
		idx = 0
	}
	if idx > len(c.order) {
		idx = len(c.order)
	}
	c.order = append(c.order, key)
	copy(c.order[idx+1:], c.order[idx:])
	c.order[idx] = key
}

// Remove deletes key. It returns the removed value and its order position
// (-1 when ordering is disabled).
func (tx *Tx[K, V]) Remove(key K) (V, int, bool) {
	c := tx.c
	old, ok := c.entries[key]
	if !ok {
		return old, -1, false
	}
	delete(c.entries, key)
	tx.unindex(key)

	idx := -1
	if c.ordered {
		idx = tx.IndexOf(key)
		if idx >= 0 {
			c.order = append(c.order[:idx], c.order[idx+1:]...)
		}
	}
	return old, idx, true
}

// Entry is a key/value pair together with its order position.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
	Index int
}

// Clear removes every entry and returns them in order.
func (tx *Tx[K, V]) Clear() []Entry[K, V] {
	c := tx.c
	removed := make([]Entry[K, V], 0, len(c.entries))
	i := 0
	tx.Range(func(k K, v V) bool {
		removed = append(removed, Entry[K, V]{Key: k, Value: v, Index: i})
		i++
		return true
	})

	c.entries = make(map[K]V)
	c.order = nil
	if c.partitions != nil {
		c.partitions = make(map[string]map[K]struct{})
	}
	return removed
}

// Swap exchanges two positions of the order list.
func (tx *Tx[K, V]) Swap(i, j int) bool {
	c := tx.c
	if !c.ordered || i < 0 || j < 0 || i >= len(c.order) || j >= len(c.order) {
		return false
	}
	c.order[i], c.order[j] = c.order[j], c.order[i]
	return true
}

// Move moves the key at position from to position to by successive adjacent swaps.
func (tx *Tx[K, V]) Move(from, to int) bool {
	return tx.MoveWithin(nil, from, to)
}

// MoveWithin moves an element within the subsequence of the order list selected by
// keep. from and to are positions in that subsequence; a nil keep selects every key.
// Elements outside the subsequence never change position.
func (tx *Tx[K, V]) MoveWithin(keep func(K, V) bool, from, to int) bool {
	c := tx.c
	if !c.ordered {
		return false
	}

	positions := make([]int, 0, len(c.order))
	for i, k := range c.order {
		if keep == nil || keep(k, c.entries[k]) {
			positions = append(positions, i)
		}
	}
	if from < 0 || to < 0 || from >= len(positions) || to >= len(positions) {
		return false
	}
	if from == to {
		return true
	}

	step := 1
	if to < from {
		step = -1
	}
	for i := from; i != to; i += step {
		a, b := positions[i], positions[i+step]
		c.order[a], c.order[b] = c.order[b], c.order[a]
	}
	return true
}

// SortWithin stably sorts the subsequence of the order list selected by keep,
// using cmp on the values. Elements outside the subsequence keep their positions.
func (tx *Tx[K, V]) SortWithin(keep func(K, V) bool, cmp func(a, b V) int) {
	c := tx.c
	if !c.ordered {
		return
	}

	var (
		positions []int
		keys      []K
	)
	for i, k := range c.order {
		if keep == nil || keep(k, c.entries[k]) {
			positions = append(positions, i)
			keys = append(keys, k)
		}
	}
	slices.SortStableFunc(keys, func(a, b K) int {
		return cmp(c.entries[a], c.entries[b])
	})
	for i, pos := range positions {
		c.order[pos] = keys[i]
	}
}

// SetOrder replaces the order list. keys must be a permutation of the current
// keys; otherwise nothing changes and SetOrder returns false.
func (tx *Tx[K, V]) SetOrder(keys []K) bool {
	c := tx.c
	if !c.ordered || len(keys) != len(c.entries) {
		return false
	}
	seen := make(map[K]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := c.entries[k]; !ok {
			return false
		}
		if _, dup := seen[k]; dup {
			return false
		}
		seen[k] = struct{}{}
	}
	c.order = slices.Clone(keys)
	return true
}

func (tx *Tx[K, V]) index(key K) {
	c := tx.c
	if c.partitionOf == nil {
		return
	}
	p := c.partitionOf(key)
	keys, ok := c.partitions[p]
	if !ok {
		keys = make(map[K]struct{})
		c.partitions[p] = keys
	}
	keys[key] = struct{}{}
}

func (tx *Tx[K, V]) unindex(key K) {
	c := tx.c
	if c.partitionOf == nil {
		return
	}
	p := c.partitionOf(key)
	keys := c.partitions[p]
	delete(keys, key)
	if len(keys) == 0 {
		delete(c.partitions, p)
	}
}

// PutMerged stores value under key. When the key already exists, the stored value
// becomes merge(old, value) and nothing is written if equal reports the result as
// unchanged. It returns the stored value, the previous value, and whether anything
// changed.
func (tx *Tx[K, V]) PutMerged(key K, value V, merge func(old, incoming V) V, equal func(a, b V) bool) (stored V, prev V, changed bool) {
	old, existed := tx.c.entries[key]
	if !existed {
		tx.Put(key, value)
		return value, old, true
	}

	merged := value
	if merge != nil {
		merged = merge(old, value)
	}
	if equal != nil && equal(old, merged) {
		return old, old, false
	}
	tx.c.entries[key] = merged
	return merged, old, true
}
