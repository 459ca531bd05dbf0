package manager

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/chanstate/internal/cache"
	"github.com/stacklok/chanstate/internal/otel"
	"github.com/stacklok/chanstate/internal/repository"
	"github.com/stacklok/chanstate/internal/telemetry"
)

type change[K comparable, V any] struct {
	key  K
	prev V
	next V
}

// changeSet is the persistence work produced by one mutation. It is built under the
// cache write lock and applied by the serial executor.
type changeSet[K comparable, V any] struct {
	op string

	created     []K
	createdVals []V
	createdSet  map[K]struct{}

	updated    []change[K, V]
	updatedIdx map[K]int

	// deleted is in removal order; clearAll marks a Clear whose indices are
	// positions in the full order list.
	deleted  []cache.Entry[K, V]
	clearAll bool

	// allPartitions renumbers every partition, not only the touched ones.
	allPartitions bool
}

func newChangeSet[K comparable, V any](op string) *changeSet[K, V] {
	return &changeSet[K, V]{
		op:         op,
		createdSet: make(map[K]struct{}),
		updatedIdx: make(map[K]int),
	}
}

func (cs *changeSet[K, V]) create(key K) {
	if _, ok := cs.createdSet[key]; ok {
		return
	}
	cs.createdSet[key] = struct{}{}
	cs.created = append(cs.created, key)
}

// update records the value of key before the mutation. The first recorded value wins.
func (cs *changeSet[K, V]) update(key K, prev V) {
	if _, ok := cs.createdSet[key]; ok {
		return
	}
	if _, ok := cs.updatedIdx[key]; ok {
		return
	}
	cs.updatedIdx[key] = len(cs.updated)
	cs.updated = append(cs.updated, change[K, V]{key: key, prev: prev})
}

func (cs *changeSet[K, V]) remove(key K, value V, index int) {
	cs.deleted = append(cs.deleted, cache.Entry[K, V]{Key: key, Value: value, Index: index})
}

// seal reads the final values of created and updated keys and drops updates that
// ended up equal to their previous value.
func (cs *changeSet[K, V]) seal(tx *cache.Tx[K, V], equal func(a, b V) bool) {
	cs.createdVals = make([]V, 0, len(cs.created))
	for _, k := range cs.created {
		v, _ := tx.Get(k)
		cs.createdVals = append(cs.createdVals, v)
	}

	kept := cs.updated[:0]
	for _, c := range cs.updated {
		next, ok := tx.Get(c.key)
		if !ok || equal(c.prev, next) {
			continue
		}
		c.next = next
		kept = append(kept, c)
	}
	cs.updated = kept
}

func (cs *changeSet[K, V]) empty() bool {
	return len(cs.created) == 0 && len(cs.updated) == 0 && len(cs.deleted) == 0
}

func (cs *changeSet[K, V]) size() int {
	return len(cs.created) + len(cs.updated) + len(cs.deleted)
}

func (cs *changeSet[K, V]) touched(partitionOf func(K) string) map[string]struct{} {
	parts := make(map[string]struct{})
	for _, k := range cs.created {
		parts[partitionOf(k)] = struct{}{}
	}
	for _, c := range cs.updated {
		parts[partitionOf(c.key)] = struct{}{}
	}
	for _, e := range cs.deleted {
		parts[partitionOf(e.Key)] = struct{}{}
	}
	return parts
}

func (cs *changeSet[K, V]) deletedKeys() []K {
	keys := make([]K, 0, len(cs.deleted))
	for _, e := range cs.deleted {
		keys = append(keys, e.Key)
	}
	return keys
}

func updatedKeys[K comparable, V any](changes []change[K, V]) []K {
	keys := make([]K, 0, len(changes))
	for _, c := range changes {
		keys = append(keys, c.key)
	}
	return keys
}

type job struct {
	done chan struct{}
	err  error
}

// mutate runs fn under the write lock, then persists what fn recorded. Awaited
// mutations wait for the outcome; fire-and-forget ones return once the cache is
// updated. The sealed change set is returned, nil for a no-op.
func (m *Manager[K, V]) mutate(
	ctx context.Context,
	op string,
	mode Mode,
	fn func(tx *cache.Tx[K, V], cs *changeSet[K, V]),
) (*changeSet[K, V], error) {
	var (
		cs *changeSet[K, V]
		j  *job
	)
	m.cache.Write(func(tx *cache.Tx[K, V]) {
		m.requireOpen(op)

		cs = newChangeSet[K, V](op)
		fn(tx, cs)
		m.renumber(tx, cs)
		cs.seal(tx, m.equal)
		if cs.empty() {
			return
		}
		j = m.enqueue(ctx, cs, mode)
	})

	if j == nil {
		m.metrics.RecordMutation(ctx, m.name, op, telemetry.OutcomeNoop)
		return nil, nil
	}
	if mode == FireAndForget {
		return cs, nil
	}
	<-j.done
	return cs, j.err
}

// enqueue submits cs to the serial executor. Callers hold the write lock, so jobs
// run in the order the cache changed.
func (m *Manager[K, V]) enqueue(ctx context.Context, cs *changeSet[K, V], mode Mode) *job {
	j := &job{done: make(chan struct{})}
	runCtx := ctx
	if mode == FireAndForget {
		runCtx = context.WithoutCancel(ctx)
	}

	submitted := m.serial.Submit(func(context.Context) error {
		defer close(j.done)
		j.err = m.apply(runCtx, cs)
		if j.err != nil && mode == FireAndForget {
			m.logger.ErrorContext(runCtx, "Background persistence failed",
				"op", cs.op,
				"created", cs.created,
				"updated", updatedKeys(cs.updated),
				"deleted", cs.deletedKeys(),
				"error", j.err,
			)
		}
		return nil
	})
	if !submitted {
		j.err = fmt.Errorf("%s.%s: %w", m.name, cs.op, ErrClosed)
		close(j.done)
	}
	return j
}

func (m *Manager[K, V]) apply(ctx context.Context, cs *changeSet[K, V]) error {
	ctx, span := otel.StartSpan(ctx, m.tracer, "manager.persist",
		trace.WithAttributes(
			otel.AttrManager.String(m.name),
			otel.AttrOperation.String(cs.op),
			otel.AttrEntityCount.Int(cs.size()),
		),
	)
	defer span.End()

	start := time.Now()
	err := m.applyStages(ctx, cs)
	m.metrics.RecordPersist(ctx, m.name, cs.op, time.Since(start), err)
	if err != nil {
		otel.RecordError(span, err)
		return fmt.Errorf("%s.%s: %w", m.name, cs.op, err)
	}
	m.metrics.RecordMutation(ctx, m.name, cs.op, telemetry.OutcomePersisted)
	return nil
}

// applyStages persists deletes, then creates, then updates. A failing stage rolls
// back itself and every later stage; earlier stages stay durable and published.
func (m *Manager[K, V]) applyStages(ctx context.Context, cs *changeSet[K, V]) error {
	if len(cs.deleted) > 0 {
		keys := cs.deletedKeys()
		var err error
		switch {
		case cs.clearAll:
			err = m.repo.DeleteAll(ctx)
		case len(keys) == 1:
			_, err = m.repo.Delete(ctx, keys[0])
		default:
			_, err = m.repo.DeleteMany(ctx, keys)
		}
		// A false result means the entity was already gone, which is the desired state.
		if err != nil {
			m.rollback(ctx, cs.op, cs.created, cs.deleted, cs.clearAll, cs.updated)
			return err
		}
		m.forgetDirty(keys)
		m.publish(ctx, Deleted, keys)
	}

	if len(cs.created) > 0 {
		ids := make([]int64, 0, len(cs.created))
		for i, v := range cs.createdVals {
			id, err := m.createOne(ctx, cs.created[i], v)
			if err != nil {
				m.assignIDs(cs.created[:i], ids)
				m.rollback(ctx, cs.op, cs.created[i:], nil, false, cs.updated)
				if i > 0 {
					m.publish(ctx, Created, cs.created[:i])
				}
				return err
			}
			ids = append(ids, id)
		}
		m.assignIDs(cs.created, ids)
		m.publish(ctx, Created, cs.created)
	}

	if len(cs.updated) > 0 {
		values := make([]V, 0, len(cs.updated))
		for _, c := range cs.updated {
			values = append(values, c.next)
		}
		var (
			ok  bool
			err error
		)
		if len(values) == 1 {
			ok, err = m.repo.Update(ctx, values[0])
		} else {
			ok, err = m.repo.UpdateMany(ctx, values)
		}
		if err == nil && !ok {
			err = repository.ErrNotFound
		}
		if err != nil {
			m.rollback(ctx, cs.op, nil, nil, false, cs.updated)
			return err
		}
		m.markDurable(cs.updated)
		m.publish(ctx, Updated, updatedKeys(cs.updated))
	}
	return nil
}

// createOne stores a created entity. When an earlier delete of the key failed, the
// row is still stored and is overwritten instead.
func (m *Manager[K, V]) createOne(ctx context.Context, key K, v V) (int64, error) {
	var (
		survivor V
		found    bool
	)
	m.cache.Write(func(*cache.Tx[K, V]) {
		survivor, found = m.survivors[key]
	})
	if !found {
		return m.repo.Create(ctx, v)
	}

	ok, err := m.repo.Update(ctx, v)
	if err != nil {
		return 0, err
	}
	if !ok {
		// Deleted behind our back; a plain create is right again.
		m.forgetSurvivor(key)
		return m.repo.Create(ctx, v)
	}
	m.forgetSurvivor(key)
	if m.id != nil {
		return m.id(survivor), nil
	}
	return 0, nil
}

func (m *Manager[K, V]) forgetSurvivor(key K) {
	m.cache.Write(func(*cache.Tx[K, V]) {
		delete(m.survivors, key)
	})
}

// rollback restores the cache to the last durable state of the given changes.
// Values changed again since the failed mutation are left alone; their own
// persistence is still queued.
func (m *Manager[K, V]) rollback(
	ctx context.Context,
	op string,
	created []K,
	removed []cache.Entry[K, V],
	clearAll bool,
	updated []change[K, V],
) {
	m.cache.Write(func(tx *cache.Tx[K, V]) {
		for _, k := range created {
			delete(m.dirty, k)
			// The create meant to overwrite a row that outlived its delete.
			if survivor, ok := m.survivors[k]; ok {
				delete(m.survivors, k)
				tx.Put(k, survivor)
				continue
			}
			tx.Remove(k)
		}

		reinsert := func(e cache.Entry[K, V]) {
			if !tx.Contains(e.Key) {
				tx.InsertAt(e.Index, e.Key, e.Value)
				return
			}
			// Created again by a mutation still queued; it must overwrite the row.
			m.survivors[e.Key] = e.Value
		}
		if clearAll {
			for _, e := range removed {
				reinsert(e)
			}
		} else {
			for i := len(removed) - 1; i >= 0; i-- {
				reinsert(removed[i])
			}
		}

		for _, c := range updated {
			cur, ok := tx.Get(c.key)
			if !ok || !m.equal(cur, c.next) {
				continue
			}
			tx.Put(c.key, c.prev)
			if durable, dirty := m.dirty[c.key]; dirty && m.equal(durable, c.prev) {
				delete(m.dirty, c.key)
			}
		}

		if m.order != nil {
			m.sortByOrder(tx)
		}
	})

	m.metrics.RecordRollback(ctx, m.name, op)
	m.metrics.RecordMutation(ctx, m.name, op, telemetry.OutcomeRolledBack)
	m.logger.WarnContext(ctx, "Persistence failed, cache rolled back",
		"op", op,
		"created", len(created),
		"deleted", len(removed),
		"updated", len(updated),
	)
}

func (m *Manager[K, V]) assignIDs(keys []K, ids []int64) {
	if m.setID == nil || len(keys) == 0 {
		return
	}
	m.cache.Write(func(tx *cache.Tx[K, V]) {
		for i, k := range keys {
			if v, ok := tx.Get(k); ok {
				tx.Put(k, m.setID(v, ids[i]))
			}
		}
	})
}

// renumber rewrites the order index of every entity whose position within its
// partition changed, recording the rewrite in cs.
func (m *Manager[K, V]) renumber(tx *cache.Tx[K, V], cs *changeSet[K, V]) {
	if m.order == nil {
		return
	}
	var parts map[string]struct{}
	if !cs.allPartitions {
		parts = cs.touched(m.partitionOf)
		if len(parts) == 0 {
			return
		}
	}

	for _, keys := range m.groupByPartition(tx, parts) {
		for i, k := range keys {
			v, _ := tx.Get(k)
			if m.order.Get(v) == i {
				continue
			}
			cs.update(k, v)
			tx.Put(k, m.order.Set(v, i))
		}
	}
}

// sortByOrder orders each partition by its persisted index.
func (m *Manager[K, V]) sortByOrder(tx *cache.Tx[K, V]) {
	for p := range m.groupByPartition(tx, nil) {
		tx.SortWithin(func(k K, _ V) bool { return m.partitionOf(k) == p }, m.compareOrder)
	}
}

// groupByPartition returns the keys of each partition in order. A nil parts selects
// every partition.
func (m *Manager[K, V]) groupByPartition(tx *cache.Tx[K, V], parts map[string]struct{}) map[string][]K {
	groups := make(map[string][]K)
	tx.Range(func(k K, _ V) bool {
		p := m.partitionOf(k)
		if parts != nil {
			if _, ok := parts[p]; !ok {
				return true
			}
		}
		groups[p] = append(groups[p], k)
		return true
	})
	return groups
}
