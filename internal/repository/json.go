package repository

import (
	"context"
	"encoding/json"
	"fmt"
)

// Codec maps entities to their storage keys.
type Codec[K comparable, V any] struct {
	// Key extracts the cache key of an entity.
	Key func(V) K
	// KeyString renders a key as the storage key.
	KeyString func(K) string
	// SetID, when set, stores the record id into each loaded entity.
	SetID func(V, int64) V
}

// JSONRepository implements Repository by encoding entities as JSON records of a Store.
type JSONRepository[K comparable, V any] struct {
	store Store
	codec Codec[K, V]
}

var _ Repository[string, struct{}] = (*JSONRepository[string, struct{}])(nil)

// NewJSON creates a JSONRepository over store.
func NewJSON[K comparable, V any](store Store, codec Codec[K, V]) *JSONRepository[K, V] {
	return &JSONRepository[K, V]{
		store: store,
		codec: codec,
	}
}

// LoadAll decodes every record of the collection.
func (r *JSONRepository[K, V]) LoadAll(ctx context.Context) ([]V, error) {
	records, err := r.store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", r.store.Collection(), err)
	}

	entities := make([]V, 0, len(records))
	for _, rec := range records {
		var v V
		if err := json.Unmarshal(rec.Payload, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s record %q: %w", r.store.Collection(), rec.Key, err)
		}
		if r.codec.SetID != nil {
			v = r.codec.SetID(v, rec.ID)
		}
		entities = append(entities, v)
	}
	return entities, nil
}

// Create encodes and stores a new entity.
func (r *JSONRepository[K, V]) Create(ctx context.Context, entity V) (int64, error) {
	payload, err := json.Marshal(entity)
	if err != nil {
		return 0, fmt.Errorf("failed to encode entity: %w", err)
	}
	return r.store.Create(ctx, r.keyOf(entity), payload)
}

// Update replaces a stored entity.
func (r *JSONRepository[K, V]) Update(ctx context.Context, entity V) (bool, error) {
	return r.UpdateMany(ctx, []V{entity})
}

// UpdateMany replaces several entities.
func (r *JSONRepository[K, V]) UpdateMany(ctx context.Context, entities []V) (bool, error) {
	if len(entities) == 0 {
		return true, nil
	}

	records := make([]Record, 0, len(entities))
	for _, e := range entities {
		payload, err := json.Marshal(e)
		if err != nil {
			return false, fmt.Errorf("failed to encode entity: %w", err)
		}
		records = append(records, Record{Key: r.keyOf(e), Payload: payload})
	}

	n, err := r.store.Update(ctx, records)
	if err != nil {
		return false, err
	}
	return n == len(records), nil
}

// Delete removes one entity.
func (r *JSONRepository[K, V]) Delete(ctx context.Context, key K) (bool, error) {
	return r.DeleteMany(ctx, []K{key})
}

// DeleteMany removes several entities.
func (r *JSONRepository[K, V]) DeleteMany(ctx context.Context, keys []K) (bool, error) {
	if len(keys) == 0 {
		return true, nil
	}

	encoded := make([]string, 0, len(keys))
	for _, k := range keys {
		encoded = append(encoded, r.codec.KeyString(k))
	}

	n, err := r.store.Delete(ctx, encoded)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteAll removes the whole collection.
func (r *JSONRepository[K, V]) DeleteAll(ctx context.Context) error {
	return r.store.DeleteAll(ctx)
}

func (r *JSONRepository[K, V]) keyOf(entity V) string {
	return r.codec.KeyString(r.codec.Key(entity))
}
