// Package repository defines the persistence contract consumed by domain managers
// and a JSON-encoding adapter that implements it on top of a raw record Store.
package repository

import (
	"context"
	"errors"
)

//go:generate mockgen -destination=mocks/mock_repository.go -package=mocks -source=repository.go Repository,Store

var (
	// ErrNotFound is returned when an entity is missing from storage.
	ErrNotFound = errors.New("entity not found")
	// ErrConflict is returned when creating an entity whose key already exists.
	ErrConflict = errors.New("entity already exists")
	// ErrIncompatibleVersion is returned when a store was written by a newer format version.
	ErrIncompatibleVersion = errors.New("store format version is not supported")
)

// Repository is the durable storage of one entity type. Every operation reports
// failure through its error; none panics.
type Repository[K comparable, V any] interface {
	// LoadAll returns every stored entity in creation order.
	LoadAll(ctx context.Context) ([]V, error)

	// Create stores a new entity and returns its database id.
	Create(ctx context.Context, entity V) (int64, error)

	// Update replaces a stored entity. It returns false if the entity does not exist.
	Update(ctx context.Context, entity V) (bool, error)

	// UpdateMany replaces several entities atomically where the backend allows it.
	// It returns false if any of them does not exist.
	UpdateMany(ctx context.Context, entities []V) (bool, error)

	// Delete removes an entity. It returns false if the entity did not exist.
	Delete(ctx context.Context, key K) (bool, error)

	// DeleteMany removes several entities. It returns false if none of them existed.
	DeleteMany(ctx context.Context, keys []K) (bool, error)

	// DeleteAll removes every entity of the collection.
	DeleteAll(ctx context.Context) error
}

// Record is one stored entity in its encoded form.
type Record struct {
	ID      int64
	Key     string
	Payload []byte
}

// Store is a collection of encoded records. Backends implement Store; managers
// talk to it through a typed Repository.
type Store interface {
	// Collection returns the collection name.
	Collection() string

	// LoadAll returns every record in creation order.
	LoadAll(ctx context.Context) ([]Record, error)

	// Create stores a record and returns the assigned id. An existing key yields ErrConflict.
	Create(ctx context.Context, key string, payload []byte) (int64, error)

	// Update replaces the payloads of existing keys. It returns the number of updated records.
	Update(ctx context.Context, records []Record) (int, error)

	// Delete removes keys and returns the number of removed records.
	Delete(ctx context.Context, keys []string) (int, error)

	// DeleteAll removes every record.
	DeleteAll(ctx context.Context) error
}
