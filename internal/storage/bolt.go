package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/stacklok/chanstate/internal/repository"
	"github.com/stacklok/chanstate/internal/versions"
)

var (
	metaBucket    = []byte("meta")
	formatKey     = []byte("format")
	recordsBucket = []byte("records")
	keysBucket    = []byte("keys")
)

// BoltDB is a bbolt database shared by several collections. Each collection lives
// in its own top-level bucket.
type BoltDB struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the database file and checks its format version.
func OpenBolt(path string) (*BoltDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		stored := string(meta.Get(formatKey))
		if err := versions.CheckStoreFormat(stored); err != nil {
			return fmt.Errorf("%w: %w", repository.ErrIncompatibleVersion, err)
		}
		return meta.Put(formatKey, []byte(versions.StoreFormat))
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize bolt database %s: %w", path, err)
	}

	slog.Info("Opened bolt database", "path", path)
	return &BoltDB{db: db}, nil
}

// Store returns the store for collection, creating its buckets if needed.
func (b *BoltDB) Store(collection string) (*BoltStore, error) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}
		if _, err := root.CreateBucketIfNotExists(recordsBucket); err != nil {
			return err
		}
		_, err = root.CreateBucketIfNotExists(keysBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create buckets for %s: %w", collection, err)
	}
	return &BoltStore{db: b.db, collection: collection}, nil
}

// Close closes the database file.
func (b *BoltDB) Close() error {
	return b.db.Close()
}

// BoltStore is one collection inside a BoltDB. Records are keyed by a big-endian
// sequence id so cursor order is creation order; a second bucket maps entity keys
// to ids.
type BoltStore struct {
	db         *bolt.DB
	collection string
}

var _ repository.Store = (*BoltStore)(nil)

type boltRecord struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Collection returns the collection name.
func (s *BoltStore) Collection() string {
	return s.collection
}

// LoadAll reads every record in id order.
func (s *BoltStore) LoadAll(_ context.Context) ([]repository.Record, error) {
	var out []repository.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		records, _, err := s.buckets(tx)
		if err != nil {
			return err
		}
		return records.ForEach(func(k, v []byte) error {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt record %x: %w", k, err)
			}
			out = append(out, repository.Record{
				ID:      int64(binary.BigEndian.Uint64(k)),
				Key:     rec.Key,
				Payload: []byte(rec.Value),
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", s.collection, err)
	}
	return out, nil
}

// Create stores a new record under the next sequence id.
func (s *BoltStore) Create(_ context.Context, key string, payload []byte) (int64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		records, keys, err := s.buckets(tx)
		if err != nil {
			return err
		}
		if keys.Get([]byte(key)) != nil {
			return fmt.Errorf("%s %q: %w", s.collection, key, repository.ErrConflict)
		}

		id, err = records.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(boltRecord{Key: key, Value: payload})
		if err != nil {
			return err
		}
		idKey := encodeID(id)
		if err := records.Put(idKey, data); err != nil {
			return err
		}
		return keys.Put([]byte(key), idKey)
	})
	if err != nil {
		return 0, err
	}
	return int64(id), nil
}

// Update replaces payloads of existing keys in one transaction.
func (s *BoltStore) Update(_ context.Context, updates []repository.Record) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		records, keys, err := s.buckets(tx)
		if err != nil {
			return err
		}
		for _, u := range updates {
			idKey := keys.Get([]byte(u.Key))
			if idKey == nil {
				continue
			}
			data, err := json.Marshal(boltRecord{Key: u.Key, Value: u.Payload})
			if err != nil {
				return err
			}
			if err := records.Put(idKey, data); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to update %s: %w", s.collection, err)
	}
	return n, nil
}

// Delete removes keys in one transaction.
func (s *BoltStore) Delete(_ context.Context, del []string) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		records, keys, err := s.buckets(tx)
		if err != nil {
			return err
		}
		for _, k := range del {
			idKey := keys.Get([]byte(k))
			if idKey == nil {
				continue
			}
			// idKey is only valid for the life of the transaction and must be copied
			// before the key bucket entry is deleted.
			id := append([]byte(nil), idKey...)
			if err := keys.Delete([]byte(k)); err != nil {
				return err
			}
			if err := records.Delete(id); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", s.collection, err)
	}
	return n, nil
}

// DeleteAll drops and recreates the collection buckets, keeping the id sequence.
func (s *BoltStore) DeleteAll(_ context.Context) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(s.collection))
		if root == nil {
			return fmt.Errorf("bucket %s does not exist", s.collection)
		}
		seq := root.Bucket(recordsBucket).Sequence()
		for _, name := range [][]byte{recordsBucket, keysBucket} {
			if err := root.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := root.CreateBucket(name); err != nil {
				return err
			}
		}
		return root.Bucket(recordsBucket).SetSequence(seq)
	})
	if err != nil {
		return fmt.Errorf("failed to clear %s: %w", s.collection, err)
	}
	return nil
}

func (s *BoltStore) buckets(tx *bolt.Tx) (*bolt.Bucket, *bolt.Bucket, error) {
	root := tx.Bucket([]byte(s.collection))
	if root == nil {
		return nil, nil, fmt.Errorf("bucket %s does not exist", s.collection)
	}
	return root.Bucket(recordsBucket), root.Bucket(keysBucket), nil
}

func encodeID(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}
