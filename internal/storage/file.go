package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/stacklok/chanstate/internal/repository"
	"github.com/stacklok/chanstate/internal/versions"
)

const lockRetryDelay = 25 * time.Millisecond

// fileDocument is the on-disk layout of one collection.
type fileDocument struct {
	Format     string       `json:"format"`
	Collection string       `json:"collection"`
	NextID     int64        `json:"nextId"`
	Records    []fileRecord `json:"records"`
}

type fileRecord struct {
	ID    int64           `json:"id"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// FileStore keeps one collection in a JSON file. Every write rewrites the file
// through a temporary file and an atomic rename, under an advisory file lock shared
// with other processes using the same data directory.
type FileStore struct {
	collection string
	path       string

	mu   sync.Mutex
	lock *flock.Flock
}

var _ repository.Store = (*FileStore)(nil)

// NewFileStore creates the store for collection inside dir.
func NewFileStore(dir, collection string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	path := filepath.Join(dir, collection+".json")
	return &FileStore{
		collection: collection,
		path:       path,
		lock:       flock.New(path + ".lock"),
	}, nil
}

// Collection returns the collection name.
func (s *FileStore) Collection() string {
	return s.collection
}

// Path returns the data file path.
func (s *FileStore) Path() string {
	return s.path
}

// LoadAll reads every record.
func (s *FileStore) LoadAll(ctx context.Context) ([]repository.Record, error) {
	var out []repository.Record
	err := s.withDocument(ctx, false, func(doc *fileDocument) bool {
		out = make([]repository.Record, 0, len(doc.Records))
		for _, r := range doc.Records {
			out = append(out, repository.Record{ID: r.ID, Key: r.Key, Payload: r.Value})
		}
		return false
	})
	return out, err
}

// Create appends a record.
func (s *FileStore) Create(ctx context.Context, key string, payload []byte) (int64, error) {
	var (
		id       int64
		conflict bool
	)
	err := s.withDocument(ctx, true, func(doc *fileDocument) bool {
		if slices.ContainsFunc(doc.Records, func(r fileRecord) bool { return r.Key == key }) {
			conflict = true
			return false
		}
		doc.NextID++
		id = doc.NextID
		doc.Records = append(doc.Records, fileRecord{ID: id, Key: key, Value: slices.Clone(payload)})
		return true
	})
	if err != nil {
		return 0, err
	}
	if conflict {
		return 0, fmt.Errorf("%s %q: %w", s.collection, key, repository.ErrConflict)
	}
	return id, nil
}

// Update replaces payloads of existing keys.
func (s *FileStore) Update(ctx context.Context, records []repository.Record) (int, error) {
	n := 0
	err := s.withDocument(ctx, true, func(doc *fileDocument) bool {
		byKey := make(map[string]int, len(doc.Records))
		for i, r := range doc.Records {
			byKey[r.Key] = i
		}
		for _, r := range records {
			if i, ok := byKey[r.Key]; ok {
				doc.Records[i].Value = slices.Clone(r.Payload)
				n++
			}
		}
		return n > 0
	})
	return n, err
}

// Delete removes keys.
func (s *FileStore) Delete(ctx context.Context, keys []string) (int, error) {
	n := 0
	err := s.withDocument(ctx, true, func(doc *fileDocument) bool {
		remove := make(map[string]struct{}, len(keys))
		for _, k := range keys {
			remove[k] = struct{}{}
		}
		before := len(doc.Records)
		doc.Records = slices.DeleteFunc(doc.Records, func(r fileRecord) bool {
			_, ok := remove[r.Key]
			return ok
		})
		n = before - len(doc.Records)
		return n > 0
	})
	return n, err
}

// DeleteAll truncates the collection. Record ids keep increasing.
func (s *FileStore) DeleteAll(ctx context.Context) error {
	return s.withDocument(ctx, true, func(doc *fileDocument) bool {
		doc.Records = nil
		return true
	})
}

// withDocument loads the document under both locks, runs fn and, if fn reports a
// change, writes the document back.
func (s *FileStore) withDocument(ctx context.Context, write bool, fn func(*fileDocument) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		locked bool
		err    error
	)
	if write {
		locked, err = s.lock.TryLockContext(ctx, lockRetryDelay)
	} else {
		locked, err = s.lock.TryRLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", s.path, err)
	}
	if !locked {
		return fmt.Errorf("failed to lock %s", s.path)
	}
	defer func() { _ = s.lock.Unlock() }()

	doc, err := s.read()
	if err != nil {
		return err
	}
	if !fn(doc) || !write {
		return nil
	}
	return s.write(doc)
}

func (s *FileStore) read() (*fileDocument, error) {
	// #nosec G304 -- path is built from the configured data directory and a fixed collection name
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &fileDocument{Format: versions.StoreFormat, Collection: s.collection}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	if err := versions.CheckStoreFormat(doc.Format); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", s.path, repository.ErrIncompatibleVersion, err)
	}
	if doc.Collection != "" && doc.Collection != s.collection {
		return nil, fmt.Errorf("%s holds collection %q, expected %q", s.path, doc.Collection, s.collection)
	}
	return &doc, nil
}

func (s *FileStore) write(doc *fileDocument) error {
	doc.Format = versions.StoreFormat
	doc.Collection = s.collection

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", s.collection, err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary file for %s: %w", s.collection, err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename data file for %s: %w", s.collection, err)
	}
	return nil
}
