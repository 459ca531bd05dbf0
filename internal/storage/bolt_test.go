package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/stacklok/chanstate/internal/repository"
)

func openTestBolt(t *testing.T) (*BoltDB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "chanstate.db")
	db, err := OpenBolt(path)
	require.NoError(t, err)
	return db, path
}

func TestBoltStore(t *testing.T) {
	t.Parallel()

	runStoreContract(t, func(t *testing.T) opener {
		db, _ := openTestBolt(t)
		t.Cleanup(func() { _ = db.Close() })
		return func(collection string) repository.Store {
			s, err := db.Store(collection)
			require.NoError(t, err)
			return s
		}
	})
}

func TestBoltStore_Reopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, path := openTestBolt(t)
	s, err := db.Store("bookmarks")
	require.NoError(t, err)
	_, err = s.Create(ctx, "4chan/g/1", []byte(`{"title":"x"}`))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = OpenBolt(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err = db.Store("bookmarks")
	require.NoError(t, err)
	records, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "4chan/g/1", records[0].Key)
	assert.Equal(t, "bookmarks", s.Collection())
}

func TestOpenBolt_NewerFormat(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chanstate.db")
	raw, err := bolt.Open(path, 0600, nil)
	require.NoError(t, err)
	require.NoError(t, raw.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		return b.Put(formatKey, []byte("2.0.0"))
	}))
	require.NoError(t, raw.Close())

	_, err = OpenBolt(path)
	assert.ErrorIs(t, err, repository.ErrIncompatibleVersion)
}
