package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/chanstate/internal/repository"
)

// opener opens collections in one fresh backend instance.
type opener func(collection string) repository.Store

// runStoreContract exercises the behaviour every repository.Store backend shares.
// newBackend is called once per subtest and must return an empty backend.
func runStoreContract(t *testing.T, newBackend func(t *testing.T) opener) {
	t.Helper()

	t.Run("create and load in creation order", func(t *testing.T) {
		ctx := context.Background()
		s := newBackend(t)("bookmarks")
		assert.Equal(t, "bookmarks", s.Collection())

		id1, err := s.Create(ctx, "4chan/g/1", []byte(`{"title":"one"}`))
		require.NoError(t, err)
		id2, err := s.Create(ctx, "4chan/g/2", []byte(`{"title":"two"}`))
		require.NoError(t, err)
		assert.Greater(t, id2, id1)

		records, err := s.LoadAll(ctx)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "4chan/g/1", records[0].Key)
		assert.Equal(t, id1, records[0].ID)
		assert.JSONEq(t, `{"title":"two"}`, string(records[1].Payload))
	})

	t.Run("duplicate key conflicts", func(t *testing.T) {
		ctx := context.Background()
		s := newBackend(t)("boards")

		_, err := s.Create(ctx, "4chan/g", []byte(`{}`))
		require.NoError(t, err)
		_, err = s.Create(ctx, "4chan/g", []byte(`{}`))
		assert.ErrorIs(t, err, repository.ErrConflict)
	})

	t.Run("update counts existing keys only", func(t *testing.T) {
		ctx := context.Background()
		s := newBackend(t)("post_hides")

		_, err := s.Create(ctx, "a", []byte(`{"v":1}`))
		require.NoError(t, err)

		n, err := s.Update(ctx, []repository.Record{
			{Key: "a", Payload: []byte(`{"v":2}`)},
			{Key: "missing", Payload: []byte(`{"v":3}`)},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		records, err := s.LoadAll(ctx)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.JSONEq(t, `{"v":2}`, string(records[0].Payload))
	})

	t.Run("delete and delete all", func(t *testing.T) {
		ctx := context.Background()
		s := newBackend(t)("bookmarks")

		for _, k := range []string{"a", "b", "c"} {
			_, err := s.Create(ctx, k, []byte(`{}`))
			require.NoError(t, err)
		}

		n, err := s.Delete(ctx, []string{"b", "nope"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.Delete(ctx, []string{"b"})
		require.NoError(t, err)
		assert.Zero(t, n)

		records, err := s.LoadAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, recordKeys(records))

		require.NoError(t, s.DeleteAll(ctx))
		records, err = s.LoadAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, records)

		// ids are never reused after DeleteAll
		id, err := s.Create(ctx, "a", []byte(`{}`))
		require.NoError(t, err)
		assert.Greater(t, id, int64(3))
	})

	t.Run("collections are isolated", func(t *testing.T) {
		ctx := context.Background()
		open := newBackend(t)
		a := open("bookmarks")
		b := open("boards")

		_, err := a.Create(ctx, "shared", []byte(`{}`))
		require.NoError(t, err)
		_, err = b.Create(ctx, "shared", []byte(`{}`))
		require.NoError(t, err)

		require.NoError(t, b.DeleteAll(ctx))
		records, err := a.LoadAll(ctx)
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})
}

func recordKeys(records []repository.Record) []string {
	keys := make([]string, 0, len(records))
	for _, r := range records {
		keys = append(keys, r.Key)
	}
	return keys
}
