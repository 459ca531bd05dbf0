package cache

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type board struct {
	Site   string
	Code   string
	Name   string
	Active bool
}

func boardKey(site, code string) string { return site + "/" + code }

func siteOf(key string) string { return strings.SplitN(key, "/", 2)[0] }

func newOrdered() *Cache[string, board] {
	return New(WithOrder[string, board](), WithPartition[string, board](siteOf))
}

func TestCache_PutPreservesInsertionOrder(t *testing.T) {
	t.Parallel()

	c := newOrdered()
	c.Write(func(tx *Tx[string, board]) {
		tx.Put(boardKey("4chan", "g"), board{Site: "4chan", Code: "g"})
		tx.Put(boardKey("4chan", "a"), board{Site: "4chan", Code: "a"})
		tx.Put(boardKey("lain", "x"), board{Site: "lain", Code: "x"})
		// existing key keeps its position
		tx.Put(boardKey("4chan", "g"), board{Site: "4chan", Code: "g", Name: "Technology"})
	})

	assert.Equal(t, []string{"4chan/g", "4chan/a", "lain/x"}, c.Keys())
	got, ok := c.Get("4chan/g")
	require.True(t, ok)
	assert.Equal(t, "Technology", got.Name)
	require.NoError(t, c.CheckConsistency())
}

func TestCache_RemoveAndInsertAt(t *testing.T) {
	t.Parallel()

	c := newOrdered()
	c.Write(func(tx *Tx[string, board]) {
		for _, code := range []string{"a", "b", "c", "d"} {
			tx.Put(boardKey("s", code), board{Code: code})
		}
	})

	var (
		removed board
		idx     int
		ok      bool
	)
	c.Write(func(tx *Tx[string, board]) {
		removed, idx, ok = tx.Remove("s/b")
	})
	require.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.Equal(t, "b", removed.Code)
	assert.Equal(t, []string{"s/a", "s/c", "s/d"}, c.Keys())

	c.Write(func(tx *Tx[string, board]) {
		tx.InsertAt(idx, "s/b", removed)
	})
	assert.Equal(t, []string{"s/a", "s/b", "s/c", "s/d"}, c.Keys())
	require.NoError(t, c.CheckConsistency())

	c.Write(func(tx *Tx[string, board]) {
		_, _, ok = tx.Remove("s/missing")
	})
	assert.False(t, ok)
}

func TestCache_Move(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		from, to int
		want     []string
		moved    bool
	}{
		{name: "forward", from: 0, to: 3, want: []string{"s/b", "s/c", "s/d", "s/a"}, moved: true},
		{name: "backward", from: 3, to: 1, want: []string{"s/a", "s/d", "s/b", "s/c"}, moved: true},
		{name: "same position", from: 2, to: 2, want: []string{"s/a", "s/b", "s/c", "s/d"}, moved: true},
		{name: "out of range", from: 0, to: 9, want: []string{"s/a", "s/b", "s/c", "s/d"}, moved: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := newOrdered()
			c.Write(func(tx *Tx[string, board]) {
				for _, code := range []string{"a", "b", "c", "d"} {
					tx.Put(boardKey("s", code), board{Code: code})
				}
			})

			var moved bool
			c.Write(func(tx *Tx[string, board]) {
				moved = tx.Move(tt.from, tt.to)
			})
			assert.Equal(t, tt.moved, moved)
			assert.Equal(t, tt.want, c.Keys())
			require.NoError(t, c.CheckConsistency())
		})
	}
}

func TestCache_MoveWithinSubsequence(t *testing.T) {
	t.Parallel()

	c := newOrdered()
	c.Write(func(tx *Tx[string, board]) {
		tx.Put("x/a", board{Site: "x", Code: "a"})
		tx.Put("y/a", board{Site: "y", Code: "a"})
		tx.Put("x/b", board{Site: "x", Code: "b"})
		tx.Put("y/b", board{Site: "y", Code: "b"})
		tx.Put("x/c", board{Site: "x", Code: "c"})
	})

	onlyX := func(k string, _ board) bool { return siteOf(k) == "x" }
	c.Write(func(tx *Tx[string, board]) {
		require.True(t, tx.MoveWithin(onlyX, 2, 0))
	})

	// y entries keep their positions
	assert.Equal(t, []string{"x/c", "y/a", "x/a", "y/b", "x/b"}, c.Keys())

	var xs []string
	c.Read(func(v *View[string, board]) {
		v.RangePartition("x", func(k string, _ board) bool {
			xs = append(xs, k)
			return true
		})
	})
	assert.Equal(t, []string{"x/c", "x/a", "x/b"}, xs)
}

func TestCache_SortWithinAndSetOrder(t *testing.T) {
	t.Parallel()

	c := newOrdered()
	c.Write(func(tx *Tx[string, board]) {
		tx.Put("x/c", board{Site: "x", Code: "c"})
		tx.Put("y/z", board{Site: "y", Code: "z"})
		tx.Put("x/a", board{Site: "x", Code: "a"})
		tx.Put("x/b", board{Site: "x", Code: "b"})
	})

	onlyX := func(k string, _ board) bool { return siteOf(k) == "x" }
	c.Write(func(tx *Tx[string, board]) {
		tx.SortWithin(onlyX, func(a, b board) int { return strings.Compare(a.Code, b.Code) })
	})
	assert.Equal(t, []string{"x/a", "y/z", "x/b", "x/c"}, c.Keys())

	c.Write(func(tx *Tx[string, board]) {
		assert.False(t, tx.SetOrder([]string{"x/a", "x/b"}), "not a permutation")
		assert.False(t, tx.SetOrder([]string{"x/a", "x/a", "x/b", "y/z"}), "duplicate")
		assert.True(t, tx.SetOrder([]string{"y/z", "x/c", "x/b", "x/a"}))
	})
	assert.Equal(t, []string{"y/z", "x/c", "x/b", "x/a"}, c.Keys())
	require.NoError(t, c.CheckConsistency())
}

func TestCache_PutMerged(t *testing.T) {
	t.Parallel()

	keepActive := func(old, incoming board) board {
		incoming.Active = old.Active
		return incoming
	}
	equal := func(a, b board) bool { return a == b }

	c := newOrdered()
	c.Write(func(tx *Tx[string, board]) {
		tx.Put("s/g", board{Site: "s", Code: "g", Name: "Tech", Active: true})
	})

	var changed bool
	c.Write(func(tx *Tx[string, board]) {
		_, _, changed = tx.PutMerged("s/g", board{Site: "s", Code: "g", Name: "Tech"}, keepActive, equal)
	})
	assert.False(t, changed, "merge result equal to the old value is a no-op")

	var stored board
	c.Write(func(tx *Tx[string, board]) {
		stored, _, changed = tx.PutMerged("s/g", board{Site: "s", Code: "g", Name: "Technology"}, keepActive, equal)
	})
	assert.True(t, changed)
	assert.True(t, stored.Active)
	assert.Equal(t, "Technology", stored.Name)
}

func TestCache_ClearReturnsEntriesInOrder(t *testing.T) {
	t.Parallel()

	c := newOrdered()
	c.Write(func(tx *Tx[string, board]) {
		tx.Put("s/a", board{Code: "a"})
		tx.Put("t/b", board{Code: "b"})
	})

	var removed []Entry[string, board]
	c.Write(func(tx *Tx[string, board]) {
		removed = tx.Clear()
	})
	require.Len(t, removed, 2)
	assert.Equal(t, "s/a", removed[0].Key)
	assert.Equal(t, 1, removed[1].Index)
	assert.Zero(t, c.Len())
	require.NoError(t, c.CheckConsistency())
}

func TestCache_SnapshotsAreCopies(t *testing.T) {
	t.Parallel()

	c := newOrdered()
	c.Write(func(tx *Tx[string, board]) {
		tx.Put("s/a", board{Code: "a"})
	})

	m := c.ToMap()
	m["s/z"] = board{Code: "z"}
	list := c.ToList()
	list[0].Code = "changed"

	assert.Equal(t, 1, c.Len())
	got, _ := c.Get("s/a")
	assert.Equal(t, "a", got.Code)
}

func TestCache_ConcurrentWritesKeepOrderConsistent(t *testing.T) {
	t.Parallel()

	c := newOrdered()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(worker)))
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("site%d/%d", r.Intn(3), r.Intn(20))
				switch r.Intn(4) {
				case 0, 1:
					c.Write(func(tx *Tx[string, board]) { tx.Put(key, board{Code: key}) })
				case 2:
					c.Write(func(tx *Tx[string, board]) { tx.Remove(key) })
				default:
					c.Write(func(tx *Tx[string, board]) { tx.Move(0, tx.Len()-1) })
				}
				c.Read(func(v *View[string, board]) {
					assert.NoError(t, v.c.checkConsistency())
				})
			}
		}(w)
	}
	wg.Wait()

	require.NoError(t, c.CheckConsistency())
}
