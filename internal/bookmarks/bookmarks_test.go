package bookmarks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/chanstate/internal/descriptor"
	"github.com/stacklok/chanstate/internal/manager"
	"github.com/stacklok/chanstate/internal/repository"
	"github.com/stacklok/chanstate/internal/storage"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func thread(no int64) descriptor.ThreadDescriptor {
	return descriptor.NewThread("4chan", "g", no)
}

func newTestManager(t *testing.T, seed ...Bookmark) (*Manager, repository.Repository[descriptor.ThreadDescriptor, Bookmark]) {
	t.Helper()
	repo := NewRepository(storage.NewMemoryStore(Name))
	for _, b := range seed {
		_, err := repo.Create(context.Background(), b)
		require.NoError(t, err)
	}

	m, err := New(repo, manager.WithDebounce(10*time.Millisecond))
	require.NoError(t, err)
	m.now = func() time.Time { return fixedNow }
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	m.Initialize(context.Background())
	require.NoError(t, m.AwaitUntilInitialized(context.Background()))
	return m, repo
}

func stored(t *testing.T, repo repository.Repository[descriptor.ThreadDescriptor, Bookmark]) map[descriptor.ThreadDescriptor]Bookmark {
	t.Helper()
	all, err := repo.LoadAll(context.Background())
	require.NoError(t, err)
	out := map[descriptor.ThreadDescriptor]Bookmark{}
	for _, b := range all {
		out[b.Thread] = b
	}
	return out
}

func TestState(t *testing.T) {
	t.Parallel()

	s := StateWatching | StateClosed
	assert.True(t, s.Has(StateWatching))
	assert.False(t, s.Has(StateWatching|StateDeleted))
	assert.Equal(t, "[watching,closed]", s.String())
	assert.Equal(t, "[]", State(0).String())
}

func TestBookmark_Derived(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		state      State
		wantActive bool
		wantDead   bool
	}{
		{name: "watching", state: StateWatching, wantActive: true},
		{name: "paused", state: 0},
		{name: "archived", state: StateWatching | StateArchived, wantDead: true},
		{name: "deleted", state: StateWatching | StateDeleted, wantDead: true},
		{name: "closed", state: StateWatching | StateClosed, wantDead: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := Bookmark{State: tt.state}
			assert.Equal(t, tt.wantActive, b.IsActive())
			assert.Equal(t, tt.wantDead, b.IsThreadDead())
		})
	}

	b := Bookmark{ThreadRepliesCount: 10, SeenPostsCount: 12}
	assert.Zero(t, b.UnseenPostsCount())
	b.SeenPostsCount = 4
	assert.Equal(t, 6, b.UnseenPostsCount())
}

func TestBookmark_ToggleWatching(t *testing.T) {
	t.Parallel()

	b := NewBookmark(thread(1), "", "", fixedNow)
	b.ToggleWatching()
	assert.False(t, b.State.Has(StateWatching))
	b.ToggleWatching()
	assert.True(t, b.State.Has(StateWatching))

	dead := Bookmark{State: StateDeleted}
	dead.ToggleWatching()
	assert.False(t, dead.State.Has(StateWatching))

	sticky := Bookmark{State: StateStickyNoCap | StateClosed}
	sticky.ToggleWatching()
	assert.False(t, sticky.State.Has(StateWatching))
}

func TestBookmark_UpdateSeenPostCount(t *testing.T) {
	t.Parallel()

	b := Bookmark{
		ThreadRepliesCount: 20,
		SeenPostsCount:     5,
		Replies: map[int64]Reply{
			100: {PostNo: 100},
			200: {PostNo: 200},
		},
	}
	b.UpdateSeenPostCount(150, 8)
	assert.Equal(t, 12, b.SeenPostsCount)
	assert.Equal(t, int64(150), b.LastViewedPostNo)
	assert.True(t, b.Replies[100].Read)
	assert.False(t, b.Replies[200].Read)

	b.UpdateSeenPostCount(120, 15)
	assert.Equal(t, 12, b.SeenPostsCount, "seen count never goes back")
	assert.Equal(t, int64(150), b.LastViewedPostNo)
}

func TestBookmark_ApplyThreadInfo(t *testing.T) {
	t.Parallel()

	b := NewBookmark(thread(1), "old", "", fixedNow)
	b.LastViewedPostNo = 50
	b.ApplyThreadInfo(ThreadInfo{
		Title:        "new",
		RepliesCount: 30,
		BumpLimit:    true,
		Replies:      []Reply{{PostNo: 40}, {PostNo: 60}},
	})
	assert.Equal(t, "new", b.Title)
	assert.Equal(t, 30, b.ThreadRepliesCount)
	assert.True(t, b.State.Has(StateWatching|StateBumpLimit))
	assert.False(t, b.State.Has(StateFirstFetch))
	assert.True(t, b.Replies[40].Read)
	assert.False(t, b.Replies[60].Read)
	assert.True(t, b.HasUnreadReplies())

	b.ApplyThreadInfo(ThreadInfo{Archived: true})
	assert.True(t, b.State.Has(StateArchived))
	assert.False(t, b.IsActive())

	b.MarkFetchFailed()
	assert.True(t, b.State.Has(StateError))
}

func TestBookmark_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	b := Bookmark{Replies: map[int64]Reply{1: {PostNo: 1}}}
	c := b.Clone()
	c.ReadAll()
	assert.False(t, b.Replies[1].Read)
	assert.True(t, c.Replies[1].Read)
}

func TestManager_CreateAndDelete(t *testing.T) {
	t.Parallel()

	m, repo := newTestManager(t, NewBookmark(thread(1), "one", "", fixedNow))
	sub := m.ListenForChanges(context.Background())

	created, err := m.CreateBookmark(context.Background(), thread(1), "dup", "")
	require.NoError(t, err)
	assert.False(t, created)

	keys, err := m.CreateBookmarks(context.Background(), []SimpleBookmark{
		{Thread: thread(2), Title: "two"},
		{Thread: thread(1)},
		{Thread: thread(3), Title: "three", ExtraState: StateFilterWatch},
	})
	require.NoError(t, err)
	assert.Equal(t, []descriptor.ThreadDescriptor{thread(2), thread(3)}, keys)

	ev := <-sub.C()
	assert.Equal(t, manager.Created, ev.Kind)
	assert.Equal(t, keys, ev.Keys)

	b, ok := m.Get(thread(3))
	require.True(t, ok)
	assert.True(t, b.State.Has(StateWatching|StateFirstFetch|StateFilterWatch))
	assert.Equal(t, "4chan", b.GroupID)
	assert.Equal(t, int64(3), b.DatabaseID)

	deleted, err := m.DeleteBookmark(context.Background(), thread(1))
	require.NoError(t, err)
	assert.True(t, deleted)

	assert.Equal(t, 2, m.Len())
	assert.Len(t, stored(t, repo), 2)
}

func TestManager_OnPostViewedIsDebounced(t *testing.T) {
	t.Parallel()

	b := NewBookmark(thread(1), "one", "", fixedNow)
	b.ThreadRepliesCount = 50
	m, repo := newTestManager(t, b)
	sub := m.ListenForChanges(context.Background())

	m.OnPostViewed(thread(1), 10, 40)
	m.OnPostViewed(thread(1), 20, 30)
	m.OnPostViewed(thread(1), 15, 35)
	m.OnPostViewed(thread(99), 15, 35)

	got, _ := m.Get(thread(1))
	assert.Equal(t, int64(20), got.LastViewedPostNo)
	assert.Equal(t, 20, got.SeenPostsCount)

	select {
	case ev := <-sub.C():
		assert.Equal(t, manager.Updated, ev.Kind)
		assert.Equal(t, []descriptor.ThreadDescriptor{thread(1)}, ev.Keys)
	case <-time.After(2 * time.Second):
		t.Fatal("no update after debounce")
	}
	assert.Equal(t, int64(20), stored(t, repo)[thread(1)].LastViewedPostNo)
}

func TestManager_OnPostViewedBeforeReady(t *testing.T) {
	t.Parallel()

	m, err := New(NewRepository(storage.NewMemoryStore(Name)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	assert.NotPanics(t, func() { m.OnPostViewed(thread(1), 1, 0) })
}

func TestManager_ReadAndCounts(t *testing.T) {
	t.Parallel()

	active := NewBookmark(thread(1), "active", "", fixedNow)
	active.ThreadRepliesCount = 10
	active.Replies = map[int64]Reply{5: {PostNo: 5}}

	paused := NewBookmark(thread(2), "paused", "", fixedNow)
	paused.State &^= StateWatching
	paused.ThreadRepliesCount = 3

	m, repo := newTestManager(t, active, paused)

	assert.Equal(t, 1, m.ActiveCount())
	assert.True(t, m.HasActive())
	assert.Equal(t, 13, m.TotalUnseenPostsCount())
	assert.True(t, m.HasUnreadReplies())
	assert.Equal(t, []descriptor.ThreadDescriptor{thread(1)}, m.ActiveThreads())

	seen, err := m.MarkAsSeenAllReplies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []descriptor.ThreadDescriptor{thread(1)}, seen)
	assert.True(t, m.HasUnreadReplies())

	ok, err := m.ReadPostsAndNotificationsForThread(context.Background(), thread(1), 42)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, m.HasUnreadReplies())
	assert.Equal(t, int64(42), stored(t, repo)[thread(1)].LastViewedPostNo)

	changed, err := m.ReadAllPostsAndNotifications(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []descriptor.ThreadDescriptor{thread(2)}, changed)
	assert.Zero(t, m.TotalUnseenPostsCount())

	pruned, err := m.PruneNonActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []descriptor.ThreadDescriptor{thread(2)}, pruned)
	assert.Len(t, stored(t, repo), 1)

	toggled, err := m.ToggleWatching(context.Background(), thread(1))
	require.NoError(t, err)
	assert.True(t, toggled)
	assert.Zero(t, m.ActiveCount())
}

func TestManager_Search(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t,
		NewBookmark(thread(1), "Desktop Thread", "", fixedNow),
		NewBookmark(thread(2), "Linux general", "", fixedNow),
		NewBookmark(thread(3), "Home server general", "", fixedNow),
	)

	titles := func(bs []Bookmark) []string {
		var out []string
		for _, b := range bs {
			out = append(out, b.Title)
		}
		return out
	}
	assert.Equal(t, []string{"Desktop Thread"}, titles(m.Search("desk")))
	assert.ElementsMatch(t, []string{"Linux general", "Home server general"}, titles(m.Search("general")))
	assert.Empty(t, m.Search("zzz"))
	assert.Nil(t, m.Search(""))
}

func TestManager_RefreshAll(t *testing.T) {
	t.Parallel()

	m, repo := newTestManager(t,
		NewBookmark(thread(1), "", "", fixedNow),
		NewBookmark(thread(2), "", "", fixedNow),
		NewBookmark(thread(3), "", "", fixedNow),
	)

	var inFlight, peak atomic.Int32
	fetchErr := errors.New("404")
	fetch := func(_ context.Context, td descriptor.ThreadDescriptor) (ThreadInfo, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)

		switch td.No {
		case 2:
			return ThreadInfo{}, fetchErr
		case 3:
			return ThreadInfo{Deleted: true}, nil
		default:
			return ThreadInfo{Title: "fetched", RepliesCount: 7}, nil
		}
	}

	changed, err := m.RefreshAll(context.Background(), fetch, 2)
	require.ErrorIs(t, err, fetchErr)
	assert.ElementsMatch(t, []descriptor.ThreadDescriptor{thread(1), thread(2), thread(3)}, changed)
	assert.LessOrEqual(t, peak.Load(), int32(2))

	persisted := stored(t, repo)
	assert.Equal(t, "fetched", persisted[thread(1)].Title)
	assert.Equal(t, 7, persisted[thread(1)].ThreadRepliesCount)
	assert.True(t, persisted[thread(2)].State.Has(StateError))
	assert.True(t, persisted[thread(3)].State.Has(StateDeleted))
	assert.Equal(t, []descriptor.ThreadDescriptor{thread(1), thread(2)}, m.ActiveThreads())
}

func TestManager_RefreshAllCanceled(t *testing.T) {
	t.Parallel()

	m, repo := newTestManager(t,
		NewBookmark(thread(1), "", "", fixedNow),
		NewBookmark(thread(2), "", "", fixedNow),
		NewBookmark(thread(3), "", "", fixedNow),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var fetched atomic.Int32
	fetch := func(context.Context, descriptor.ThreadDescriptor) (ThreadInfo, error) {
		fetched.Add(1)
		cancel()
		return ThreadInfo{Title: "fetched"}, nil
	}

	changed, err := m.RefreshAll(ctx, fetch, 1)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, changed)
	assert.Equal(t, int32(1), fetched.Load(), "queued fetches stop once the context is done")

	for _, b := range stored(t, repo) {
		assert.Empty(t, b.Title)
		assert.False(t, b.State.Has(StateError))
	}
}
