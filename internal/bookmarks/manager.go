package bookmarks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sahilm/fuzzy"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/chanstate/internal/descriptor"
	"github.com/stacklok/chanstate/internal/manager"
	"github.com/stacklok/chanstate/internal/repository"
)

const (
	// Name is the manager and storage collection name.
	Name = "bookmarks"

	// PostViewedDebounce coalesces OnPostViewed persistence.
	PostViewedDebounce = 250 * time.Millisecond

	// DefaultRefreshConcurrency bounds RefreshAll's parallel fetches.
	DefaultRefreshConcurrency = 8
)

// Manager is the bookmark cache. The embedded manager provides the generic
// lifecycle, query and mutation operations.
type Manager struct {
	*manager.Manager[descriptor.ThreadDescriptor, Bookmark]

	now func() time.Time
}

// NewRepository returns the JSON repository of bookmarks over store.
func NewRepository(store repository.Store) repository.Repository[descriptor.ThreadDescriptor, Bookmark] {
	return repository.NewJSON(store, repository.Codec[descriptor.ThreadDescriptor, Bookmark]{
		Key:       keyOf,
		KeyString: descriptor.ThreadDescriptor.String,
		SetID:     setID,
	})
}

// New creates a bookmark manager. The debounce window defaults to PostViewedDebounce.
func New(repo repository.Repository[descriptor.ThreadDescriptor, Bookmark], opts ...manager.Option) (*Manager, error) {
	opts = append([]manager.Option{manager.WithDebounce(PostViewedDebounce)}, opts...)
	m, err := manager.New(manager.Config[descriptor.ThreadDescriptor, Bookmark]{
		Name:       Name,
		Repository: repo,
		Key:        keyOf,
		Clone:      Bookmark.Clone,
		SetID:      setID,
		ID:         func(b Bookmark) int64 { return b.DatabaseID },
	}, opts...)
	if err != nil {
		return nil, err
	}
	return &Manager{Manager: m, now: time.Now}, nil
}

func keyOf(b Bookmark) descriptor.ThreadDescriptor {
	return b.Thread
}

func setID(b Bookmark, id int64) Bookmark {
	b.DatabaseID = id
	return b
}

func mutator(fn func(*Bookmark)) func(Bookmark) Bookmark {
	return func(b Bookmark) Bookmark {
		fn(&b)
		return b
	}
}

// SimpleBookmark describes a bookmark to create.
type SimpleBookmark struct {
	Thread       descriptor.ThreadDescriptor `json:"thread"`
	Title        string                      `json:"title,omitempty"`
	ThumbnailURL string                      `json:"thumbnailUrl,omitempty"`
	// ExtraState is added to the initial flags, e.g. StateFilterWatch.
	ExtraState State `json:"extraState,omitempty"`
}

// CreateBookmark bookmarks a thread. It reports false if it is already bookmarked.
func (m *Manager) CreateBookmark(ctx context.Context, thread descriptor.ThreadDescriptor, title, thumbnailURL string) (bool, error) {
	return m.Create(ctx, NewBookmark(thread, title, thumbnailURL, m.now()), manager.Awaited)
}

// CreateBookmarks bookmarks several threads, skipping those already bookmarked, and
// returns the created keys in order.
func (m *Manager) CreateBookmarks(ctx context.Context, list []SimpleBookmark) ([]descriptor.ThreadDescriptor, error) {
	now := m.now()
	values := make([]Bookmark, 0, len(list))
	for _, s := range list {
		b := NewBookmark(s.Thread, s.Title, s.ThumbnailURL, now)
		b.State |= s.ExtraState
		values = append(values, b)
	}
	return m.CreateMany(ctx, values, manager.Awaited)
}

// DeleteBookmark removes a bookmark.
func (m *Manager) DeleteBookmark(ctx context.Context, thread descriptor.ThreadDescriptor) (bool, error) {
	return m.Delete(ctx, thread, manager.Awaited)
}

// DeleteBookmarks removes several bookmarks and returns those that existed.
func (m *Manager) DeleteBookmarks(ctx context.Context, threads []descriptor.ThreadDescriptor) ([]descriptor.ThreadDescriptor, error) {
	return m.DeleteMany(ctx, threads, manager.Awaited)
}

// UpdateBookmark changes one bookmark through fn, persisting with the manager's
// default mode.
func (m *Manager) UpdateBookmark(ctx context.Context, thread descriptor.ThreadDescriptor, fn func(*Bookmark)) (bool, error) {
	return m.Update(ctx, thread, mutator(fn))
}

// UpdateBookmarks changes several bookmarks through fn and returns those that changed.
func (m *Manager) UpdateBookmarks(ctx context.Context, threads []descriptor.ThreadDescriptor, fn func(*Bookmark)) ([]descriptor.ThreadDescriptor, error) {
	return m.UpdateMany(ctx, threads, mutator(fn))
}

// OnPostViewed records that the user scrolled to postNo with unseen posts left.
// It is called very often, so it only updates the cache; persistence and the
// Updated event follow after the debounce window. Calls before the manager is
// ready, for unknown threads, or for posts at or before the last viewed one are
// ignored.
func (m *Manager) OnPostViewed(thread descriptor.ThreadDescriptor, postNo int64, unseen int) {
	if !m.IsReady() {
		return
	}
	last, ok := manager.ViewAs(m.Manager, thread, func(b Bookmark) int64 { return b.LastViewedPostNo })
	if !ok || postNo <= last {
		return
	}
	m.UpdateDebounced(thread, mutator(func(b *Bookmark) {
		b.UpdateSeenPostCount(postNo, unseen)
	}))
}

// ReadPostsAndNotificationsForThread marks every post and reply of thread read.
// A positive lastPostNo also advances the last viewed post.
func (m *Manager) ReadPostsAndNotificationsForThread(ctx context.Context, thread descriptor.ThreadDescriptor, lastPostNo int64) (bool, error) {
	return m.Update(ctx, thread, mutator(func(b *Bookmark) {
		b.ReadAll()
		if lastPostNo > 0 {
			b.LastViewedPostNo = max(b.LastViewedPostNo, lastPostNo)
		}
	}), manager.Awaited)
}

// ReadAllPostsAndNotifications marks every bookmark read and returns those that changed.
func (m *Manager) ReadAllPostsAndNotifications(ctx context.Context) ([]descriptor.ThreadDescriptor, error) {
	return m.UpdateWhere(ctx, func(Bookmark) bool { return true }, mutator((*Bookmark).ReadAll), manager.Awaited)
}

// MarkAsSeenAllReplies marks the replies of every bookmark seen.
func (m *Manager) MarkAsSeenAllReplies(ctx context.Context) ([]descriptor.ThreadDescriptor, error) {
	return m.UpdateWhere(ctx, func(b Bookmark) bool { return len(b.Replies) > 0 }, mutator((*Bookmark).MarkAsSeenAllReplies))
}

// ToggleWatching pauses or resumes a bookmark.
func (m *Manager) ToggleWatching(ctx context.Context, thread descriptor.ThreadDescriptor) (bool, error) {
	return m.Update(ctx, thread, mutator((*Bookmark).ToggleWatching))
}

// PruneNonActive deletes every bookmark that is paused or dead and returns the
// deleted keys.
func (m *Manager) PruneNonActive(ctx context.Context) ([]descriptor.ThreadDescriptor, error) {
	return m.DeleteWhere(ctx, func(b Bookmark) bool { return !b.IsActive() }, manager.Awaited)
}

// ActiveCount returns the number of active bookmarks.
func (m *Manager) ActiveCount() int {
	return m.Count(Bookmark.IsActive)
}

// HasActive reports whether any bookmark is active.
func (m *Manager) HasActive() bool {
	return m.ActiveCount() > 0
}

// TotalUnseenPostsCount sums the unseen posts of every bookmark.
func (m *Manager) TotalUnseenPostsCount() int {
	total := 0
	for _, n := range manager.MapAll(m.Manager, Bookmark.UnseenPostsCount) {
		total += n
	}
	return total
}

// HasUnreadReplies reports whether any bookmark has an unread reply.
func (m *Manager) HasUnreadReplies() bool {
	return m.Count(Bookmark.HasUnreadReplies) > 0
}

// ActiveThreads returns the keys of active bookmarks in order.
func (m *Manager) ActiveThreads() []descriptor.ThreadDescriptor {
	var out []descriptor.ThreadDescriptor
	for _, b := range m.Filter(Bookmark.IsActive) {
		out = append(out, b.Thread)
	}
	return out
}

type titleSource []Bookmark

func (s titleSource) String(i int) string { return strings.ToLower(s[i].Title) }

func (s titleSource) Len() int { return len(s) }

// Search ranks bookmarks by fuzzy match of query against their titles. An empty
// query returns nothing.
func (m *Manager) Search(query string) []Bookmark {
	if query == "" {
		return nil
	}
	all := titleSource(m.All())
	matches := fuzzy.FindFrom(strings.ToLower(query), all)

	out := make([]Bookmark, 0, len(matches))
	for _, match := range matches {
		out = append(out, all[match.Index])
	}
	return out
}

// Fetcher loads the current state of a bookmarked thread.
type Fetcher func(ctx context.Context, thread descriptor.ThreadDescriptor) (ThreadInfo, error)

// RefreshAll fetches every active bookmark with at most concurrency fetches in
// flight, then applies all results in one persisted update. A failed fetch marks
// its bookmark with StateError; the other results still apply. It returns the
// changed keys and the joined fetch errors.
func (m *Manager) RefreshAll(ctx context.Context, fetch Fetcher, concurrency int) ([]descriptor.ThreadDescriptor, error) {
	if concurrency <= 0 {
		concurrency = DefaultRefreshConcurrency
	}

	threads := m.ActiveThreads()
	if len(threads) == 0 {
		return nil, nil
	}

	var (
		mu        sync.Mutex
		results   = make(map[descriptor.ThreadDescriptor]ThreadInfo, len(threads))
		fetchErrs []error
	)
	// Failed fetches are collected, so one failure never cancels the others.
	var g errgroup.Group
	g.SetLimit(concurrency)
	for _, thread := range threads {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			info, err := fetch(ctx, thread)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fetchErrs = append(fetchErrs, fmt.Errorf("%s: %w", thread, err))
				return nil
			}
			results[thread] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	changed, err := m.UpdateMany(ctx, threads, mutator(func(b *Bookmark) {
		info, ok := results[b.Thread]
		if !ok {
			b.MarkFetchFailed()
			return
		}
		b.ApplyThreadInfo(info)
	}), manager.Awaited)
	if err != nil {
		return nil, err
	}
	return changed, errors.Join(fetchErrs...)
}
