// Package bookmarks manages watched threads: their read progress, reply
// notifications and thread state, cached in memory and persisted through a
// repository.
package bookmarks

import (
	"maps"
	"strings"
	"time"

	"github.com/stacklok/chanstate/internal/descriptor"
)

// State is the set of flags of a bookmark. Flag values are persisted and must
// never be renumbered.
type State uint16

const (
	// StateWatching marks threads that are watched for new posts.
	StateWatching State = 1 << iota
	// StateDeleted marks threads that are gone from the server.
	StateDeleted
	// StateArchived marks threads moved to the site's archive.
	StateArchived
	// StateClosed marks threads that no longer accept posts.
	StateClosed
	// StateError marks bookmarks whose last refresh failed.
	StateError
	// StateBumpLimit marks threads past the bump limit.
	StateBumpLimit
	// StateImageLimit marks threads past the image limit.
	StateImageLimit
	// StateFirstFetch is set until the first refresh completes.
	StateFirstFetch
	// StateStickyNoCap marks sticky threads without a post cap.
	StateStickyNoCap
	// StateFilterWatch marks bookmarks created by the filter watcher.
	StateFilterWatch
)

var stateNames = []struct {
	flag State
	name string
}{
	{StateWatching, "watching"},
	{StateDeleted, "deleted"},
	{StateArchived, "archived"},
	{StateClosed, "closed"},
	{StateError, "error"},
	{StateBumpLimit, "bump_limit"},
	{StateImageLimit, "image_limit"},
	{StateFirstFetch, "first_fetch"},
	{StateStickyNoCap, "sticky_no_cap"},
	{StateFilterWatch, "filter_watch"},
}

// Has reports whether every flag of f is set.
func (s State) Has(f State) bool {
	return s&f == f
}

func (s State) String() string {
	var names []string
	for _, n := range stateNames {
		if s.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	return "[" + strings.Join(names, ",") + "]"
}

// Reply is a post in a bookmarked thread that quotes one of the user's posts.
type Reply struct {
	PostNo   int64     `json:"postNo"`
	Seen     bool      `json:"seen"`
	Notified bool      `json:"notified"`
	Read     bool      `json:"read"`
	Time     time.Time `json:"time"`
}

// Bookmark is a watched thread.
type Bookmark struct {
	Thread             descriptor.ThreadDescriptor `json:"thread"`
	GroupID            string                      `json:"groupId"`
	Title              string                      `json:"title,omitempty"`
	ThumbnailURL       string                      `json:"thumbnailUrl,omitempty"`
	SeenPostsCount     int                         `json:"seenPostsCount"`
	ThreadRepliesCount int                         `json:"threadRepliesCount"`
	LastViewedPostNo   int64                       `json:"lastViewedPostNo"`
	Replies            map[int64]Reply             `json:"replies,omitempty"`
	State              State                       `json:"state"`
	CreatedOn          time.Time                   `json:"createdOn"`

	// DatabaseID is assigned by the repository.
	DatabaseID int64 `json:"-"`
}

// NewBookmark returns a watched bookmark awaiting its first fetch. The group
// defaults to the thread's site.
func NewBookmark(thread descriptor.ThreadDescriptor, title, thumbnailURL string, now time.Time) Bookmark {
	return Bookmark{
		Thread:       thread,
		GroupID:      thread.Board.Site.String(),
		Title:        title,
		ThumbnailURL: thumbnailURL,
		State:        StateWatching | StateFirstFetch,
		CreatedOn:    now.UTC(),
	}
}

// Clone returns a copy that shares nothing mutable with b.
func (b Bookmark) Clone() Bookmark {
	b.Replies = maps.Clone(b.Replies)
	return b
}

// UnseenPostsCount is the number of posts not viewed yet.
func (b Bookmark) UnseenPostsCount() int {
	return max(0, b.ThreadRepliesCount-b.SeenPostsCount)
}

// IsThreadDead reports whether the thread can no longer change.
func (b Bookmark) IsThreadDead() bool {
	return b.State&(StateDeleted|StateArchived|StateClosed) != 0
}

// IsActive reports whether the thread is watched and alive.
func (b Bookmark) IsActive() bool {
	return b.State.Has(StateWatching) && !b.IsThreadDead()
}

// HasUnreadReplies reports whether any reply has not been read.
func (b Bookmark) HasUnreadReplies() bool {
	for _, r := range b.Replies {
		if !r.Read {
			return true
		}
	}
	return false
}

func (b Bookmark) isStickyClosed() bool {
	return b.State.Has(StateStickyNoCap | StateClosed)
}

// SetStateFlag sets or clears flag.
func (b *Bookmark) SetStateFlag(flag State, on bool) {
	if on {
		b.State |= flag
	} else {
		b.State &^= flag
	}
}

// ToggleWatching pauses a watched bookmark or resumes a paused one. Dead threads
// cannot be resumed.
func (b *Bookmark) ToggleWatching() {
	if b.State.Has(StateWatching) {
		b.State &^= StateWatching
		return
	}
	if b.State&(StateDeleted|StateArchived) != 0 || b.isStickyClosed() {
		return
	}
	b.State |= StateWatching
}

// MarkAsSeenAllReplies marks every reply seen and notified.
func (b *Bookmark) MarkAsSeenAllReplies() {
	for no, r := range b.Replies {
		r.Seen = true
		r.Notified = true
		b.Replies[no] = r
	}
}

// ReadAll marks every post and reply as read.
func (b *Bookmark) ReadAll() {
	b.SeenPostsCount = b.ThreadRepliesCount
	for no, r := range b.Replies {
		r.Seen = true
		r.Notified = true
		r.Read = true
		b.Replies[no] = r
	}
}

// ReadRepliesUpTo marks replies up to and including postNo as read.
func (b *Bookmark) ReadRepliesUpTo(postNo int64) {
	for no, r := range b.Replies {
		if no > postNo {
			continue
		}
		r.Seen = true
		r.Notified = true
		r.Read = true
		b.Replies[no] = r
	}
}

// UpdateSeenPostCount records that the user viewed the thread up to
// lastViewedPostNo with unseen posts still below it. Counters never go back.
func (b *Bookmark) UpdateSeenPostCount(lastViewedPostNo int64, unseen int) {
	b.SeenPostsCount = max(b.SeenPostsCount, max(0, b.ThreadRepliesCount-unseen))
	b.LastViewedPostNo = max(b.LastViewedPostNo, lastViewedPostNo)
	b.ReadRepliesUpTo(lastViewedPostNo)
}

// ThreadInfo is the result of refreshing a bookmarked thread.
type ThreadInfo struct {
	Title        string
	ThumbnailURL string
	RepliesCount int
	Deleted      bool
	Archived     bool
	Closed       bool
	StickyNoCap  bool
	BumpLimit    bool
	ImageLimit   bool
	// Replies lists posts quoting the user.
	Replies []Reply
}

// ApplyThreadInfo merges a refresh result. Deleted and archived threads, and
// closed sticky threads, stop being watched; a thread once deleted stays so.
func (b *Bookmark) ApplyThreadInfo(info ThreadInfo) {
	b.State &^= StateFirstFetch | StateError

	if b.State.Has(StateDeleted) || b.isStickyClosed() {
		b.State &^= StateWatching
		return
	}
	if info.Deleted || info.Archived || (info.StickyNoCap && info.Closed) {
		b.State &^= StateWatching
	}

	if info.Deleted {
		b.State |= StateDeleted
	}
	if info.Archived {
		b.State |= StateArchived
	}
	b.SetStateFlag(StateClosed, info.Closed)
	b.SetStateFlag(StateStickyNoCap, info.StickyNoCap)
	b.SetStateFlag(StateBumpLimit, info.BumpLimit)
	b.SetStateFlag(StateImageLimit, info.ImageLimit)

	if info.Title != "" {
		b.Title = info.Title
	}
	if info.ThumbnailURL != "" {
		b.ThumbnailURL = info.ThumbnailURL
	}
	if info.RepliesCount > 0 {
		b.ThreadRepliesCount = info.RepliesCount
	}

	for _, r := range info.Replies {
		if _, ok := b.Replies[r.PostNo]; ok {
			continue
		}
		if b.Replies == nil {
			b.Replies = make(map[int64]Reply)
		}
		if r.PostNo <= b.LastViewedPostNo {
			r.Seen, r.Notified, r.Read = true, true, true
		}
		b.Replies[r.PostNo] = r
	}
}

// MarkFetchFailed records a failed refresh.
func (b *Bookmark) MarkFetchFailed() {
	b.State &^= StateFirstFetch
	b.State |= StateError
}
