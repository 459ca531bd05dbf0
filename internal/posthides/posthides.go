// Package posthides manages hidden and removed posts. Hides are grouped by thread
// so a thread's hides can be looked up without scanning every hide.
package posthides

import (
	"context"
	"fmt"

	"github.com/stacklok/chanstate/internal/cache"
	"github.com/stacklok/chanstate/internal/changebus"
	"github.com/stacklok/chanstate/internal/descriptor"
	"github.com/stacklok/chanstate/internal/manager"
	"github.com/stacklok/chanstate/internal/repository"
)

const (
	// Name is the manager and storage collection name.
	Name = "post_hides"

	// TrimTrigger is the number of hides above which the oldest are trimmed.
	TrimTrigger = 25000
	// TrimCount is the number of oldest hides removed by a trim.
	TrimCount = 5000
)

// PostHide hides one post, or the whole thread when the post is the original post
// and ApplyToWholeThread is set.
type PostHide struct {
	Post descriptor.PostDescriptor `json:"post" yaml:"post"`
	// OnlyHide collapses the post instead of removing it.
	OnlyHide           bool `json:"onlyHide" yaml:"onlyHide"`
	ApplyToWholeThread bool `json:"applyToWholeThread" yaml:"applyToWholeThread"`
	ApplyToReplies     bool `json:"applyToReplies" yaml:"applyToReplies"`
	// Manual is false for hides created by filters.
	Manual bool `json:"manual" yaml:"manual"`
}

// Manager is the post hide cache, partitioned by thread.
type Manager struct {
	*manager.Manager[descriptor.PostDescriptor, PostHide]

	trimTrigger int
	trimCount   int
}

// NewRepository returns the JSON repository of post hides over store.
func NewRepository(store repository.Store) repository.Repository[descriptor.PostDescriptor, PostHide] {
	return repository.NewJSON(store, repository.Codec[descriptor.PostDescriptor, PostHide]{
		Key:       keyOf,
		KeyString: descriptor.PostDescriptor.String,
	})
}

// New creates a post hide manager. Persistence is awaited unless opts choose
// otherwise. Its bus always buffers, so no removal event is ever dropped; bus
// options passed in opts cannot change that.
func New(repo repository.Repository[descriptor.PostDescriptor, PostHide], opts ...manager.Option) (*Manager, error) {
	opts = append([]manager.Option{manager.WithPersistence(manager.Awaited)}, opts...)
	opts = append(opts, manager.WithBusOptions(changebus.WithPolicy(changebus.Buffered)))
	m, err := manager.New(manager.Config[descriptor.PostDescriptor, PostHide]{
		Name:       Name,
		Repository: repo,
		Key:        keyOf,
		Partition:  threadOf,
	}, opts...)
	if err != nil {
		return nil, err
	}
	return &Manager{
		Manager:     m,
		trimTrigger: TrimTrigger,
		trimCount:   TrimCount,
	}, nil
}

func keyOf(h PostHide) descriptor.PostDescriptor {
	return h.Post
}

func threadOf(p descriptor.PostDescriptor) string {
	return p.Thread.String()
}

// CreateMany stores hides for posts not hidden yet and returns their keys. When
// the number of hides exceeds the trim trigger the oldest hides are deleted.
func (m *Manager) CreateMany(ctx context.Context, hides []PostHide) ([]descriptor.PostDescriptor, error) {
	created, err := m.Manager.CreateMany(ctx, hides)
	if err != nil {
		return nil, err
	}
	if err := m.trim(ctx); err != nil {
		return created, err
	}
	return created, nil
}

// Create stores one hide. It reports false if the post is already hidden.
func (m *Manager) Create(ctx context.Context, hide PostHide) (bool, error) {
	created, err := m.CreateMany(ctx, []PostHide{hide})
	return len(created) > 0, err
}

func (m *Manager) trim(ctx context.Context) error {
	if m.Len() <= m.trimTrigger {
		return nil
	}

	keys := m.Keys()
	n := min(m.trimCount, len(keys))
	if _, err := m.DeleteMany(ctx, keys[:n]); err != nil {
		return fmt.Errorf("failed to trim %d oldest post hides: %w", n, err)
	}
	return nil
}

// Remove deletes the hide of post.
func (m *Manager) Remove(ctx context.Context, post descriptor.PostDescriptor) (bool, error) {
	return m.Delete(ctx, post)
}

// RemoveMany deletes the hides of posts and returns those that existed.
func (m *Manager) RemoveMany(ctx context.Context, posts []descriptor.PostDescriptor) ([]descriptor.PostDescriptor, error) {
	return m.DeleteMany(ctx, posts)
}

// RemoveForSite deletes every hide of a site and returns the removed keys.
func (m *Manager) RemoveForSite(ctx context.Context, site descriptor.SiteDescriptor) ([]descriptor.PostDescriptor, error) {
	return m.DeleteWhere(ctx, func(h PostHide) bool { return h.Post.Thread.Board.Site == site })
}

// HiddenInThread returns the hides of a thread in creation order.
func (m *Manager) HiddenInThread(thread descriptor.ThreadDescriptor) []PostHide {
	return m.Partition(thread.String())
}

// CountInThread returns the number of hides in a thread.
func (m *Manager) CountInThread(thread descriptor.ThreadDescriptor) int {
	return m.PartitionLen(thread.String())
}

// RemovedInThread returns the hides of a thread that remove their post rather than
// collapse it.
func (m *Manager) RemovedInThread(thread descriptor.ThreadDescriptor) []PostHide {
	var out []PostHide
	m.Read(func(v *cache.View[descriptor.PostDescriptor, PostHide]) {
		v.RangePartition(thread.String(), func(_ descriptor.PostDescriptor, h PostHide) bool {
			if !h.OnlyHide {
				out = append(out, h)
			}
			return true
		})
	})
	return out
}

// IsThreadHidden reports whether the whole thread is hidden through its original post.
func (m *Manager) IsThreadHidden(thread descriptor.ThreadDescriptor) bool {
	hidden, _ := manager.ViewAs(m.Manager, descriptor.NewPost(thread, thread.No), func(h PostHide) bool {
		return h.ApplyToWholeThread
	})
	return hidden
}

// HiddenAmong returns the hides of the listed posts of a thread, keyed by post
// number. A hidden thread hides every post.
func (m *Manager) HiddenAmong(thread descriptor.ThreadDescriptor, postNos []int64) map[int64]PostHide {
	out := make(map[int64]PostHide)
	m.Read(func(v *cache.View[descriptor.PostDescriptor, PostHide]) {
		op, threadHidden := v.Get(descriptor.NewPost(thread, thread.No))
		threadHidden = threadHidden && op.ApplyToWholeThread

		for _, no := range postNos {
			if h, ok := v.Get(descriptor.NewPost(thread, no)); ok {
				out[no] = h
				continue
			}
			if threadHidden {
				h := op
				h.Post = descriptor.NewPost(thread, no)
				out[no] = h
			}
		}
	})
	return out
}
