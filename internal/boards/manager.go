package boards

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/stacklok/chanstate/internal/cache"
	"github.com/stacklok/chanstate/internal/descriptor"
	"github.com/stacklok/chanstate/internal/manager"
	"github.com/stacklok/chanstate/internal/repository"
)

const (
	// Name is the manager and storage collection name.
	Name = "boards"

	// MoveDebounce coalesces the persistence of drag-and-drop reordering.
	MoveDebounce = 100 * time.Millisecond
)

// Manager is the board cache. Boards are partitioned by site; the Order field of
// every board is its index among the boards of its site.
type Manager struct {
	*manager.Manager[descriptor.BoardDescriptor, Board]
}

// NewRepository returns the JSON repository of boards over store.
func NewRepository(store repository.Store) repository.Repository[descriptor.BoardDescriptor, Board] {
	return repository.NewJSON(store, repository.Codec[descriptor.BoardDescriptor, Board]{
		Key:       keyOf,
		KeyString: descriptor.BoardDescriptor.String,
	})
}

// New creates a board manager. The debounce window defaults to MoveDebounce.
func New(repo repository.Repository[descriptor.BoardDescriptor, Board], opts ...manager.Option) (*Manager, error) {
	opts = append([]manager.Option{manager.WithDebounce(MoveDebounce)}, opts...)
	m, err := manager.New(manager.Config[descriptor.BoardDescriptor, Board]{
		Name:       Name,
		Repository: repo,
		Key:        keyOf,
		Partition:  siteOf,
		Merge:      merge,
		Order: &manager.OrderIndex[Board]{
			Get: func(b Board) int { return b.Order },
			Set: func(b Board, i int) Board {
				b.Order = i
				return b
			},
		},
	}, opts...)
	if err != nil {
		return nil, err
	}
	return &Manager{Manager: m}, nil
}

func keyOf(b Board) descriptor.BoardDescriptor {
	return b.Descriptor
}

func siteOf(bd descriptor.BoardDescriptor) string {
	return bd.Site.String()
}

// CreateOrUpdate stores boards reported by a site. New boards are appended to their
// site; known boards take the reported metadata but keep Active and Order. It
// returns the keys that changed.
func (m *Manager) CreateOrUpdate(ctx context.Context, boards ...Board) ([]descriptor.BoardDescriptor, error) {
	return m.PutMany(ctx, boards)
}

// Activate sets the Active flag of the listed boards of site. Boards that become
// active move to the end of the site's active sequence, in the order given. It
// returns the keys that changed, including boards whose Order was rewritten.
func (m *Manager) Activate(ctx context.Context, site descriptor.SiteDescriptor, codes []string, active bool) ([]descriptor.BoardDescriptor, error) {
	return m.Transform(ctx, func(tx *cache.Tx[descriptor.BoardDescriptor, Board]) {
		inSite := func(k descriptor.BoardDescriptor, _ Board) bool { return k.Site == site }

		for _, code := range codes {
			key := descriptor.BoardDescriptor{Site: site, Code: code}
			b, ok := tx.Get(key)
			if !ok || b.Active == active {
				continue
			}
			b.Active = active
			tx.Put(key, b)
			if !active {
				continue
			}

			from, lastActive := -1, -1
			i := 0
			tx.Range(func(k descriptor.BoardDescriptor, v Board) bool {
				if k.Site != site {
					return true
				}
				switch {
				case k == key:
					from = i
				case v.Active:
					lastActive = i
				}
				i++
				return true
			})

			to := lastActive + 1
			if lastActive > from {
				to = lastActive
			}
			tx.MoveWithin(inSite, from, to)
		}
	})
}

// Remove deletes a board.
func (m *Manager) Remove(ctx context.Context, board descriptor.BoardDescriptor) (bool, error) {
	return m.Delete(ctx, board, manager.Awaited)
}

// Move moves the active board at position from of site's active sequence to
// position to. The rewritten Order fields are persisted after the debounce window.
// It reports whether both positions were valid.
func (m *Manager) Move(ctx context.Context, site descriptor.SiteDescriptor, from, to int) bool {
	return m.Manager.Move(ctx, func(k descriptor.BoardDescriptor, b Board) bool {
		return k.Site == site && b.Active
	}, from, to)
}

// Boards returns the boards of site in order, optionally only the active ones.
func (m *Manager) Boards(site descriptor.SiteDescriptor, activeOnly bool) []Board {
	all := m.Partition(site.String())
	if !activeOnly {
		return all
	}
	out := all[:0]
	for _, b := range all {
		if b.Active {
			out = append(out, b)
		}
	}
	return out
}

// FirstActive returns the first active board of site.
func (m *Manager) FirstActive(site descriptor.SiteDescriptor) (Board, bool) {
	var (
		first Board
		found bool
	)
	m.Read(func(v *cache.View[descriptor.BoardDescriptor, Board]) {
		v.RangePartition(site.String(), func(_ descriptor.BoardDescriptor, b Board) bool {
			if b.Active {
				first, found = b, true
				return false
			}
			return true
		})
	})
	return first, found
}

// ActiveCount returns the number of active boards of site.
func (m *Manager) ActiveCount(site descriptor.SiteDescriptor) int {
	n := 0
	m.Read(func(v *cache.View[descriptor.BoardDescriptor, Board]) {
		v.RangePartition(site.String(), func(_ descriptor.BoardDescriptor, b Board) bool {
			if b.Active {
				n++
			}
			return true
		})
	})
	return n
}

// Search returns the boards of site whose code or name contains the characters of
// query in order, ignoring case. Closer matches come first; ties keep board order.
func (m *Manager) Search(site descriptor.SiteDescriptor, query string) []Board {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	boards := m.Boards(site, false)
	targets := make([]string, len(boards))
	for i, b := range boards {
		targets[i] = b.Descriptor.Code + " " + b.Name
	}

	ranks := fuzzy.RankFindFold(query, targets)
	sort.SliceStable(ranks, func(i, j int) bool {
		if ranks[i].Distance != ranks[j].Distance {
			return ranks[i].Distance < ranks[j].Distance
		}
		return ranks[i].OriginalIndex < ranks[j].OriginalIndex
	})

	out := make([]Board, 0, len(ranks))
	for _, r := range ranks {
		out = append(out, boards[r.OriginalIndex])
	}
	return out
}
