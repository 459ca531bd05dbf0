// Package boards manages the boards of every site: their metadata, whether the user
// added them, and the user's ordering of active boards.
package boards

import (
	"time"

	"github.com/stacklok/chanstate/internal/descriptor"
)

// Board is a board of a site as last reported by the site, plus user state.
type Board struct {
	Descriptor  descriptor.BoardDescriptor `json:"descriptor" yaml:"descriptor"`
	Name        string                     `json:"name" yaml:"name"`
	Active      bool                       `json:"active" yaml:"active"`
	Order       int                        `json:"order" yaml:"order"`
	PerPage     int                        `json:"perPage,omitempty" yaml:"perPage,omitempty"`
	Pages       int                        `json:"pages,omitempty" yaml:"pages,omitempty"`
	MaxFileSize int64                      `json:"maxFileSize,omitempty" yaml:"maxFileSize,omitempty"`
	BumpLimit   int                        `json:"bumpLimit,omitempty" yaml:"bumpLimit,omitempty"`
	ImageLimit  int                        `json:"imageLimit,omitempty" yaml:"imageLimit,omitempty"`
	Cooldown    time.Duration              `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
	WorkSafe    bool                       `json:"workSafe" yaml:"workSafe"`
	Description string                     `json:"description,omitempty" yaml:"description,omitempty"`
}

// NewBoard returns an inactive board.
func NewBoard(site, code, name string) Board {
	return Board{
		Descriptor: descriptor.NewBoard(site, code),
		Name:       name,
	}
}

// Site returns the site of the board.
func (b Board) Site() descriptor.SiteDescriptor {
	return b.Descriptor.Site
}

// merge applies a site-reported board onto the cached one. The user state stays.
func merge(cached, incoming Board) Board {
	incoming.Active = cached.Active
	incoming.Order = cached.Order
	return incoming
}
