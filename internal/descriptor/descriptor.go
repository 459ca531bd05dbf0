// Package descriptor defines the value-type coordinates that identify sites, boards,
// threads and posts. Descriptors are comparable and are used directly as cache keys.
package descriptor

import (
	"fmt"
	"strconv"
	"strings"
)

// SiteDescriptor identifies an imageboard site by name.
type SiteDescriptor string

// String returns the site name.
func (s SiteDescriptor) String() string {
	return string(s)
}

// BoardDescriptor identifies a board on a site.
type BoardDescriptor struct {
	Site SiteDescriptor `json:"site" yaml:"site"`
	Code string         `json:"code" yaml:"code"`
}

// NewBoard builds a BoardDescriptor.
func NewBoard(site, code string) BoardDescriptor {
	return BoardDescriptor{Site: SiteDescriptor(site), Code: code}
}

func (b BoardDescriptor) String() string {
	return string(b.Site) + "/" + b.Code
}

// ThreadDescriptor identifies a thread by its original post number.
type ThreadDescriptor struct {
	Board BoardDescriptor `json:"board" yaml:"board"`
	No    int64           `json:"no" yaml:"no"`
}

// NewThread builds a ThreadDescriptor.
func NewThread(site, code string, no int64) ThreadDescriptor {
	return ThreadDescriptor{Board: NewBoard(site, code), No: no}
}

func (t ThreadDescriptor) String() string {
	return t.Board.String() + "/" + strconv.FormatInt(t.No, 10)
}

// PostDescriptor identifies a post within a thread.
type PostDescriptor struct {
	Thread ThreadDescriptor `json:"thread" yaml:"thread"`
	No     int64            `json:"no" yaml:"no"`
}

// NewPost builds a PostDescriptor.
func NewPost(thread ThreadDescriptor, no int64) PostDescriptor {
	return PostDescriptor{Thread: thread, No: no}
}

func (p PostDescriptor) String() string {
	return p.Thread.String() + "/" + strconv.FormatInt(p.No, 10)
}

// IsOriginalPost reports whether the post opened its thread.
func (p PostDescriptor) IsOriginalPost() bool {
	return p.No == p.Thread.No
}

// ParseBoard parses "site/board".
func ParseBoard(s string) (BoardDescriptor, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return BoardDescriptor{}, fmt.Errorf("invalid board descriptor %q", s)
	}
	return NewBoard(parts[0], parts[1]), nil
}

// ParseThread parses "site/board/no".
func ParseThread(s string) (ThreadDescriptor, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return ThreadDescriptor{}, fmt.Errorf("invalid thread descriptor %q", s)
	}
	board, err := ParseBoard(parts[0] + "/" + parts[1])
	if err != nil {
		return ThreadDescriptor{}, fmt.Errorf("invalid thread descriptor %q: %w", s, err)
	}
	no, err := parseNo(parts[2])
	if err != nil {
		return ThreadDescriptor{}, fmt.Errorf("invalid thread descriptor %q: %w", s, err)
	}
	return ThreadDescriptor{Board: board, No: no}, nil
}

// ParsePost parses "site/board/threadNo/postNo".
func ParsePost(s string) (PostDescriptor, error) {
	idx := strings.LastIndex(s, "/")
	if idx < 0 {
		return PostDescriptor{}, fmt.Errorf("invalid post descriptor %q", s)
	}
	thread, err := ParseThread(s[:idx])
	if err != nil {
		return PostDescriptor{}, fmt.Errorf("invalid post descriptor %q: %w", s, err)
	}
	no, err := parseNo(s[idx+1:])
	if err != nil {
		return PostDescriptor{}, fmt.Errorf("invalid post descriptor %q: %w", s, err)
	}
	return PostDescriptor{Thread: thread, No: no}, nil
}

func parseNo(s string) (int64, error) {
	no, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if no <= 0 {
		return 0, fmt.Errorf("post number must be positive, got %d", no)
	}
	return no, nil
}
