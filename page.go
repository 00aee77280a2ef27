package mintcache

import (
	"fmt"
	"strings"
)

// Sort is the display order of a page.
type Sort uint8

const (
	// OldestFirst lists tokens in ascending mint order.
	OldestFirst Sort = iota
	// NewestFirst lists the most recently minted token first.
	NewestFirst
)

// ParseSort parses a sort direction. Empty input selects OldestFirst.
func ParseSort(s string) (Sort, error) {
	switch strings.ToLower(s) {
	case "", "oldest", "oldest-first", "asc":
		return OldestFirst, nil
	case "newest", "newest-first", "desc":
		return NewestFirst, nil
	}
	return 0, fmt.Errorf("invalid sort %q", s)
}

func (s Sort) String() string {
	if s == NewestFirst {
		return "newest-first"
	}
	return "oldest-first"
}

// PageRequest asks for one page of a collection, optionally filtered to the
// holdings of a principal.
type PageRequest struct {
	Principal  Principal // empty browses the whole collection
	Collection Collection
	Page       int // 1-based
	PageSize   int
	Sort       Sort
	KnownTotal *uint64 // skips the count query when set
}

// Validate checks the request bounds.
func (r PageRequest) Validate() error {
	if !r.Collection.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownCollection, uint8(r.Collection))
	}
	if r.Page < 1 {
		return fmt.Errorf("page must be >= 1, got %d", r.Page)
	}
	if r.PageSize < 1 {
		return fmt.Errorf("page size must be >= 1, got %d", r.PageSize)
	}
	return nil
}

// Filtered reports whether the request is scoped to a principal.
func (r PageRequest) Filtered() bool {
	return r.Principal != ""
}
