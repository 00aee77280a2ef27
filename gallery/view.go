package gallery

import (
	"fmt"
	"sync"
	"time"

	"github.com/wolfeidau/mintcache"
	"github.com/wolfeidau/mintcache/cache"
	"github.com/wolfeidau/mintcache/content"
)

// State distinguishes an in-flight page from an empty one and from a failure.
type State uint8

const (
	Loading State = iota
	Empty
	Failed
	Ready
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Empty:
		return "empty"
	case Failed:
		return "failed"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Item is one displayed token.
type Item struct {
	Token   mintcache.TokenRecord `json:"token"`
	MIME    string                `json:"mime,omitempty"`
	URLs    content.URLs          `json:"urls"`
	Content *cache.Entry          `json:"content,omitempty"`
}

// View is the committed state of one scope.
type View struct {
	Scope      string    `json:"scope"`
	State      State     `json:"state"`
	Collection string    `json:"collection"`
	Principal  string    `json:"principal,omitempty"`
	Page       int       `json:"page"`
	PageSize   int       `json:"page_size"`
	Sort       string    `json:"sort"`
	TotalCount uint64    `json:"total_count"`
	Items      []Item    `json:"items"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Views holds the latest committed View per scope.
type Views struct {
	mu    sync.RWMutex
	views map[string]*View
}

func NewViews() *Views {
	return &Views{views: make(map[string]*View)}
}

// Get returns the committed view for scope.
func (v *Views) Get(scope string) (*View, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	view, ok := v.views[scope]
	return view, ok
}

// Commit stores view for the ticket's scope unless the ticket is stale.
func (v *Views) Commit(tk Ticket, view *View) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !tk.Current() {
		return false
	}
	v.views[tk.Scope()] = view
	return true
}

// Drop forgets the view for scope.
func (v *Views) Drop(scope string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.views, scope)
}
