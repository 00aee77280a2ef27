package cache

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/wolfeidau/mintcache"
	"github.com/wolfeidau/mintcache/content"
	"github.com/wolfeidau/mintcache/handle"
)

// Entry is the cached state of one content id. Apart from a late thumbnail
// or cover an entry never changes once it is in the cache.
type Entry struct {
	ID       mintcache.ContentID
	MIME     string
	Category content.Category
	// RawURL is the resolved source location, empty when the load failed.
	RawURL   string
	Text     string
	Size     int64
	LoadedAt time.Time
	// Err is a terminal load failure. Failed entries stay cached until
	// invalidated.
	Err      error

	mu         sync.RWMutex
	payload    *handle.Handle
	thumbnail  *handle.Handle
	coverTried bool
}

// Failed reports whether the load ended in a terminal error.
func (e *Entry) Failed() bool {
	return e.Err != nil
}

// PayloadHandle returns the decoded binary payload, if any.
func (e *Entry) PayloadHandle() *handle.Handle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.payload
}

// ThumbnailHandle returns the derived preview, if any.
func (e *Entry) ThumbnailHandle() *handle.Handle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.thumbnail
}

// CoverAttempted reports whether EPUB cover extraction has run for the entry.
func (e *Entry) CoverAttempted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.coverTried
}

// attachCover marks the cover attempt and installs h unless a thumbnail is
// already attached. It returns the thumbnail in place afterwards.
func (e *Entry) attachCover(h *handle.Handle) *handle.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.coverTried = true
	if e.thumbnail == nil {
		e.thumbnail = h
	}
	return e.thumbnail
}

// setThumbnail swaps in h and returns the handle it replaced.
func (e *Entry) setThumbnail(h *handle.Handle) *handle.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	old := e.thumbnail
	e.thumbnail = h
	return old
}

// detach clears both handles and returns them for release.
func (e *Entry) detach() (payload, thumbnail *handle.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	payload, thumbnail = e.payload, e.thumbnail
	e.payload, e.thumbnail = nil, nil
	return payload, thumbnail
}

type entryJSON struct {
	ID           mintcache.ContentID `json:"id"`
	MIME         string              `json:"mime"`
	Category     content.Category    `json:"category"`
	RawURL       string              `json:"raw_url,omitempty"`
	PayloadURL   string              `json:"payload_url,omitempty"`
	ThumbnailURL string              `json:"thumbnail_url,omitempty"`
	Text         string              `json:"text,omitempty"`
	Size         int64               `json:"size,omitempty"`
	LoadedAt     time.Time           `json:"loaded_at"`
	Error        string              `json:"error,omitempty"`
}

func (e *Entry) MarshalJSON() ([]byte, error) {
	out := entryJSON{
		ID:       e.ID,
		MIME:     e.MIME,
		Category: e.Category,
		RawURL:   e.RawURL,
		Text:     e.Text,
		Size:     e.Size,
		LoadedAt: e.LoadedAt,
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	if h := e.PayloadHandle(); h != nil {
		out.PayloadURL = h.URL()
	}
	if h := e.ThumbnailHandle(); h != nil {
		out.ThumbnailURL = h.URL()
	}
	return json.Marshal(out)
}

var _ content.Loaded = (*Entry)(nil)
