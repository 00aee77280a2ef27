// Package handle keeps decoded media bytes alive behind opaque, URL
// addressable handles until they are explicitly released.
package handle

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/wolfeidau/mintcache/telemetry"
)

var (
	// ErrReleased is returned when a handle is released a second time.
	ErrReleased = errors.New("handle already released")
	// ErrNotFound is returned when no live handle has the requested id.
	ErrNotFound = errors.New("handle not found")
)

// DefaultBasePath prefixes every handle URL.
const DefaultBasePath = "/blob/"

// Handle is a registered payload. It is immutable once created.
type Handle struct {
	id   string
	url  string
	mime string
	data []byte

	released bool // guarded by Registry.mu
}

func (h *Handle) ID() string { return h.id }

// URL is the address the payload is served at while the handle is live.
func (h *Handle) URL() string { return h.url }

func (h *Handle) MIME() string { return h.mime }

func (h *Handle) Size() int { return len(h.data) }

// Bytes returns the payload. Callers must not modify it.
func (h *Handle) Bytes() []byte { return h.data }

// Registry owns every live handle in the process.
type Registry struct {
	mu       sync.Mutex
	handles  map[string]*Handle
	basePath string
	logger   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger for the registry.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithBasePath sets the URL prefix of handle addresses.
func WithBasePath(p string) Option {
	return func(r *Registry) {
		r.basePath = p
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		handles:  make(map[string]*Handle),
		basePath: DefaultBasePath,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers data under a fresh handle.
func (r *Registry) Create(data []byte, mime string) *Handle {
	id := uuid.NewString()
	h := &Handle{
		id:   id,
		url:  r.basePath + id,
		mime: mime,
		data: data,
	}

	r.mu.Lock()
	r.handles[id] = h
	live := len(r.handles)
	r.mu.Unlock()

	telemetry.UpdateHandlesLive(context.Background(), live)
	return h
}

// Open returns the live handle with the given id.
func (r *Registry) Open(id string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

// Release frees h. Releasing nil is a no-op; releasing twice returns ErrReleased.
func (r *Registry) Release(h *Handle) error {
	if h == nil {
		return nil
	}

	r.mu.Lock()
	if h.released {
		r.mu.Unlock()
		return ErrReleased
	}
	if r.handles[h.id] != h {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.handles, h.id)
	h.released = true
	live := len(r.handles)
	r.mu.Unlock()

	telemetry.RecordHandleRelease(context.Background(), live)
	r.logger.Debug("handle released", "id", h.id, "mime", h.mime, "size", len(h.data))
	return nil
}

// Live reports the number of unreleased handles.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// ServeHTTP serves a live handle's payload. The handle id is taken from the
// "id" path value; released or unknown handles are 404.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	telemetry.SetSurface(req, "blob")
	telemetry.SetCacheResult(req, telemetry.CacheNA)

	h, err := r.Open(req.PathValue("id"))
	if err != nil {
		http.NotFound(w, req)
		return
	}

	w.Header().Set("Content-Type", h.mime)
	w.Header().Set("Content-Length", strconv.Itoa(len(h.data)))
	w.Header().Set("Cache-Control", "private, max-age=3600, immutable")
	if req.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(h.data); err != nil {
		r.logger.Debug("failed to write handle payload", "id", h.id, "error", err)
	}
}
