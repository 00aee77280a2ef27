// Package cache memoizes decoded content per content id. Entries hold
// native handles which are released exactly once, when the entry is evicted,
// invalidated or cleared.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/net/html/charset"

	"github.com/wolfeidau/mintcache"
	"github.com/wolfeidau/mintcache/content"
	"github.com/wolfeidau/mintcache/download"
	"github.com/wolfeidau/mintcache/handle"
	"github.com/wolfeidau/mintcache/store"
	"github.com/wolfeidau/mintcache/telemetry"
)

const (
	// DefaultCapacity bounds the number of cached entries.
	DefaultCapacity = 100

	// DefaultMaxPayloadSize caps a fetched payload (64 MiB).
	DefaultMaxPayloadSize = 64 << 20
)

// ErrNoFetcher is stored as the entry error when a payload is needed but no
// fetcher was configured.
var ErrNoFetcher = errors.New("no content fetcher configured")

// Eviction reasons reported to telemetry.
const (
	reasonCapacity    = "capacity"
	reasonInvalidated = "invalidated"
	reasonCleared     = "cleared"
)

// Thumbnailer captures a JPEG preview of the video at a URL.
type Thumbnailer interface {
	Capture(ctx context.Context, locator string) ([]byte, error)
}

// PayloadStore is a persistent tier consulted before the network.
type PayloadStore interface {
	Get(ctx context.Context, id mintcache.ContentID) (*store.Payload, error)
	Put(ctx context.Context, id mintcache.ContentID, contentType string, data []byte) error
}

// Cache is a bounded LRU of content entries. Concurrent loads of the same id
// share one fetch; the first completed result is cached.
type Cache struct {
	handles    *handle.Registry
	fetcher    content.Fetcher
	thumbs     Thumbnailer
	store      PayloadStore
	locate     func(locator string) string
	downloads  *download.Downloader
	logger     *slog.Logger
	now        func() time.Time
	capacity   int
	maxPayload int64
	async      bool

	mu     sync.Mutex
	lru    *lru.Cache[mintcache.ContentID, *Entry]
	reason string

	bg   context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// Option configures a Cache.
type Option func(*Cache)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

func WithCapacity(n int) Option {
	return func(c *Cache) {
		c.capacity = n
	}
}

// WithFetcher sets where image and text payloads are fetched from.
func WithFetcher(f content.Fetcher) Option {
	return func(c *Cache) {
		c.fetcher = f
	}
}

// WithThumbnailer enables video thumbnails.
func WithThumbnailer(t Thumbnailer) Option {
	return func(c *Cache) {
		c.thumbs = t
	}
}

// WithStore adds a persistent payload tier.
func WithStore(s PayloadStore) Option {
	return func(c *Cache) {
		c.store = s
	}
}

// WithLocator maps a source locator to the absolute URL recorded as the
// entry's raw location and handed to the thumbnailer.
func WithLocator(fn func(locator string) string) Option {
	return func(c *Cache) {
		c.locate = fn
	}
}

// WithAsyncThumbnails makes video loads return before the thumbnail is
// captured. The thumbnail is attached later through UpdateThumbnail.
func WithAsyncThumbnails() Option {
	return func(c *Cache) {
		c.async = true
	}
}

func WithMaxPayloadSize(n int64) Option {
	return func(c *Cache) {
		c.maxPayload = n
	}
}

// WithNow sets the clock for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache whose native handles are registered with handles.
func New(handles *handle.Registry, opts ...Option) (*Cache, error) {
	c := &Cache{
		handles:    handles,
		locate:     func(l string) string { return l },
		logger:     slog.Default(),
		now:        time.Now,
		capacity:   DefaultCapacity,
		maxPayload: DefaultMaxPayloadSize,
		reason:     reasonCapacity,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "cache")
	c.downloads = download.New(download.WithLogger(c.logger))

	l, err := lru.NewWithEvict[mintcache.ContentID, *Entry](c.capacity, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("creating lru: %w", err)
	}
	c.lru = l
	c.bg, c.stop = context.WithCancel(context.Background())
	return c, nil
}

// Load returns the entry for id, loading it on first use. Fetch and decode
// failures are cached as a failed entry rather than returned; the only error
// is the caller's context ending before the entry is available.
func (c *Cache) Load(ctx context.Context, id mintcache.ContentID, mimeType, locator string) (*Entry, error) {
	cat := content.Classify(mimeType)

	c.mu.Lock()
	e, ok := c.lru.Get(id)
	c.mu.Unlock()
	if ok {
		telemetry.RecordContentLoad(ctx, "hit", cat.String())
		return e, nil
	}

	if locator == "" {
		locator = id.String()
	}

	var (
		payload *download.Result
		thumb   []byte
		loadErr error
		shared  bool
	)
	switch cat {
	case content.Image, content.Text:
		res, sh, err := c.downloads.Do(ctx, payloadKey(id), func(dctx context.Context) (*download.Result, error) {
			return c.fetchPayload(dctx, id, locator)
		})
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		payload, shared, loadErr = res, sh, err
	case content.Video:
		if !c.async {
			data, sh, err := c.captureThumbnail(ctx, id, locator)
			if err != nil {
				return nil, err
			}
			thumb, shared = data, sh
		}
	}

	e, inserted := c.insert(id, mimeType, cat, locator, payload, thumb, loadErr)

	switch {
	case !inserted || shared:
		telemetry.RecordContentLoad(ctx, "coalesced", cat.String())
	case e.Failed():
		telemetry.RecordContentLoad(ctx, "error", cat.String())
	default:
		telemetry.RecordContentLoad(ctx, "miss", cat.String())
	}

	if inserted && cat == content.Video && c.async && c.thumbs != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.thumbnailLater(id, locator)
		}()
	}
	return e, nil
}

// Peek returns the cached entry for id without loading it or changing its
// recency.
func (c *Cache) Peek(id mintcache.ContentID) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Peek(id)
}

// Invalidate removes id and releases its handles. It reports whether an
// entry was present.
func (c *Cache) Invalidate(id mintcache.ContentID) bool {
	c.mu.Lock()
	c.reason = reasonInvalidated
	present := c.lru.Remove(id)
	c.reason = reasonCapacity
	n := c.lru.Len()
	c.mu.Unlock()

	c.downloads.Forget(payloadKey(id))
	c.downloads.Forget(thumbnailKey(id))
	telemetry.UpdateContentEntries(context.Background(), n)
	if present {
		c.logger.Debug("invalidated", "content_id", id.String())
	}
	return present
}

// UpdateThumbnail attaches h to the entry for id, releasing any thumbnail it
// replaces. When the entry is gone h is released immediately and false is
// returned.
func (c *Cache) UpdateThumbnail(id mintcache.ContentID, h *handle.Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(id)
	if !ok {
		c.release(h)
		return false
	}
	if old := e.setThumbnail(h); old != nil && old != h {
		c.release(old)
	}
	return true
}

// AttachCover records an EPUB cover extraction for id. h may be nil when
// extraction found no cover; later renders then skip extraction. A cover
// attached first is kept and h released, so a URL already handed out stays
// valid. The returned handle is the entry's thumbnail afterwards, nil when
// there is none or the entry is gone.
func (c *Cache) AttachCover(id mintcache.ContentID, h *handle.Handle) *handle.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(id)
	if !ok {
		if h != nil {
			c.release(h)
		}
		return nil
	}
	kept := e.attachCover(h)
	if h != nil && kept != h {
		c.release(h)
	}
	return kept
}

// Clear releases every handle and empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.reason = reasonCleared
	c.lru.Purge()
	c.reason = reasonCapacity
	c.mu.Unlock()

	telemetry.UpdateContentEntries(context.Background(), 0)
	c.logger.Debug("cleared")
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Wait blocks until pending asynchronous thumbnails have been attached.
func (c *Cache) Wait() {
	c.wg.Wait()
}

// Close abandons pending thumbnails and releases every handle.
func (c *Cache) Close() {
	c.stop()
	c.wg.Wait()
	c.Clear()
}

func (c *Cache) insert(id mintcache.ContentID, mimeType string, cat content.Category, locator string,
	payload *download.Result, thumb []byte, loadErr error,
) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.lru.Get(id); ok {
		return e, false
	}

	e := &Entry{
		ID:       id,
		MIME:     mimeType,
		Category: cat,
		LoadedAt: c.now(),
	}
	switch {
	case loadErr != nil:
		e.Err = loadErr
	case cat == content.Image:
		e.RawURL = c.locate(locator)
		e.Size = payload.Size
		mt := content.MediaType(mimeType)
		if mt == "" {
			mt = payload.ContentType
		}
		e.payload = c.handles.Create(payload.Data, mt)
	case cat == content.Text:
		text, err := decodeText(payload.Data, textContentType(mimeType, payload.ContentType))
		if err != nil {
			e.Err = err
			break
		}
		e.RawURL = c.locate(locator)
		e.Size = payload.Size
		e.Text = text
	default:
		e.RawURL = c.locate(locator)
		if thumb != nil {
			e.thumbnail = c.handles.Create(thumb, "image/jpeg")
		}
	}

	if e.Err != nil {
		c.logger.Warn("content load failed", "content_id", id.String(), "mime", mimeType, "error", e.Err)
	}

	c.lru.Add(id, e)
	telemetry.UpdateContentEntries(context.Background(), c.lru.Len())
	return e, true
}

// onEvict runs synchronously inside lru Add, Remove and Purge, all of which
// are called with c.mu held.
func (c *Cache) onEvict(id mintcache.ContentID, e *Entry) {
	payload, thumb := e.detach()
	c.release(payload)
	c.release(thumb)
	telemetry.RecordContentEviction(context.Background(), c.reason, c.lru.Len())
	c.logger.Debug("evicted", "content_id", id.String(), "reason", c.reason)
}

func (c *Cache) release(h *handle.Handle) {
	if err := c.handles.Release(h); err != nil {
		c.logger.Error("releasing handle", "handle", h.ID(), "error", err)
	}
}

func (c *Cache) fetchPayload(ctx context.Context, id mintcache.ContentID, locator string) (*download.Result, error) {
	if c.store != nil {
		p, err := c.store.Get(ctx, id)
		if err == nil {
			return &download.Result{
				Hash:        p.Hash,
				Size:        int64(len(p.Data)),
				ContentType: p.ContentType,
				Data:        p.Data,
			}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("store read failed", "content_id", id.String(), "error", err)
		}
	}

	if c.fetcher == nil {
		return nil, ErrNoFetcher
	}
	rc, contentType, err := c.fetcher.Fetch(ctx, locator)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", id, err)
	}
	defer func() { _ = rc.Close() }()

	res, err := download.Collect(rc, contentType, c.maxPayload)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", id, err)
	}

	if c.store != nil {
		if err := c.store.Put(ctx, id, contentType, res.Data); err != nil {
			c.logger.Warn("store write failed", "content_id", id.String(), "error", err)
		}
	}
	return res, nil
}

// captureThumbnail returns nil data when no thumbnail could be made. The
// only error is the caller's context ending.
func (c *Cache) captureThumbnail(ctx context.Context, id mintcache.ContentID, locator string) ([]byte, bool, error) {
	if c.thumbs == nil {
		return nil, false, nil
	}
	res, shared, err := c.downloads.Do(ctx, thumbnailKey(id), func(dctx context.Context) (*download.Result, error) {
		data, err := c.thumbs.Capture(dctx, c.locate(locator))
		if err != nil {
			c.logger.Info("no video thumbnail", "content_id", id.String(), "error", err)
			return &download.Result{}, nil
		}
		return &download.Result{
			Hash:        mintcache.HashBytes(data),
			Size:        int64(len(data)),
			ContentType: "image/jpeg",
			Data:        data,
		}, nil
	})
	if err != nil {
		return nil, false, err
	}
	return res.Data, shared, nil
}

func (c *Cache) thumbnailLater(id mintcache.ContentID, locator string) {
	data, _, err := c.captureThumbnail(c.bg, id, locator)
	if err != nil || data == nil {
		return
	}
	c.UpdateThumbnail(id, c.handles.Create(data, "image/jpeg"))
}

func payloadKey(id mintcache.ContentID) string   { return "payload/" + id.String() }
func thumbnailKey(id mintcache.ContentID) string { return "thumbnail/" + id.String() }

// textContentType prefers the declared type when it names a charset.
func textContentType(declared, fetched string) string {
	if content.Charset(declared) != "" || fetched == "" {
		return declared
	}
	return fetched
}

// decodeText converts data to UTF-8 using the charset named in contentType,
// or one sniffed from the bytes.
func decodeText(data []byte, contentType string) (string, error) {
	r, err := charset.NewReader(bytes.NewReader(data), contentType)
	if err != nil {
		return "", fmt.Errorf("decoding text: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("decoding text: %w", err)
	}
	return string(out), nil
}
