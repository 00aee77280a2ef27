package content

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/wolfeidau/mintcache"
	"github.com/wolfeidau/mintcache/download"
	"github.com/wolfeidau/mintcache/handle"
)

// DefaultGateway is the permanent-storage gateway used for raw addresses.
const DefaultGateway = "https://arweave.net"

// maxEbookSize bounds an EPUB fetched only to find its cover.
const maxEbookSize = 128 << 20

// URLs are the addresses displayed for one content id.
type URLs struct {
	Thumbnail string `json:"thumbnail_url"`
	Cover     string `json:"cover_url"`
	Full      string `json:"full_url"`
}

// WithCover points the thumbnail and cover at h, or clears them when h is nil.
func (u URLs) WithCover(h *handle.Handle) URLs {
	if h == nil {
		u.Thumbnail, u.Cover = "", ""
		return u
	}
	u.Thumbnail, u.Cover = h.URL(), h.URL()
	return u
}

// CoverOutcome is an EPUB cover extraction for the caller to record on the
// cache entry. A nil Cover means the EPUB yielded no cover.
type CoverOutcome struct {
	Cover *handle.Handle
}

// Fetcher retrieves content bytes by locator (a content id or URL).
type Fetcher interface {
	Fetch(ctx context.Context, locator string) (io.ReadCloser, string, error)
}

// Loaded is the decoded state of a cache entry the resolver reads.
type Loaded interface {
	PayloadHandle() *handle.Handle
	ThumbnailHandle() *handle.Handle
	// CoverAttempted reports whether cover extraction already ran for the
	// entry, whatever its result.
	CoverAttempted() bool
}

// Resolver derives display URLs per content category.
type Resolver struct {
	gateway      string
	documentIcon string
	fetcher      Fetcher
	handles      *handle.Registry
	covers       *download.Downloader
	logger       *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithGateway sets the gateway base used for raw addresses.
func WithGateway(gateway string) ResolverOption {
	return func(r *Resolver) {
		r.gateway = strings.TrimRight(gateway, "/")
	}
}

// WithDocumentIcon sets the thumbnail shown for documents.
func WithDocumentIcon(url string) ResolverOption {
	return func(r *Resolver) {
		r.documentIcon = url
	}
}

// WithFetcher sets the fetcher used to download EPUBs without a payload.
func WithFetcher(f Fetcher) ResolverOption {
	return func(r *Resolver) {
		r.fetcher = f
	}
}

// WithResolverLogger sets the logger for the resolver.
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver creates a Resolver registering extracted covers in handles.
func NewResolver(handles *handle.Registry, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		gateway: DefaultGateway,
		handles: handles,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.covers = download.New(download.WithLogger(r.logger))
	return r
}

// RawURL is the canonical gateway address of id.
func (r *Resolver) RawURL(id mintcache.ContentID) string {
	return r.gateway + "/" + id.String()
}

// URLs derives the display addresses for id. entry may be nil.
//
// For an EPUB whose entry has neither a thumbnail nor a prior extraction
// attempt, the cover is extracted and registered as a new handle. The
// outcome is returned so the caller can record it on the cache entry; it is
// nil when there is nothing to record. Concurrent extractions for one id
// share a single fetch.
func (r *Resolver) URLs(ctx context.Context, id mintcache.ContentID, mimeType string, entry Loaded) (URLs, *CoverOutcome) {
	raw := r.RawURL(id)
	urls := URLs{Full: raw}

	var payload, thumb *handle.Handle
	attempted := false
	if entry != nil {
		payload = entry.PayloadHandle()
		thumb = entry.ThumbnailHandle()
		attempted = entry.CoverAttempted()
	}

	switch Classify(mimeType) {
	case Image:
		src := raw
		if payload != nil {
			src = payload.URL()
		}
		urls.Thumbnail, urls.Cover = src, src
	case Video:
		if thumb != nil {
			urls = urls.WithCover(thumb)
		}
	case Document:
		urls.Thumbnail, urls.Cover = r.documentIcon, r.documentIcon
	case Ebook:
		if thumb != nil {
			return urls.WithCover(thumb), nil
		}
		if attempted {
			return urls, nil
		}
		cover, err := r.covers.Do(ctx, coverKey(id), func(ctx context.Context) (*download.Result, error) {
			return r.ebookCover(ctx, id, payload)
		})
		if err != nil {
			if ctx.Err() != nil {
				return urls, nil
			}
			r.logger.Debug("no ebook cover", "content_id", id.String(), "error", err)
			return urls, &CoverOutcome{}
		}
		h := r.handles.Create(cover.Data, cover.ContentType)
		return urls.WithCover(h), &CoverOutcome{Cover: h}
	}
	return urls, nil
}

func coverKey(id mintcache.ContentID) string {
	return "cover/" + id.String()
}

func (r *Resolver) ebookCover(ctx context.Context, id mintcache.ContentID, payload *handle.Handle) (*download.Result, error) {
	var data []byte
	switch {
	case payload != nil:
		data = payload.Bytes()
	case r.fetcher == nil:
		return nil, fmt.Errorf("no payload and no fetcher for %s", id)
	default:
		rc, contentType, err := r.fetcher.Fetch(ctx, id.String())
		if err != nil {
			return nil, fmt.Errorf("fetch epub: %w", err)
		}
		defer func() { _ = rc.Close() }()

		res, err := download.Collect(rc, contentType, maxEbookSize)
		if err != nil {
			return nil, fmt.Errorf("fetch epub: %w", err)
		}
		data = res.Data
	}

	cover, err := ExtractCover(data)
	if err != nil {
		return nil, err
	}
	return &download.Result{
		Hash:        mintcache.HashBytes(cover.Data),
		Size:        int64(len(cover.Data)),
		ContentType: cover.MIME,
		Data:        cover.Data,
	}, nil
}
