// Package download provides singleflight-based deduplication for concurrent
// content fetches. When several loads arrive for the same uncached content
// id, only one upstream fetch is performed and every caller shares it.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/wolfeidau/mintcache"
	"golang.org/x/sync/singleflight"
)

// ErrTooLarge is returned by Collect when the body exceeds its limit.
var ErrTooLarge = errors.New("payload exceeds size limit")

// Result holds a fetched payload.
type Result struct {
	Hash        mintcache.Hash
	Size        int64
	ContentType string
	Data        []byte
}

// DownloadFunc fetches the payload for a key.
// The context passed to DownloadFunc is detached from any single caller so
// that one caller timing out does not cancel the download for other waiters.
type DownloadFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent downloads for the same key using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight download for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do deduplicates concurrent downloads for the same key.
// Returns the result, whether it was shared with another caller, and any error.
// Callers that share a result must treat Data as read-only.
//
// If the caller's context expires before the download completes, Do returns
// the context error but the in-flight download continues for other waiters.
func (d *Downloader) Do(ctx context.Context, key string, fn DownloadFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group, so the next call starts
// a fresh download instead of joining the one in flight.
func (d *Downloader) Forget(key string) {
	d.group.Forget(key)
}

// Collect reads r fully into a Result, hashing the payload. Bodies larger
// than limit bytes fail with ErrTooLarge; a limit <= 0 disables the check.
func Collect(r io.Reader, contentType string, limit int64) (*Result, error) {
	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return &Result{
		Hash:        mintcache.HashBytes(data),
		Size:        int64(len(data)),
		ContentType: contentType,
		Data:        data,
	}, nil
}
