package backend

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/wolfeidau/mintcache/telemetry"
)

// InstrumentedBackend records a backend operation metric for every call on
// the wrapped FramedBackend.
type InstrumentedBackend struct {
	backend FramedBackend
	name    string
}

func NewInstrumentedBackend(b FramedBackend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	telemetry.RecordBackendOp(ctx, ib.name, "write", outcomeFromError(err), time.Since(start), cr.n)
	return err
}

// Read records bytes transferred when the returned reader is closed.
func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	if err != nil {
		telemetry.RecordBackendOp(ctx, ib.name, "read", outcomeFromError(err), time.Since(start), 0)
		return nil, err
	}
	return ib.countingCloser(ctx, "read", start, rc), nil
}

func (ib *InstrumentedBackend) WriteFramed(ctx context.Context, key string, header *BlobHeader, body io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: body}
	err := ib.backend.WriteFramed(ctx, key, header, cr)
	telemetry.RecordBackendOp(ctx, ib.name, "write_framed", outcomeFromError(err), time.Since(start), cr.n)
	return err
}

func (ib *InstrumentedBackend) ReadFramed(ctx context.Context, key string) (*BlobHeader, io.ReadCloser, error) {
	start := time.Now()
	header, rc, err := ib.backend.ReadFramed(ctx, key)
	if err != nil {
		telemetry.RecordBackendOp(ctx, ib.name, "read_framed", outcomeFromError(err), time.Since(start), 0)
		return nil, nil, err
	}
	return header, ib.countingCloser(ctx, "read_framed", start, rc), nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := ib.backend.Exists(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "exists", outcomeFromError(err), time.Since(start), 0)
	return ok, err
}

func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.List(ctx, prefix)
	telemetry.RecordBackendOp(ctx, ib.name, "list", outcomeFromError(err), time.Since(start), 0)
	return keys, err
}

// Size returns ErrNotFound when the wrapped backend cannot report sizes.
func (ib *InstrumentedBackend) Size(ctx context.Context, key string) (int64, error) {
	sb, ok := ib.backend.(SizeAwareBackend)
	if !ok {
		return 0, ErrNotFound
	}
	start := time.Now()
	size, err := sb.Size(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "size", outcomeFromError(err), time.Since(start), 0)
	return size, err
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() FramedBackend {
	return ib.backend
}

func (ib *InstrumentedBackend) countingCloser(ctx context.Context, op string, start time.Time, rc io.ReadCloser) io.ReadCloser {
	return &countingReadCloser{
		countingReader: countingReader{r: rc},
		closer:         rc,
		done: func(n int64) {
			telemetry.RecordBackendOp(ctx, ib.name, op, "success", time.Since(start), n)
		},
	}
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

type countingReadCloser struct {
	countingReader
	closer io.Closer
	once   sync.Once
	done   func(n int64)
}

func (c *countingReadCloser) Close() error {
	c.once.Do(func() { c.done(c.n) })
	return c.closer.Close()
}

var (
	_ SizeAwareBackend = (*InstrumentedBackend)(nil)
	_ FramedBackend    = (*InstrumentedBackend)(nil)
)
