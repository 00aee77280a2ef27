// Package thumbnail captures a single preview frame from a video and
// registers it as a JPEG handle.
package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	"github.com/nfnt/resize"
	"github.com/wolfeidau/mintcache/handle"
	"github.com/wolfeidau/mintcache/telemetry"
)

const (
	// DefaultDeadline bounds a whole generation.
	DefaultDeadline = 10 * time.Second
	// DefaultMaxWidth and DefaultMaxHeight bound the encoded thumbnail.
	DefaultMaxWidth  = 320
	DefaultMaxHeight = 320
	// DefaultSeek is the near-zero timestamp of the captured frame.
	DefaultSeek = 100 * time.Millisecond
	// DefaultQuality is the JPEG quality of the thumbnail.
	DefaultQuality = 80
)

// ErrTimeout is returned when the deadline elapses before a frame is captured.
var ErrTimeout = errors.New("thumbnail deadline exceeded")

// State is a step of one generation.
type State uint8

const (
	Idle State = iota
	Decoding
	Seeking
	Captured
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Decoding:
		return "decoding"
	case Seeking:
		return "seeking"
	case Captured:
		return "captured"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Metadata describes a video stream.
type Metadata struct {
	Duration time.Duration
	Width    int
	Height   int
}

// Source decodes frames from one video.
type Source interface {
	LoadMetadata(ctx context.Context) (Metadata, error)
	Seek(ctx context.Context, at time.Duration) error
	Frame(ctx context.Context) (image.Image, error)
}

// OpenFunc opens a Source for a locator.
type OpenFunc func(locator string) Source

// Generator runs the capture state machine.
type Generator struct {
	handles  *handle.Registry
	open     OpenFunc
	deadline time.Duration
	maxW     uint
	maxH     uint
	seek     time.Duration
	quality  int
	logger   *slog.Logger
	onState  func(locator string, s State)
}

// Option configures a Generator.
type Option func(*Generator)

// WithLogger sets the logger for the generator.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		g.logger = logger
	}
}

// WithDeadline overrides the generation deadline.
func WithDeadline(d time.Duration) Option {
	return func(g *Generator) {
		g.deadline = d
	}
}

// WithOpener sets how locators are turned into Sources.
func WithOpener(open OpenFunc) Option {
	return func(g *Generator) {
		g.open = open
	}
}

// WithMaxSize bounds the thumbnail dimensions.
func WithMaxSize(w, h uint) Option {
	return func(g *Generator) {
		g.maxW, g.maxH = w, h
	}
}

// WithStateHook is called on every state transition.
func WithStateHook(fn func(locator string, s State)) Option {
	return func(g *Generator) {
		g.onState = fn
	}
}

// New creates a Generator. Without WithOpener, sources are read with ffmpeg.
func New(handles *handle.Registry, opts ...Option) *Generator {
	g := &Generator{
		handles:  handles,
		open:     FFmpeg{}.Open,
		deadline: DefaultDeadline,
		maxW:     DefaultMaxWidth,
		maxH:     DefaultMaxHeight,
		seek:     DefaultSeek,
		quality:  DefaultQuality,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Deadline reports the configured generation deadline.
func (g *Generator) Deadline() time.Duration { return g.deadline }

type captureResult struct {
	data []byte
	err  error
}

// Generate captures a thumbnail for the video at locator and registers it as
// a handle.
func (g *Generator) Generate(ctx context.Context, locator string) (*handle.Handle, error) {
	data, err := g.Capture(ctx, locator)
	if err != nil {
		return nil, err
	}
	return g.handles.Create(data, "image/jpeg"), nil
}

// Capture returns a JPEG thumbnail of the video at locator. It returns
// within the deadline even if the Source never answers; the abandoned decode
// is left to observe the cancelled context.
func (g *Generator) Capture(ctx context.Context, locator string) ([]byte, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, g.deadline)
	defer cancel()

	r := &run{g: g, locator: locator}
	r.to(Idle)
	done := make(chan captureResult, 1)
	go func() {
		data, err := r.capture(ctx)
		done <- captureResult{data, err}
	}()

	var res captureResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	if res.err != nil {
		outcome := "failed"
		err := res.err
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
			err = ErrTimeout
		}
		r.to(Failed)
		telemetry.RecordThumbnail(ctx, outcome, time.Since(start))
		g.logger.Debug("thumbnail failed", "locator", locator, "outcome", outcome, "error", res.err)
		return nil, err
	}

	r.to(Done)
	telemetry.RecordThumbnail(ctx, "captured", time.Since(start))
	return res.data, nil
}

// run is one generation. Transitions after a terminal state are dropped so
// an abandoned decode cannot move a failed run forward.
type run struct {
	g       *Generator
	locator string

	mu    sync.Mutex
	state State
}

func (r *run) to(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Done || r.state == Failed {
		return false
	}
	r.state = s
	if r.g.onState != nil {
		r.g.onState(r.locator, s)
	}
	return true
}

func (r *run) capture(ctx context.Context) ([]byte, error) {
	g := r.g
	src := g.open(r.locator)

	r.to(Decoding)
	meta, err := src.LoadMetadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}

	r.to(Seeking)
	at := g.seek
	if meta.Duration > 0 && at > meta.Duration/2 {
		at = meta.Duration / 2
	}
	if err := src.Seek(ctx, at); err != nil {
		return nil, fmt.Errorf("seek: %w", err)
	}
	frame, err := src.Frame(ctx)
	if err != nil {
		return nil, fmt.Errorf("frame: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if !r.to(Captured) {
		return nil, context.DeadlineExceeded
	}
	return g.encode(frame)
}

// encode draws frame onto an RGBA surface, scales it into the bounds and
// encodes it as JPEG.
func (g *Generator) encode(frame image.Image) ([]byte, error) {
	b := frame.Bounds()
	if b.Empty() {
		return nil, errors.New("empty frame")
	}
	surface := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(surface, surface.Bounds(), frame, b.Min, draw.Src)

	thumb := resize.Thumbnail(g.maxW, g.maxH, surface, resize.Lanczos3)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: g.quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
