// Package paginate resolves a page of token ids over a ledger that only
// offers forward cursor enumeration, using as few ledger calls as it can.
package paginate

import (
	"context"
	"log/slog"
	"slices"

	"github.com/wolfeidau/mintcache"
	"github.com/wolfeidau/mintcache/ledger"
	"github.com/wolfeidau/mintcache/telemetry"
)

const (
	// DefaultSmallThreshold is the largest total count served by a single
	// fetch-all call.
	DefaultSmallThreshold = 500
	// DefaultWalkBatch is the cursor walk step of the large path.
	DefaultWalkBatch = 100
)

// Page is one resolved page of token ids, in display order.
type Page struct {
	TokenIDs   []mintcache.TokenID `json:"token_ids"`
	TotalCount uint64              `json:"total_count"`
}

// Empty reports whether the collection (or the principal's holdings) has no
// tokens at all. A page past the end of a non-empty collection is not Empty.
func (p *Page) Empty() bool {
	return p.TotalCount == 0
}

// Paginator resolves PageRequests against a Ledger.
type Paginator struct {
	ledger         ledger.Ledger
	logger         *slog.Logger
	smallThreshold uint64
	walkBatch      int
}

// Option configures a Paginator.
type Option func(*Paginator)

// WithLogger sets the logger for the paginator.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Paginator) {
		p.logger = logger
	}
}

// WithSmallThreshold sets the largest total served by the fetch-all path.
func WithSmallThreshold(n uint64) Option {
	return func(p *Paginator) {
		p.smallThreshold = n
	}
}

// WithWalkBatch sets the cursor walk step of the large path.
func WithWalkBatch(n int) Option {
	return func(p *Paginator) {
		if n > 0 {
			p.walkBatch = n
		}
	}
}

// New creates a Paginator over l.
func New(l ledger.Ledger, opts ...Option) *Paginator {
	p := &Paginator{
		ledger:         l,
		logger:         slog.Default(),
		smallThreshold: DefaultSmallThreshold,
		walkBatch:      DefaultWalkBatch,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// resolution tracks one Resolve call.
type resolution struct {
	p     *Paginator
	req   mintcache.PageRequest
	calls int
	stale bool
}

// Resolve returns the token ids on the requested page. Any ledger failure
// aborts with an *mintcache.EnumerationError; cursor progress is discarded.
func (p *Paginator) Resolve(ctx context.Context, req mintcache.PageRequest) (*Page, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	res := &resolution{p: p, req: req}

	total, err := res.total(ctx)
	if err != nil {
		return nil, err
	}

	if total == 0 {
		telemetry.RecordPageResolution(ctx, "empty", res.calls, false)
		return &Page{TokenIDs: []mintcache.TokenID{}, TotalCount: 0}, nil
	}
	if pastEnd(req.Page, req.PageSize, total) {
		telemetry.RecordPageResolution(ctx, "past_end", res.calls, false)
		return &Page{TokenIDs: []mintcache.TokenID{}, TotalCount: total}, nil
	}

	var (
		ids  []mintcache.TokenID
		path string
	)
	if total <= p.smallThreshold {
		path = "small"
		ids, err = res.small(ctx, total)
	} else {
		path = "large"
		if req.Sort == mintcache.NewestFirst {
			ids, err = res.largeNewest(ctx, total)
		} else {
			ids, err = res.largeOldest(ctx, total)
		}
	}
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []mintcache.TokenID{}
	}

	telemetry.RecordPageResolution(ctx, path, res.calls, res.stale)
	p.logger.Debug("page resolved",
		"collection", req.Collection.String(),
		"filtered", req.Filtered(),
		"page", req.Page,
		"page_size", req.PageSize,
		"sort", req.Sort.String(),
		"total", total,
		"path", path,
		"ledger_calls", res.calls,
		"returned", len(ids),
	)

	return &Page{TokenIDs: ids, TotalCount: total}, nil
}

func (r *resolution) total(ctx context.Context) (uint64, error) {
	if r.req.KnownTotal != nil {
		return *r.req.KnownTotal, nil
	}

	r.calls++
	if !r.req.Filtered() {
		n, err := r.p.ledger.TotalSupply(ctx, r.req.Collection)
		if err != nil {
			return 0, &mintcache.EnumerationError{Op: ledger.MethodTotalSupply, Collection: r.req.Collection, Err: err}
		}
		return n, nil
	}
	n, err := r.p.ledger.BalanceOf(ctx, r.req.Collection, r.req.Principal)
	if err != nil {
		return 0, &mintcache.EnumerationError{Op: ledger.MethodBalanceOf, Collection: r.req.Collection, Err: err}
	}
	return n, nil
}

func (r *resolution) tokensOf(ctx context.Context, cursor *mintcache.TokenID, limit int) ([]mintcache.TokenID, error) {
	r.calls++
	ids, err := r.p.ledger.TokensOf(ctx, r.req.Collection, r.req.Principal, cursor, limit)
	if err != nil {
		return nil, &mintcache.EnumerationError{Op: ledger.MethodTokensOf, Collection: r.req.Collection, Err: err}
	}
	return ids, nil
}

// markStale records that the ledger returned fewer tokens than the total
// count implied. The page is served from what was returned.
func (r *resolution) markStale(skip, got int) {
	r.stale = true
	r.p.logger.Debug("stale total count",
		"collection", r.req.Collection.String(),
		"page", r.req.Page,
		"expected", skip,
		"returned", got,
	)
}

// small fetches every token once and slices the page in memory.
func (r *resolution) small(ctx context.Context, total uint64) ([]mintcache.TokenID, error) {
	all, err := r.tokensOf(ctx, nil, int(total))
	if err != nil {
		return nil, err
	}
	if len(all) < int(total) {
		r.markStale(int(total), len(all))
	}
	if r.req.Sort == mintcache.NewestFirst {
		slices.Reverse(all)
	}

	start := pageStart(r.req.Page, r.req.PageSize)
	if start >= uint64(len(all)) {
		return []mintcache.TokenID{}, nil
	}
	end := min(int(start)+r.req.PageSize, len(all))
	return slices.Clone(all[start:end]), nil
}

// largeOldest walks the cursor forward to the page start, then fetches the page.
func (r *resolution) largeOldest(ctx context.Context, total uint64) ([]mintcache.TokenID, error) {
	size := r.req.PageSize
	if pageStart(r.req.Page, size) >= total {
		return []mintcache.TokenID{}, nil
	}
	start := int(pageStart(r.req.Page, size))

	var cursor *mintcache.TokenID
	for pos := 0; pos < start; {
		batch := min(start-pos, r.p.walkBatch)
		got, err := r.tokensOf(ctx, cursor, batch)
		if err != nil {
			return nil, err
		}
		if len(got) < batch {
			// Enumeration ended before the page start: the tail is all there is.
			r.markStale(start, pos+len(got))
			return tail(got, size), nil
		}
		last := got[len(got)-1]
		cursor = &last
		pos += len(got)
	}

	return r.tokensOf(ctx, cursor, size)
}

// largeNewest fetches the prefix before the page to establish a cursor and
// then the page itself, reversed so the newest token is first.
func (r *resolution) largeNewest(ctx context.Context, total uint64) ([]mintcache.TokenID, error) {
	size := r.req.PageSize
	before := pageStart(r.req.Page, size)
	if before >= total {
		return []mintcache.TokenID{}, nil
	}

	if total-before <= uint64(size) {
		remainder := int(total % uint64(size))
		if remainder == 0 {
			remainder = size
		}
		ids, err := r.tokensOf(ctx, nil, remainder)
		if err != nil {
			return nil, err
		}
		slices.Reverse(ids)
		return ids, nil
	}

	skip := int(total - before - uint64(size))
	prefix, err := r.tokensOf(ctx, nil, skip)
	if err != nil {
		return nil, err
	}
	if len(prefix) < skip {
		r.markStale(skip, len(prefix))
		slices.Reverse(prefix)
		return prefix[:min(size, len(prefix))], nil
	}

	cursor := prefix[len(prefix)-1]
	ids, err := r.tokensOf(ctx, &cursor, size)
	if err != nil {
		return nil, err
	}
	slices.Reverse(ids)
	return ids, nil
}

// pastEnd reports whether page starts at or beyond total. Callers have
// validated page and size as positive.
func pastEnd(page, size int, total uint64) bool {
	pages := total / uint64(size)
	if total%uint64(size) != 0 {
		pages++
	}
	return uint64(page-1) >= pages
}

// pageStart is the zero-based offset of page. Only meaningful once pastEnd
// has ruled out offsets beyond the total.
func pageStart(page, size int) uint64 {
	return uint64(page-1) * uint64(size)
}

func tail(ids []mintcache.TokenID, n int) []mintcache.TokenID {
	if len(ids) <= n {
		return ids
	}
	return ids[len(ids)-n:]
}
