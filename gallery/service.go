// Package gallery sequences page resolution, token materialization, MIME
// lookup and content loading into the views a client renders.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/mintcache"
	"github.com/wolfeidau/mintcache/cache"
	"github.com/wolfeidau/mintcache/content"
	"github.com/wolfeidau/mintcache/handle"
	"github.com/wolfeidau/mintcache/ledger"
	"github.com/wolfeidau/mintcache/materialize"
	"github.com/wolfeidau/mintcache/paginate"
)

const (
	// DefaultLoadConcurrency bounds content loads per page.
	DefaultLoadConcurrency = 8

	// fallbackMIME is used when the search API has no type for a content id.
	fallbackMIME = "application/octet-stream"
)

// Pager resolves the token ids of a page.
type Pager interface {
	Resolve(ctx context.Context, req mintcache.PageRequest) (*paginate.Page, error)
}

// Materializer turns token ids into records.
type Materializer interface {
	Materialize(ctx context.Context, reqs []materialize.Request) ([]mintcache.TokenRecord, error)
}

// ContentCache loads and memoizes content.
type ContentCache interface {
	Load(ctx context.Context, id mintcache.ContentID, mimeType, locator string) (*cache.Entry, error)
	AttachCover(id mintcache.ContentID, h *handle.Handle) *handle.Handle
	Invalidate(id mintcache.ContentID) bool
	Clear()
}

// URLResolver derives display URLs. A returned outcome is a cover extraction
// for the caller to record on the cache entry.
type URLResolver interface {
	URLs(ctx context.Context, id mintcache.ContentID, mimeType string, entry content.Loaded) (content.URLs, *content.CoverOutcome)
}

// MIMESource reports the declared MIME type of content ids.
type MIMESource interface {
	ContentTypes(ctx context.Context, ids []mintcache.ContentID) (map[mintcache.ContentID]string, error)
}

// Service builds views.
type Service struct {
	pager        Pager
	materializer Materializer
	cache        ContentCache
	resolver     URLResolver
	search       MIMESource
	balances     ledger.BalanceActor
	views        *Views
	logger       *slog.Logger
	now          func() time.Time
	concurrency  int
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithSearch sets where MIME types are looked up. Without it every item is
// treated as an opaque binary.
func WithSearch(m MIMESource) Option {
	return func(s *Service) {
		s.search = m
	}
}

// WithBalances fills token balances from b.
func WithBalances(b ledger.BalanceActor) Option {
	return func(s *Service) {
		s.balances = b
	}
}

// WithViews shares a view store.
func WithViews(v *Views) Option {
	return func(s *Service) {
		s.views = v
	}
}

func WithLoadConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithNow sets the clock for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func New(p Pager, m Materializer, c ContentCache, r URLResolver, opts ...Option) *Service {
	s := &Service{
		pager:        p,
		materializer: m,
		cache:        c,
		resolver:     r,
		views:        NewViews(),
		logger:       slog.Default(),
		now:          time.Now,
		concurrency:  DefaultLoadConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "gallery")
	return s
}

// Views returns the view store.
func (s *Service) Views() *Views {
	return s.views
}

// Browse resolves req into a view and commits it under the ticket's scope.
// A Loading view is committed first. Results for a stale ticket are returned
// but never committed. A failed page returns both the Failed view and the
// error.
func (s *Service) Browse(ctx context.Context, tk Ticket, req mintcache.PageRequest) (*View, error) {
	base := View{
		Scope:      tk.Scope(),
		Collection: req.Collection.String(),
		Principal:  string(req.Principal),
		Page:       req.Page,
		PageSize:   req.PageSize,
		Sort:       req.Sort.String(),
		Items:      []Item{},
	}
	s.commit(tk, base, Loading, nil)

	items, total, err := s.build(ctx, req)
	base.TotalCount = total
	switch {
	case err != nil:
		return s.commit(tk, base, Failed, err), err
	case len(items) == 0:
		return s.commit(tk, base, Empty, nil), nil
	default:
		base.Items = items
		return s.commit(tk, base, Ready, nil), nil
	}
}

func (s *Service) commit(tk Ticket, v View, state State, err error) *View {
	v.State = state
	v.UpdatedAt = s.now()
	if err != nil {
		v.Error = err.Error()
	}
	if !s.views.Commit(tk, &v) {
		s.logger.Debug("dropping stale view", "scope", tk.Scope(), "state", state.String())
	}
	return &v
}

func (s *Service) build(ctx context.Context, req mintcache.PageRequest) ([]Item, uint64, error) {
	page, err := s.pager.Resolve(ctx, req)
	if err != nil {
		return nil, 0, fmt.Errorf("resolving page: %w", err)
	}
	if len(page.TokenIDs) == 0 {
		return nil, page.TotalCount, nil
	}

	reqs := make([]materialize.Request, 0, len(page.TokenIDs))
	seen := make(map[string]struct{}, len(page.TokenIDs))
	for _, id := range page.TokenIDs {
		if _, dup := seen[id.String()]; dup {
			continue
		}
		seen[id.String()] = struct{}{}
		reqs = append(reqs, materialize.Request{
			TokenID:        id,
			Collection:     req.Collection,
			KnownPrincipal: req.Principal,
		})
	}

	records, err := s.materializer.Materialize(ctx, reqs)
	if err != nil {
		return nil, page.TotalCount, fmt.Errorf("materializing page: %w", err)
	}

	items := make([]Item, len(records))
	for i, rec := range records {
		items[i] = Item{Token: rec}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.fillBalances(gctx, items)
		return nil
	})
	g.Go(func() error {
		return s.fillContent(gctx, items)
	})
	if err := g.Wait(); err != nil {
		return nil, page.TotalCount, err
	}

	slices.SortStableFunc(items, func(a, b Item) int {
		return a.Token.OrderIndex - b.Token.OrderIndex
	})
	return items, page.TotalCount, nil
}

// fillBalances is best effort; a failed lookup leaves the balances unset.
func (s *Service) fillBalances(ctx context.Context, items []Item) {
	if s.balances == nil {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range items {
		g.Go(func() error {
			tok := items[i].Token
			b, err := s.balances.Balances(gctx, mintcache.Subaccount(tok.Collection, tok.TokenID))
			if err != nil {
				s.logger.Debug("balance lookup failed", "token_id", tok.TokenID.String(), "error", err)
				return nil
			}
			items[i].Token.Balances = b
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) fillContent(ctx context.Context, items []Item) error {
	ids := make([]mintcache.ContentID, 0, len(items))
	for _, it := range items {
		if it.Token.ContentID != "" {
			ids = append(ids, it.Token.ContentID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	mimes := map[mintcache.ContentID]string{}
	if s.search != nil {
		m, err := s.search.ContentTypes(ctx, ids)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			s.logger.Warn("content type lookup failed", "ids", len(ids), "error", err)
		} else {
			mimes = m
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range items {
		id := items[i].Token.ContentID
		if id == "" {
			continue
		}
		mimeType := mimes[id]
		if mimeType == "" {
			mimeType = fallbackMIME
		}
		g.Go(func() error {
			entry, err := s.cache.Load(gctx, id, mimeType, id.String())
			if err != nil {
				return err
			}
			urls, outcome := s.resolver.URLs(gctx, id, mimeType, entry)
			if outcome != nil {
				urls = urls.WithCover(s.cache.AttachCover(id, outcome.Cover))
			}
			items[i].MIME = mimeType
			items[i].URLs = urls
			items[i].Content = entry
			return nil
		})
	}
	return g.Wait()
}

// InvalidateContent drops a cached entry so the next load starts clean.
func (s *Service) InvalidateContent(id mintcache.ContentID) bool {
	return s.cache.Invalidate(id)
}

// ClearContentCache releases every cached entry.
func (s *Service) ClearContentCache() {
	s.cache.Clear()
}
