// Package materialize turns token ids into TokenRecords with resolved owners
// and linked content ids, batching ledger calls per collection.
package materialize

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wolfeidau/mintcache"
	"github.com/wolfeidau/mintcache/ledger"
	"github.com/wolfeidau/mintcache/telemetry"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBatchSize is the number of tokens resolved per batch.
	DefaultBatchSize = 10
	// DefaultConcurrency bounds the batches in flight.
	DefaultConcurrency = 4
)

// Request is one token to materialize. A non-empty KnownPrincipal is used as
// the owner without a lookup.
type Request struct {
	TokenID        mintcache.TokenID
	Collection     mintcache.Collection
	KnownPrincipal mintcache.Principal
}

// Materializer resolves token ids into records.
type Materializer struct {
	ledger      ledger.Ledger
	adapters    map[mintcache.Collection]Adapter
	logger      *slog.Logger
	batchSize   int
	concurrency int
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithLogger sets the logger for the materializer.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Materializer) {
		m.logger = logger
	}
}

// WithAdapter registers or replaces the adapter for its collection.
func WithAdapter(a Adapter) Option {
	return func(m *Materializer) {
		m.adapters[a.Collection()] = a
	}
}

// WithBatchSize sets the number of tokens per batch.
func WithBatchSize(n int) Option {
	return func(m *Materializer) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// WithConcurrency sets the number of batches resolved concurrently.
func WithConcurrency(n int) Option {
	return func(m *Materializer) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// New creates a Materializer over l with the default collection adapters.
func New(l ledger.Ledger, opts ...Option) *Materializer {
	m := &Materializer{
		ledger:      l,
		adapters:    make(map[mintcache.Collection]Adapter),
		logger:      slog.Default(),
		batchSize:   DefaultBatchSize,
		concurrency: DefaultConcurrency,
	}
	for _, a := range DefaultAdapters() {
		m.adapters[a.Collection()] = a
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Materialize resolves reqs in input order. Each record's OrderIndex is its
// position in reqs. Owner gaps degrade to an empty owner; a failed metadata
// call fails the whole call. When two tokens of one collection link the same
// content id, the first is kept.
func (m *Materializer) Materialize(ctx context.Context, reqs []Request) ([]mintcache.TokenRecord, error) {
	for _, r := range reqs {
		if _, ok := m.adapters[r.Collection]; !ok {
			return nil, fmt.Errorf("materialize: %w: %d", mintcache.ErrUnknownCollection, uint8(r.Collection))
		}
	}

	records := make([]mintcache.TokenRecord, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for start := 0; start < len(reqs); start += m.batchSize {
		end := min(start+m.batchSize, len(reqs))
		g.Go(func() error {
			return m.batch(gctx, reqs[start:end], start, records[start:end])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("materialize: %w", err)
	}

	return m.dedupe(records), nil
}

type contentKey struct {
	collection mintcache.Collection
	id         mintcache.ContentID
}

func (m *Materializer) dedupe(records []mintcache.TokenRecord) []mintcache.TokenRecord {
	seen := make(map[contentKey]mintcache.TokenID, len(records))
	out := records[:0]
	for _, rec := range records {
		if rec.ContentID != "" {
			k := contentKey{rec.Collection, rec.ContentID}
			if first, dup := seen[k]; dup {
				m.logger.Warn("duplicate content link dropped",
					"collection", rec.Collection.String(),
					"content_id", rec.ContentID.String(),
					"token_id", rec.TokenID.String(),
					"kept_token_id", first.String(),
				)
				continue
			}
			seen[k] = rec.TokenID
		}
		out = append(out, rec)
	}
	return out
}

// batch resolves one batch, grouping tokens by collection so each collection
// costs one owner lookup and one metadata call.
func (m *Materializer) batch(ctx context.Context, reqs []Request, offset int, out []mintcache.TokenRecord) error {
	groups := make(map[mintcache.Collection][]int)
	var order []mintcache.Collection
	for i, r := range reqs {
		if _, ok := groups[r.Collection]; !ok {
			order = append(order, r.Collection)
		}
		groups[r.Collection] = append(groups[r.Collection], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range order {
		positions := groups[c]
		g.Go(func() error {
			return m.collection(gctx, c, reqs, positions, offset, out)
		})
	}
	return g.Wait()
}

func (m *Materializer) collection(ctx context.Context, c mintcache.Collection, reqs []Request, positions []int, offset int, out []mintcache.TokenRecord) error {
	ids := make([]mintcache.TokenID, len(positions))
	owners := make([]mintcache.Principal, len(positions))
	var lookup []int // indexes into positions needing an owner lookup
	for i, p := range positions {
		ids[i] = reqs[p].TokenID
		if known := reqs[p].KnownPrincipal; known != "" {
			owners[i] = known
			continue
		}
		lookup = append(lookup, i)
	}

	g, gctx := errgroup.WithContext(ctx)
	var meta []ledger.Metadata
	g.Go(func() error {
		var err error
		meta, err = m.ledger.Metadata(gctx, c, ids)
		if err != nil {
			return &mintcache.EnumerationError{Op: ledger.MethodMetadata, Collection: c, Err: err}
		}
		return nil
	})
	if len(lookup) > 0 {
		g.Go(func() error {
			m.resolveOwners(gctx, c, ids, lookup, owners)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	adapter := m.adapters[c]
	for i, p := range positions {
		var md ledger.Metadata
		if i < len(meta) {
			md = meta[i]
		}
		rec := adapter.Adapt(ids[i], owners[i], md)
		rec.OrderIndex = offset + p
		out[p] = rec
	}
	return nil
}

// resolveOwners fills owners for the lookup positions. Gaps in the batched
// answer fall back to a single-token lookup, then to an empty owner.
func (m *Materializer) resolveOwners(ctx context.Context, c mintcache.Collection, ids []mintcache.TokenID, lookup []int, owners []mintcache.Principal) {
	batchIDs := make([]mintcache.TokenID, len(lookup))
	for j, i := range lookup {
		batchIDs[j] = ids[i]
	}

	answers, err := m.ledger.OwnerOf(ctx, c, batchIDs)
	if err != nil {
		m.logger.Warn("batch owner lookup failed, falling back per token",
			"collection", c.String(),
			"tokens", len(batchIDs),
			"error", err,
		)
		answers = nil
	}

	for j, i := range lookup {
		if j < len(answers) && answers[j] != nil && answers[j].Owner != "" {
			owners[i] = answers[j].Owner
			continue
		}
		owners[i] = m.ownerFallback(ctx, c, ids[i])
	}
}

func (m *Materializer) ownerFallback(ctx context.Context, c mintcache.Collection, id mintcache.TokenID) mintcache.Principal {
	answers, err := m.ledger.OwnerOf(ctx, c, []mintcache.TokenID{id})
	if err == nil && len(answers) == 1 && answers[0] != nil && answers[0].Owner != "" {
		telemetry.RecordOwnerFallback(ctx, "resolved")
		return answers[0].Owner
	}

	telemetry.RecordOwnerFallback(ctx, "empty")
	m.logger.Debug("owner unresolved",
		"collection", c.String(),
		"token_id", id.String(),
		"error", err,
	)
	return ""
}
