package gallery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/mintcache"
	"github.com/wolfeidau/mintcache/cache"
	"github.com/wolfeidau/mintcache/content"
	"github.com/wolfeidau/mintcache/handle"
	"github.com/wolfeidau/mintcache/ledger"
	"github.com/wolfeidau/mintcache/materialize"
	"github.com/wolfeidau/mintcache/paginate"
)

type stubSearch struct {
	types map[mintcache.ContentID]string
	err   error
}

func (s *stubSearch) ContentTypes(_ context.Context, ids []mintcache.ContentID) (map[mintcache.ContentID]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[mintcache.ContentID]string, len(ids))
	for _, id := range ids {
		if mt, ok := s.types[id]; ok {
			out[id] = mt
		}
	}
	return out, nil
}

// jitterFetcher serves every locator after a random delay.
type jitterFetcher struct {
	calls atomic.Int64
}

func (f *jitterFetcher) Fetch(ctx context.Context, locator string) (io.ReadCloser, string, error) {
	f.calls.Add(1)
	select {
	case <-time.After(time.Duration(rand.IntN(5)) * time.Millisecond):
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
	return io.NopCloser(strings.NewReader("bytes of " + locator)), "image/png", nil
}

type fixture struct {
	ledger  *ledger.Memory
	search  *stubSearch
	fetcher *jitterFetcher
	handles *handle.Registry
	cache   *cache.Cache
	tracker *Tracker
	svc     *Service
	ids     []mintcache.TokenID
}

func contentFor(i int) mintcache.ContentID {
	return mintcache.ContentIDFromHash(mintcache.HashBytes([]byte{byte(i), byte(i >> 8)}))
}

func newFixture(t *testing.T, minted int, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		ledger:  ledger.NewMemory(),
		search:  &stubSearch{types: map[mintcache.ContentID]string{}},
		fetcher: &jitterFetcher{},
		handles: handle.NewRegistry(),
		tracker: NewTracker(),
	}
	for i := range minted {
		cid := contentFor(i)
		id := f.ledger.Mint(mintcache.Primary, "owner-a", ledger.Metadata{
			materialize.PrimaryContentKey: "https://arweave.net/" + cid.String(),
		})
		f.ledger.SetBalances(mintcache.Subaccount(mintcache.Primary, id), mintcache.Balances{"GLD": uint64(i)})
		f.search.types[cid] = "image/png"
		f.ids = append(f.ids, id)
	}

	c, err := cache.New(f.handles, cache.WithFetcher(f.fetcher))
	require.NoError(t, err)
	f.cache = c

	f.svc = New(
		paginate.New(f.ledger),
		materialize.New(f.ledger),
		c,
		content.NewResolver(f.handles),
		append([]Option{WithSearch(f.search), WithBalances(f.ledger)}, opts...)...,
	)
	return f
}

func pageReq(page, size int, sort mintcache.Sort) mintcache.PageRequest {
	return mintcache.PageRequest{Collection: mintcache.Primary, Page: page, PageSize: size, Sort: sort}
}

func TestBrowseReady(t *testing.T) {
	f := newFixture(t, 12)
	tk := f.tracker.Begin("primary")

	view, err := f.svc.Browse(context.Background(), tk, pageReq(1, 5, mintcache.NewestFirst))
	require.NoError(t, err)
	require.Equal(t, Ready, view.State)
	require.Equal(t, uint64(12), view.TotalCount)
	require.Len(t, view.Items, 5)

	for i, it := range view.Items {
		want := f.ids[11-i]
		require.Equal(t, want, it.Token.TokenID)
		require.Equal(t, i, it.Token.OrderIndex)
		require.Equal(t, mintcache.Principal("owner-a"), it.Token.Owner)
		require.Equal(t, "image/png", it.MIME)
		require.NotNil(t, it.Content)
		require.Equal(t, it.Content.PayloadHandle().URL(), it.URLs.Thumbnail)
		require.Equal(t, content.DefaultGateway+"/"+it.Token.ContentID.String(), it.URLs.Full)
		require.Equal(t, mintcache.Balances{"GLD": uint64(11 - i)}, it.Token.Balances)
	}

	committed, ok := f.svc.Views().Get("primary")
	require.True(t, ok)
	require.Equal(t, view, committed)

	data, err := json.Marshal(view)
	require.NoError(t, err)
	require.Contains(t, string(data), `"state":"ready"`)
}

func TestBrowseReusesCachedContent(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	_, err := f.svc.Browse(ctx, f.tracker.Begin("s"), pageReq(1, 4, mintcache.OldestFirst))
	require.NoError(t, err)
	_, err = f.svc.Browse(ctx, f.tracker.Begin("s"), pageReq(1, 4, mintcache.OldestFirst))
	require.NoError(t, err)

	require.Equal(t, int64(4), f.fetcher.calls.Load())
}

func TestBrowseEmptyIsNotFailure(t *testing.T) {
	f := newFixture(t, 0)

	view, err := f.svc.Browse(context.Background(), f.tracker.Begin("s"), pageReq(1, 10, mintcache.OldestFirst))
	require.NoError(t, err)
	require.Equal(t, Empty, view.State)
	require.Zero(t, view.TotalCount)
	require.Empty(t, view.Items)
	require.Empty(t, view.Error)
}

func TestBrowsePastEnd(t *testing.T) {
	f := newFixture(t, 3)

	view, err := f.svc.Browse(context.Background(), f.tracker.Begin("s"), pageReq(4, 10, mintcache.OldestFirst))
	require.NoError(t, err)
	require.Equal(t, Empty, view.State)
	require.Equal(t, uint64(3), view.TotalCount)
}

func TestBrowseEnumerationFailure(t *testing.T) {
	f := newFixture(t, 3)
	f.ledger.SetFailure(ledger.MethodTotalSupply, errors.New("canister unreachable"))
	tk := f.tracker.Begin("s")

	view, err := f.svc.Browse(context.Background(), tk, pageReq(1, 10, mintcache.OldestFirst))
	require.ErrorIs(t, err, mintcache.ErrEnumeration)
	require.Equal(t, Failed, view.State)
	require.Contains(t, view.Error, "canister unreachable")

	committed, ok := f.svc.Views().Get("s")
	require.True(t, ok)
	require.Equal(t, Failed, committed.State)
}

func TestBrowseMaterializeFailure(t *testing.T) {
	f := newFixture(t, 3)
	f.ledger.SetFailure(ledger.MethodMetadata, errors.New("metadata down"))

	view, err := f.svc.Browse(context.Background(), f.tracker.Begin("s"), pageReq(1, 10, mintcache.OldestFirst))
	require.ErrorIs(t, err, mintcache.ErrEnumeration)
	require.Equal(t, Failed, view.State)
}

func TestBrowseSearchFailureFallsBack(t *testing.T) {
	f := newFixture(t, 2)
	f.search.err = errors.New("graphql down")

	view, err := f.svc.Browse(context.Background(), f.tracker.Begin("s"), pageReq(1, 10, mintcache.OldestFirst))
	require.NoError(t, err)
	require.Equal(t, Ready, view.State)
	for _, it := range view.Items {
		require.Equal(t, fallbackMIME, it.MIME)
		require.Zero(t, f.fetcher.calls.Load(), "opaque content is not fetched")
	}
}

func TestBrowseStaleTicketIsNotCommitted(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	stale := f.tracker.Begin("s")
	current := f.tracker.Begin("s")

	view, err := f.svc.Browse(ctx, stale, pageReq(1, 2, mintcache.OldestFirst))
	require.NoError(t, err)
	require.Equal(t, Ready, view.State)
	_, ok := f.svc.Views().Get("s")
	require.False(t, ok)

	_, err = f.svc.Browse(ctx, current, pageReq(2, 2, mintcache.OldestFirst))
	require.NoError(t, err)
	committed, ok := f.svc.Views().Get("s")
	require.True(t, ok)
	require.Equal(t, 2, committed.Page)
}

// gatedPager blocks until release is closed, then delegates.
type gatedPager struct {
	Pager
	started chan struct{}
	release chan struct{}
}

func (g *gatedPager) Resolve(ctx context.Context, req mintcache.PageRequest) (*paginate.Page, error) {
	close(g.started)
	<-g.release
	return g.Pager.Resolve(ctx, req)
}

func TestBrowseCommitsLoadingThenAbandon(t *testing.T) {
	f := newFixture(t, 3)
	gp := &gatedPager{Pager: paginate.New(f.ledger), started: make(chan struct{}), release: make(chan struct{})}
	svc := New(gp, materialize.New(f.ledger), f.cache, content.NewResolver(f.handles))

	tk := f.tracker.Begin("s")
	done := make(chan *View)
	go func() {
		v, _ := svc.Browse(context.Background(), tk, pageReq(1, 3, mintcache.OldestFirst))
		done <- v
	}()

	<-gp.started
	loading, ok := svc.Views().Get("s")
	require.True(t, ok)
	require.Equal(t, Loading, loading.State)

	f.tracker.Abandon("s")
	close(gp.release)
	v := <-done
	require.Equal(t, Ready, v.State)

	still, _ := svc.Views().Get("s")
	require.Equal(t, Loading, still.State, "abandoned result is dropped")
}

// shuffledPager returns a fixed id list, duplicates included.
type shuffledPager struct {
	ids []mintcache.TokenID
}

func (s shuffledPager) Resolve(context.Context, mintcache.PageRequest) (*paginate.Page, error) {
	return &paginate.Page{TokenIDs: s.ids, TotalCount: uint64(len(s.ids))}, nil
}

func TestBrowseDedupesAndKeepsOrder(t *testing.T) {
	f := newFixture(t, 30)
	ids := []mintcache.TokenID{f.ids[7], f.ids[2], f.ids[29], f.ids[2], f.ids[0], f.ids[15], f.ids[7]}
	svc := New(shuffledPager{ids: ids}, materialize.New(f.ledger, materialize.WithBatchSize(2)), f.cache,
		content.NewResolver(f.handles), WithSearch(f.search))

	view, err := svc.Browse(context.Background(), f.tracker.Begin("s"), pageReq(1, 10, mintcache.OldestFirst))
	require.NoError(t, err)

	got := make([]mintcache.TokenID, len(view.Items))
	for i, it := range view.Items {
		got[i] = it.Token.TokenID
	}
	require.Equal(t, []mintcache.TokenID{f.ids[7], f.ids[2], f.ids[29], f.ids[0], f.ids[15]}, got)
}

func TestInvalidateAndClearPassThrough(t *testing.T) {
	f := newFixture(t, 3)

	view, err := f.svc.Browse(context.Background(), f.tracker.Begin("s"), pageReq(1, 3, mintcache.OldestFirst))
	require.NoError(t, err)
	require.Equal(t, 3, f.handles.Live())

	require.True(t, f.svc.InvalidateContent(view.Items[0].Token.ContentID))
	require.Equal(t, 2, f.handles.Live())

	f.svc.ClearContentCache()
	require.Equal(t, 0, f.handles.Live())
}
