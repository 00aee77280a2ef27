package materialize

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/mintcache"
	"github.com/wolfeidau/mintcache/ledger"
)

func cid(s string) mintcache.ContentID {
	return mintcache.ContentIDFromHash(mintcache.HashBytes([]byte(s)))
}

func mintWithContent(m *ledger.Memory, c mintcache.Collection, owner mintcache.Principal, content mintcache.ContentID) mintcache.TokenID {
	key := PrimaryContentKey
	if c == mintcache.Derived {
		key = DerivedContentKey
	}
	return m.Mint(c, owner, ledger.Metadata{key: "https://arweave.net/" + content.String()})
}

func requests(c mintcache.Collection, ids ...mintcache.TokenID) []Request {
	out := make([]Request, len(ids))
	for i, id := range ids {
		out[i] = Request{TokenID: id, Collection: c}
	}
	return out
}

func TestMaterialize_ResolvesOwnerAndContent(t *testing.T) {
	m := ledger.NewMemory()
	id := mintWithContent(m, mintcache.Primary, "owner-1", cid("a"))

	recs, err := New(m).Materialize(context.Background(), requests(mintcache.Primary, id))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, mintcache.TokenRecord{
		TokenID:    id,
		Collection: mintcache.Primary,
		Owner:      "owner-1",
		ContentID:  cid("a"),
		OrderIndex: 0,
	}, recs[0])
}

func TestMaterialize_OneOwnerCallPerCollectionPerBatch(t *testing.T) {
	m := ledger.NewMemory()
	var reqs []Request
	for i := range 25 {
		c := mintcache.Primary
		if i%2 == 1 {
			c = mintcache.Derived
		}
		id := mintWithContent(m, c, "owner", cid(fmt.Sprint(i)))
		reqs = append(reqs, Request{TokenID: id, Collection: c})
	}

	recs, err := New(m).Materialize(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, recs, 25)

	// Three batches (10, 10, 5), each touching both collections.
	require.EqualValues(t, 6, m.Calls(ledger.MethodOwnerOf))
	require.EqualValues(t, 6, m.Calls(ledger.MethodMetadata))
}

func TestMaterialize_KnownPrincipalSkipsLookup(t *testing.T) {
	m := ledger.NewMemory()
	var reqs []Request
	for i := range 5 {
		id := mintWithContent(m, mintcache.Derived, "ledger-owner", cid(fmt.Sprint(i)))
		reqs = append(reqs, Request{TokenID: id, Collection: mintcache.Derived, KnownPrincipal: "me"})
	}

	recs, err := New(m).Materialize(context.Background(), reqs)
	require.NoError(t, err)
	for _, r := range recs {
		require.Equal(t, mintcache.Principal("me"), r.Owner)
	}
	require.EqualValues(t, 0, m.Calls(ledger.MethodOwnerOf))
}

func TestMaterialize_OwnerGapFallsBackToSingleLookup(t *testing.T) {
	m := ledger.NewMemory()
	a := mintWithContent(m, mintcache.Primary, "alice", cid("a"))
	b := mintWithContent(m, mintcache.Primary, "bob", cid("b"))
	c := mintWithContent(m, mintcache.Primary, "carol", cid("c"))
	m.SetOwnerGap(b)

	recs, err := New(m).Materialize(context.Background(), requests(mintcache.Primary, a, b, c))
	require.NoError(t, err)
	require.Equal(t, mintcache.Principal("alice"), recs[0].Owner)
	require.Equal(t, mintcache.Principal("bob"), recs[1].Owner)
	require.Equal(t, mintcache.Principal("carol"), recs[2].Owner)

	// One batch call plus one single-token fallback.
	require.EqualValues(t, 2, m.Calls(ledger.MethodOwnerOf))
}

func TestMaterialize_OwnerFailureDegradesToEmptyOwner(t *testing.T) {
	m := ledger.NewMemory()
	a := mintWithContent(m, mintcache.Primary, "alice", cid("a"))
	b := mintWithContent(m, mintcache.Primary, "bob", cid("b"))
	m.SetFailure(ledger.MethodOwnerOf, errors.New("replica unavailable"))

	recs, err := New(m).Materialize(context.Background(), requests(mintcache.Primary, a, b))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		require.Empty(t, r.Owner)
		require.NotEmpty(t, r.ContentID)
	}
	// The batch call, then one fallback per token.
	require.EqualValues(t, 3, m.Calls(ledger.MethodOwnerOf))
}

func TestMaterialize_MetadataFailureFails(t *testing.T) {
	m := ledger.NewMemory()
	a := mintWithContent(m, mintcache.Primary, "alice", cid("a"))
	m.SetFailure(ledger.MethodMetadata, errors.New("boom"))

	_, err := New(m).Materialize(context.Background(), requests(mintcache.Primary, a))
	require.ErrorIs(t, err, mintcache.ErrEnumeration)
	require.ErrorContains(t, err, "materialize:")
}

func TestMaterialize_DuplicateContentFirstWins(t *testing.T) {
	m := ledger.NewMemory()
	shared := cid("shared")
	first := mintWithContent(m, mintcache.Primary, "alice", shared)
	other := mintWithContent(m, mintcache.Primary, "bob", cid("other"))
	dup := mintWithContent(m, mintcache.Primary, "carol", shared)
	derived := mintWithContent(m, mintcache.Derived, "dave", shared)

	reqs := append(requests(mintcache.Primary, first, other, dup), Request{TokenID: derived, Collection: mintcache.Derived})
	recs, err := New(m).Materialize(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	require.Equal(t, first, recs[0].TokenID)
	require.Equal(t, other, recs[1].TokenID)
	// The same content id may appear once per collection.
	require.Equal(t, derived, recs[2].TokenID)
	require.Equal(t, mintcache.Derived, recs[2].Collection)
	require.Equal(t, 3, recs[2].OrderIndex)
}

func TestMaterialize_MissingContentKept(t *testing.T) {
	m := ledger.NewMemory()
	a := m.Mint(mintcache.Primary, "alice", nil)
	b := m.Mint(mintcache.Primary, "bob", ledger.Metadata{PrimaryContentKey: "not-a-content-id"})

	recs, err := New(m).Materialize(context.Background(), requests(mintcache.Primary, a, b))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Empty(t, recs[0].ContentID)
	require.Empty(t, recs[1].ContentID)
}

func TestMaterialize_UnknownCollection(t *testing.T) {
	_, err := New(ledger.NewMemory()).Materialize(context.Background(), []Request{{TokenID: mintcache.NewTokenID(1)}})
	require.ErrorIs(t, err, mintcache.ErrUnknownCollection)
}

// jitterLedger delays every call by a random amount so batches and
// collection lookups complete out of order.
type jitterLedger struct {
	ledger.Ledger
}

func (j jitterLedger) sleep(ctx context.Context) {
	select {
	case <-time.After(time.Duration(rand.IntN(5000)) * time.Microsecond):
	case <-ctx.Done():
	}
}

func (j jitterLedger) OwnerOf(ctx context.Context, c mintcache.Collection, ids []mintcache.TokenID) ([]*ledger.Owner, error) {
	j.sleep(ctx)
	return j.Ledger.OwnerOf(ctx, c, ids)
}

func (j jitterLedger) Metadata(ctx context.Context, c mintcache.Collection, ids []mintcache.TokenID) ([]ledger.Metadata, error) {
	j.sleep(ctx)
	return j.Ledger.Metadata(ctx, c, ids)
}

func TestMaterialize_PreservesOrderUnderRandomDelays(t *testing.T) {
	m := ledger.NewMemory()
	var reqs []Request
	for i := range 60 {
		c := mintcache.Primary
		if rand.IntN(2) == 0 {
			c = mintcache.Derived
		}
		id := mintWithContent(m, c, mintcache.Principal(fmt.Sprintf("owner-%d", i)), cid(fmt.Sprint(i)))
		reqs = append(reqs, Request{TokenID: id, Collection: c})
	}
	// Shuffle so order is not simply mint order.
	rand.Shuffle(len(reqs), func(i, j int) { reqs[i], reqs[j] = reqs[j], reqs[i] })

	mat := New(jitterLedger{m}, WithConcurrency(8))
	for range 5 {
		recs, err := mat.Materialize(context.Background(), reqs)
		require.NoError(t, err)
		require.Len(t, recs, len(reqs))
		for i, rec := range recs {
			require.Equal(t, i, rec.OrderIndex)
			require.Equal(t, reqs[i].TokenID, rec.TokenID)
			require.Equal(t, reqs[i].Collection, rec.Collection)
			require.NotEmpty(t, rec.Owner)
		}
	}
}

func TestContentIDFromLocation(t *testing.T) {
	id := cid("x")
	tests := []struct {
		in      string
		wantErr bool
	}{
		{in: id.String()},
		{in: "https://arweave.net/" + id.String()},
		{in: "https://arweave.net/" + id.String() + "/"},
		{in: "ar://" + id.String() + "?ext=png"},
		{in: "", wantErr: true},
		{in: "https://arweave.net/", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ContentIDFromLocation(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, id, got)
	}
}
