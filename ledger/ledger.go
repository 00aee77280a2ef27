// Package ledger defines the token ledger collaborators consumed by the
// paginator and materializer, with a JSON-RPC gateway client and an
// in-memory implementation.
package ledger

import (
	"context"

	"github.com/wolfeidau/mintcache"
)

// Owner is the owner-of answer for one token.
type Owner struct {
	Owner mintcache.Principal `json:"owner"`
}

// Metadata is the property map the ledger stores for a token.
type Metadata map[string]string

// Ledger is the token enumeration interface of one ledger, addressed per
// collection.
//
// TokensOf is forward-only: it returns up to limit ids in ascending mint
// order, starting strictly after cursor when cursor is non-nil. An empty
// principal enumerates the whole collection.
type Ledger interface {
	TotalSupply(ctx context.Context, c mintcache.Collection) (uint64, error)
	BalanceOf(ctx context.Context, c mintcache.Collection, p mintcache.Principal) (uint64, error)
	// OwnerOf answers positionally; a nil element means no data for that id.
	OwnerOf(ctx context.Context, c mintcache.Collection, ids []mintcache.TokenID) ([]*Owner, error)
	TokensOf(ctx context.Context, c mintcache.Collection, p mintcache.Principal, cursor *mintcache.TokenID, limit int) ([]mintcache.TokenID, error)
	// Metadata answers positionally; a nil element means no metadata.
	Metadata(ctx context.Context, c mintcache.Collection, ids []mintcache.TokenID) ([]Metadata, error)
}

// BalanceActor returns the balances held by a token's derived sub-account.
type BalanceActor interface {
	Balances(ctx context.Context, subaccount mintcache.Hash) (mintcache.Balances, error)
}
