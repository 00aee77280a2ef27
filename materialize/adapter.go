package materialize

import (
	"strings"

	"github.com/wolfeidau/mintcache"
	"github.com/wolfeidau/mintcache/ledger"
)

// Metadata keys holding the linked content address per collection.
const (
	PrimaryContentKey = "location"
	DerivedContentKey = "content"
)

// Adapter converts a resolved token of one collection into a TokenRecord.
type Adapter interface {
	Collection() mintcache.Collection
	// Adapt builds the record. A token whose metadata carries no usable
	// content address is still returned, with an empty ContentID.
	Adapt(id mintcache.TokenID, owner mintcache.Principal, meta ledger.Metadata) mintcache.TokenRecord
}

// MetadataAdapter reads the linked content id from a single metadata key.
// The value may be a bare id or a gateway URL ending in the id.
type MetadataAdapter struct {
	Coll mintcache.Collection
	Key  string
}

// DefaultAdapters returns the adapters for the two known collections.
func DefaultAdapters() []Adapter {
	return []Adapter{
		MetadataAdapter{Coll: mintcache.Primary, Key: PrimaryContentKey},
		MetadataAdapter{Coll: mintcache.Derived, Key: DerivedContentKey},
	}
}

func (a MetadataAdapter) Collection() mintcache.Collection { return a.Coll }

func (a MetadataAdapter) Adapt(id mintcache.TokenID, owner mintcache.Principal, meta ledger.Metadata) mintcache.TokenRecord {
	rec := mintcache.TokenRecord{
		TokenID:    id,
		Collection: a.Coll,
		Owner:      owner,
	}
	if cid, err := ContentIDFromLocation(meta[a.Key]); err == nil {
		rec.ContentID = cid
	}
	return rec
}

// ContentIDFromLocation extracts a content id from a bare id or from the
// last path segment of a gateway URL such as https://arweave.net/{id}.
func ContentIDFromLocation(loc string) (mintcache.ContentID, error) {
	loc = strings.TrimSpace(loc)
	if i := strings.IndexAny(loc, "?#"); i >= 0 {
		loc = loc[:i]
	}
	loc = strings.TrimRight(loc, "/")
	if i := strings.LastIndexByte(loc, '/'); i >= 0 {
		loc = loc[i+1:]
	}
	return mintcache.ParseContentID(loc)
}
