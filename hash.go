package mintcache

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

const (
	HashSize = 32

	subaccountContext = "mintcache 2024-06 token subaccount v1"
)

// Hash is a BLAKE3-256 digest. Payload hashes key the disk tier and
// sub-account hashes address token balances.
type Hash [HashSize]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString is the first 8 bytes in hex, for logs.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// Dir is the blob shard directory: the first byte in hex.
func (h Hash) Dir() string {
	return hex.EncodeToString(h[:1])
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses 64 hex characters.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// Subaccount derives the ledger sub-account that holds the balances of a
// single token. The derivation is stable across processes so balance actors
// and this service agree on the account without a lookup.
func Subaccount(c Collection, id TokenID) Hash {
	var out Hash
	blake3.DeriveKey(subaccountContext, []byte(c.String()+":"+id.String()), out[:])
	return out
}
