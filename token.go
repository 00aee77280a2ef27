// Package mintcache holds the shared data model for browsing ledger-minted
// tokens whose media lives on a permanent-storage network.
package mintcache

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// TokenID is an arbitrary-precision unsigned token identifier. Ids are
// assigned by the ledger in mint order, so ascending ids are oldest first.
//
// The zero value is token 0. TokenID is comparable and usable as a map key.
type TokenID struct {
	dec string // canonical decimal without leading zeros; "" for zero
}

// NewTokenID returns the TokenID for n.
func NewTokenID(n uint64) TokenID {
	if n == 0 {
		return TokenID{}
	}
	return TokenID{dec: fmt.Sprintf("%d", n)}
}

// TokenIDFromBig converts a non-negative big.Int to a TokenID.
func TokenIDFromBig(n *big.Int) (TokenID, error) {
	if n == nil || n.Sign() < 0 {
		return TokenID{}, fmt.Errorf("token id must be a non-negative integer")
	}
	if n.Sign() == 0 {
		return TokenID{}, nil
	}
	return TokenID{dec: n.String()}, nil
}

// ParseTokenID parses a decimal token id.
func ParseTokenID(s string) (TokenID, error) {
	if s == "" {
		return TokenID{}, fmt.Errorf("empty token id")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return TokenID{}, fmt.Errorf("invalid token id %q", s)
		}
	}
	s = strings.TrimLeft(s, "0")
	return TokenID{dec: s}, nil
}

// String returns the decimal representation.
func (t TokenID) String() string {
	if t.dec == "" {
		return "0"
	}
	return t.dec
}

// Big returns the id as a new big.Int.
func (t TokenID) Big() *big.Int {
	n, _ := new(big.Int).SetString(t.String(), 10)
	return n
}

// Cmp compares two ids and returns -1, 0 or +1.
func (t TokenID) Cmp(o TokenID) int {
	switch {
	case len(t.dec) < len(o.dec):
		return -1
	case len(t.dec) > len(o.dec):
		return 1
	default:
		return strings.Compare(t.dec, o.dec)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t TokenID) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TokenID) UnmarshalText(text []byte) error {
	id, err := ParseTokenID(string(text))
	if err != nil {
		return err
	}
	*t = id
	return nil
}

// Collection identifies one of the two independent token id namespaces.
type Collection uint8

const (
	Primary Collection = iota + 1
	Derived
)

// ErrUnknownCollection is returned when a collection name is not recognised.
var ErrUnknownCollection = errors.New("unknown collection")

// ParseCollection parses "primary" or "derived" (case-insensitive).
func ParseCollection(s string) (Collection, error) {
	switch strings.ToLower(s) {
	case "primary", "nft":
		return Primary, nil
	case "derived", "sbt":
		return Derived, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCollection, s)
}

func (c Collection) String() string {
	switch c {
	case Primary:
		return "primary"
	case Derived:
		return "derived"
	}
	return fmt.Sprintf("collection(%d)", uint8(c))
}

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	return c == Primary || c == Derived
}

// MarshalText implements encoding.TextMarshaler.
func (c Collection) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCollection, uint8(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Collection) UnmarshalText(text []byte) error {
	v, err := ParseCollection(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Principal is an opaque ledger identity. The empty principal means
// "unresolved" on records and "no filter" on page requests.
type Principal string

// ContentIDLen is the length of a base64url-encoded 256-bit content id.
const ContentIDLen = 43

// ContentID addresses a piece of media on the permanent-storage network.
type ContentID string

// ParseContentID validates a permanent-storage transaction id.
func ParseContentID(s string) (ContentID, error) {
	if len(s) != ContentIDLen {
		return "", fmt.Errorf("invalid content id %q: expected %d chars, got %d", s, ContentIDLen, len(s))
	}
	if _, err := base64.RawURLEncoding.DecodeString(s); err != nil {
		return "", fmt.Errorf("invalid content id %q: %w", s, err)
	}
	return ContentID(s), nil
}

func (id ContentID) String() string {
	return string(id)
}

// Balances holds numeric token balances keyed by token symbol.
type Balances map[string]uint64

// TokenRecord is one materialized token.
type TokenRecord struct {
	TokenID    TokenID    `json:"token_id"`
	Collection Collection `json:"collection"`
	Owner      Principal  `json:"owner"`
	ContentID  ContentID  `json:"content_id"`
	Balances   Balances   `json:"balances,omitempty"`
	OrderIndex int        `json:"order_index"`
}

// ContentIDFromHash encodes a 256-bit digest in content id form. The demo
// ledger and tests use it to derive stable ids from payload bytes.
func ContentIDFromHash(h Hash) ContentID {
	return ContentID(base64.RawURLEncoding.EncodeToString(h[:]))
}
