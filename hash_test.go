package mintcache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	// BLAKE3 hash of empty string
	h := HashBytes([]byte{})
	expected := "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	require.Equal(t, expected, h.String())
}

func TestHashShortStringAndDir(t *testing.T) {
	h := HashBytes([]byte("hello"))
	require.Len(t, h.ShortString(), 16)
	require.True(t, strings.HasPrefix(h.String(), h.ShortString()))
	require.Len(t, h.Dir(), 2)
	require.True(t, strings.HasPrefix(h.String(), h.Dir()))
}

func TestParseHash(t *testing.T) {
	original := HashBytes([]byte("parse test"))

	parsed, err := ParseHash(original.String())
	require.NoError(t, err)
	require.Equal(t, original, parsed)

	for _, bad := range []string{"abc123", strings.Repeat("a", 128), strings.Repeat("zz", 32)} {
		_, err := ParseHash(bad)
		require.Error(t, err, bad)
	}
}

func TestHashTextRoundTripInJSONKeys(t *testing.T) {
	h := HashBytes([]byte("token payload"))
	text, err := h.MarshalText()
	require.NoError(t, err)

	var back Hash
	require.NoError(t, back.UnmarshalText(text))
	require.Equal(t, h, back)
}

func TestSubaccount(t *testing.T) {
	a := Subaccount(Primary, NewTokenID(7))
	b := Subaccount(Primary, NewTokenID(7))
	require.Equal(t, a, b, "derivation must be deterministic")
	require.NotEqual(t, Hash{}, a)

	require.NotEqual(t, a, Subaccount(Derived, NewTokenID(7)))
	require.NotEqual(t, a, Subaccount(Primary, NewTokenID(8)))
}
