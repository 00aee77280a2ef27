package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/wolfeidau/mintcache"
	"github.com/wolfeidau/mintcache/backend"
)

const (
	// CompressionThreshold is the minimum payload size before compression is tried.
	CompressionThreshold = 2048

	// DefaultMaxPayloadSize caps a single stored payload (64 MiB).
	DefaultMaxPayloadSize = 64 << 20
)

var (
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")

	// ErrCorrupted is returned when a stored payload fails digest verification.
	ErrCorrupted = errors.New("payload digest mismatch")
)

// codec compresses payload bodies with zstd when that makes them smaller.
// The encoder and decoder are safe for concurrent EncodeAll/DecodeAll.
type codec struct {
	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	limit   int64
}

func newCodec(limit int64) (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(limit))) //nolint:gosec // limit is positive
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &codec{encoder: enc, decoder: dec, limit: limit}, nil
}

func (c *codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// encode returns the stored body, its encoding and the digest of data.
func (c *codec) encode(data []byte) ([]byte, string, string, error) {
	if int64(len(data)) > c.limit {
		return nil, "", "", ErrPayloadTooLarge
	}
	digest := Digest(data)
	if len(data) < CompressionThreshold {
		return data, backend.EncodingIdentity, digest, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()
	if enc == nil {
		return data, backend.EncodingIdentity, digest, nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, backend.EncodingIdentity, digest, nil
	}
	return compressed, backend.EncodingZstd, digest, nil
}

// decode reverses encode and verifies the digest of the result.
func (c *codec) decode(body []byte, encoding, digest string, size int64) ([]byte, error) {
	var data []byte
	switch encoding {
	case backend.EncodingIdentity, "":
		data = body
	case backend.EncodingZstd:
		if size > c.limit {
			return nil, ErrDecompressionBomb
		}
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder closed")
		}
		out, err := dec.DecodeAll(body, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		if int64(len(out)) > c.limit {
			return nil, ErrDecompressionBomb
		}
		data = out
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}

	if int64(len(data)) != size || Digest(data) != digest {
		return nil, ErrCorrupted
	}
	return data, nil
}

// Digest formats the BLAKE3 digest of data as "blake3:<hex>".
func Digest(data []byte) string {
	return "blake3:" + mintcache.HashBytes(data).String()
}

// ParseDigest extracts the hash from a "blake3:<hex>" digest.
func ParseDigest(s string) (mintcache.Hash, error) {
	hexPart, ok := strings.CutPrefix(s, "blake3:")
	if !ok {
		return mintcache.Hash{}, fmt.Errorf("invalid digest format %q", s)
	}
	return mintcache.ParseHash(hexPart)
}
