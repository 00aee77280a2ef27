package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// MagicBytes prefixes every framed payload file.
	MagicBytes = []byte("MCP1")

	ErrInvalidMagic = errors.New("invalid magic bytes: expected MCP1")

	ErrHeaderTooLarge = errors.New("header exceeds maximum size")
)

// MaxHeaderSize bounds the JSON header (64 KiB).
const MaxHeaderSize = 64 * 1024

// Body encodings recorded in BlobHeader.Encoding.
const (
	EncodingIdentity = "identity"
	EncodingZstd     = "zstd"
)

// BlobHeader describes a stored payload. Size and Digest refer to the decoded
// payload, StoredSize to the encoded body that follows the header.
type BlobHeader struct {
	ContentID   string    `json:"content_id"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	StoredSize  int64     `json:"stored_size"`
	Encoding    string    `json:"encoding"`
	Digest      string    `json:"digest"`
	StoredAt    time.Time `json:"stored_at"`
}

// WriteFramed writes MAGIC | HDRLEN (uint32 big-endian) | HDR (JSON) | BODY.
func WriteFramed(w io.Writer, header *BlobHeader, body io.Reader) error {
	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}
	if len(hdr) > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	prefix := make([]byte, len(MagicBytes)+4)
	copy(prefix, MagicBytes)
	binary.BigEndian.PutUint32(prefix[len(MagicBytes):], uint32(len(hdr))) //nolint:gosec // bounded by MaxHeaderSize

	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("writing frame prefix: %w", err)
	}
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}
	return nil
}

// ReadFramed parses the frame prefix and header and returns r positioned at
// the body.
func ReadFramed(r io.Reader) (*BlobHeader, io.Reader, error) {
	prefix := make([]byte, len(MagicBytes)+4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, nil, fmt.Errorf("reading frame prefix: %w", err)
	}
	if !bytes.Equal(prefix[:len(MagicBytes)], MagicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	n := binary.BigEndian.Uint32(prefix[len(MagicBytes):])
	if n > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	hdr := make([]byte, n)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var header BlobHeader
	if err := json.Unmarshal(hdr, &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}
	return &header, r, nil
}

// IsFramed peeks for MagicBytes and rewinds r.
func IsFramed(r io.ReadSeeker) (bool, error) {
	magic := make([]byte, len(MagicBytes))
	n, err := io.ReadFull(r, magic)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return false, fmt.Errorf("reading magic bytes: %w", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("seeking to start: %w", err)
	}
	return n == len(MagicBytes) && bytes.Equal(magic, MagicBytes), nil
}
