// Package store is the persistent payload tier. Payloads fetched from
// permanent storage never change, so once written they are served from disk
// until pruned.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/wolfeidau/mintcache"
	"github.com/wolfeidau/mintcache/backend"
)

// ErrNotFound is returned when no payload is stored for a content id.
var ErrNotFound = errors.New("payload not stored")

var (
	bucketPayloads = []byte("payloads")
	bucketBlobRefs = []byte("blob_refs")
)

// Payload is a decoded payload read from the store.
type Payload struct {
	ID          mintcache.ContentID
	ContentType string
	Data        []byte
	Hash        mintcache.Hash
	StoredAt    time.Time
}

// Stats summarises the stored payloads.
type Stats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

// record is the index entry for one content id. Several ids may share a blob
// when their payloads hash the same.
type record struct {
	Hash        mintcache.Hash `json:"hash"`
	ContentType string         `json:"content_type"`
	Size        int64          `json:"size"`
	StoredSize  int64          `json:"stored_size"`
	StoredAt    time.Time      `json:"stored_at"`
	LastAccess  time.Time      `json:"last_access"`
}

// Store keeps payload bodies as framed blob files addressed by hash and an
// index of content ids in bbolt.
type Store struct {
	db         *bbolt.DB
	blobs      backend.FramedBackend
	codec      *codec
	logger     *slog.Logger
	now        func() time.Time
	noSync     bool
	maxBytes   int64
	maxPayload int64

	// serialises blob writes against ref count changes
	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the clock for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithNoSync disables fsync for the index and blob files. Tests only.
func WithNoSync() Option {
	return func(s *Store) {
		s.noSync = true
	}
}

// WithMaxBytes sets the stored size Prune shrinks the store to. Zero disables pruning.
func WithMaxBytes(n int64) Option {
	return func(s *Store) {
		s.maxBytes = n
	}
}

// WithMaxPayloadSize bounds a single payload.
func WithMaxPayloadSize(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxPayload = n
		}
	}
}

// Open opens or creates a store rooted at dir.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		logger:     slog.Default(),
		now:        time.Now,
		maxPayload: DefaultMaxPayloadSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "store")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	var fsOpts []backend.FilesystemOption
	if s.noSync {
		fsOpts = append(fsOpts, backend.WithNoSync())
	}
	fs, err := backend.NewFilesystem(filepath.Join(dir, "blobs"), fsOpts...)
	if err != nil {
		return nil, err
	}
	s.blobs = backend.NewInstrumentedBackend(fs, "filesystem")

	db, err := bbolt.Open(filepath.Join(dir, "index.db"), 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	s.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketPayloads, bucketBlobRefs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s.codec, err = newCodec(s.maxPayload)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s.logger.Debug("opened store", "dir", dir, "noSync", s.noSync, "maxBytes", s.maxBytes)
	return s, nil
}

// Close releases the index and codec.
func (s *Store) Close() error {
	if s.codec != nil {
		s.codec.Close()
	}
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the stored payload for id. A payload whose blob is missing or
// fails verification is dropped from the index and reported as ErrCorrupted.
func (s *Store) Get(ctx context.Context, id mintcache.ContentID) (*Payload, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	header, body, err := s.blobs.ReadFramed(ctx, blobKey(rec.Hash))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			s.drop(ctx, id, "missing blob")
			return nil, fmt.Errorf("payload %s: %w", id, ErrCorrupted)
		}
		return nil, fmt.Errorf("reading payload %s: %w", id, err)
	}
	raw, err := io.ReadAll(io.LimitReader(body, header.StoredSize+1))
	_ = body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading payload %s: %w", id, err)
	}

	var data []byte
	if h, perr := ParseDigest(header.Digest); perr != nil || h != rec.Hash {
		err = ErrCorrupted
	} else {
		data, err = s.codec.decode(raw, header.Encoding, header.Digest, header.Size)
	}
	if err != nil {
		if errors.Is(err, ErrCorrupted) {
			s.drop(ctx, id, "digest mismatch")
		}
		return nil, fmt.Errorf("payload %s: %w", id, err)
	}

	s.touch(id)
	return &Payload{
		ID:          id,
		ContentType: rec.ContentType,
		Data:        data,
		Hash:        rec.Hash,
		StoredAt:    rec.StoredAt,
	}, nil
}

// Put stores data for id. Storing the same bytes under a second id reuses
// the existing blob.
func (s *Store) Put(ctx context.Context, id mintcache.ContentID, contentType string, data []byte) error {
	body, encoding, digest, err := s.codec.encode(data)
	if err != nil {
		return fmt.Errorf("encoding payload %s: %w", id, err)
	}
	hash := mintcache.HashBytes(data)
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.lookup(id)
	switch {
	case err == nil && prev.Hash == hash:
		return nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return err
	}

	refs, err := s.refCount(hash)
	if err != nil {
		return err
	}
	if refs == 0 {
		header := &backend.BlobHeader{
			ContentID:   id.String(),
			ContentType: contentType,
			Size:        int64(len(data)),
			StoredSize:  int64(len(body)),
			Encoding:    encoding,
			Digest:      digest,
			StoredAt:    now,
		}
		if err := s.blobs.WriteFramed(ctx, blobKey(hash), header, bytes.NewReader(body)); err != nil {
			return fmt.Errorf("writing payload %s: %w", id, err)
		}
	}

	rec := record{
		Hash:        hash,
		ContentType: contentType,
		Size:        int64(len(data)),
		StoredSize:  int64(len(body)),
		StoredAt:    now,
		LastAccess:  now,
	}
	var orphan *mintcache.Hash
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if prev != nil {
			gone, err := decRef(tx, prev.Hash)
			if err != nil {
				return err
			}
			if gone {
				orphan = &prev.Hash
			}
		}
		if err := incRef(tx, hash); err != nil {
			return err
		}
		return putRecord(tx, id, rec)
	})
	if err != nil {
		return fmt.Errorf("indexing payload %s: %w", id, err)
	}
	if orphan != nil {
		_ = s.blobs.Delete(ctx, blobKey(*orphan))
	}

	s.logger.Debug("stored payload", "id", id, "size", len(data), "stored", len(body), "encoding", encoding)
	return nil
}

// Delete removes id from the index, and its blob once no other id uses it.
func (s *Store) Delete(ctx context.Context, id mintcache.ContentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.deleteLocked(ctx, id)
	return err
}

// deleteLocked reports whether removing id orphaned its blob.
func (s *Store) deleteLocked(ctx context.Context, id mintcache.ContentID) (bool, error) {
	var orphan *mintcache.Hash
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPayloads)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decoding record: %w", err)
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		gone, err := decRef(tx, rec.Hash)
		if err != nil {
			return err
		}
		if gone {
			orphan = &rec.Hash
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("deleting payload %s: %w", id, err)
	}
	if orphan == nil {
		return false, nil
	}
	if err := s.blobs.Delete(ctx, blobKey(*orphan)); err != nil {
		return true, fmt.Errorf("deleting blob %s: %w", orphan.ShortString(), err)
	}
	return true, nil
}

// Stats reports the number of indexed ids and the stored size of their
// distinct blobs.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	seen := make(map[mintcache.Hash]struct{})
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPayloads).ForEach(func(_, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			st.Entries++
			if _, ok := seen[rec.Hash]; !ok {
				seen[rec.Hash] = struct{}{}
				st.Bytes += rec.StoredSize
			}
			return nil
		})
	})
	return st, err
}

// Prune removes least recently read payloads until the stored size is at or
// below the configured maximum. It returns the number of ids removed.
func (s *Store) Prune(ctx context.Context) (int, error) {
	if s.maxBytes <= 0 {
		return 0, nil
	}

	type candidate struct {
		id  mintcache.ContentID
		rec record
	}
	var (
		all   []candidate
		total int64
		seen  = make(map[mintcache.Hash]struct{})
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPayloads).ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			all = append(all, candidate{id: mintcache.ContentID(k), rec: rec})
			// Shared blobs count once.
			if _, ok := seen[rec.Hash]; !ok {
				seen[rec.Hash] = struct{}{}
				total += rec.StoredSize
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("scanning index: %w", err)
	}
	if total <= s.maxBytes {
		return 0, nil
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].rec.LastAccess.Before(all[j].rec.LastAccess)
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, c := range all {
		if total <= s.maxBytes {
			break
		}
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		orphaned, err := s.deleteLocked(ctx, c.id)
		if err != nil {
			return removed, err
		}
		if orphaned {
			total -= c.rec.StoredSize
		}
		removed++
	}

	s.logger.Info("pruned store", "removed", removed, "bytes", total, "maxBytes", s.maxBytes)
	return removed, nil
}

// RunJanitor prunes every interval until ctx is done.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Prune(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("prune failed", "error", err)
			}
		}
	}
}

func (s *Store) lookup(id mintcache.ContentID) (*record, error) {
	var rec *record
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPayloads).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		rec = &record{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("reading index for %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) touch(id mintcache.ContentID) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPayloads)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		rec.LastAccess = s.now().UTC()
		return putRecord(tx, id, rec)
	})
	if err != nil {
		s.logger.Warn("updating access time", "id", id, "error", err)
	}
}

func (s *Store) drop(ctx context.Context, id mintcache.ContentID, reason string) {
	s.logger.Warn("dropping stored payload", "id", id, "reason", reason)
	if err := s.Delete(ctx, id); err != nil {
		s.logger.Warn("dropping stored payload failed", "id", id, "error", err)
	}
}

func (s *Store) refCount(h mintcache.Hash) (uint64, error) {
	var n uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = readRef(tx, h)
		return nil
	})
	return n, err
}

func blobKey(h mintcache.Hash) string {
	return "payloads/" + h.Dir() + "/" + h.String()
}

func putRecord(tx *bbolt.Tx, id mintcache.ContentID, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	return tx.Bucket(bucketPayloads).Put([]byte(id), data)
}
