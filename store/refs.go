package store

import (
	"encoding/binary"

	"go.etcd.io/bbolt"

	"github.com/wolfeidau/mintcache"
)

// Blob reference counts live in bucketBlobRefs keyed by the raw hash.

func readRef(tx *bbolt.Tx, h mintcache.Hash) uint64 {
	v := tx.Bucket(bucketBlobRefs).Get(h[:])
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func incRef(tx *bbolt.Tx, h mintcache.Hash) error {
	n := readRef(tx, h) + 1
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return tx.Bucket(bucketBlobRefs).Put(h[:], buf[:])
}

// decRef reports whether the last reference to h was removed.
func decRef(tx *bbolt.Tx, h mintcache.Hash) (bool, error) {
	n := readRef(tx, h)
	if n <= 1 {
		return true, tx.Bucket(bucketBlobRefs).Delete(h[:])
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n-1)
	return false, tx.Bucket(bucketBlobRefs).Put(h[:], buf[:])
}
