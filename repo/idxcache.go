// Package repo implements spec.md §4.8: the repository facade that
// orchestrates pack writers, dedup lookups, object reads, and ref
// updates against a backend.
//
// The local idx cache is grounded on the teacher's fs.go FileSystem: a
// single boltdb bucket keyed by name holding serialized records,
// exactly the shape NewFileSystem/getfi/putfi use for path->fileInfo,
// here repurposed for packname->decrypted-idx-bytes.
package repo

import (
	"fmt"

	"github.com/boltdb/bolt"

	"github.com/presto8/bup/internal/pack"
)

var idxBucket = []byte("idxcache")

// IdxCache is the local boltdb-backed cache of decrypted idx bytes,
// keyed by pack name, that lets dedup lookups avoid redownloading and
// redecrypting every *.encidx on every run (spec.md §4.8 "Idx
// synchronization at open").
type IdxCache struct {
	db *bolt.DB
}

// OpenIdxCache opens (creating if absent) the bolt database at path.
func OpenIdxCache(path string) (*IdxCache, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("repo: open idx cache %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(idxBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("repo: create idx cache bucket: %w", err)
	}
	return &IdxCache{db: db}, nil
}

// Close closes the underlying bolt database.
func (c *IdxCache) Close() error { return c.db.Close() }

// Names returns every pack name currently cached locally.
func (c *IdxCache) Names() ([]string, error) {
	var names []string
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(idxBucket).ForEach(func(k, v []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// Get returns the cached idx for name, if present.
func (c *IdxCache) Get(name string) (*pack.Idx, bool, error) {
	var raw []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(idxBucket).Get([]byte(name))
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}
	idx, err := pack.DecodeIdx(raw)
	if err != nil {
		return nil, false, fmt.Errorf("repo: decode cached idx for %s: %w", name, err)
	}
	return idx, true, nil
}

// Put stores idx's decrypted bytes under name.
func (c *IdxCache) Put(name string, idx *pack.Idx) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(idxBucket).Put([]byte(name), idx.Encode())
	})
}

// Delete removes name from the cache (used when the backend no longer
// has a matching pack).
func (c *IdxCache) Delete(name string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(idxBucket).Delete([]byte(name))
	})
}
