package persistence

import (
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/quillsync/quillsync/internal/core/observability/log"
)

var snapshotsBucket = []byte("snapshots")

// LocalCache is a best-effort on-disk fallback for snapshots that could not
// reach the gateway. Long offline periods must not lose the latest local
// state; the cached copy is dropped once a save succeeds.
type LocalCache struct {
	db     *bolt.DB
	logger log.Log
}

// OpenLocalCache opens (or creates) the cache file.
func OpenLocalCache(path string, logger log.Log) (*LocalCache, error) {
	if logger == nil {
		logger = log.Nop()
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open local cache")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, berr := tx.CreateBucketIfNotExists(snapshotsBucket)
		return berr
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "init local cache")
	}
	return &LocalCache{
		db:     db,
		logger: logger.With(log.String("component", "local_cache")),
	}, nil
}

// Put stores the encoded state for the document.
func (c *LocalCache) Put(documentID string, encodedState []byte) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Put([]byte(documentID), encodedState)
	})
}

// Get returns the cached encoded state, or nil when none is cached.
func (c *LocalCache) Get(documentID string) ([]byte, error) {
	var out []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(snapshotsBucket).Get([]byte(documentID)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// Delete drops the cached copy for the document.
func (c *LocalCache) Delete(documentID string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Delete([]byte(documentID))
	})
}

// Close closes the cache file.
func (c *LocalCache) Close() error {
	return c.db.Close()
}
