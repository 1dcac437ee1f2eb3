// Package flatstore implements the string-keyed flat store: a second,
// independently-openable bbolt database standing in for session storage /
// a key-value blob store that may be disabled in restricted execution
// environments even while the record store remains available.
package flatstore

import (
	"context"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/lattice-io/txncore"
)

const bucketName = "flat_store"

// probeKeyPrefix marks the short, throwaway key FlatStoreResource.Prepare
// writes and immediately deletes to detect quota exhaustion ahead of commit.
const probeKeyPrefix = "__probe__"

// Store is the flat store's native handle.
type Store struct {
	mu   sync.RWMutex
	db   *bolt.DB
	path string
}

// Open creates or opens the flat store's bbolt file and ensures its bucket
// exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: txncore.OpTimeout})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close releases the database handle. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) Put(ctx context.Context, key, value string) error {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(key), []byte(value))
	})
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	var value string
	var found bool
	err := db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketName)).Get([]byte(key))
		if v != nil {
			value = string(v)
			found = true
		}
		return nil
	})
	return value, found, err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete([]byte(key))
	})
}

func (s *Store) GetAll(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	out := make(map[string]string)
	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).ForEach(func(k, v []byte) error {
			key := string(k)
			if len(key) >= len(probeKeyPrefix) && key[:len(probeKeyPrefix)] == probeKeyPrefix {
				return nil
			}
			out[key] = string(v)
			return nil
		})
	})
	return out, err
}

// ProbeWrite detects quota exhaustion ahead of the commit phase by writing
// and immediately deleting a short throwaway key, per §4.5's
// FlatStoreResource.Prepare contract.
func (s *Store) ProbeWrite(ctx context.Context, txID string) error {
	key := fmt.Sprintf("%s%s", probeKeyPrefix, txID)
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if err := b.Put([]byte(key), []byte("1")); err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
}
