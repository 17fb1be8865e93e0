// Package bolt is the alternate Engine backend spec.md §4.7 calls for: an
// "off-the-shelf embedded B-tree store" substitutable for the log-structured
// kvs engine behind the same three-operation contract. Its internals are
// explicitly out of scope for this repository — this wrapper stays a thin
// pass-through onto a single go.etcd.io/bbolt bucket.
package bolt

import (
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/rkatre/kvs/internal/engine"
)

const dbFileName = "kvs.bolt"

var bucketName = []byte("kv")

// Store wraps a bbolt database file and satisfies engine.Engine.
type Store struct {
	db *bolt.DB
}

var _ engine.Engine = (*Store)(nil)

// Open opens (creating if necessary) the bbolt database file inside dir,
// ensures the single key/value bucket exists, and writes the engine marker
// file engine.Detect looks for.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %q: %w", dir, err)
	}

	path := filepath.Join(dir, dbFileName)
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt db %q: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}

	if err := writeMarker(dir); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Get(key string) (string, bool, error) {
	var value []byte
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		v := b.Get([]byte(key))
		if v != nil {
			found = true
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("bolt get %q: %w", key, err)
	}
	return string(value), found, nil
}

func (s *Store) Set(key, value string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("bolt set %q: %w", key, err)
	}
	return nil
}

func (s *Store) Remove(key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Get([]byte(key)) == nil {
			return engine.ErrKeyNotFound
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("bolt remove %q: %w", key, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func writeMarker(dir string) error {
	path := engine.BoltMarkerPath(dir)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("write engine marker %q: %w", path, err)
	}
	defer f.Close()
	_, err = f.WriteString("bbolt\n")
	return err
}
