package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when a key does not exist in the index.
var ErrNotFound = errors.New("cache: not found")

// bucketEntries maps cache key -> Entry JSON.
var bucketEntries = []byte("entries")

// Entry contains the metadata for one cached rendition. The blob itself
// lives in the local store under the same key.
type Entry struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the entry's TTL has elapsed at the given time.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// Index is the durable cache index, backed by bbolt. It is safe for
// concurrent use; bbolt serializes write transactions internally.
type Index struct {
	db *bolt.DB
}

// OpenIndex opens (or creates) the index database at the given path.
func OpenIndex(path string) (*Index, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening index db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating entries bucket: %w", err)
	}

	return &Index{db: db}, nil
}

// Close closes the index database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Get retrieves the entry for a key.
func (ix *Index) Get(key string) (*Entry, error) {
	var entry *Entry
	err := ix.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEntries).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		entry = &Entry{}
		return json.Unmarshal(data, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Put stores an entry, overwriting any previous one for the same key.
func (ix *Index) Put(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	return ix.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(entry.Key), data)
	})
}

// Delete removes the entry for a key. Deleting a missing key is a no-op.
func (ix *Index) Delete(key string) error {
	return ix.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
}

// Touch updates the last accessed time for a key. Returns ErrNotFound if
// the entry does not exist.
func (ix *Index) Touch(key string, now time.Time) error {
	return ix.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		data := b.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("decoding entry: %w", err)
		}
		entry.LastAccessed = now
		updated, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("encoding entry: %w", err)
		}
		return b.Put([]byte(key), updated)
	})
}

// List returns all entries in the index.
func (ix *Index) List() ([]*Entry, error) {
	var entries []*Entry
	err := ix.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decoding entry %s: %w", k, err)
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
