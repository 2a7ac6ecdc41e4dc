// Package outbox persists ledger commands whose commit could not be
// confirmed so they can be replayed later under the same idempotency key.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"rewards-miniapp/internal/store"
)

var (
	bucketPending = []byte("pending")

	ErrNoKey = errors.New("outbox: batch has no idempotency key")
)

// Entry is one unconfirmed ledger command.
type Entry struct {
	Batch      store.Batch `json:"batch"`
	Op         string      `json:"op"`
	UserID     string      `json:"userId"`
	Message    string      `json:"message"`
	Attempts   int         `json:"attempts"`
	LastError  string      `json:"lastError,omitempty"`
	EnqueuedAt time.Time   `json:"enqueuedAt"`
}

type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the bbolt file at path.
func Open(path string, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create outbox dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPending)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enqueue stores e keyed by its batch key. Enqueueing a key that is already
// pending keeps the original entry.
func (s *Store) Enqueue(e Entry) error {
	if e.Batch.Key == "" {
		return ErrNoKey
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketPending)
		if bucket.Get([]byte(e.Batch.Key)) != nil {
			return nil
		}
		return bucket.Put([]byte(e.Batch.Key), raw)
	})
}

// Pending lists entries oldest first.
func (s *Store) Pending() ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt) })
	return entries, nil
}

func (s *Store) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketPending).Stats().KeyN
		return nil
	})
	return n, err
}

// Ack removes the entry for key.
func (s *Store) Ack(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Delete([]byte(key))
	})
}

// Retry records a failed replay attempt.
func (s *Store) Retry(key string, cause error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketPending)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		e.Attempts++
		if cause != nil {
			e.LastError = cause.Error()
		}
		updated, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), updated)
	})
}
