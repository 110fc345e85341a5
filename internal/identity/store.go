package identity

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketIdentity = []byte("identity")
	keyStashed     = []byte("stashedId")
)

var ErrNotFound = errors.New("identity: no stored identity")

// Store is the on-disk identity cache backed by bbolt.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the store under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(dir, "identity.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIdentity)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the stored identity or ErrNotFound.
func (s *Store) Load() (Identity, error) {
	var id Identity
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIdentity).Get(keyStashed)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &id)
	})
	if err != nil {
		return Identity{}, err
	}
	if id.Name == "" || id.Salt == "" {
		return Identity{}, ErrNotFound
	}
	return id, nil
}

// Save overwrites the stored identity.
func (s *Store) Save(id Identity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdentity).Put(keyStashed, data)
	})
}

// Reset forgets the stored identity; the next run draws a new salt.
func (s *Store) Reset() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdentity).Delete(keyStashed)
	})
}

// Resolve returns the stored identity, renamed to name when one is given, or
// a fresh identity for name. fresh reports that nothing was stored yet. The
// result is not saved; callers save it after the first successful
// registration.
func (s *Store) Resolve(name string) (id Identity, fresh bool, err error) {
	id, err = s.Load()
	switch {
	case errors.Is(err, ErrNotFound):
		if name == "" {
			return Identity{}, true, ErrInvalidName
		}
		id, err = New(name)
		return id, true, err
	case err != nil:
		return Identity{}, false, err
	}
	if name == "" {
		return id, false, nil
	}
	id, err = id.Rename(name)
	return id, false, err
}
