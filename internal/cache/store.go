// Package cache keeps local drafts of documents in a bbolt file so edits
// survive a restart of the agent.
package cache

import (
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var draftsBucket = []byte("drafts")

// ErrNotFound is returned by Load for documents without a draft.
var ErrNotFound = errors.New("cache: draft not found")

// Store is a bbolt-backed draft store keyed by document id.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "cache: open %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(draftsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "cache: create bucket")
	}
	return &Store{db: db}, nil
}

// Load returns the saved state of documentID.
func (s *Store) Load(documentID string) ([]byte, error) {
	var state []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(draftsBucket).Get([]byte(documentID))
		if v == nil {
			return ErrNotFound
		}
		// v is only valid inside the transaction.
		state = append([]byte(nil), v...)
		return nil
	})
	return state, err
}

// Save replaces the draft of documentID.
func (s *Store) Save(documentID string, state []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(draftsBucket).Put([]byte(documentID), state)
	})
	return errors.Wrapf(err, "cache: save %s", documentID)
}

// Delete removes the draft of documentID, if any.
func (s *Store) Delete(documentID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(draftsBucket).Delete([]byte(documentID))
	})
	return errors.Wrapf(err, "cache: delete %s", documentID)
}

// Documents lists the ids with a saved draft.
func (s *Store) Documents() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(draftsBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, errors.Wrap(err, "cache: list drafts")
}

func (s *Store) Close() error {
	return s.db.Close()
}
