package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MegaGrindStone/genie-web/internal/session"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements session.Store using a BoltDB file, so signed in users survive a server restart. It
// also remembers the last thread each user had open.
type BoltDB struct {
	db *bolt.DB
}

var (
	sessionsBucket    = []byte("sessions")
	lastThreadsBucket = []byte("last-threads")
)

// NewBoltDB opens (or creates with 0600 permissions) the database at path and initializes the buckets it
// needs.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{sessionsBucket, lastThreadsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return BoltDB{}, err
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// Session returns the stored session with the given id. The boolean is false when there is none.
func (b BoltDB) Session(_ context.Context, id string) (session.Session, bool, error) {
	var s session.Session
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}
		found = true
		return nil
	})
	if err != nil {
		return session.Session{}, false, err
	}
	return s, found, nil
}

// PutSession stores s, replacing any session with the same id.
func (b BoltDB) PutSession(_ context.Context, s session.Session) error {
	v, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(s.ID), v)
	})
}

// DeleteSession removes the session with the given id. Removing an unknown id is a no-op.
func (b BoltDB) DeleteSession(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(id))
	})
}

// Sessions returns every stored session in id order.
func (b BoltDB) Sessions(_ context.Context) ([]session.Session, error) {
	var sessions []session.Session
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(sessionsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var s session.Session
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("failed to unmarshal session %s: %w", k, err)
			}
			sessions = append(sessions, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// LastThread returns the thread userID had open most recently, or an empty string.
func (b BoltDB) LastThread(_ context.Context, userID string) (string, error) {
	var threadID string
	err := b.db.View(func(tx *bolt.Tx) error {
		threadID = string(tx.Bucket(lastThreadsBucket).Get([]byte(userID)))
		return nil
	})
	return threadID, err
}

// SetLastThread records threadID as the thread userID has open.
func (b BoltDB) SetLastThread(_ context.Context, userID, threadID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(lastThreadsBucket)
		if threadID == "" {
			return bucket.Delete([]byte(userID))
		}
		return bucket.Put([]byte(userID), []byte(threadID))
	})
}
