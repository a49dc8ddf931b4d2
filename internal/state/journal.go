// Package state persists pending optimistic updates in a bbolt database
// so a restarted process resumes reconciliation where it left off.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/parakit/para-sync/internal/realtime"
)

const (
	// journalDirPerm is the permission mode for the journal directory.
	journalDirPerm = fs.FileMode(0o700)

	// journalFilePerm is the permission mode for the database file.
	journalFilePerm = fs.FileMode(0o600)

	// journalOpenTimeout is the maximum time to wait for the bolt
	// database lock.
	journalOpenTimeout = 5 * time.Second
)

var pendingBucket = []byte("pending")

// Journal is a durable write-through record of pending optimistic
// updates, keyed by update id. Satisfies realtime.Journal.
type Journal struct {
	db *bolt.DB
}

// Open opens (or creates) the journal database at path, creating parent
// directories as needed.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), journalDirPerm); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := bolt.Open(path, journalFilePerm, &bolt.Options{Timeout: journalOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pendingBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating pending bucket: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close releases the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Put stores or overwrites a pending update record.
func (j *Journal) Put(u realtime.OptimisticUpdate) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encoding update %s: %w", u.ID, err)
	}

	err = j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).Put([]byte(u.ID), data)
	})
	if err != nil {
		return fmt.Errorf("journaling update %s: %w", u.ID, err)
	}

	return nil
}

// Delete removes a settled update record. Unknown ids are a no-op.
func (j *Journal) Delete(id string) error {
	err := j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("removing journaled update %s: %w", id, err)
	}

	return nil
}

// List returns all journaled updates ordered by submission time, so
// replay preserves each item's local mutation queue order. Records that
// fail to decode are skipped rather than aborting the whole replay.
func (j *Journal) List() ([]realtime.OptimisticUpdate, error) {
	var out []realtime.OptimisticUpdate

	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).ForEach(func(_, v []byte) error {
			var u realtime.OptimisticUpdate
			if err := json.Unmarshal(v, &u); err != nil {
				return nil //nolint:nilerr // intentional: skip undecodable records
			}

			out = append(out, u)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing journaled updates: %w", err)
	}

	sort.Slice(out, func(i, k int) bool {
		return out[i].SubmittedAt.Before(out[k].SubmittedAt)
	})

	return out, nil
}
