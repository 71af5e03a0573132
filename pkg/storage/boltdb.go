package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/cuemby/keel/pkg/model"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketRoots = []byte("roots")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db    *bolt.DB
	codec *Codec
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string, codec *Codec) (*BoltStore, error) {
	return OpenBoltStore(filepath.Join(dataDir, "keel.db"), codec, nil)
}

// OpenBoltStore opens the database file at path. Pass bolt options such as
// ReadOnly for inspection tools.
func OpenBoltStore(path string, codec *Codec, opts *bolt.Options) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if opts == nil || !opts.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			if _, err := tx.CreateBucketIfNotExists(bucketRoots); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucketRoots, err)
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	return &BoltStore{db: db, codec: codec}, nil
}

// Backup writes a consistent copy of the database file to w
func (s *BoltStore) Backup(w io.Writer) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		n, err = tx.WriteTo(w)
		return err
	})
	if err != nil {
		return n, fmt.Errorf("failed to back up database: %w", err)
	}
	return n, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveRoot stores root under its id, replacing any previous version
func (s *BoltStore) SaveRoot(root *model.EntityHolder) error {
	snap, err := s.codec.EncodeTree(root)
	if err != nil {
		return err
	}
	return s.SaveSnapshot(snap)
}

// SaveSnapshot stores an already encoded tree
func (s *BoltStore) SaveSnapshot(snapshot *Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoots).Put([]byte(snapshot.ID), data)
	})
}

// LoadSnapshot returns the encoded tree stored for id
func (s *BoltStore) LoadSnapshot(id string) (*Snapshot, error) {
	var snap Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoots)
		if b == nil {
			return fmt.Errorf("root %w: %s", ErrNotFound, id)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("root %w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// LoadRoot returns the tree stored for id
func (s *BoltStore) LoadRoot(id string) (*model.EntityHolder, error) {
	snap, err := s.LoadSnapshot(id)
	if err != nil {
		return nil, err
	}
	return s.codec.DecodeTree(snap)
}

// ListRoots returns every stored tree in id order
func (s *BoltStore) ListRoots() ([]*model.EntityHolder, error) {
	var roots []*model.EntityHolder
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoots)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			root, err := s.codec.Unmarshal(v)
			if err != nil {
				return fmt.Errorf("root %s: %w", k, err)
			}
			roots = append(roots, root)
			return nil
		})
	})
	return roots, err
}

// ListSnapshots returns every stored tree, encoded, in id order
func (s *BoltStore) ListSnapshots() ([]Snapshot, error) {
	var snapshots []Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoots)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var snap Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return fmt.Errorf("root %s: %w", k, err)
			}
			snapshots = append(snapshots, snap)
			return nil
		})
	})
	return snapshots, err
}

// ListRootIDs returns the ids of all stored trees without decoding them
func (s *BoltStore) ListRootIDs() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoots)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

// DeleteRoot removes the tree stored for id. Deleting a missing root is not an error.
func (s *BoltStore) DeleteRoot(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoots).Delete([]byte(id))
	})
}

// ReplaceAll swaps the whole store content for snapshots in one transaction
func (s *BoltStore) ReplaceAll(snapshots []Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketRoots); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		b, err := tx.CreateBucket(bucketRoots)
		if err != nil {
			return err
		}
		for i := range snapshots {
			data, err := json.Marshal(&snapshots[i])
			if err != nil {
				return err
			}
			if err := b.Put([]byte(snapshots[i].ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}
