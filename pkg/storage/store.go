package storage

import (
	"errors"

	"github.com/cuemby/keel/pkg/model"
)

// ErrNotFound is returned when a root is not in the store
var ErrNotFound = errors.New("not found")

// Store persists entity trees, one record per root
type Store interface {
	SaveRoot(root *model.EntityHolder) error
	LoadRoot(id string) (*model.EntityHolder, error)
	ListRoots() ([]*model.EntityHolder, error)
	ListRootIDs() ([]string, error)
	DeleteRoot(id string) error

	// Raw access to encoded trees, used by the raft FSM and the CLI
	SaveSnapshot(snapshot *Snapshot) error
	LoadSnapshot(id string) (*Snapshot, error)
	ListSnapshots() ([]Snapshot, error)
	ReplaceAll(snapshots []Snapshot) error

	Close() error
}
