package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/keel/pkg/storage"
	"github.com/hashicorp/raft"
)

// Command ops
const (
	OpSaveRoot   = "save_root"
	OpDeleteRoot = "delete_root"
)

// KeelFSM implements the Raft Finite State Machine for the entity trees.
// Every committed log entry replaces or deletes one root in the store.
type KeelFSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewKeelFSM creates a new FSM instance
func NewKeelFSM(store storage.Store) *KeelFSM {
	return &KeelFSM{
		store: store,
	}
}

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Apply applies a Raft log entry to the FSM
// This is called by Raft when a log entry is committed
func (f *KeelFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpSaveRoot:
		var snap storage.Snapshot
		if err := json.Unmarshal(cmd.Data, &snap); err != nil {
			return err
		}
		return f.store.SaveSnapshot(&snap)

	case OpDeleteRoot:
		var rootID string
		if err := json.Unmarshal(cmd.Data, &rootID); err != nil {
			return err
		}
		return f.store.DeleteRoot(rootID)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot creates a point-in-time snapshot of the FSM
// This is called periodically by Raft to compact the log
func (f *KeelFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	roots, err := f.store.ListSnapshots()
	if err != nil {
		return nil, fmt.Errorf("failed to list roots: %w", err)
	}

	return &KeelSnapshot{Roots: roots}, nil
}

// Restore restores the FSM from a snapshot
// This is called when a node restarts or joins the cluster
func (f *KeelFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot KeelSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.store.ReplaceAll(snapshot.Roots); err != nil {
		return fmt.Errorf("failed to restore roots: %w", err)
	}
	return nil
}

// KeelSnapshot is a point-in-time copy of every root
type KeelSnapshot struct {
	Roots []storage.Snapshot
}

// Persist writes the snapshot to the given SnapshotSink
func (s *KeelSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources
func (s *KeelSnapshot) Release() {}
