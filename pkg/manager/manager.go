package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/keel/pkg/events"
	"github.com/cuemby/keel/pkg/log"
	"github.com/cuemby/keel/pkg/metrics"
	"github.com/cuemby/keel/pkg/model"
	"github.com/cuemby/keel/pkg/storage"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// ErrRaftNotInitialized is returned before Bootstrap or Start
var ErrRaftNotInitialized = errors.New("raft not initialized")

// defaultApplyTimeout bounds a commit when the caller's context has no deadline
const defaultApplyTimeout = 5 * time.Second

// Manager replicates the entity trees through Raft and keeps the committed
// copy in the local store
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft        *raft.Raft
	localAddr   raft.ServerAddress
	fsm         *KeelFSM
	store       storage.Store
	codec       *storage.Codec
	eventBroker *events.Broker
	logger      zerolog.Logger
}

// Config holds configuration for creating a Manager
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// NewManager creates a new Manager instance
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	codec := NewCodec()

	// Create BoltDB store
	store, err := storage.NewBoltStore(cfg.DataDir, codec)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	metrics.RegisterComponent(metrics.ComponentStore, true, "")

	// Create event broker
	eventBroker := events.NewBroker()
	eventBroker.Start()

	m := &Manager{
		nodeID:      cfg.NodeID,
		bindAddr:    cfg.BindAddr,
		dataDir:     cfg.DataDir,
		fsm:         NewKeelFSM(store),
		store:       store,
		codec:       codec,
		eventBroker: eventBroker,
		logger:      log.WithNodeID(log.WithComponent("manager"), cfg.NodeID),
	}

	return m, nil
}

func (m *Manager) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)

	// Tuned for LAN deployments: followers start an election after 500ms
	// without a heartbeat, so failover completes in a few seconds
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	config.LogOutput = log.WithComponent("raft")
	return config
}

// Bootstrap starts Raft on the TCP bind address with on-disk stores and
// initializes a single-node cluster. Restarting a node whose data directory
// already holds Raft state resumes that state instead.
func (m *Manager) Bootstrap() error {
	if err := m.Start(); err != nil {
		return err
	}
	return m.bootstrapCluster()
}

// Start starts Raft on the TCP bind address with on-disk stores without
// bootstrapping, for a node that will be added to an existing cluster
func (m *Manager) Start() error {
	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	// Log store and stable store share the raft-boltdb format
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}

	return m.startRaft(logStore, stableStore, snapshotStore, transport)
}

// StartInMemory starts Raft on in-memory stores and transport, used by tests
// and single-process tools. With bootstrap set it also initializes a
// single-node cluster.
func (m *Manager) StartInMemory(bootstrap bool) (*raft.InmemTransport, error) {
	_, transport := raft.NewInmemTransport(raft.ServerAddress(m.nodeID))
	store := raft.NewInmemStore()

	if err := m.startRaft(store, store, raft.NewInmemSnapshotStore(), transport); err != nil {
		return nil, err
	}
	if bootstrap {
		if err := m.bootstrapCluster(); err != nil {
			return nil, err
		}
	}
	return transport, nil
}

func (m *Manager) startRaft(logs raft.LogStore, stable raft.StableStore, snaps raft.SnapshotStore, transport raft.Transport) error {
	r, err := raft.NewRaft(m.raftConfig(), m.fsm, logs, stable, snaps, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	m.raft = r
	m.localAddr = transport.LocalAddr()
	metrics.RegisterComponent(metrics.ComponentRaft, true, "")
	return nil
}

func (m *Manager) bootstrapCluster() error {
	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      raft.ServerID(m.nodeID),
				Address: m.localAddr,
			},
		},
	}

	future := m.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrCantBootstrap) {
			m.logger.Info().Msg("Raft state found, resuming existing cluster")
			return nil
		}
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	return nil
}

// WaitForLeader blocks until the cluster has a leader or ctx is done
func (m *Manager) WaitForLeader(ctx context.Context) error {
	if m.raft == nil {
		return ErrRaftNotInitialized
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if addr, _ := m.raft.LeaderWithID(); addr != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("no leader elected: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// AddVoter adds a new manager node to the Raft cluster
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return ErrRaftNotInitialized
	}

	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", m.LeaderAddr())
	}

	m.logger.Info().Str("voter_id", nodeID).Str("address", address).Msg("Adding voter")

	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}
	return nil
}

// RemoveServer removes a server from the Raft cluster
func (m *Manager) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return ErrRaftNotInitialized
	}

	if !m.IsLeader() {
		return raft.ErrNotLeader
	}

	future := m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}
	return nil
}

// GetClusterServers returns information about all servers in the Raft cluster
func (m *Manager) GetClusterServers() ([]raft.Server, error) {
	if m.raft == nil {
		return nil, ErrRaftNotInitialized
	}

	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}

	return future.Configuration().Servers, nil
}

// IsLeader returns true if this manager is the Raft leader
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return false
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	addr, _ := m.raft.LeaderWithID()
	return string(addr)
}

// GetRaftStats returns Raft statistics
func (m *Manager) GetRaftStats() map[string]interface{} {
	if m.raft == nil {
		return nil
	}

	stats := make(map[string]interface{})
	stats["state"] = m.raft.State().String()
	stats["last_log_index"] = m.raft.LastIndex()
	stats["applied_index"] = m.raft.AppliedIndex()
	stats["leader"] = m.LeaderAddr()

	return stats
}

// EventBroker returns the event broker
func (m *Manager) EventBroker() *events.Broker {
	return m.eventBroker
}

// Store returns the local copy of the committed trees
func (m *Manager) Store() storage.Store {
	return m.store
}

// Codec returns the codec used for snapshots
func (m *Manager) Codec() *storage.Codec {
	return m.codec
}

// LoadRoots returns every committed tree, for handing to the reconciler after
// a restart or a leadership change
func (m *Manager) LoadRoots() ([]*model.EntityHolder, error) {
	return m.store.ListRoots()
}

// Apply submits a command to the Raft cluster
func (m *Manager) Apply(ctx context.Context, cmd Command) error {
	if m.raft == nil {
		return ErrRaftNotInitialized
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	timeout := defaultApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	future := m.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply command: %w", err)
	}

	// Check if apply returned an error
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}

	return nil
}

// CommitRoot replicates root and stores it once committed
func (m *Manager) CommitRoot(ctx context.Context, root *model.EntityHolder) error {
	snap, err := m.codec.EncodeTree(root)
	if err != nil {
		metrics.CommitsTotal.WithLabelValues(metrics.ResultFailure).Inc()
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		metrics.CommitsTotal.WithLabelValues(metrics.ResultFailure).Inc()
		return fmt.Errorf("failed to marshal root: %w", err)
	}

	if err := m.Apply(ctx, Command{Op: OpSaveRoot, Data: data}); err != nil {
		metrics.CommitsTotal.WithLabelValues(metrics.ResultFailure).Inc()
		return err
	}
	metrics.CommitsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	return nil
}

// DeleteRoot replicates the removal of root id
func (m *Manager) DeleteRoot(ctx context.Context, id string) error {
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return m.Apply(ctx, Command{Op: OpDeleteRoot, Data: data})
}

// TakeSnapshot forces a Raft snapshot, compacting the log
func (m *Manager) TakeSnapshot() error {
	if m.raft == nil {
		return ErrRaftNotInitialized
	}
	return m.raft.Snapshot().Error()
}

// Shutdown gracefully shuts down the manager
func (m *Manager) Shutdown() error {
	// Stop event broker
	if m.eventBroker != nil {
		m.eventBroker.Stop()
	}

	if m.raft != nil {
		future := m.raft.Shutdown()
		if err := future.Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
		metrics.UpdateComponent(metrics.ComponentRaft, false, "shut down")
	}

	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}

	return nil
}
