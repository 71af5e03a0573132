/*
Package manager replicates the entity trees across a Raft quorum.

The manager is the persistence side of the reconciler. Every committed root is
encoded into a storage.Snapshot, proposed as a Raft log entry and applied by
KeelFSM to the node's BoltDB store. Followers apply the same entries, so after
a leadership change the new leader loads its roots from the local store and
hands them to the reconciler.

# Architecture

	┌──────────── reconciler ────────────┐
	│  CommitRoot / DeleteRoot           │
	└─────────────────┬──────────────────┘
	                  │ Command{Op, Data}
	┌─────────────────▼──────────────────┐
	│          hashicorp/raft            │
	│  log + stable: raft-boltdb         │
	│  snapshots: file snapshot store    │
	└─────────────────┬──────────────────┘
	                  │ Apply
	┌─────────────────▼──────────────────┐
	│  KeelFSM → storage.BoltStore       │
	│  bucket "roots", one key per root  │
	└────────────────────────────────────┘

# Commands

	save_root    Data is a storage.Snapshot of the whole tree
	delete_root  Data is the root ID as a JSON string

Raft snapshots hold every root; Restore replaces the store contents in one
transaction.

# Usage

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   "manager-1",
		BindAddr: "127.0.0.1:7946",
		DataDir:  "/var/lib/keel",
	})
	if err != nil {
		return err
	}
	if err := mgr.Bootstrap(); err != nil {
		return err
	}
	if err := mgr.WaitForLeader(ctx); err != nil {
		return err
	}
	roots, err := mgr.LoadRoots()

Tests and single-process tools use StartInMemory, which runs Raft on an
in-memory transport and log store.

# Codec

NewCodec registers the job manager entity types and the token bucket so
rate limiter state survives replication. Any value stored in a tree must have
a registered kind; CommitRoot fails otherwise.
*/
package manager
