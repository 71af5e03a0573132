/*
Package storage persists entity trees.

Holders carry opaque values, so a Codec maps every concrete entity and
attribute type to a kind name. A tree is encoded as a Snapshot: the holder id,
its version, its kind-tagged entity and attributes, and its children in order.
Decoding restores the same ids, versions, values and child order.

	codec := storage.NewCodec()
	codec.MustRegister(types.KindJob, types.Job{})
	codec.MustRegister("tokenbucket", tokenbucket.Bucket{})

	store, err := storage.NewBoltStore(dataDir, codec)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SaveRoot(root); err != nil {
		return err
	}

BoltStore keeps one JSON record per root in the "roots" bucket of keel.db.
Writes go through the raft FSM in the manager package, which makes the store
the durable copy of the committed model.
*/
package storage
