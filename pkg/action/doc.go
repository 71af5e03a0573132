/*
Package action defines the protocol used to change the model tree.

A ChangeAction is intent: it carries the identity of the change (kind,
trigger, target id, summary) and a computation that may block on I/O. Running
it yields a Result that holds either nothing or the failure, plus the ordered
ModelUpdateActions that record the effect.

A ModelUpdateAction is effect: a pure function from the current root to a new
root and the changed subtree. Updates never perform I/O and never fail. When
the entity they target has disappeared, they return the root they were given.

	change := action.Change{Kind: action.KindJob, Trigger: action.TriggerUser, ID: "job-1", Summary: "Scale up"}
	a := action.NewChangeAction(change, func(ctx context.Context) ([]action.ModelUpdateAction, error) {
		if err := cloud.UpdateCapacity(ctx, "ig-1", nil, &desired); err != nil {
			return nil, err
		}
		return []action.ModelUpdateAction{action.SetEntity(meta, scaledJob)}, nil
	})

	res := action.Run(ctx, action.Chain(a, interceptors...))
	newRoot, changed := action.ApplyAll(root, res.Updates)

Interceptors wrap change actions to add behaviour such as rate limiting. They
also answer, without side effects, how much execution headroom a root has
left, so the driver can decide whether to admit an action at all.
*/
package action
