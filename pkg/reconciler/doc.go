/*
Package reconciler drives change actions against the entity trees.

The Reconciler holds one tree per root entity (one per job). Each root has a
FIFO queue of submitted change actions and at most one of them executing at a
time. Different roots run fully in parallel.

# Admission

An admission pass (Reconcile, run by the loop on every tick and whenever an
action is submitted or completes) looks at the head of each queue and starts
it unless one of these holds it back:

  - another action of the same root is in flight
  - an interceptor reports no execution budget for the root
  - the global admission rate limiter (golang.org/x/time/rate) is exhausted
  - the root lock is held by another process

The admission token is reserved before the root lock is tried and handed back
when the lock is refused. A held-back action stays at the head of its queue and is retried on the next
pass. Interceptor deferrals are published as change.deferred events.

# Completion

The admitted action is wrapped by the interceptor chain and runs in its own
goroutine, without touching the tree. Its result, success or failure, comes
back with an ordered list of model updates that are folded into the root as
it is at completion time. The new root replaces the old one atomically, is
handed to the Committer and announced on the event broker. Only then is the
root released for the next action. If the Committer fails, the new root is
kept locally and the Outcome's Err wraps ErrCommitFailed.

Readers call Root or Roots and always see a complete, immutable tree.

	r := reconciler.NewReconciler(reconciler.Config{
		Interval:     time.Second,
		Interceptors: []action.Interceptor{limiter},
		Broker:       broker,
		Committer:    mgr,
	})
	r.Start()
	defer r.Stop()

	done, err := r.Submit(jobID, act)
	if err != nil {
		return err
	}
	outcome := <-done
*/
package reconciler
