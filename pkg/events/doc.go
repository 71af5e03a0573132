/*
Package events provides an in-memory broker for model change notifications.

The reconciler publishes an event for every completed change action that
altered the tree (model.updated), every change action that reported a failure
(change.failed) and every admission pass that held a queued action back
(change.deferred). Roots joining or leaving the reconciler are announced as
root.added and root.removed.

Delivery is fire-and-forget: Publish hands the event to a buffered channel and
the broker loop fans it out to subscriber channels without blocking. A
subscriber whose buffer is full misses the event. Consumers that need the
authoritative state read the root from the reconciler instead of rebuilding it
from events.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		fmt.Println(ev.Type, ev.RootID, ev.Changed)
	}
*/
package events
