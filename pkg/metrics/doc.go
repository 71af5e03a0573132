/*
Package metrics exposes Prometheus metrics and health endpoints for keel.

All collectors are package globals registered with the default registry in
init, so any package can record a sample without plumbing:

	metrics.ChangeActionsSubmitted.WithLabelValues("job").Inc()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)

# Metrics

Model:
  - keel_roots_total: entity trees held by the reconciler
  - keel_entities_total{kind}: entity holders by entity kind
  - keel_rate_limited_roots{interceptor}: roots with no execution budget left

Change actions:
  - keel_change_actions_submitted_total{kind}
  - keel_change_actions_completed_total{kind,trigger,result}
  - keel_change_actions_deferred_total{reason}: reason is an interceptor name,
    in_flight, admission_rate or locked
  - keel_change_actions_in_flight
  - keel_change_action_duration_seconds{kind}
  - keel_model_updates_total{outcome}: applied or noop

Reconciler and Raft:
  - keel_reconcile_duration_seconds
  - keel_raft_is_leader, keel_raft_applied_index, keel_raft_log_index
  - keel_commits_total{result}

The gauges of the first group are sampled by Collector from a RootSource,
every 15 seconds once started. Counters are updated inline by the reconciler
and the manager.

# Health

RegisterComponent records the health of a named component. /health fails
when any component is unhealthy; /ready fails until every critical component
(raft, store and reconciler by default) has registered as healthy; /live
always succeeds while the process runs.
*/
package metrics
