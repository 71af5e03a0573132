package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result label values
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Deferral reasons that are not interceptor names
const (
	DeferInFlight  = "in_flight"
	DeferAdmission = "admission_rate"
	DeferLocked    = "locked"
)

var (
	// Model metrics
	RootsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keel_roots_total",
			Help: "Number of entity trees managed by the reconciler",
		},
	)

	EntitiesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keel_entities_total",
			Help: "Number of entity holders by entity kind",
		},
		[]string{"kind"},
	)

	RateLimitedRoots = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keel_rate_limited_roots",
			Help: "Number of roots with no execution budget left, by interceptor",
		},
		[]string{"interceptor"},
	)

	// Change action metrics
	ChangeActionsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keel_change_actions_submitted_total",
			Help: "Total number of change actions queued, by action kind",
		},
		[]string{"kind"},
	)

	ChangeActionsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keel_change_actions_completed_total",
			Help: "Total number of change actions completed, by kind, trigger and result",
		},
		[]string{"kind", "trigger", "result"},
	)

	ChangeActionsDeferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keel_change_actions_deferred_total",
			Help: "Total number of admission attempts that left a change action queued, by reason",
		},
		[]string{"reason"},
	)

	ChangeActionsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keel_change_actions_in_flight",
			Help: "Number of change actions currently executing",
		},
	)

	ChangeActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keel_change_action_duration_seconds",
			Help:    "Change action execution time in seconds, by action kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ModelUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keel_model_updates_total",
			Help: "Total number of model update actions folded into the tree, by outcome",
		},
		[]string{"outcome"},
	)

	// Reconciler metrics
	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keel_reconcile_duration_seconds",
			Help:    "Time taken by one admission pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RootCommitFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keel_root_commit_failures_total",
			Help: "Total number of applied roots the committer failed to make durable",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keel_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keel_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keel_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keel_commits_total",
			Help: "Total number of root snapshots committed through Raft, by result",
		},
		[]string{"result"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RootsTotal)
	prometheus.MustRegister(EntitiesTotal)
	prometheus.MustRegister(RateLimitedRoots)
	prometheus.MustRegister(ChangeActionsSubmitted)
	prometheus.MustRegister(ChangeActionsCompleted)
	prometheus.MustRegister(ChangeActionsDeferred)
	prometheus.MustRegister(ChangeActionsInFlight)
	prometheus.MustRegister(ChangeActionDuration)
	prometheus.MustRegister(ModelUpdatesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(RootCommitFailures)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(CommitsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
