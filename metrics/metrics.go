// Package metrics holds the prometheus collectors the coordinator and
// worker loop update directly: package-level vectors, registered once.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// WorkerPoolState tracks how many workers are idle vs. busy, labeled so
// a single gauge vec can answer either question.
var WorkerPoolState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "ursadb",
	Subsystem: "coordinator",
	Name:      "worker_pool_state",
}, []string{"state"})

// LockDecisions counts every DatasetLockReq/IteratorLockReq outcome, by
// lock kind and verdict.
var LockDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ursadb",
	Subsystem: "coordinator",
	Name:      "lock_decisions_total",
}, []string{"kind", "verdict"})

// CommandLatency measures how long each command variant's executor took,
// labeled by command kind.
var CommandLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "ursadb",
	Subsystem: "worker",
	Name:      "command_duration_seconds",
	Buckets:   prometheus.DefBuckets,
}, []string{"command"})

// TasksCommitted counts every task the coordinator has committed.
var TasksCommitted = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ursadb",
	Subsystem: "coordinator",
	Name:      "tasks_committed_total",
}, []string{})

// CommitRejected counts commits the database refused to apply.
var CommitRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ursadb",
	Subsystem: "coordinator",
	Name:      "tasks_commit_rejected_total",
}, []string{})

// SnapshotsCollected counts every retained snapshot GC has retired.
var SnapshotsCollected = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ursadb",
	Subsystem: "coordinator",
	Name:      "snapshots_collected_total",
}, []string{})

// SnapshotsRetained reports how many snapshots the database currently
// retains, sampled after each GC pass.
var SnapshotsRetained = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "ursadb",
	Subsystem: "coordinator",
	Name:      "snapshots_retained",
}, []string{})

// TaskDurationAvg reports a running average task lifetime, sampled on
// every commit. Backed by a utils.AvgVal rather than a histogram: the
// coordinator's event loop only ever wants the current smoothed value.
var TaskDurationAvg = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "ursadb",
	Subsystem: "coordinator",
	Name:      "task_duration_avg_seconds",
}, []string{})

func init() {
	prometheus.MustRegister(
		WorkerPoolState,
		LockDecisions,
		CommandLatency,
		TasksCommitted,
		CommitRejected,
		SnapshotsCollected,
		SnapshotsRetained,
		TaskDurationAvg,
	)
}
