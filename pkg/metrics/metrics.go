// Package metrics implements the performance counters of spec §5
// ("performance counters are lock-free per-instance shared buffers") as
// Prometheus client vectors, the teacher's idiomatic Go realization of the
// same concern.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Raft / replicated store metrics
	RaftLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ravault_raft_is_leader",
		Help: "Whether this node is the Raft leader for its replica set (1 = leader, 0 = follower)",
	})

	RaftAppliedIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ravault_raft_applied_index",
		Help: "Last applied Raft log index (operation LSN watermark)",
	})

	ReplicationQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ravault_replication_queue_depth",
		Help: "Number of outstanding replication operations awaiting quorum ack",
	})

	ReplicationQueueBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ravault_replication_queue_bytes",
		Help: "Approximate byte size of outstanding replication operations",
	})

	CommitLSNDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ravault_commit_lsn_duration_seconds",
		Help:    "Time from begin_commit to commit_lsn assignment (quorum ack + local durability)",
		Buckets: prometheus.DefBuckets,
	})

	CopyStreamRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ravault_copy_stream_rows_total",
		Help: "Total rows streamed to joining/catching-up secondaries",
	}, []string{"copy_mode"})

	TombstoneCleanupDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ravault_tombstone_cleanup_deleted_total",
		Help: "Total tombstones physically removed by cleanup passes",
	})

	// Reconfiguration agent metrics
	ReconfigurationPhaseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ravault_reconfiguration_phase_duration_seconds",
		Help:    "Time spent in each reconfiguration phase",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	ReconfigurationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ravault_reconfigurations_total",
		Help: "Total reconfigurations completed, by outcome",
	}, []string{"outcome"})

	ReconfigurationStuckTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ravault_reconfiguration_stuck_total",
		Help: "Total reconfiguration-stuck health warnings emitted, by phase",
	}, []string{"phase"})

	FMMessageRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ravault_fm_message_retries_total",
		Help: "Total FM message retries fired by the background work manager",
	}, []string{"kind"})

	RetryableErrorActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ravault_retryable_error_actions_total",
		Help: "Total retryable-error-state actions taken (warn, restart, drop, error)",
	}, []string{"action"})

	// FUP metrics
	ActionListDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ravault_action_list_duration_seconds",
		Help:    "Time taken to execute a FUP action list",
		Buckets: prometheus.DefBuckets,
	}, []string{"action_list"})

	// Upgrade engine metrics
	UpgradeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ravault_upgrade_duration_seconds",
		Help:    "Upgrade duration in seconds by outcome",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"outcome"})

	UpgradesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ravault_upgrades_total",
		Help: "Total upgrades by outcome (completed, cancelled, rolled_back)",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		RaftLeader,
		RaftAppliedIndex,
		ReplicationQueueDepth,
		ReplicationQueueBytes,
		CommitLSNDuration,
		CopyStreamRowsTotal,
		TombstoneCleanupDeletedTotal,
		ReconfigurationPhaseDuration,
		ReconfigurationsTotal,
		ReconfigurationStuckTotal,
		FMMessageRetriesTotal,
		RetryableErrorActionsTotal,
		ActionListDuration,
		UpgradeDuration,
		UpgradesTotal,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration { return time.Since(t.start) }
