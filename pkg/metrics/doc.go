/*
Package metrics provides Prometheus metrics collection and exposition for
the replicated key-value store and its reconfiguration agent.

# Metrics Catalog

Replicated store:
  - ravault_raft_is_leader (gauge)
  - ravault_raft_applied_index (gauge)
  - ravault_replication_queue_depth / ravault_replication_queue_bytes (gauge)
  - ravault_commit_lsn_duration_seconds (histogram)
  - ravault_copy_stream_rows_total{copy_mode} (counter)
  - ravault_tombstone_cleanup_deleted_total (counter)

Reconfiguration agent:
  - ravault_reconfiguration_phase_duration_seconds{phase} (histogram)
  - ravault_reconfigurations_total{outcome} (counter)
  - ravault_reconfiguration_stuck_total{phase} (counter)
  - ravault_fm_message_retries_total{kind} (counter)
  - ravault_retryable_error_actions_total{action} (counter)

Failover unit proxy:
  - ravault_action_list_duration_seconds{action_list} (histogram)

Upgrade engine:
  - ravault_upgrade_duration_seconds{outcome} (histogram)
  - ravault_upgrades_total{outcome} (counter)

# Usage

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDurationVec(metrics.ActionListDuration, "StatefulServiceChangeRole")

	http.Handle("/metrics", metrics.Handler())

Collector polls a Reporter (e.g. *replicatedstore.Store) on a fixed
interval so gauges like ravault_raft_is_leader stay current even between
explicit updates:

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()
*/
package metrics
