package ra

import (
	"time"

	"github.com/cuemby/ravault/pkg/health"
	"github.com/cuemby/ravault/pkg/metrics"
	"github.com/cuemby/ravault/pkg/ratypes"
)

// CheckPhaseTimeouts scans every owned FT and raises (or clears) a health
// warning for any reconfiguration that has sat in its current phase past
// the configured PhaseTimeouts (spec §4.5 phase table, §8 S6). Intended to
// be called periodically, e.g. from a ticker in cmd/ranode.
func (a *Agent) CheckPhaseTimeouts() {
	if a.health == nil {
		return
	}
	now := time.Now()
	for _, entry := range a.fts.All() {
		ft := entry.State()
		rs := ft.ReconfigurationState
		if !rs.IsInProgress() {
			a.health.ClearReconfigurationStuck(ft.FTID)
			continue
		}

		timeout, ok := a.cfg.PhaseTimeouts[rs.Phase]
		if !ok || now.Sub(rs.PhaseStartTime) < timeout {
			continue
		}

		if !a.health.IsStuck(ft.FTID) {
			metrics.ReconfigurationStuckTotal.WithLabelValues(string(rs.Phase)).Inc()
		}
		a.health.RaiseReconfigurationStuck(health.ReconfigurationStuckDescriptor{
			FailoverUnitID:     ft.FTID,
			Phase:              rs.Phase,
			DelinquentReplicas: delinquentReplicas(&ft, rs),
		})
	}
}

// delinquentReplicas returns the remote replica node ids that have not yet
// replied for the FT's current reconfiguration phase.
func delinquentReplicas(ft *ratypes.FailoverUnit, rs ratypes.ReconfigurationState) []string {
	var out []string
	for _, r := range ft.RemoteReplicas {
		if !rs.RepliedNodes[r.NodeID] {
			out = append(out, r.NodeID)
		}
	}
	return out
}
