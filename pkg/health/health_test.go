package health

import (
	"testing"

	"github.com/cuemby/ravault/pkg/ratypes"
	"github.com/stretchr/testify/require"
)

// TestReconfigurationStuckRaiseAndClear covers spec §8 S6: a stuck
// reconfiguration warning is raised with delinquent replica ids, then
// cleared once a new reconfiguration starts.
func TestReconfigurationStuckRaiseAndClear(t *testing.T) {
	c := NewChecker([]string{"ra"})
	c.RaiseReconfigurationStuck(ReconfigurationStuckDescriptor{
		FailoverUnitID:     "ft1",
		Phase:              ratypes.PhasePhase2Catchup,
		DelinquentReplicas: []string{"n2", "n3"},
	})

	stuck := c.StuckReconfigurations()
	require.Len(t, stuck, 1)
	require.Equal(t, "ft1", stuck[0].FailoverUnitID)
	require.ElementsMatch(t, []string{"n2", "n3"}, stuck[0].DelinquentReplicas)

	c.ClearReconfigurationStuck("ft1")
	require.Empty(t, c.StuckReconfigurations())
}

func TestReadinessRequiresCriticalComponents(t *testing.T) {
	c := NewChecker([]string{"kvstore", "replicatedstore"})
	require.Equal(t, "not_ready", c.GetReadiness().Status)

	c.RegisterComponent("kvstore", true, "")
	c.RegisterComponent("replicatedstore", true, "")
	require.Equal(t, "ready", c.GetReadiness().Status)

	c.UpdateComponent("replicatedstore", false, "raft not bootstrapped")
	require.Equal(t, "not_ready", c.GetReadiness().Status)
}
