package ra

import (
	"testing"
	"time"

	"github.com/cuemby/ravault/pkg/throttle"
	"github.com/stretchr/testify/require"
)

func TestNodeDeactivationStateMonotonic(t *testing.T) {
	d := NewNodeDeactivationState()
	require.True(t, d.IsActivated())

	require.True(t, d.Deactivate(5))
	require.False(t, d.IsActivated())
	require.Equal(t, int64(5), d.SequenceNumber())

	// Stale sequence number is ignored.
	require.False(t, d.Activate(3))
	require.False(t, d.IsActivated())

	require.True(t, d.Activate(7))
	require.True(t, d.IsActivated())
}

func TestPendingReplicaUploadStateDrainsToEmpty(t *testing.T) {
	th := throttle.NewFMMessageThrottle(10, time.Millisecond)
	u := NewPendingReplicaUploadState(th)

	require.True(t, u.IsEmpty())
	u.Add("ft1")
	u.Add("ft2")
	require.False(t, u.IsEmpty())

	batch := u.NextBatch()
	require.ElementsMatch(t, []string{"ft1", "ft2"}, batch)

	u.Ack("ft1")
	u.Ack("ft2")
	require.True(t, u.IsEmpty())
}

func TestPendingReplicaUploadStateRespectsBatchSize(t *testing.T) {
	th := throttle.NewFMMessageThrottle(1, time.Hour)
	u := NewPendingReplicaUploadState(th)
	u.Add("ft1")
	u.Add("ft2")
	u.Add("ft3")

	batch := u.NextBatch()
	require.Len(t, batch, 1)
}
