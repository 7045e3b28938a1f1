package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestWatermarkHysteresis covers spec §8 property 7: once throttle(true)
// fires, throttle(false) fires only after both dimensions stay below their
// low watermark for one full measurement interval.
func TestWatermarkHysteresis(t *testing.T) {
	var events []bool
	w := NewWatermark(100, 50, 1000, 500, 20*time.Millisecond, func(active bool) {
		events = append(events, active)
	})

	require.False(t, w.Observe(10, 10))
	require.True(t, w.Observe(120, 10)) // crosses high watermark
	require.True(t, w.Active())

	// Below low watermark but interval not yet elapsed.
	require.True(t, w.Observe(10, 10))
	require.Len(t, events, 1)

	time.Sleep(25 * time.Millisecond)
	require.False(t, w.Observe(10, 10))
	require.Len(t, events, 2)
	require.Equal(t, []bool{true, false}, events)
}

func TestWatermarkResetsBelowLowTimerOnSpike(t *testing.T) {
	w := NewWatermark(100, 50, 1000, 500, 20*time.Millisecond, nil)
	require.True(t, w.Observe(150, 10))
	require.True(t, w.Observe(10, 10))
	time.Sleep(15 * time.Millisecond)
	// Spike back above low watermark resets the below-low timer.
	require.True(t, w.Observe(60, 10))
	time.Sleep(15 * time.Millisecond)
	require.True(t, w.Observe(10, 10), "should still be throttled since the timer was reset by the spike")
}

func TestFMMessageThrottleBatch(t *testing.T) {
	th := NewFMMessageThrottle(2, time.Second)
	ids := []string{"ft1", "ft2", "ft3", "ft4"}
	batch := th.Batch(ids)
	require.Len(t, batch, 2)
}

func TestCommitBatchWindowFlushesOnSizeLimit(t *testing.T) {
	flushed := make(chan struct{}, 1)
	w := NewCommitBatchWindow(time.Hour, 3, func() { flushed <- struct{}{} })
	w.Add()
	w.Add()
	w.Add()
	select {
	case <-flushed:
	case <-time.After(time.Second):
		t.Fatal("expected flush on size limit")
	}
}
