package ra

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryCoalescerCoalescesConcurrentRequests(t *testing.T) {
	var runs int32
	started := make(chan struct{})
	release := make(chan struct{})

	c := NewRetryCoalescer(time.Hour, func(ctx context.Context) bool {
		n := atomic.AddInt32(&runs, 1)
		if n == 1 {
			close(started)
			<-release
		}
		return false
	})

	c.Request(context.Background())
	<-started

	// These requests arrive while work is in flight; they should coalesce
	// into at most one rerun, not one run apiece.
	c.Request(context.Background())
	c.Request(context.Background())
	c.Request(context.Background())

	close(release)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(2), atomic.LoadInt32(&runs), "concurrent requests should coalesce into a single rerun")
}

func TestRetryCoalescerRetriesOnDemand(t *testing.T) {
	var runs int32
	c := NewRetryCoalescer(10*time.Millisecond, func(ctx context.Context) bool {
		n := atomic.AddInt32(&runs, 1)
		return n == 1 // ask for exactly one retry
	})

	c.Request(context.Background())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 2 }, time.Second, time.Millisecond)
}

func TestRetryCoalescerStopPreventsFurtherWork(t *testing.T) {
	var runs int32
	c := NewRetryCoalescer(time.Millisecond, func(ctx context.Context) bool {
		atomic.AddInt32(&runs, 1)
		return true
	})
	c.Request(context.Background())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 1 }, time.Second, time.Millisecond)
	c.Stop()
	time.Sleep(20 * time.Millisecond)
	seen := atomic.LoadInt32(&runs)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, seen, atomic.LoadInt32(&runs), "Stop should prevent further retries")
}
