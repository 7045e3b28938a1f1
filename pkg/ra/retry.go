package ra

import (
	"context"
	"sync"
	"time"
)

// RetryCoalescer implements the BackgroundWorkManagerWithRetry pattern of
// spec §4.5 "FM message retry": concurrent requests to run work while it is
// already in flight are coalesced into a single rerun rather than queued
// individually, work fires at most once per minInterval, and a work
// invocation that reports retryNeeded arms a timer to fire again after
// minInterval.
//
// Grounded on pkg/worker/worker.go's single-flight retry loop, generalized
// from a fixed poll interval to a request-coalescing trigger plus a
// retry-on-demand timer.
type RetryCoalescer struct {
	minInterval time.Duration
	work        func(ctx context.Context) (retryNeeded bool)

	mu        sync.Mutex
	running   bool
	rerun     bool
	lastRun   time.Time
	timer     *time.Timer
	stopped   bool
}

// NewRetryCoalescer constructs a coalescer around work, which must be safe
// to call concurrently with itself only in the sense that the coalescer
// guarantees it never is.
func NewRetryCoalescer(minInterval time.Duration, work func(ctx context.Context) (retryNeeded bool)) *RetryCoalescer {
	return &RetryCoalescer{minInterval: minInterval, work: work}
}

// Request asks the coalescer to run work soon. If work is already running,
// the request is folded into a rerun once the current invocation finishes.
// If the last completed run was within minInterval, the request is deferred
// to a timer rather than run immediately.
func (c *RetryCoalescer) Request(ctx context.Context) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if c.running {
		c.rerun = true
		c.mu.Unlock()
		return
	}
	if since := time.Since(c.lastRun); since < c.minInterval {
		c.armLocked(ctx, c.minInterval-since)
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go c.runLoop(ctx)
}

func (c *RetryCoalescer) runLoop(ctx context.Context) {
	for {
		retryNeeded := c.work(ctx)

		c.mu.Lock()
		c.lastRun = time.Now()
		rerun := c.rerun
		c.rerun = false

		if !rerun && !retryNeeded {
			c.running = false
			c.mu.Unlock()
			return
		}
		if !rerun && retryNeeded {
			c.running = false
			c.armLocked(ctx, c.minInterval)
			c.mu.Unlock()
			return
		}
		// rerun requested while we were running: loop again immediately,
		// still holding c.running true.
		c.mu.Unlock()
	}
}

// armLocked schedules a future Request after d. Caller holds c.mu.
func (c *RetryCoalescer) armLocked(ctx context.Context, d time.Duration) {
	if c.stopped || c.timer != nil {
		return
	}
	c.timer = time.AfterFunc(d, func() {
		c.mu.Lock()
		c.timer = nil
		c.mu.Unlock()
		c.Request(ctx)
	})
}

// Stop disarms any pending retry timer and prevents further work.
func (c *RetryCoalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
