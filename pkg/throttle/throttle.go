// Package throttle implements the throttles of spec §5: the FM message
// throttle (batch-size cap), the replication queue throttle (high/low
// watermark hysteresis), and per-entity commit batching windows.
package throttle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Watermark implements asymmetric high/low watermark hysteresis for the
// replication queue throttle (spec §5 throttle (b), §8 property 7):
// once High fires, Low fires only after both tracked dimensions have been
// below their low watermark for one measurement interval.
//
// Grounded on pkg/reconciler.go's ticker-and-threshold pattern, generalized
// into a reusable two-dimensional (count, bytes) hysteresis helper; no
// ecosystem library in the retrieval pack models asymmetric watermark
// hysteresis directly, so this struct is the stdlib-justified primitive.
type Watermark struct {
	mu sync.Mutex

	HighCount int64
	LowCount  int64
	HighBytes int64
	LowBytes  int64

	MeasurementInterval time.Duration

	throttled        bool
	belowLowSince    time.Time
	onThrottleChange func(active bool)
}

// NewWatermark constructs a Watermark helper. onThrottleChange is invoked
// (if non-nil) exactly when the throttle state transitions, mirroring
// replicatedstore's set_throttle_callback (spec §4.3).
func NewWatermark(highCount, lowCount, highBytes, lowBytes int64, measurementInterval time.Duration, onThrottleChange func(active bool)) *Watermark {
	return &Watermark{
		HighCount:           highCount,
		LowCount:            lowCount,
		HighBytes:           highBytes,
		LowBytes:            lowBytes,
		MeasurementInterval: measurementInterval,
		onThrottleChange:    onThrottleChange,
	}
}

// Observe reports the current replication queue depth/bytes and returns
// whether the throttle is (now) active.
func (w *Watermark) Observe(count, bytes int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()

	if !w.throttled {
		if count >= w.HighCount || bytes >= w.HighBytes {
			w.throttled = true
			w.belowLowSince = time.Time{}
			w.fire(true)
		}
		return w.throttled
	}

	// Already throttled: only clear after sustained time below both low
	// watermarks for MeasurementInterval (spec §8 property 7).
	if count <= w.LowCount && bytes <= w.LowBytes {
		if w.belowLowSince.IsZero() {
			w.belowLowSince = now
		} else if now.Sub(w.belowLowSince) >= w.MeasurementInterval {
			w.throttled = false
			w.belowLowSince = time.Time{}
			w.fire(false)
		}
	} else {
		w.belowLowSince = time.Time{}
	}
	return w.throttled
}

func (w *Watermark) fire(active bool) {
	if w.onThrottleChange != nil {
		w.onThrottleChange(active)
	}
}

// Active reports whether the throttle is currently engaged.
func (w *Watermark) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.throttled
}

// FMMessageThrottle caps the number of replicas packed into one outgoing FM
// batch (spec §5 throttle (a), §4.5 Node.FMMessageThrottle supplement).
// Backed by golang.org/x/time/rate so bursts beyond the configured batch
// size in a retry interval are naturally rate-limited rather than
// hand-rolled with a ticker.
type FMMessageThrottle struct {
	limiter   *rate.Limiter
	batchSize int
}

// NewFMMessageThrottle allows up to batchSize replica ids per retryInterval.
func NewFMMessageThrottle(batchSize int, retryInterval time.Duration) *FMMessageThrottle {
	if batchSize <= 0 {
		batchSize = 1
	}
	r := rate.Every(retryInterval / time.Duration(batchSize))
	return &FMMessageThrottle{
		limiter:   rate.NewLimiter(r, batchSize),
		batchSize: batchSize,
	}
}

// Batch splits ids into throttled batches of at most batchSize entries,
// suitable for a single outgoing ReplicaUp message (spec §4.5
// "PendingReplicaUploadState ... emits a bounded batch of ReplicaUp per
// retry interval").
func (t *FMMessageThrottle) Batch(ids []string) []string {
	if len(ids) <= t.batchSize {
		return ids
	}
	return ids[:t.batchSize]
}

// Allow reports whether a send may proceed right now under the configured
// rate, without blocking (non-blocking variant used by the retry loop so it
// never stalls the RA's job-item executor — spec §5 "holders of the entity
// exclusive lock may not perform network I/O while holding it").
func (t *FMMessageThrottle) Allow() bool { return t.limiter.Allow() }

// CommitBatchWindow groups simple transactions arriving within a window up
// to a size or count limit (spec §5 throttle (c)).
type CommitBatchWindow struct {
	mu       sync.Mutex
	Period   time.Duration
	SizeLimit int
	pending  int
	timer    *time.Timer
	flush    func()
}

// NewCommitBatchWindow constructs a batching window that calls flush either
// when SizeLimit operations have accumulated or Period has elapsed since the
// first operation in the batch, whichever comes first.
func NewCommitBatchWindow(period time.Duration, sizeLimit int, flush func()) *CommitBatchWindow {
	return &CommitBatchWindow{Period: period, SizeLimit: sizeLimit, flush: flush}
}

// Add registers one simple-transaction arrival; it may trigger an immediate
// flush if the size limit is reached.
func (c *CommitBatchWindow) Add() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending++
	if c.pending == 1 {
		c.timer = time.AfterFunc(c.Period, c.onTimerFire)
	}
	if c.pending >= c.SizeLimit {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.flushLocked()
	}
}

func (c *CommitBatchWindow) onTimerFire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

func (c *CommitBatchWindow) flushLocked() {
	if c.pending == 0 {
		return
	}
	c.pending = 0
	c.timer = nil
	go c.flush()
}
