// Package upgrade implements the per-application cancelable upgrade state
// machine of spec §4.7: upgrade instances progress through a sequence of
// domains (batches of replicas), support a cancel that is deferred until a
// cancel-safe boundary, and roll back using a snapshot of which replicas
// were closed along the way.
//
// Grounded on pkg/deploy/deploy.go's rollingUpdate (batch/parallelism/delay
// loop over a service's containers), generalized from a single blocking
// function into an explicit, resumable, cancelable state machine.
package upgrade

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/ravault/pkg/log"
	"github.com/cuemby/ravault/pkg/metrics"
	"github.com/rs/zerolog"
)

// State enumerates the upgrade's top-level lifecycle (spec §4.7).
type State string

const (
	StateOpen           State = "Open"
	StateRollingForward State = "RollingForward"
	StateCancelling     State = "Cancelling"
	StateRollingBack    State = "RollingBack"
	StateCompleted      State = "Completed"
	StateClosed         State = "Closed"
)

// cancelSafe reports whether cancel can act immediately from state, or must
// be deferred until the current domain finishes (spec §4.7: "otherwise,
// Cancelling is deferred until the current state completes, then closed").
func cancelSafe(s State) bool {
	switch s {
	case StateOpen, StateCompleted, StateClosed:
		return true
	default:
		return false
	}
}

// Domain is one upgrade batch: a forward step (e.g. close+reopen a set of
// replicas onto the new code/config version) and its inverse.
type Domain struct {
	Name     string
	Apply    func(ctx context.Context) error
	Rollback func(ctx context.Context) error
}

// RollbackSnapshot records, per domain index, whether that domain's
// replicas were actually closed — so rollback knows which domains need
// reopening and which never got that far (spec §4.7).
type RollbackSnapshot struct {
	ClosedDomains map[int]bool
}

// RetryPolicy governs a domain's timer-with-retry state (spec §4.7: "timer-
// with-retry (dynamic or constant retry interval)").
type RetryPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultRetryPolicy matches a modest constant-ish backoff: short initial
// retry, capped growth.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Initial: 2 * time.Second, Max: 30 * time.Second, Multiplier: 2}
}

// Upgrade is one cancelable upgrade instance for one application.
type Upgrade struct {
	ApplicationID  string
	InstanceNumber int64

	mu          sync.Mutex
	state       State
	domainIndex int
	domains     []Domain
	retry       RetryPolicy
	rollback    RollbackSnapshot
	cancelReq   bool
	err         error
	done        chan struct{}

	logger zerolog.Logger
}

// NewUpgrade constructs an upgrade at instance over domains, not yet
// started.
func NewUpgrade(appID string, instance int64, domains []Domain, retry RetryPolicy) *Upgrade {
	return &Upgrade{
		ApplicationID:  appID,
		InstanceNumber: instance,
		state:          StateOpen,
		domains:        domains,
		retry:          retry,
		rollback:       RollbackSnapshot{ClosedDomains: make(map[int]bool)},
		done:           make(chan struct{}),
		logger:         log.WithComponent("upgrade").With().Str("application_id", appID).Int64("instance", instance).Logger(),
	}
}

func (u *Upgrade) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Err returns the terminal error, if the upgrade closed with one.
func (u *Upgrade) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// Done is closed once the upgrade reaches Closed.
func (u *Upgrade) Done() <-chan struct{} { return u.done }

// Cancel requests a cancel. If the upgrade is at a cancel-safe boundary it
// transitions immediately; otherwise the request is recorded and honored
// at the next domain boundary (spec §4.7).
func (u *Upgrade) Cancel() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == StateClosed {
		return
	}
	u.cancelReq = true
	if cancelSafe(u.state) {
		u.transitionToCancellingLocked()
	}
}

func (u *Upgrade) transitionToCancellingLocked() {
	u.state = StateCancelling
	u.logger.Info().Msg("upgrade cancelling")
}

// Run drives the upgrade to completion: sequential forward domains, or a
// rollback sequence if canceled, finishing in Closed either way. Run must
// be called at most once.
func (u *Upgrade) Run(ctx context.Context) error {
	timer := metrics.NewTimer()

	u.mu.Lock()
	u.state = StateRollingForward
	u.mu.Unlock()

	for i, d := range u.domains {
		u.mu.Lock()
		cancelNow := u.cancelReq
		u.domainIndex = i
		u.mu.Unlock()

		if cancelNow {
			break
		}

		if err := u.runWithRetry(ctx, d.Name, d.Apply); err != nil {
			u.mu.Lock()
			u.err = err
			u.mu.Unlock()
			break
		}

		u.mu.Lock()
		u.rollback.ClosedDomains[i] = true
		u.mu.Unlock()
	}

	u.mu.Lock()
	canceled := u.cancelReq || u.err != nil
	u.mu.Unlock()

	if canceled {
		u.runRollback(ctx)
		u.mu.Lock()
		u.state = StateClosed
		u.mu.Unlock()
		close(u.done)

		outcome := "rolled_back"
		if u.err != nil {
			outcome = "failed"
		}
		metrics.UpgradesTotal.WithLabelValues(outcome).Inc()
		timer.ObserveDurationVec(metrics.UpgradeDuration, outcome)

		if u.err != nil {
			return u.err
		}
		return fmt.Errorf("upgrade %s instance %d canceled", u.ApplicationID, u.InstanceNumber)
	}

	u.mu.Lock()
	u.state = StateCompleted
	u.state = StateClosed
	u.mu.Unlock()
	close(u.done)
	metrics.UpgradesTotal.WithLabelValues("completed").Inc()
	timer.ObserveDurationVec(metrics.UpgradeDuration, "completed")
	return nil
}

func (u *Upgrade) runRollback(ctx context.Context) {
	u.mu.Lock()
	u.state = StateRollingBack
	closed := make(map[int]bool, len(u.rollback.ClosedDomains))
	for k, v := range u.rollback.ClosedDomains {
		closed[k] = v
	}
	u.mu.Unlock()

	for i := len(u.domains) - 1; i >= 0; i-- {
		if !closed[i] {
			continue
		}
		d := u.domains[i]
		if d.Rollback == nil {
			continue
		}
		if err := u.runWithRetry(ctx, d.Name+":rollback", d.Rollback); err != nil {
			u.logger.Error().Err(err).Str("domain", d.Name).Msg("rollback step failed")
		}
	}
}

// runWithRetry retries step with exponential backoff bounded by u.retry,
// honoring ctx cancellation and a deferred cancel request between
// attempts.
func (u *Upgrade) runWithRetry(ctx context.Context, name string, step func(ctx context.Context) error) error {
	interval := u.retry.Initial
	for {
		err := step(ctx)
		if err == nil {
			return nil
		}
		u.logger.Warn().Err(err).Str("domain", name).Dur("retry_in", interval).Msg("domain step failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		u.mu.Lock()
		cancelNow := u.cancelReq
		u.mu.Unlock()
		if cancelNow {
			return fmt.Errorf("domain %s: %w (canceled before retry)", name, err)
		}

		interval = time.Duration(float64(interval) * u.retry.Multiplier)
		if interval > u.retry.Max {
			interval = u.retry.Max
		}
	}
}
