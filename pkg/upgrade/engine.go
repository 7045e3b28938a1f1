package upgrade

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/ravault/pkg/log"
)

// queueEligible reports whether state is a point at which a newer upgrade
// instance may supersede the running one (spec §4.7: "newer instance
// supersedes older only if the older is at a queue-eligible state or has
// completed").
func queueEligible(s State) bool {
	switch s {
	case StateOpen, StateCompleted, StateClosed:
		return true
	default:
		return false
	}
}

// Engine guarantees at most one upgrade executes per application at a time
// (spec §4.7).
type Engine struct {
	mu  sync.Mutex
	run map[string]*Upgrade // application id -> active upgrade
}

// NewEngine constructs an empty Engine.
func NewEngine() *Engine {
	return &Engine{run: make(map[string]*Upgrade)}
}

// Start begins upgrade u for its application. If an upgrade is already
// running for that application:
//   - a newer instance number supersedes it if it is at a queue-eligible
//     state (canceling the old one first);
//   - an instance number at or below the running one is rejected.
func (e *Engine) Start(ctx context.Context, u *Upgrade) error {
	e.mu.Lock()
	existing, ok := e.run[u.ApplicationID]
	if ok {
		if u.InstanceNumber <= existing.InstanceNumber {
			e.mu.Unlock()
			return fmt.Errorf("upgrade %s: instance %d does not supersede running instance %d",
				u.ApplicationID, u.InstanceNumber, existing.InstanceNumber)
		}
		if !queueEligible(existing.State()) {
			e.mu.Unlock()
			return fmt.Errorf("upgrade %s: instance %d cannot supersede instance %d mid-domain",
				u.ApplicationID, u.InstanceNumber, existing.InstanceNumber)
		}
		existing.Cancel()
	}
	e.run[u.ApplicationID] = u
	e.mu.Unlock()

	logger := log.WithComponent("upgrade-engine").With().Str("application_id", u.ApplicationID).Logger()
	logger.Info().Int64("instance", u.InstanceNumber).Msg("starting upgrade")

	go func() {
		err := u.Run(ctx)
		e.mu.Lock()
		if e.run[u.ApplicationID] == u {
			delete(e.run, u.ApplicationID)
		}
		e.mu.Unlock()
		if err != nil {
			logger.Warn().Err(err).Int64("instance", u.InstanceNumber).Msg("upgrade finished with error")
		} else {
			logger.Info().Int64("instance", u.InstanceNumber).Msg("upgrade completed")
		}
	}()
	return nil
}

// Cancel cancels the running upgrade for appID, if any.
func (e *Engine) Cancel(appID string) error {
	e.mu.Lock()
	u, ok := e.run[appID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no upgrade running for application %s", appID)
	}
	u.Cancel()
	return nil
}

// Current returns the running upgrade for appID, if any.
func (e *Engine) Current(appID string) (*Upgrade, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.run[appID]
	return u, ok
}
