// Package fup implements the Failover Unit Proxy of spec §4.6: the in-host
// mirror of a failover unit that drives the local replica/replicator
// through a typed action-list executor, computes read/write status from a
// lifecycle/configuration-stage lookup table, and tracks in-flight
// operations per API name.
//
// Grounded on pkg/worker/worker.go's in-host lifecycle management
// (Start/Stop, per-unit goroutines, mutex-guarded maps), generalized from
// per-container execution to per-replica action-list execution.
package fup

import (
	"fmt"
	"sync"

	"github.com/cuemby/ravault/pkg/log"
	"github.com/cuemby/ravault/pkg/ratypes"
	"github.com/rs/zerolog"
)

// LifecycleState enumerates the FUP's top-level state (spec §4.6).
type LifecycleState string

const (
	LifecycleClosed  LifecycleState = "Closed"
	LifecycleOpening LifecycleState = "Opening"
	LifecycleOpened  LifecycleState = "Opened"
	LifecycleClosing LifecycleState = "Closing"
)

// ConfigurationStage enumerates the FUP's reconfiguration-facing stage
// (spec §4.6).
type ConfigurationStage string

const (
	StageCurrent                             ConfigurationStage = "Current"
	StageCurrentPending                      ConfigurationStage = "CurrentPending"
	StageCatchup                             ConfigurationStage = "Catchup"
	StageCatchupPending                      ConfigurationStage = "CatchupPending"
	StagePreWriteStatusRevokeCatchup         ConfigurationStage = "PreWriteStatusRevokeCatchup"
	StagePreWriteStatusRevokeCatchupPending  ConfigurationStage = "PreWriteStatusRevokeCatchupPending"
)

// Proxy is the in-host mirror of one failover unit (spec §4.6).
type Proxy struct {
	FTID string

	mu          sync.Mutex
	lifecycle   LifecycleState
	stage       ConfigurationStage
	epoch       ratypes.Epoch
	closeCalled bool

	ops *OperationTable

	logger zerolog.Logger
}

// NewProxy constructs a closed FUP for ftID.
func NewProxy(ftID string) *Proxy {
	return &Proxy{
		FTID:      ftID,
		lifecycle: LifecycleClosed,
		stage:     StageCurrent,
		ops:       NewOperationTable(),
		logger:    log.WithComponent("fup").With().Str("ft_id", ftID).Logger(),
	}
}

// Open transitions Closed -> Opening -> Opened, rejecting a second open
// attempt (spec §4.6 invariant 1: "at most one open of the replica").
func (p *Proxy) Open(epoch ratypes.Epoch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lifecycle != LifecycleClosed {
		return fmt.Errorf("fup %s: open called from state %s", p.FTID, p.lifecycle)
	}
	p.lifecycle = LifecycleOpening
	p.epoch = epoch
	p.logger.Debug().Msg("opening")
	p.lifecycle = LifecycleOpened
	return nil
}

// Close is monotonic: once called, no new action list may start, even if
// this call is itself racing a pending Abort (spec §4.6 invariant 2).
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closeCalled {
		return nil
	}
	p.closeCalled = true
	p.lifecycle = LifecycleClosing
	p.logger.Debug().Msg("closing")
	p.lifecycle = LifecycleClosed
	return nil
}

// Abort is synchronous and drops all resources immediately regardless of
// whether a prior Close stalled (spec §4.6 invariant 3).
func (p *Proxy) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCalled = true
	p.lifecycle = LifecycleClosed
	p.ops.CancelAll()
	p.logger.Warn().Msg("aborted")
}

// UpdateEpoch applies epoch, a no-op if epoch is already current (spec §4.6
// invariant 4: "UpdateEpoch is idempotent for the same epoch value").
func (p *Proxy) UpdateEpoch(epoch ratypes.Epoch) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.epoch == epoch {
		return
	}
	p.epoch = epoch
}

func (p *Proxy) Lifecycle() LifecycleState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lifecycle
}

func (p *Proxy) Stage() ConfigurationStage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage
}

// SetStage transitions the FUP's configuration stage, rejecting the change
// if Close has already been called (invariant 2).
func (p *Proxy) SetStage(stage ConfigurationStage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closeCalled {
		return fmt.Errorf("fup %s: cannot change stage after close", p.FTID)
	}
	p.stage = stage
	return nil
}

// Status computes the (read, write) status pair for the FUP's current
// lifecycle/stage pair (spec §4.6 "two-dimensional lookup").
func (p *Proxy) Status(hasMinReplicaSetAndWriteQuorum bool) (ReadStatus, WriteStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return resolveStatus(p.lifecycle, p.stage, hasMinReplicaSetAndWriteQuorum)
}

// Operations returns the proxy's in-flight operation tracker.
func (p *Proxy) Operations() *OperationTable { return p.ops }
