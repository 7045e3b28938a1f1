package ra

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/ravault/pkg/entity"
	"github.com/cuemby/ravault/pkg/health"
	"github.com/cuemby/ravault/pkg/log"
	"github.com/cuemby/ravault/pkg/metrics"
	"github.com/cuemby/ravault/pkg/ratypes"
	"github.com/cuemby/ravault/pkg/replicatedstore"
	"github.com/cuemby/ravault/pkg/throttle"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

const failoverUnitRowType = "failover_unit"

// MessageSender is implemented by pkg/messaging: the RA enqueues outgoing
// messages as step-5 actions (spec §4.4/§5 "holders of the entity exclusive
// lock may not perform network I/O while holding it").
type MessageSender interface {
	Send(ctx context.Context, to NodeInstance, msg Message) error
}

// PhaseTimeouts configures the per-phase deadline of spec §4.5's
// reconfiguration table.
type PhaseTimeouts map[ratypes.ReconfigurationPhase]time.Duration

func DefaultPhaseTimeouts() PhaseTimeouts {
	return PhaseTimeouts{
		ratypes.PhasePhase0Demote:    10 * time.Second,
		ratypes.PhasePhase1GetLSN:    15 * time.Second,
		ratypes.PhasePhase2Catchup:   60 * time.Second,
		ratypes.PhasePhase3Deactivate: 15 * time.Second,
		ratypes.PhasePhase4Activate:  15 * time.Second,
	}
}

// Config configures an Agent.
type Config struct {
	NodeID          string
	RetryThresholds ratypes.RetryThresholds
	PhaseTimeouts   PhaseTimeouts
	FMBatchSize     int
	FMRetryInterval time.Duration
	SeqCacheSize    int
}

func (c *Config) setDefaults() {
	if c.RetryThresholds == (ratypes.RetryThresholds{}) {
		c.RetryThresholds = ratypes.DefaultRetryThresholds()
	}
	if c.PhaseTimeouts == nil {
		c.PhaseTimeouts = DefaultPhaseTimeouts()
	}
	if c.FMBatchSize == 0 {
		c.FMBatchSize = 50
	}
	if c.FMRetryInterval == 0 {
		c.FMRetryInterval = 2 * time.Second
	}
	if c.SeqCacheSize == 0 {
		c.SeqCacheSize = 4096
	}
}

// Agent is the Reconfiguration Agent: owner of every FailoverUnit entity on
// this node, the node-level FM bookkeeping, and message dispatch.
type Agent struct {
	cfg    Config
	logger zerolog.Logger

	store  *replicatedstore.Store
	sender MessageSender
	health *health.Checker

	fts *entity.Map[ratypes.FailoverUnit]

	genMu       sync.Mutex
	generations map[ratypes.FMKind]*ratypes.GenerationState

	nodeMu           sync.Mutex
	deactivation     map[ratypes.FMKind]*NodeDeactivationState
	uploadState      map[ratypes.FMKind]*PendingReplicaUploadState

	seqCache *lru.Cache[string, struct{}]

	coalescers sync.Map // key string -> *RetryCoalescer

	closing atomic.Bool
	open    atomic.Bool
}

// NewAgent constructs an Agent backed by store for FT persistence, sender
// for outgoing FM/RA messages, and h for health reporting.
func NewAgent(cfg Config, store *replicatedstore.Store, sender MessageSender, h *health.Checker) (*Agent, error) {
	cfg.setDefaults()
	seqCache, err := lru.New[string, struct{}](cfg.SeqCacheSize)
	if err != nil {
		return nil, fmt.Errorf("new sequence cache: %w", err)
	}

	a := &Agent{
		cfg:          cfg,
		logger:       log.WithComponent("ra").With().Str("node_id", cfg.NodeID).Logger(),
		store:        store,
		sender:       sender,
		health:       h,
		generations:  make(map[ratypes.FMKind]*ratypes.GenerationState),
		deactivation: make(map[ratypes.FMKind]*NodeDeactivationState),
		uploadState:  make(map[ratypes.FMKind]*PendingReplicaUploadState),
		seqCache:     seqCache,
	}
	a.fts = entity.NewMap[ratypes.FailoverUnit](a.persistFT, 0, a.onJobError)

	for _, kind := range []ratypes.FMKind{ratypes.FMKindFM, ratypes.FMKindFMM} {
		a.generations[kind] = &ratypes.GenerationState{}
		a.deactivation[kind] = NewNodeDeactivationState()
		a.uploadState[kind] = NewPendingReplicaUploadState(
			throttle.NewFMMessageThrottle(cfg.FMBatchSize, cfg.FMRetryInterval))
	}

	return a, nil
}

// Open marks the RA open for business, unblocking CheckRAIsOpen-gated job
// items (spec §4.4 "Throughput").
func (a *Agent) Open() {
	a.open.Store(true)
	a.fts.SetHave(entity.CheckRAIsOpen | entity.CheckFTIsNotNull | entity.CheckFTIsOpen | entity.CheckRAIsOpenOrClosing)
}

// Close marks the RA closing: only process_during_node_close-eligible
// messages are still handled (spec §4.5 message handling step 2).
func (a *Agent) Close() {
	a.closing.Store(true)
	a.fts.SetHave(entity.CheckRAIsOpenOrClosing)
}

func (a *Agent) onJobError(ftID string, err error) {
	a.logger.Error().Err(err).Str("ft_id", ftID).Msg("job item failed")
}

// persistFT commits the FT's current snapshot as a simple transaction keyed
// by FT id (spec §4.4 step 3 "serialize the snapshot and commit"). The FT
// scheduler is the sole writer of its own row, so the update is
// unconditional (no checkLSN); a first write falls back to insert.
func (a *Agent) persistFT(ft *ratypes.FailoverUnit) error {
	data, err := json.Marshal(ft)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx := a.store.CreateSimpleTransaction(ft.FTID)
	if err := tx.Update(failoverUnitRowType, ft.FTID, nil, data); err != nil {
		return err
	}
	if _, err := a.store.BeginCommit(ctx, tx); err != nil {
		kind, ok := ratypes.KindOf(err)
		if !ok || kind != ratypes.ErrorKindNotFound {
			return err
		}
		insertTx := a.store.CreateSimpleTransaction(ft.FTID)
		if err := insertTx.Insert(failoverUnitRowType, ft.FTID, data); err != nil {
			return err
		}
		_, err = a.store.BeginCommit(ctx, insertTx)
		return err
	}
	return nil
}

// GetOrCreateFT returns the scheduler entry for ftID, creating an Idle FT
// if this is the first time it is seen.
func (a *Agent) GetOrCreateFT(ftID, consistencyUnitID string) *entity.Entry[ratypes.FailoverUnit] {
	return a.fts.GetOrCreate(ftID, *ratypes.NewFailoverUnit(ftID, consistencyUnitID))
}

// seen reports whether (ftID, seq) has already been processed, and records
// it if not — the idempotence guard of spec §8 property 4, backed by a
// bounded LRU so the set never grows unbounded across a long-lived process.
func (a *Agent) seen(ftID string, seq int64) bool {
	key := fmt.Sprintf("%s:%d", ftID, seq)
	if _, ok := a.seqCache.Get(key); ok {
		return true
	}
	a.seqCache.Add(key, struct{}{})
	return false
}

// HandleMessage implements spec §4.5's five-step message handler.
func (a *Agent) HandleMessage(ctx context.Context, msg Message) error {
	meta := MetadataFor(msg.Action)

	// Step 2: reject non-node-close-eligible messages while closing.
	if a.closing.Load() && !meta.ProcessDuringNodeClose {
		return ratypes.NewError(ratypes.ErrorKindObjectClosing, msg.ActivityID, msg.FTID,
			"node is closing; message rejected", nil)
	}

	// Step 3: generation check.
	gen := a.generationFor(msg.GenerationHeader.FMKind)
	if !gen.UpdateReceive(msg.GenerationHeader.GenerationNumber) && msg.GenerationHeader.GenerationNumber != 0 {
		return ratypes.NewError(ratypes.ErrorKindReconfigurationPending, msg.ActivityID, msg.FTID,
			"stale generation header", nil)
	}

	// Step 1 (RA-targeted messages never resolve an FT).
	if meta.Target == TargetRA {
		return a.handleRAMessage(ctx, msg)
	}

	// Step 1: resolve target FT.
	if msg.FTID == "" {
		return ratypes.NewError(ratypes.ErrorKindContractViolation, msg.ActivityID, msg.FTID,
			"FT-targeted message missing ft_id", nil)
	}
	entry, ok := a.fts.Get(msg.FTID)
	if !ok {
		if !meta.CreatesEntity {
			return ratypes.NewError(ratypes.ErrorKindNotFound, msg.ActivityID, msg.FTID,
				fmt.Sprintf("unknown failover unit %s", msg.FTID), nil)
		}
		entry = a.GetOrCreateFT(msg.FTID, msg.FTID)
	}

	// Idempotence: drop exact repeats of a sequence number already applied.
	if msg.SequenceNumber != 0 && a.seen(msg.FTID, msg.SequenceNumber) {
		return nil
	}

	// Step 4: staleness check against the FT's current state.
	if meta.StalenessCheck != StalenessNone {
		if stale := a.isStale(entry, meta.StalenessCheck, msg); stale {
			return ratypes.NewError(ratypes.ErrorKindReconfigurationPending, msg.ActivityID, msg.FTID,
				"message refers to a superseded epoch or replica instance", nil)
		}
	}

	// Step 5: enqueue a job item on the FT scheduler.
	item := jobItemForAction(a, msg)
	if item == nil {
		return ratypes.NewError(ratypes.ErrorKindContractViolation, msg.ActivityID, msg.FTID,
			fmt.Sprintf("no handler registered for action %s", msg.Action), nil)
	}
	entry.Schedule(item)
	return nil
}

func (a *Agent) generationFor(kind ratypes.FMKind) *ratypes.GenerationState {
	a.genMu.Lock()
	defer a.genMu.Unlock()
	g, ok := a.generations[kind]
	if !ok {
		g = &ratypes.GenerationState{}
		a.generations[kind] = g
	}
	return g
}

// isStale compares the incoming message's epoch/replica instance against
// the FT's current state (spec §4.5 step 4).
func (a *Agent) isStale(entry *entity.Entry[ratypes.FailoverUnit], check StalenessCheck, msg Message) bool {
	ft := entry.State()
	switch check {
	case StalenessFTFailover:
		if msg.Epoch.IsInvalid() {
			return false
		}
		return msg.Epoch.Compare(ft.CurrentEpoch) < 0
	case StalenessFTProxy:
		if ft.LocalReplica == nil || msg.ReplicaInstanceID == 0 {
			return false
		}
		return msg.ReplicaInstanceID < ft.LocalReplica.InstanceID
	default:
		return false
	}
}

func (a *Agent) handleRAMessage(ctx context.Context, msg Message) error {
	switch msg.Action {
	case ActionNodeActivate:
		a.deactivationFor(msg.GenerationHeader.FMKind).Activate(msg.SequenceNumber)
	case ActionNodeDeactivate:
		closed := a.fts.All()
		for _, e := range closed {
			e.MarkDeleted()
		}
		a.deactivationFor(msg.GenerationHeader.FMKind).Deactivate(msg.SequenceNumber)
	case ActionGenerationUpdate, ActionGenerationProposal:
		// generation bookkeeping already applied in step 3 above.
	default:
		a.logger.Debug().Str("action", string(msg.Action)).Msg("unhandled RA-targeted message")
	}
	return nil
}

func (a *Agent) deactivationFor(kind ratypes.FMKind) *NodeDeactivationState {
	a.nodeMu.Lock()
	defer a.nodeMu.Unlock()
	d, ok := a.deactivation[kind]
	if !ok {
		d = NewNodeDeactivationState()
		a.deactivation[kind] = d
	}
	return d
}

func (a *Agent) uploadStateFor(kind ratypes.FMKind) *PendingReplicaUploadState {
	a.nodeMu.Lock()
	defer a.nodeMu.Unlock()
	u, ok := a.uploadState[kind]
	if !ok {
		u = NewPendingReplicaUploadState(throttle.NewFMMessageThrottle(a.cfg.FMBatchSize, a.cfg.FMRetryInterval))
		a.uploadState[kind] = u
	}
	return u
}

// Coalescer returns (creating if absent) the RetryCoalescer for key, used
// by reconfiguration/replica-up/replica-dropped/close retries (spec §4.5
// "FM message retry").
func (a *Agent) Coalescer(key string, minInterval time.Duration, work func(ctx context.Context) (retryNeeded bool)) *RetryCoalescer {
	if v, ok := a.coalescers.Load(key); ok {
		return v.(*RetryCoalescer)
	}
	counted := func(ctx context.Context) bool {
		retryNeeded := work(ctx)
		if retryNeeded {
			metrics.FMMessageRetriesTotal.WithLabelValues(key).Inc()
		}
		return retryNeeded
	}
	c := NewRetryCoalescer(minInterval, counted)
	actual, _ := a.coalescers.LoadOrStore(key, c)
	return actual.(*RetryCoalescer)
}
