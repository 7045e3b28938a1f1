package fup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/ravault/pkg/metrics"
)

// ActionListKind enumerates the typed action-list sequences of spec §4.6.
type ActionListKind string

const (
	ActionListOpenPrimary              ActionListKind = "StatefulServiceOpenPrimary"
	ActionListChangeRole               ActionListKind = "StatefulServiceChangeRole"
	ActionListUpdateAndCatchupQuorum   ActionListKind = "ReplicatorUpdateAndCatchupQuorum"
	ActionListBuildIdleReplica         ActionListKind = "ReplicatorBuildIdleReplica"
	ActionListQuery                    ActionListKind = "Query"
	ActionListClose                    ActionListKind = "Close"
)

// compatibility reports, per spec §4.6, whether two action lists may run
// concurrently on the same proxy. Absent pairs default to incompatible,
// the conservative choice: the original distinguishes only a handful of
// lists as safely concurrent (long-running builds alongside queries).
var compatibility = map[ActionListKind]map[ActionListKind]bool{
	ActionListBuildIdleReplica: {
		ActionListQuery: true,
	},
	ActionListQuery: {
		ActionListBuildIdleReplica: true,
		ActionListQuery:            true,
	},
}

func compatible(a, b ActionListKind) bool {
	if a == b && a == ActionListQuery {
		return true
	}
	if m, ok := compatibility[a]; ok && m[b] {
		return true
	}
	if m, ok := compatibility[b]; ok && m[a] {
		return true
	}
	return false
}

// ActionStep is one step of an action list: a call into the replica or
// replicator API.
type ActionStep func(ctx context.Context) error

// Executor runs action lists against a Proxy, enforcing spec §4.6's static
// compatibility table (the FUP runs one incompatible list at a time;
// compatible lists may run concurrently).
type Executor struct {
	proxy *Proxy

	mu      sync.Mutex
	running map[ActionListKind]int
}

func NewExecutor(p *Proxy) *Executor {
	return &Executor{proxy: p, running: make(map[ActionListKind]int)}
}

// Run executes steps under kind, blocking until no incompatible list is in
// flight. Returns an error without running if the proxy's Close has already
// been called (spec §4.6 invariant 2: "Close is monotonic — once initiated,
// no new action list starts"). Before the proxy is opened, only
// ActionListOpenPrimary may run.
func (e *Executor) Run(ctx context.Context, kind ActionListKind, steps ...ActionStep) error {
	e.proxy.mu.Lock()
	closeCalled, lifecycle := e.proxy.closeCalled, e.proxy.lifecycle
	e.proxy.mu.Unlock()
	if closeCalled || (lifecycle == LifecycleClosed && kind != ActionListOpenPrimary) {
		return fmt.Errorf("fup %s: proxy closed, refusing action list %s", e.proxy.FTID, kind)
	}

	if err := e.acquire(ctx, kind); err != nil {
		return err
	}
	defer e.release(kind)

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ActionListDuration, string(kind))

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step(ctx); err != nil {
			return fmt.Errorf("action list %s: %w", kind, err)
		}
	}
	return nil
}

func (e *Executor) acquire(ctx context.Context, kind ActionListKind) error {
	for {
		e.mu.Lock()
		if e.canRunLocked(kind) {
			e.running[kind]++
			e.mu.Unlock()
			return nil
		}
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (e *Executor) canRunLocked(kind ActionListKind) bool {
	for other, count := range e.running {
		if count == 0 {
			continue
		}
		if other == kind {
			continue
		}
		if !compatible(kind, other) {
			return false
		}
	}
	return true
}

func (e *Executor) release(kind ActionListKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running[kind]--
	if e.running[kind] <= 0 {
		delete(e.running, kind)
	}
}

// OperationTable tracks in-flight operations by API name, split into
// single-instance (e.g. ChangeRole) and multi-instance (e.g. BuildIdle per
// remote replica) stores (spec §5 supplement, ExecutingOperationList).
type OperationTable struct {
	mu     sync.Mutex
	single map[string]context.CancelFunc
	multi  map[string]map[string]context.CancelFunc // api -> instance key -> cancel
}

func NewOperationTable() *OperationTable {
	return &OperationTable{
		single: make(map[string]context.CancelFunc),
		multi:  make(map[string]map[string]context.CancelFunc),
	}
}

// BeginSingle registers a single-instance operation for api, canceling and
// replacing any prior one in flight under the same name.
func (t *OperationTable) BeginSingle(api string, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.single[api]; ok {
		prev()
	}
	t.single[api] = cancel
}

func (t *OperationTable) EndSingle(api string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.single, api)
}

// BeginMulti registers a multi-instance operation for (api, instanceKey),
// e.g. a BuildIdle against one specific remote replica.
func (t *OperationTable) BeginMulti(api, instanceKey string, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.multi[api] == nil {
		t.multi[api] = make(map[string]context.CancelFunc)
	}
	if prev, ok := t.multi[api][instanceKey]; ok {
		prev()
	}
	t.multi[api][instanceKey] = cancel
}

func (t *OperationTable) EndMulti(api, instanceKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.multi[api]; ok {
		delete(m, instanceKey)
		if len(m) == 0 {
			delete(t.multi, api)
		}
	}
}

// CancelAll cancels every in-flight operation, single and multi-instance
// (used by Proxy.Abort).
func (t *OperationTable) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cancel := range t.single {
		cancel()
	}
	for _, m := range t.multi {
		for _, cancel := range m {
			cancel()
		}
	}
	t.single = make(map[string]context.CancelFunc)
	t.multi = make(map[string]map[string]context.CancelFunc)
}
