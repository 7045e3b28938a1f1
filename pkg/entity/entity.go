// Package entity implements the generic concurrency primitive of spec §4.4:
// an Entity Map of per-entity exclusive schedulers, each draining a batched
// job queue through one commit-boundary execution cycle.
//
// Grounded on pkg/scheduler/scheduler.go's per-service serialized scheduling
// decisions (generalized from one global ticker into an explicit per-entity
// job queue) and pkg/events/events.go's post-commit dispatch pattern
// (generalized into the step-6 action drain below). No generic-actor
// library appears anywhere in the retrieval pack for this concern; the
// corpus hand-rolls exactly this kind of primitive in pkg/scheduler and
// pkg/reconciler, so this package is stdlib-only by the same convention.
package entity

import (
	"fmt"
	"sync"
)

// CheckMask is the bitmask job items carry, evaluated before execution;
// failing checks drop the item without mutation (spec §4.4 "Throughput").
type CheckMask uint8

const (
	CheckRAIsOpen CheckMask = 1 << iota
	CheckFTIsNotNull
	CheckFTIsOpen
	CheckRAIsOpenOrClosing
)

// Satisfies reports whether the current environment (encoded by `have`)
// satisfies every bit required by the job item (encoded by the receiver).
func (required CheckMask) Satisfies(have CheckMask) bool {
	return required&have == required
}

// Action is queued by a job item's Process call and dispatched only after a
// successful commit, in the order items were queued (spec §4.4 step 5,
// "(c) actions queued in step 2 are dispatched only if commit succeeded").
type Action func()

// JobItem is one unit of work scheduled against an entity of type T. State
// is a pointer to the entity's in-memory snapshot; Process may mutate it.
type JobItem[T any] interface {
	// Checks returns the bitmask that must be satisfied for this item to run.
	Checks() CheckMask

	// Process runs while the entity's exclusive lock is held. It returns
	// whether the entity was mutated (requiring persistence) and any
	// actions to dispatch after a successful commit.
	Process(state *T) (updating bool, actions []Action, err error)

	// FinishProcess runs after the commit (or immediately, if no
	// persistence was needed), with the result of that commit.
	FinishProcess(state *T, commitErr error)
}

// Persister commits a mutated snapshot to durable/replicated storage.
// Typically backed by replicatedstore.Store.
type Persister[T any] func(state *T) error

// Entry is one entity's scheduler: an exclusive lock guarding a snapshot and
// its pending job queue (spec §4.4 "Entity Scheduler").
type Entry[T any] struct {
	ID string

	mu      sync.Mutex
	state   T
	queue   []JobItem[T]
	running bool
	deleted bool

	persist Persister[T]
	have    CheckMask
	onError func(id string, err error)
}

// Schedule enqueues a job item and, if no executor is currently draining
// this entity, starts one. Matches spec §4.4 "schedule(job_item) ->
// completion delivers all job items batched while the entity was locked".
func (e *Entry[T]) Schedule(item JobItem[T]) {
	e.mu.Lock()
	e.queue = append(e.queue, item)
	shouldRun := !e.running
	if shouldRun {
		e.running = true
	}
	e.mu.Unlock()

	if shouldRun {
		go e.runCycles()
	}
}

// runCycles drains the queue one execution cycle at a time until empty,
// matching spec §4.4's six-step execution cycle per batch.
func (e *Entry[T]) runCycles() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		batch := e.queue
		e.queue = nil
		e.runCycle(batch)
		e.mu.Unlock()
	}
}

// runCycle executes one batch under the entity's exclusive lock (already
// held by the caller), implementing steps 2-5 of spec §4.4.
func (e *Entry[T]) runCycle(batch []JobItem[T]) {
	var (
		anyUpdating bool
		allActions  []Action
		ran         []JobItem[T]
	)

	for _, item := range batch {
		if !item.Checks().Satisfies(e.have) {
			continue // failing checks drop the item without mutation
		}
		updating, actions, err := item.Process(&e.state)
		if err != nil {
			if e.onError != nil {
				e.onError(e.ID, err)
			}
			continue
		}
		if updating {
			anyUpdating = true
		}
		allActions = append(allActions, actions...)
		ran = append(ran, item)
	}

	var commitErr error
	if anyUpdating && e.persist != nil {
		commitErr = e.persist(&e.state)
	}

	for _, item := range ran {
		item.FinishProcess(&e.state, commitErr)
	}

	if commitErr == nil {
		for _, action := range allActions {
			action()
		}
	}
}

// State returns a copy of the current in-memory snapshot. Safe to call
// concurrently; acquires the entity lock briefly.
func (e *Entry[T]) State() T {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// MarkDeleted flags the entry for removal; the Map removes it from its
// index only after the caller observes the current cycle has completed
// (spec §4.4 "(d) an entity marked deleted is removed from the map only
// after commit").
func (e *Entry[T]) MarkDeleted() {
	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
}

func (e *Entry[T]) IsDeleted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deleted
}

// Map owns a set of Entry[T] exclusively; the Entity Map per spec §3.5,
// §4.4. Lookups are reader/writer-lock concurrent; entity mutation goes
// through the per-entity scheduler, never the map lock (spec §5 "Shared
// resources").
type Map[T any] struct {
	mu      sync.RWMutex
	entries map[string]*Entry[T]
	persist Persister[T]
	have    CheckMask
	onError func(id string, err error)
}

// NewMap constructs an empty entity map. persist is invoked whenever any
// job item in a cycle marks its entity updating; have is the CheckMask this
// process satisfies right now (e.g. CheckRAIsOpen once the RA has finished
// startup).
func NewMap[T any](persist Persister[T], have CheckMask, onError func(id string, err error)) *Map[T] {
	return &Map[T]{
		entries: make(map[string]*Entry[T]),
		persist: persist,
		have:    have,
		onError: onError,
	}
}

// GetOrCreate returns the existing entry for id, or creates one seeded with
// initial if absent.
func (m *Map[T]) GetOrCreate(id string, initial T) *Entry[T] {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		return e
	}
	e = &Entry[T]{ID: id, state: initial, persist: m.persist, have: m.have, onError: m.onError}
	m.entries[id] = e
	return e
}

// Get looks up an existing entry without creating one.
func (m *Map[T]) Get(id string) (*Entry[T], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

// Remove deletes the entry for id if it is marked deleted, matching spec
// §4.4's "removed from the map only after commit" rule.
func (m *Map[T]) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil
	}
	if !e.IsDeleted() {
		return fmt.Errorf("entity %s: cannot remove before it is marked deleted", id)
	}
	delete(m.entries, id)
	return nil
}

// All returns a snapshot slice of every current entry. Used for fan-out
// operations (upgrade, node deactivation) per spec §4.4 "Multiple-entity
// work".
func (m *Map[T]) All() []*Entry[T] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Entry[T], 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

// SetHave updates the CheckMask this process satisfies (e.g. once RA has
// finished opening). New cycles pick it up; in-flight cycles keep the mask
// they started with.
func (m *Map[T]) SetHave(have CheckMask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.have = have
	for _, e := range m.entries {
		e.mu.Lock()
		e.have = have
		e.mu.Unlock()
	}
}

// Fanout schedules the same job-item factory against every current entry,
// with doneFn invoked after every child job item completes (spec §4.4
// "Multiple-entity work ... batches of job items across many entities with
// a completion callback invoked after every child job item completes").
func Fanout[T any](m *Map[T], makeItem func(id string) JobItem[T], doneFn func(id string)) {
	for _, e := range m.All() {
		id := e.ID
		item := makeItem(id)
		if doneFn == nil {
			e.Schedule(item)
			continue
		}
		e.Schedule(wrapWithDone[T]{JobItem: item, doneFn: func() { doneFn(id) }})
	}
}

type wrapWithDone[T any] struct {
	JobItem[T]
	doneFn func()
}

func (w wrapWithDone[T]) FinishProcess(state *T, commitErr error) {
	w.JobItem.FinishProcess(state, commitErr)
	w.doneFn()
}
