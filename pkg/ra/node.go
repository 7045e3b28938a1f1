package ra

import (
	"sync"

	"github.com/cuemby/ravault/pkg/throttle"
)

// NodeDeactivationState tracks this node's current activation/deactivation
// sequence number per FM kind (spec §4.5 "Node-level state"). Activate and
// Deactivate are both monotonic on sequence number: a stale (lower) sequence
// number is ignored, matching the staleness handling HandleMessage already
// applies to FT-targeted messages.
type NodeDeactivationState struct {
	mu            sync.Mutex
	sequenceNumber int64
	activated     bool
}

func NewNodeDeactivationState() *NodeDeactivationState {
	return &NodeDeactivationState{activated: true}
}

// Activate records a NodeActivate at seq, advancing the node to active if
// seq is not stale.
func (n *NodeDeactivationState) Activate(seq int64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if seq < n.sequenceNumber {
		return false
	}
	n.sequenceNumber = seq
	n.activated = true
	return true
}

// Deactivate records a NodeDeactivate at seq, advancing the node to
// deactivated if seq is not stale.
func (n *NodeDeactivationState) Deactivate(seq int64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if seq < n.sequenceNumber {
		return false
	}
	n.sequenceNumber = seq
	n.activated = false
	return true
}

func (n *NodeDeactivationState) IsActivated() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.activated
}

func (n *NodeDeactivationState) SequenceNumber() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sequenceNumber
}

// PendingReplicaUploadState tracks failover units with an unacknowledged
// ReplicaUp outstanding to one FM kind, emitting bounded batches through an
// FMMessageThrottle until the set drains, at which point the caller should
// issue LastReplicaUp (spec §4.5 "PendingReplicaUploadState").
type PendingReplicaUploadState struct {
	mu       sync.Mutex
	pending  map[string]struct{}
	throttle *throttle.FMMessageThrottle
}

func NewPendingReplicaUploadState(th *throttle.FMMessageThrottle) *PendingReplicaUploadState {
	return &PendingReplicaUploadState{
		pending:  make(map[string]struct{}),
		throttle: th,
	}
}

// Add marks ftID as having an unacknowledged ReplicaUp pending.
func (p *PendingReplicaUploadState) Add(ftID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[ftID] = struct{}{}
}

// Ack clears ftID once its ReplicaUp is acknowledged (ReplicaUpReply).
func (p *PendingReplicaUploadState) Ack(ftID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, ftID)
}

// IsEmpty reports whether every pending replica_up has been acked, the
// precondition for issuing LastReplicaUp.
func (p *PendingReplicaUploadState) IsEmpty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) == 0
}

// NextBatch returns up to one throttle-sized batch of still-pending ft ids,
// or nil if the throttle denies this tick or nothing is pending.
func (p *PendingReplicaUploadState) NextBatch() []string {
	if !p.throttle.Allow() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return nil
	}
	ids := make([]string, 0, len(p.pending))
	for id := range p.pending {
		ids = append(ids, id)
	}
	return p.throttle.Batch(ids)
}
