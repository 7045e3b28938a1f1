package replicatedstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/ravault/pkg/ratypes"
	"github.com/hashicorp/raft"
)

// Transaction accumulates row operations to be replicated atomically via
// BeginCommit (spec §4.3 "create_transaction" / "create_simple_transaction").
// A simple transaction carries exactly one operation; BeginCommit replicates
// it on its own, and simple transactions are not batched with each other.
// The store enforces that a simple and a non-simple transaction never have
// operations in flight at once (DESIGN.md Open Question resolution #2).
type Transaction struct {
	store      *Store
	activityID string
	simple     bool
	ops        []rowOp
	released   bool
}

// CreateTransaction starts a regular (possibly multi-op) transaction.
func (s *Store) CreateTransaction(activityID string) *Transaction {
	return &Transaction{store: s, activityID: activityID}
}

// CreateSimpleTransaction starts a single-operation transaction (spec §4.3
// point 2). It is committed on its own, not batched with other simple
// transactions.
func (s *Store) CreateSimpleTransaction(activityID string) *Transaction {
	return &Transaction{store: s, activityID: activityID, simple: true}
}

func (t *Transaction) Insert(rowType, key string, value []byte) error {
	return t.addOp(rowOp{Kind: "insert", RowType: rowType, Key: key, Value: value})
}

func (t *Transaction) Update(rowType, key string, checkLSN *int64, value []byte) error {
	return t.addOp(rowOp{Kind: "update", RowType: rowType, Key: key, Value: value, CheckLSN: checkLSN})
}

func (t *Transaction) Delete(rowType, key string, checkLSN *int64) error {
	return t.addOp(rowOp{Kind: "delete", RowType: rowType, Key: key, CheckLSN: checkLSN})
}

func (t *Transaction) addOp(op rowOp) error {
	if t.simple && len(t.ops) >= 1 {
		return ratypes.NewError(ratypes.ErrorKindContractViolation, t.activityID, "",
			"a simple transaction may carry at most one operation", nil)
	}
	t.ops = append(t.ops, op)
	return nil
}

// BeginCommit replicates the transaction's accumulated operations through
// raft.Apply, blocking until quorum-acked and locally applied (spec §4.3
// point 1: "begin_commit returns only after a quorum of replicas has
// durably applied the operation"). If ctx carries a deadline, it bounds the
// apply wait; otherwise the store's configured CommitTimeout applies.
func (s *Store) BeginCommit(ctx context.Context, tx *Transaction) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if tx.released {
		return 0, ratypes.NewError(ratypes.ErrorKindContractViolation, tx.activityID, "",
			"transaction already committed or discarded", nil)
	}
	tx.released = true

	if len(tx.ops) == 0 {
		return 0, ratypes.NewError(ratypes.ErrorKindContractViolation, tx.activityID, "",
			"transaction has no operations", nil)
	}

	if err := s.acquireTransactionSlot(tx.simple); err != nil {
		return 0, err
	}
	defer s.releaseTransactionSlot(tx.simple)

	if !s.IsLeader() {
		return 0, ratypes.NewError(ratypes.ErrorKindNotPrimary, tx.activityID, "",
			"this replica is not the primary", nil)
	}

	cmd := command{ActivityID: tx.activityID, Simple: tx.simple, Ops: tx.ops}
	data, err := json.Marshal(cmd)
	if err != nil {
		return 0, fmt.Errorf("marshal command: %w", err)
	}

	applyTimeout := s.cfg.CommitTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			applyTimeout = remaining
		}
	}
	future := s.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		return 0, translateRaftError(err, tx.activityID)
	}

	resp, ok := future.Response().(applyResult)
	if !ok {
		return 0, ratypes.NewError(ratypes.ErrorKindCorruptStore, tx.activityID, "",
			"unexpected apply response type", nil)
	}
	if resp.Err != "" {
		kind := resp.Kind
		if kind == "" {
			kind = ratypes.ErrorKindCorruptStore
		}
		return 0, ratypes.NewError(kind, tx.activityID, "", resp.Err, nil)
	}
	return resp.LSN, nil
}

func translateRaftError(err error, activityID string) error {
	if err == raft.ErrNotLeader || err == raft.ErrLeadershipLost {
		return ratypes.NewError(ratypes.ErrorKindNotPrimary, activityID, "", err.Error(), err)
	}
	if err == raft.ErrEnqueueTimeout {
		return ratypes.NewError(ratypes.ErrorKindTimeout, activityID, "", err.Error(), err)
	}
	return ratypes.NewError(ratypes.ErrorKindCorruptStore, activityID, "", err.Error(), err)
}

// acquireTransactionSlot enforces the resolution of DESIGN.md Open Question
// #2: a non-simple transaction and any simple transaction never overlap.
func (s *Store) acquireTransactionSlot(simple bool) error {
	s.simpleMu.Lock()
	defer s.simpleMu.Unlock()

	if simple {
		if s.nonSimpleActive {
			return ratypes.NewError(ratypes.ErrorKindContractViolation, "", "",
				"cannot start a simple transaction while a non-simple transaction is in flight", nil)
		}
		s.simpleActive++
		return nil
	}

	if s.nonSimpleActive || s.simpleActive > 0 {
		return ratypes.NewError(ratypes.ErrorKindContractViolation, "", "",
			"cannot start a non-simple transaction while another transaction is in flight", nil)
	}
	s.nonSimpleActive = true
	return nil
}

func (s *Store) releaseTransactionSlot(simple bool) {
	s.simpleMu.Lock()
	defer s.simpleMu.Unlock()
	if simple {
		s.simpleActive--
		return
	}
	s.nonSimpleActive = false
}
