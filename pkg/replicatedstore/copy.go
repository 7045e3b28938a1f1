package replicatedstore

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cuemby/ravault/pkg/kvstore"
	"github.com/cuemby/ravault/pkg/metrics"
	"github.com/cuemby/ravault/pkg/ratypes"
)

var copyContextSeq uint64

// CopyContext streams rows with OperationLSN > fromLSN to a joining or
// catching-up secondary (spec §4.3 point 3 "create_copy_context"). Selected
// CopyMode governs only how the caller is expected to apply the stream
// (Physical callers replace local state wholesale; Logical callers replay
// row-by-row; Rebuild implies the target had no prior state); the
// enumeration itself is identical in all cases.
type CopyContext struct {
	id      string
	store   *Store
	mode    CopyMode
	cursor  kvstore.Cursor
	fromLSN int64
	maxSeen int64
	closed  bool
}

// CreateCopyContext opens a catch-up stream starting just after fromLSN.
// The chosen CopyMode is derived from the estimated row gap against the
// store's row count, using cfg.CopyModeThresholds (DESIGN.md Open Question
// resolution #3).
func (s *Store) CreateCopyContext(ctx context.Context, fromLSN int64) (*CopyContext, error) {
	tx, err := s.engine.BeginTransaction(ctx, ratypes.IsolationReadCommitted)
	if err != nil {
		return nil, err
	}
	cursor, err := s.engine.CreateEnumerationByOperationLSN(tx, fromLSN)
	if err != nil {
		_ = s.engine.Rollback(tx)
		return nil, err
	}
	// The enumeration was already materialized by the engine; the read
	// transaction can close immediately (spec §4.1 "bounded catch-up scan").
	_ = s.engine.Rollback(tx)

	mode := s.selectCopyMode(fromLSN)

	id := fmt.Sprintf("copy-%d", atomic.AddUint64(&copyContextSeq, 1))
	s.copyMu.Lock()
	s.copyCursors[id] = fromLSN
	s.copyMu.Unlock()

	return &CopyContext{id: id, store: s, mode: mode, cursor: cursor, fromLSN: fromLSN}, nil
}

func (s *Store) selectCopyMode(fromLSN int64) CopyMode {
	if fromLSN <= 0 {
		return CopyModeRebuild
	}
	count, err := s.engine.EstimateRowCount()
	if err != nil {
		return CopyModeDefault
	}
	gap := count - fromLSN
	if gap < 0 {
		gap = 0
	}
	switch {
	case gap >= s.cfg.CopyModeThresholds.GapRowCountForRebuild:
		return CopyModeRebuild
	case gap >= s.cfg.CopyModeThresholds.GapRowCountForPhysical:
		return CopyModePhysical
	default:
		return CopyModeLogical
	}
}

func (c *CopyContext) Mode() CopyMode { return c.mode }

// Next advances to the next row in LSN order. Returns false once exhausted.
func (c *CopyContext) Next() bool {
	ok := c.cursor.Next()
	if ok {
		metrics.CopyStreamRowsTotal.WithLabelValues(string(c.mode)).Inc()
		row := c.cursor.Row()
		if row.OperationLSN > c.maxSeen {
			c.maxSeen = row.OperationLSN
			c.store.copyMu.Lock()
			c.store.copyCursors[c.id] = c.maxSeen
			c.store.copyMu.Unlock()
		}
	}
	return ok
}

func (c *CopyContext) Row() ratypes.Row { return c.cursor.Row() }
func (c *CopyContext) Err() error       { return c.cursor.Err() }

// Close releases the copy context's reserved cursor position, unblocking
// tombstone cleanup from advancing past rows this copy might still need
// (spec §4.3 point 5: tombstone cleanup must not outrun any active copy
// context).
func (c *CopyContext) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.store.copyMu.Lock()
	delete(c.store.copyCursors, c.id)
	c.store.copyMu.Unlock()
	return c.cursor.Close()
}

// CleanupTombstonesBefore physically removes tombstones with OperationLSN
// below the minimum LSN any active copy context still needs, and below
// floorLSN (typically the minimum LSN acknowledged by every secondary).
// Serialized against copy-context creation via copyMu (spec §4.3 point 5).
func (s *Store) CleanupTombstonesBefore(ctx context.Context, floorLSN int64) (int, error) {
	s.copyMu.Lock()
	defer s.copyMu.Unlock()

	safeLSN := floorLSN
	for _, cursorLSN := range s.copyCursors {
		if cursorLSN < safeLSN {
			safeLSN = cursorLSN
		}
	}

	tx, err := s.engine.BeginTransaction(ctx, ratypes.IsolationReadCommitted)
	if err != nil {
		return 0, err
	}
	cursor, err := s.engine.CreateEnumerationByOperationLSN(tx, -1)
	if err != nil {
		_ = s.engine.Rollback(tx)
		return 0, err
	}

	var toDelete []ratypes.Row
	for cursor.Next() {
		row := cursor.Row()
		if row.IsTombstone() && row.OperationLSN < safeLSN {
			toDelete = append(toDelete, row)
		}
	}
	_ = cursor.Close()
	_ = s.engine.Rollback(tx)

	if len(toDelete) == 0 {
		return 0, nil
	}

	deleteTx, err := s.engine.BeginTransaction(ctx, ratypes.IsolationSerializable)
	if err != nil {
		return 0, err
	}
	for _, row := range toDelete {
		if err := s.engine.PurgeTombstone(deleteTx, kvstore.RowType(row.Type), row.Key); err != nil {
			_ = s.engine.Rollback(deleteTx)
			return 0, err
		}
	}
	if _, err := s.engine.Commit(ctx, deleteTx, s.cfg.CommitTimeout); err != nil {
		return 0, err
	}

	metrics.TombstoneCleanupDeletedTotal.Add(float64(len(toDelete)))
	return len(toDelete), nil
}
