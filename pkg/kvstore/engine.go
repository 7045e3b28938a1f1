// Package kvstore implements the local key-value storage layer (spec §4.1):
// a pluggable engine persisting typed rows with LSN-tagged reads/writes,
// plus the storage API layer's typed row identifiers (spec §4.2).
package kvstore

import (
	"context"
	"time"

	"github.com/cuemby/ravault/pkg/ratypes"
)

// RowType identifies the typed row namespace a key belongs to (spec §4.2
// "row identifiers typed by RowType"). ReservedTypeTombstone is used for
// tombstone bookkeeping metadata (spec §6.3).
type RowType string

const ReservedTypeTombstone RowType = "__tombstone__"

// BackupMode mirrors spec §4.1/§4.3.
type BackupMode string

const (
	BackupModeFull             BackupMode = "Full"
	BackupModeIncremental      BackupMode = "Incremental"
	BackupModeTruncateLogsOnly BackupMode = "TruncateLogsOnly"
)

// Tx is an opaque transaction handle. Callers obtain one from
// BeginTransaction and must Commit or Rollback it exactly once.
type Tx interface {
	// ID is a monotonically increasing local transaction identifier, used
	// only for logging/debugging.
	ID() uint64
	Isolation() ratypes.IsolationLevel
}

// Cursor enumerates rows in some defined order. Callers must call Close
// when finished, even after an error from Next.
type Cursor interface {
	Next() bool
	Row() ratypes.Row
	Err() error
	Close() error
}

// Engine is the local key-value store engine contract (spec §4.1).
// Implementations must guarantee: writes durable on successful commit,
// LSN uniqueness and strict monotonic increase per replica, and that
// concurrent transactions on distinct keys do not deadlock the caller.
type Engine interface {
	BeginTransaction(ctx context.Context, isolation ratypes.IsolationLevel) (Tx, error)

	// Insert fails with ErrKeyExists if (type,key) is already present.
	// If lsn is nil, the engine assigns one at commit time (used by the
	// replicated store, which defers LSN assignment until after quorum ack).
	Insert(tx Tx, rowType RowType, key string, value []byte, lsn *int64) error

	// Update fails with ErrNotFound if the row does not exist, or
	// ErrWriteConflict if checkLSN is non-nil and does not match the
	// current stored LSN.
	Update(tx Tx, rowType RowType, key string, checkLSN *int64, newValue []byte, lsn *int64) error

	// Delete turns the row into a tombstone (value=nil) rather than
	// physically removing it, so copy streams can still observe the delete.
	Delete(tx Tx, rowType RowType, key string, checkLSN *int64) error

	// PurgeTombstone physically removes a row left by Delete. Callers must
	// ensure no active copy context still needs to observe it (spec §4.3
	// point 5, tombstone cleanup).
	PurgeTombstone(tx Tx, rowType RowType, key string) error

	GetOperationLSN(tx Tx, rowType RowType, key string) (int64, error)

	// EnumerateByTypeAndKey returns rows of rowType with key >= keyStart,
	// sorted by key.
	EnumerateByTypeAndKey(tx Tx, rowType RowType, keyStart string) (Cursor, error)

	// CreateEnumerationByOperationLSN yields rows (of any type) with
	// OperationLSN > fromLSN, in LSN order. Used to build the copy stream.
	CreateEnumerationByOperationLSN(tx Tx, fromLSN int64) (Cursor, error)

	// Commit assigns (if not already assigned) and returns the commit LSN.
	Commit(ctx context.Context, tx Tx, timeout time.Duration) (int64, error)
	Rollback(tx Tx) error

	Backup(ctx context.Context, dir string, mode BackupMode) error
	Restore(ctx context.Context, dir string) error

	EstimateRowCount() (int64, error)
	EstimateDBSizeBytes() (int64, error)

	// Compact performs an online copy-compaction. bbolt has no in-place
	// compaction; this copies live pages into a fresh file and swaps it in.
	Compact(ctx context.Context) error

	Close() error
}
