package replicatedstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/ravault/pkg/events"
	"github.com/cuemby/ravault/pkg/kvstore"
	"github.com/cuemby/ravault/pkg/ratypes"
)

// MigrationPhase mirrors spec §4.3 point 7.
type MigrationPhase string

const (
	MigrationInactive     MigrationPhase = "Inactive"
	MigrationBackupSource MigrationPhase = "BackupSource"
	MigrationRestoreTarget MigrationPhase = "RestoreTarget"
	MigrationCopyLive     MigrationPhase = "CopyLive"
	MigrationFinalize     MigrationPhase = "Finalize"
	MigrationFailed       MigrationPhase = "Failed"
)

// Migrator performs an optional live engine migration (spec §4.3 point 7):
// backup the source engine, restore it into a fresh target engine, then
// mirror every subsequent source write into the target as a shadow
// transaction while the source stays authoritative, before cutting over.
type Migrator struct {
	source *Store
	target kvstore.Engine

	mu    sync.Mutex
	phase MigrationPhase

	sub               events.Subscriber
	uncommittedDeletes map[string]bool // "rowType/key" deleted on source mid-CopyLive, not yet mirrored
	stopCh            chan struct{}
}

// NewMigrator prepares (but does not start) a migration of source's engine
// onto target.
func NewMigrator(source *Store, target kvstore.Engine) *Migrator {
	return &Migrator{
		source:             source,
		target:             target,
		phase:              MigrationInactive,
		uncommittedDeletes: make(map[string]bool),
	}
}

func (m *Migrator) Phase() MigrationPhase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Migrator) setPhase(p MigrationPhase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}

// Run drives the migration through BackupSource -> RestoreTarget and
// returns once CopyLive has begun, with the shadow loop mirroring source
// commits; Finalize ends it. A failure at any phase leaves the source engine
// untouched and authoritative (spec §4.3 point 7).
func (m *Migrator) Run(ctx context.Context, backupDir string) error {
	if m.Phase() != MigrationInactive {
		return ratypes.NewError(ratypes.ErrorKindContractViolation, "", "", "migration already started", nil)
	}

	m.setPhase(MigrationBackupSource)
	if err := m.source.BackupLocal(ctx, backupDir, kvstore.BackupModeFull); err != nil {
		m.setPhase(MigrationFailed)
		return fmt.Errorf("backup source: %w", err)
	}

	m.setPhase(MigrationRestoreTarget)
	if err := m.target.Restore(ctx, backupDir); err != nil {
		m.setPhase(MigrationFailed)
		return fmt.Errorf("restore target: %w", err)
	}

	m.setPhase(MigrationCopyLive)
	m.sub = m.source.broker.Subscribe()
	m.stopCh = make(chan struct{})
	go m.shadowLoop()

	return nil
}

// shadowLoop mirrors every source commit notification into a shadow
// transaction on the target engine, tracking conflicting deletes to avoid
// resurrecting rows the target never saw inserted (spec §4.3 point 7
// "uncommitted-deletes set").
func (m *Migrator) shadowLoop() {
	for {
		select {
		case evt, ok := <-m.sub:
			if !ok {
				return
			}
			if evt.Type != events.EventCommit {
				continue
			}
			m.mirrorSince(evt.LSN)
		case <-m.stopCh:
			return
		}
	}
}

// mirrorSince replays rows newly committed on the source up to lsn into the
// target as one shadow transaction. Source commit of a transaction already
// implies target mirroring must also succeed; a failure here fails the
// migration and leaves the source authoritative.
func (m *Migrator) mirrorSince(lsn int64) {
	ctx := context.Background()
	srcTx, err := m.source.engine.BeginTransaction(ctx, ratypes.IsolationReadCommitted)
	if err != nil {
		m.fail(err)
		return
	}
	cursor, err := m.source.engine.CreateEnumerationByOperationLSN(srcTx, lsn-1)
	if err != nil {
		_ = m.source.engine.Rollback(srcTx)
		m.fail(err)
		return
	}

	dstTx, err := m.target.BeginTransaction(ctx, ratypes.IsolationSerializable)
	if err != nil {
		_ = cursor.Close()
		_ = m.source.engine.Rollback(srcTx)
		m.fail(err)
		return
	}

	for cursor.Next() {
		row := cursor.Row()
		rowKey := fmt.Sprintf("%s/%s", row.Type, row.Key)
		rt := kvstore.RowType(row.Type)

		if row.IsTombstone() {
			m.mu.Lock()
			m.uncommittedDeletes[rowKey] = true
			m.mu.Unlock()
			_ = m.target.Delete(dstTx, rt, row.Key, nil)
			continue
		}

		m.mu.Lock()
		wasDeleted := m.uncommittedDeletes[rowKey]
		delete(m.uncommittedDeletes, rowKey)
		m.mu.Unlock()

		if wasDeleted {
			// A delete-then-reinsert raced the mirror; target may not have
			// the row yet, so insert rather than update.
			_ = m.target.Insert(dstTx, rt, row.Key, row.Value, &row.OperationLSN)
			continue
		}
		if err := m.target.Update(dstTx, rt, row.Key, nil, row.Value, &row.OperationLSN); err != nil {
			_ = m.target.Insert(dstTx, rt, row.Key, row.Value, &row.OperationLSN)
		}
	}
	_ = cursor.Close()
	_ = m.source.engine.Rollback(srcTx)

	if _, err := m.target.Commit(ctx, dstTx, m.source.cfg.CommitTimeout); err != nil {
		m.fail(err)
		return
	}
}

func (m *Migrator) fail(err error) {
	m.setPhase(MigrationFailed)
	m.source.logger.Err(err).Msg("migration shadow mirroring failed; source remains authoritative")
	m.Stop()
}

// Finalize stops the shadow loop and marks the migration complete. Callers
// are responsible for cutting services over to the target engine
// afterwards; Migrator itself never swaps the source's active engine.
func (m *Migrator) Finalize() error {
	if m.Phase() != MigrationCopyLive {
		return ratypes.NewError(ratypes.ErrorKindContractViolation, "", "", "finalize called outside CopyLive", nil)
	}
	m.setPhase(MigrationFinalize)
	m.Stop()
	return nil
}

func (m *Migrator) Stop() {
	m.mu.Lock()
	stopCh := m.stopCh
	sub := m.sub
	m.stopCh = nil
	m.sub = nil
	m.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if sub != nil {
		m.source.broker.Unsubscribe(sub)
	}
}
