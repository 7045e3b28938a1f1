package replicatedstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cuemby/ravault/pkg/events"
	"github.com/cuemby/ravault/pkg/kvstore"
	"github.com/cuemby/ravault/pkg/ratypes"
	"github.com/hashicorp/raft"
)

// rowOp is one row mutation inside a replicated command.
type rowOp struct {
	Kind     string `json:"kind"` // "insert", "update", "delete"
	RowType  string `json:"row_type"`
	Key      string `json:"key"`
	Value    []byte `json:"value,omitempty"`
	CheckLSN *int64 `json:"check_lsn,omitempty"`
}

// command is the unit raft.Apply replicates: one transaction's worth of row
// operations, committed atomically by the FSM (spec §4.3 "begin_commit").
type command struct {
	ActivityID string  `json:"activity_id"`
	Simple     bool    `json:"simple"`
	Ops        []rowOp `json:"ops"`
}

// applyResult is what storeFSM.Apply returns, retrieved by BeginCommit from
// the raft.ApplyFuture. Kind preserves the original ratypes.ErrorKind (when
// the failure came from the engine) so BeginCommit's caller can branch on
// it, e.g. to fall back from Update to Insert on ErrorKindNotFound.
type applyResult struct {
	LSN  int64
	Err  string
	Kind ratypes.ErrorKind
}

// storeFSM adapts kvstore.Engine to raft.FSM: every Apply runs one
// transaction against the local engine. The engine still assigns LSNs at
// its own commit boundary (deferred-LSN insert/update), so across replicas
// the LSN sequence matches iff every replica applies the same log in the
// same order, which raft guarantees.
type storeFSM struct {
	store *Store
}

func (f *storeFSM) Apply(l *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return applyResult{Err: fmt.Sprintf("unmarshal command: %v", err)}
	}

	ctx := context.Background()
	engine := f.store.engine
	tx, err := engine.BeginTransaction(ctx, ratypes.IsolationSerializable)
	if err != nil {
		return applyResult{Err: fmt.Sprintf("begin tx: %v", err)}
	}

	for _, op := range cmd.Ops {
		rt := kvstore.RowType(op.RowType)
		switch op.Kind {
		case "insert":
			err = engine.Insert(tx, rt, op.Key, op.Value, nil)
		case "update":
			err = engine.Update(tx, rt, op.Key, op.CheckLSN, op.Value, nil)
		case "delete":
			err = engine.Delete(tx, rt, op.Key, op.CheckLSN)
		default:
			err = fmt.Errorf("unknown op kind %q", op.Kind)
		}
		if err != nil {
			break
		}
	}

	if err != nil {
		_ = engine.Rollback(tx)
		result := applyResult{Err: err.Error()}
		if kind, ok := ratypes.KindOf(err); ok {
			result.Kind = kind
		}
		return result
	}

	lsn, err := engine.Commit(ctx, tx, f.store.cfg.CommitTimeout)
	if err != nil {
		return applyResult{Err: fmt.Sprintf("commit: %v", err)}
	}

	f.store.dispatchCommitNotification(lsn)

	return applyResult{LSN: lsn}
}

// dispatchCommitNotification fans out a commit event per spec §4.3 point 4.
// BlockSecondaryAck is satisfied by the caller of BeginCommit blocking on
// raft's own quorum-ack (ApplyFuture.Error already waits for that); this
// dispatch additionally notifies local subscribers (e.g. pkg/ra's FT
// scheduler) once the entry has been durably applied on this replica.
func (s *Store) dispatchCommitNotification(lsn int64) {
	if s.cfg.SecondaryNotificationMode == NotificationNone || s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{Type: events.EventCommit, LSN: lsn})
}

type fsmSnapshot struct {
	store *Store
	dir   string
}

// Snapshot materializes a temporary backup directory via the engine's
// native Backup (Protocol 6), which Persist then streams into raft's
// snapshot sink.
func (f *storeFSM) Snapshot() (raft.FSMSnapshot, error) {
	dir, err := os.MkdirTemp("", "replicatedstore-snapshot-*")
	if err != nil {
		return nil, err
	}
	if err := f.store.engine.Backup(context.Background(), dir, kvstore.BackupModeFull); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return &fsmSnapshot{store: f.store, dir: dir}, nil
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	srcPath := filepath.Join(s.dir, "kvstore.db")
	src, err := os.Open(srcPath)
	if err != nil {
		sink.Cancel()
		return err
	}
	defer src.Close()
	if _, err := io.Copy(sink, src); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() { os.RemoveAll(s.dir) }

// Restore replaces the local engine contents with the snapshot stream by
// writing it to a temp backup dir and delegating to the engine's Restore
// (Protocol 6).
func (f *storeFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	dir, err := os.MkdirTemp("", "replicatedstore-restore-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	dst, err := os.Create(filepath.Join(dir, "kvstore.db"))
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, rc); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	return f.store.engine.Restore(context.Background(), dir)
}
