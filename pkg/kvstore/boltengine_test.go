package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/ravault/pkg/ratypes"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *BoltEngine {
	t.Helper()
	eng, err := NewBoltEngine(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

// TestInsertAssignsMonotonicLSN covers spec S1: a single insert/commit on an
// empty store yields commit_lsn = 1 and the row reads back with that LSN.
func TestInsertAssignsMonotonicLSN(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tx, err := eng.BeginTransaction(ctx, ratypes.IsolationSerializable)
	require.NoError(t, err)
	require.NoError(t, eng.Insert(tx, "T", "k1", []byte{0xDE, 0xAD, 0xBE, 0xEF}, nil))
	lsn, err := eng.Commit(ctx, tx, time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(1), lsn)

	tx2, err := eng.BeginTransaction(ctx, ratypes.IsolationReadCommitted)
	require.NoError(t, err)
	gotLSN, err := eng.GetOperationLSN(tx2, "T", "k1")
	require.NoError(t, err)
	require.Equal(t, int64(1), gotLSN)
	require.NoError(t, eng.Rollback(tx2))
}

func TestInsertDuplicateKeyFails(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tx, err := eng.BeginTransaction(ctx, ratypes.IsolationSerializable)
	require.NoError(t, err)
	require.NoError(t, eng.Insert(tx, "T", "k1", []byte("v1"), nil))
	_, err = eng.Commit(ctx, tx, time.Second)
	require.NoError(t, err)

	tx2, err := eng.BeginTransaction(ctx, ratypes.IsolationSerializable)
	require.NoError(t, err)
	err = eng.Insert(tx2, "T", "k1", []byte("v2"), nil)
	require.Error(t, err)
	kind, ok := ratypes.KindOf(err)
	require.True(t, ok)
	require.Equal(t, ratypes.ErrorKindKeyExists, kind)
	require.NoError(t, eng.Rollback(tx2))
}

func TestUpdateWriteConflict(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tx, err := eng.BeginTransaction(ctx, ratypes.IsolationSerializable)
	require.NoError(t, err)
	require.NoError(t, eng.Insert(tx, "T", "k1", []byte("v1"), nil))
	_, err = eng.Commit(ctx, tx, time.Second)
	require.NoError(t, err)

	stale := int64(999)
	tx2, err := eng.BeginTransaction(ctx, ratypes.IsolationSerializable)
	require.NoError(t, err)
	err = eng.Update(tx2, "T", "k1", &stale, []byte("v2"), nil)
	require.Error(t, err)
	kind, _ := ratypes.KindOf(err)
	require.Equal(t, ratypes.ErrorKindWriteConflict, kind)
	require.NoError(t, eng.Rollback(tx2))
}

// TestDeleteLeavesTombstone covers spec §3.7: deleted rows survive as
// tombstones rather than disappearing immediately.
func TestDeleteLeavesTombstone(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tx, err := eng.BeginTransaction(ctx, ratypes.IsolationSerializable)
	require.NoError(t, err)
	require.NoError(t, eng.Insert(tx, "T", "k", []byte("v1"), nil))
	_, err = eng.Commit(ctx, tx, time.Second)
	require.NoError(t, err)

	tx2, err := eng.BeginTransaction(ctx, ratypes.IsolationSerializable)
	require.NoError(t, err)
	require.NoError(t, eng.Delete(tx2, "T", "k", nil))
	_, err = eng.Commit(ctx, tx2, time.Second)
	require.NoError(t, err)

	tx3, err := eng.BeginTransaction(ctx, ratypes.IsolationReadCommitted)
	require.NoError(t, err)
	_, err = eng.GetOperationLSN(tx3, "T", "k")
	require.ErrorIs(t, err, ratypes.ErrNotFound)

	cur, err := eng.CreateEnumerationByOperationLSN(tx3, 0)
	require.NoError(t, err)
	found := false
	for cur.Next() {
		if cur.Row().Key == "k" {
			found = true
			require.True(t, cur.Row().IsTombstone())
		}
	}
	require.True(t, found, "tombstone should still be observable by LSN enumeration")
	require.NoError(t, eng.Rollback(tx3))
}

func TestCreateEnumerationByOperationLSNOrdersAcrossTypes(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	for i, kv := range []struct{ typ, key string }{{"A", "a1"}, {"B", "b1"}, {"A", "a2"}} {
		tx, err := eng.BeginTransaction(ctx, ratypes.IsolationSerializable)
		require.NoError(t, err)
		require.NoError(t, eng.Insert(tx, RowType(kv.typ), kv.key, []byte{byte(i)}, nil))
		_, err = eng.Commit(ctx, tx, time.Second)
		require.NoError(t, err)
	}

	tx, err := eng.BeginTransaction(ctx, ratypes.IsolationReadCommitted)
	require.NoError(t, err)
	cur, err := eng.CreateEnumerationByOperationLSN(tx, 0)
	require.NoError(t, err)
	var lsns []int64
	for cur.Next() {
		lsns = append(lsns, cur.Row().OperationLSN)
	}
	require.Equal(t, []int64{1, 2, 3}, lsns)
	require.NoError(t, eng.Rollback(tx))
}
