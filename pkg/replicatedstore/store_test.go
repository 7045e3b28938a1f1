package replicatedstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cuemby/ravault/pkg/events"
	"github.com/cuemby/ravault/pkg/kvstore"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

func newSingleNodeStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	engineDir := t.TempDir()

	engine, err := kvstore.NewBoltEngine(engineDir)
	require.NoError(t, err)

	_, transport := raft.NewInmemTransport("node1")

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	s, err := NewStore(Config{
		NodeID:    "node1",
		BindAddr:  "node1",
		DataDir:   dataDir,
		Bootstrap: true,
		Transport: transport,
	}, engine, broker)
	require.NoError(t, err)

	require.Eventually(t, s.IsLeader, 5*time.Second, 10*time.Millisecond, "node1 should elect itself leader")

	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

// TestBeginCommitAppliesAndAssignsLSN covers spec §4.3 point 1.
func TestBeginCommitAppliesAndAssignsLSN(t *testing.T) {
	s := newSingleNodeStore(t)

	tx := s.CreateTransaction("activity-1")
	require.NoError(t, tx.Insert("widgets", "w1", []byte("hello")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	lsn, err := s.BeginCommit(ctx, tx)
	require.NoError(t, err)
	require.Greater(t, lsn, int64(0))
}

// TestSimpleTransactionRejectsMultipleOps covers DESIGN.md's contract that a
// simple transaction carries exactly one operation.
func TestSimpleTransactionRejectsMultipleOps(t *testing.T) {
	s := newSingleNodeStore(t)

	tx := s.CreateSimpleTransaction("activity-2")
	require.NoError(t, tx.Insert("widgets", "w1", []byte("a")))
	err := tx.Insert("widgets", "w2", []byte("b"))
	require.Error(t, err)
}

// TestBeginCommitRejectsSecondUseOfTransaction ensures a Transaction cannot
// be committed twice.
func TestBeginCommitRejectsSecondUseOfTransaction(t *testing.T) {
	s := newSingleNodeStore(t)

	tx := s.CreateTransaction("activity-3")
	require.NoError(t, tx.Insert("widgets", "w1", []byte("hello")))

	ctx := context.Background()
	_, err := s.BeginCommit(ctx, tx)
	require.NoError(t, err)

	_, err = s.BeginCommit(ctx, tx)
	require.Error(t, err)
}

// TestCopyContextStreamsCommittedRows covers spec §4.3 point 3.
func TestCopyContextStreamsCommittedRows(t *testing.T) {
	s := newSingleNodeStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tx := s.CreateTransaction("seed")
		require.NoError(t, tx.Insert("widgets", string(rune('a'+i)), []byte("v")))
		_, err := s.BeginCommit(ctx, tx)
		require.NoError(t, err)
	}

	cc, err := s.CreateCopyContext(ctx, 0)
	require.NoError(t, err)
	defer cc.Close()

	var rows int
	for cc.Next() {
		rows++
	}
	require.Equal(t, 3, rows)
}

// TestTombstoneCleanupRespectsActiveCopyContext covers spec §4.3 point 5:
// cleanup must not purge tombstones a still-open copy context might need.
func TestTombstoneCleanupRespectsActiveCopyContext(t *testing.T) {
	s := newSingleNodeStore(t)
	ctx := context.Background()

	tx := s.CreateTransaction("seed")
	require.NoError(t, tx.Insert("widgets", "w1", []byte("v")))
	lsn, err := s.BeginCommit(ctx, tx)
	require.NoError(t, err)

	delTx := s.CreateTransaction("delete")
	require.NoError(t, delTx.Delete("widgets", "w1", &lsn))
	_, err = s.BeginCommit(ctx, delTx)
	require.NoError(t, err)

	cc, err := s.CreateCopyContext(ctx, 0)
	require.NoError(t, err)

	deleted, err := s.CleanupTombstonesBefore(ctx, 1<<30)
	require.NoError(t, err)
	require.Equal(t, 0, deleted, "active copy context should block cleanup")

	require.NoError(t, cc.Close())

	deleted, err = s.CleanupTombstonesBefore(ctx, 1<<30)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)
}

func TestMain(m *testing.M) {
	code := m.Run()
	os.Exit(code)
}
