package ra

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/ravault/pkg/entity"
	"github.com/cuemby/ravault/pkg/events"
	"github.com/cuemby/ravault/pkg/health"
	"github.com/cuemby/ravault/pkg/kvstore"
	"github.com/cuemby/ravault/pkg/ratypes"
	"github.com/cuemby/ravault/pkg/replicatedstore"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []Message
}

func (f *fakeSender) Send(ctx context.Context, to NodeInstance, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) snapshot() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestAgent(t *testing.T) (*Agent, *fakeSender) {
	t.Helper()

	engine, err := kvstore.NewBoltEngine(t.TempDir())
	require.NoError(t, err)

	_, transport := raft.NewInmemTransport("node1")
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	store, err := replicatedstore.NewStore(replicatedstore.Config{
		NodeID:    "node1",
		BindAddr:  "node1",
		DataDir:   t.TempDir(),
		Bootstrap: true,
		Transport: transport,
	}, engine, broker)
	require.NoError(t, err)
	require.Eventually(t, store.IsLeader, 5*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { _ = store.Shutdown() })

	sender := &fakeSender{}
	a, err := NewAgent(Config{NodeID: "node1"}, store, sender, health.NewChecker(nil))
	require.NoError(t, err)
	a.Open()

	return a, sender
}

// seedConfiguration installs a local/remote replica set on ftID directly
// through the entity scheduler, without going through the wire-message
// decoding path, and blocks until the seeding job item has run.
func seedConfiguration(t *testing.T, a *Agent, ftID string, local ratypes.ReplicaDescription, remote []ratypes.ReplicaDescription) {
	t.Helper()
	done := make(chan struct{})
	entry := a.GetOrCreateFT(ftID, ftID)
	entry.Schedule(genericJobItem{
		process: func(ft *ratypes.FailoverUnit) (bool, []entity.Action, error) {
			ft.LocalReplica = &local
			ft.RemoteReplicas = remote
			return true, nil, nil
		},
		finish: func(ft *ratypes.FailoverUnit, commitErr error) {
			require.NoError(t, commitErr)
			close(done)
		},
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for seed configuration to apply")
	}
}

// TestHandleMessageStartsReconfiguration covers spec §4.5's phase table:
// DoReconfiguration begins at Phase0_Demote and fans out Deactivate to every
// remote replica.
func TestHandleMessageStartsReconfiguration(t *testing.T) {
	a, sender := newTestAgent(t)
	seedConfiguration(t, a, "ft1", ratypes.ReplicaDescription{NodeID: "node1"},
		[]ratypes.ReplicaDescription{{NodeID: "node2"}, {NodeID: "node3"}})

	require.NoError(t, a.HandleMessage(context.Background(), Message{
		Action:     ActionDoReconfiguration,
		ActivityID: "a1",
		FTID:       "ft1",
	}))

	require.Eventually(t, func() bool {
		entry, ok := a.fts.Get("ft1")
		return ok && entry.State().ReconfigurationState.Phase == ratypes.PhasePhase0Demote
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return len(sender.snapshot()) == 2 }, time.Second, time.Millisecond)
	for _, m := range sender.snapshot() {
		require.Equal(t, ActionDeactivate, m.Action)
	}
}

// TestHandleMessageAdvancesPhaseOnAllReplies covers the phase-advance rule:
// a phase only advances once every remote replica has replied.
func TestHandleMessageAdvancesPhaseOnAllReplies(t *testing.T) {
	a, sender := newTestAgent(t)
	seedConfiguration(t, a, "ft1", ratypes.ReplicaDescription{NodeID: "node1"},
		[]ratypes.ReplicaDescription{{NodeID: "node2"}, {NodeID: "node3"}})

	require.NoError(t, a.HandleMessage(context.Background(), Message{
		Action: ActionDoReconfiguration, ActivityID: "a1", FTID: "ft1",
	}))
	require.Eventually(t, func() bool {
		e, ok := a.fts.Get("ft1")
		return ok && e.State().ReconfigurationState.Phase == ratypes.PhasePhase0Demote
	}, time.Second, time.Millisecond)

	require.NoError(t, a.HandleMessage(context.Background(), Message{
		Action: ActionReplicaCloseReply, ActivityID: "a1", FTID: "ft1",
		FromNodeInstance: NodeInstance{NodeID: "node2"},
	}))
	time.Sleep(20 * time.Millisecond)

	e, _ := a.fts.Get("ft1")
	require.Equal(t, ratypes.PhasePhase0Demote, e.State().ReconfigurationState.Phase,
		"phase must not advance until every remote replica has replied")

	require.NoError(t, a.HandleMessage(context.Background(), Message{
		Action: ActionReplicaCloseReply, ActivityID: "a1", FTID: "ft1",
		FromNodeInstance: NodeInstance{NodeID: "node3"},
	}))

	require.Eventually(t, func() bool {
		e, ok := a.fts.Get("ft1")
		return ok && e.State().ReconfigurationState.Phase == ratypes.PhasePhase1GetLSN
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		for _, m := range sender.snapshot() {
			if m.Action == ActionGetLSN {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

// TestHandleMessageRejectsUnknownFT covers spec §4.5 step 1: a non-creating
// action against an unknown FT is rejected.
func TestHandleMessageRejectsUnknownFT(t *testing.T) {
	a, _ := newTestAgent(t)
	err := a.HandleMessage(context.Background(), Message{
		Action: ActionDeactivate, ActivityID: "a1", FTID: "does-not-exist",
	})
	require.Error(t, err)
	kind, ok := ratypes.KindOf(err)
	require.True(t, ok)
	require.Equal(t, ratypes.ErrorKindNotFound, kind)
}

// TestHandleMessageDropsStaleEpoch covers spec §4.5 step 4's staleness
// check: a message quoting an epoch older than the FT's current epoch is
// rejected rather than applied.
func TestHandleMessageDropsStaleEpoch(t *testing.T) {
	a, _ := newTestAgent(t)
	seedConfiguration(t, a, "ft1", ratypes.ReplicaDescription{NodeID: "node1"}, nil)

	err := a.HandleMessage(context.Background(), Message{
		Action:     ActionDeactivate,
		ActivityID: "a1",
		FTID:       "ft1",
		Epoch:      ratypes.InvalidEpoch,
	})
	require.NoError(t, err, "an unasserted (invalid) epoch must never be treated as stale")

	err = a.HandleMessage(context.Background(), Message{
		Action:     ActionDeactivate,
		ActivityID: "a2",
		FTID:       "ft1",
		Epoch:      ratypes.Epoch{DataLossNumber: -2, ConfigurationNumber: -2},
	})
	require.Error(t, err)
	kind, ok := ratypes.KindOf(err)
	require.True(t, ok)
	require.Equal(t, ratypes.ErrorKindReconfigurationPending, kind)
}

// TestHandleMessageIsIdempotentPerSequenceNumber covers spec §8 property 4.
func TestHandleMessageIsIdempotentPerSequenceNumber(t *testing.T) {
	a, _ := newTestAgent(t)
	seedConfiguration(t, a, "ft1", ratypes.ReplicaDescription{NodeID: "node1"},
		[]ratypes.ReplicaDescription{{NodeID: "node2"}})

	msg := Message{
		Action: ActionReportFault, ActivityID: "a1", FTID: "ft1", SequenceNumber: 1,
	}
	require.NoError(t, a.HandleMessage(context.Background(), msg))
	require.NoError(t, a.HandleMessage(context.Background(), msg))

	require.Eventually(t, func() bool {
		e, ok := a.fts.Get("ft1")
		return ok && e.State().RetryableErrorState.ConsecutiveFailures == 1
	}, time.Second, time.Millisecond, "the second delivery of the same sequence number must be a no-op")
}
