package fup

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/ravault/pkg/ratypes"
	"github.com/stretchr/testify/require"
)

func TestProxyOpenRejectsSecondOpen(t *testing.T) {
	p := NewProxy("ft1")
	require.NoError(t, p.Open(ratypes.Epoch{}))
	require.Error(t, p.Open(ratypes.Epoch{}), "at most one open of the replica")
}

func TestProxyCloseIsMonotonic(t *testing.T) {
	p := NewProxy("ft1")
	require.NoError(t, p.Open(ratypes.Epoch{}))
	require.NoError(t, p.Close())
	require.Error(t, p.SetStage(StageCurrentPending), "no new action list/stage change starts after close")
}

func TestProxyUpdateEpochIdempotent(t *testing.T) {
	p := NewProxy("ft1")
	e := ratypes.Epoch{DataLossNumber: 1, ConfigurationNumber: 2}
	p.UpdateEpoch(e)
	p.UpdateEpoch(e) // must not panic or change observable state
	require.Equal(t, e, p.epoch)
}

func TestStatusTableOpenedCurrentGrantsBothWithQuorum(t *testing.T) {
	read, write := resolveStatus(LifecycleOpened, StageCurrent, true)
	require.Equal(t, StatusGranted, read)
	require.Equal(t, WriteGranted, write)
}

func TestStatusTableOpenedCurrentDeniesWriteWithoutQuorum(t *testing.T) {
	read, write := resolveStatus(LifecycleOpened, StageCurrent, false)
	require.Equal(t, StatusGranted, read)
	require.Equal(t, WriteNoWriteQuorum, write)
}

func TestStatusTableClosingIsReconfigurationPending(t *testing.T) {
	read, write := resolveStatus(LifecycleClosing, StageCatchup, true)
	require.Equal(t, StatusReconfigurationPendingR, read)
	require.Equal(t, WriteReconfigurationPendingW, write)
}

func TestExecutorSerializesIncompatibleActionLists(t *testing.T) {
	p := NewProxy("ft1")
	require.NoError(t, p.Open(ratypes.Epoch{}))
	ex := NewExecutor(p)

	order := make(chan string, 2)
	started := make(chan struct{})

	go func() {
		_ = ex.Run(context.Background(), ActionListChangeRole, func(ctx context.Context) error {
			close(started)
			time.Sleep(30 * time.Millisecond)
			order <- "change-role"
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ex.Run(ctx, ActionListOpenPrimary, func(ctx context.Context) error {
		order <- "open-primary"
		return nil
	}))

	require.Equal(t, "change-role", <-order)
	require.Equal(t, "open-primary", <-order)
}

func TestExecutorAllowsCompatibleActionListsConcurrently(t *testing.T) {
	p := NewProxy("ft1")
	require.NoError(t, p.Open(ratypes.Epoch{}))
	ex := NewExecutor(p)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_ = ex.Run(context.Background(), ActionListBuildIdleReplica, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
		close(done)
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ex.Run(ctx, ActionListQuery, func(ctx context.Context) error { return nil }),
		"Query must run concurrently alongside an in-flight BuildIdleReplica")

	close(release)
	<-done
}

func TestOperationTableCancelAll(t *testing.T) {
	ot := NewOperationTable()
	var canceled int
	ot.BeginSingle("ChangeRole", func() { canceled++ })
	ot.BeginMulti("BuildIdle", "node2", func() { canceled++ })
	ot.CancelAll()
	require.Equal(t, 2, canceled)
}
