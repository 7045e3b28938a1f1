package messaging

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/cuemby/ravault/pkg/ra"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var errHandlerRejected = errors.New("rejected")

type fakeHandler struct {
	received chan ra.Message
	err      error
}

func (h *fakeHandler) HandleMessage(ctx context.Context, msg ra.Message) error {
	h.received <- msg
	return h.err
}

func startTestServer(t *testing.T, h Handler) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := grpc.NewServer()
	RegisterServer(s, h)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.GracefulStop)

	return lis.Addr().String()
}

func TestClientSendRoundTripsToHandler(t *testing.T) {
	h := &fakeHandler{received: make(chan ra.Message, 1)}
	addr := startTestServer(t, h)

	client := NewClient(func(nodeID string) (string, error) { return addr, nil },
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	t.Cleanup(func() { _ = client.Close() })

	msg := ra.Message{
		Action:         ra.ActionDeactivate,
		ActivityID:     "act-1",
		FTID:           "ft-1",
		SequenceNumber: 7,
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, client.Send(ctx, ra.NodeInstance{NodeID: "node2"}, msg))

	select {
	case got := <-h.received:
		require.Equal(t, msg.Action, got.Action)
		require.Equal(t, msg.FTID, got.FTID)
		require.Equal(t, msg.SequenceNumber, got.SequenceNumber)
	case <-time.After(time.Second):
		t.Fatal("handler never received the message")
	}
}

func TestClientSendPropagatesHandlerError(t *testing.T) {
	h := &fakeHandler{received: make(chan ra.Message, 1), err: errHandlerRejected}
	addr := startTestServer(t, h)

	client := NewClient(func(nodeID string) (string, error) { return addr, nil },
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := client.Send(ctx, ra.NodeInstance{NodeID: "node2"}, ra.Message{Action: ra.ActionDeactivate})
	require.Error(t, err)
}

func TestClientSendResolveFailure(t *testing.T) {
	client := NewClient(func(nodeID string) (string, error) {
		return "", context.DeadlineExceeded
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := client.Send(ctx, ra.NodeInstance{NodeID: "missing"}, ra.Message{})
	require.Error(t, err)
}
