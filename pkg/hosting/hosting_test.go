package hosting

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startTestHost(t *testing.T) (*Client, *ProxyHost) {
	t.Helper()
	dir := t.TempDir()
	socket := filepath.Join(dir, "hosting.sock")

	host := NewProxyHost()
	srv := NewServer(socket, host)
	go func() { _ = srv.Serve() }()
	t.Cleanup(srv.Stop)

	require.Eventually(t, func() bool {
		_, err := os.Stat(socket)
		return err == nil
	}, time.Second, 10*time.Millisecond)

	client, err := Dial(socket)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client, host
}

func TestClientReplicaOpenThenClose(t *testing.T) {
	client, _ := startTestHost(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := client.Call(ctx, Request{Action: ActionReplicaOpen, FailoverUnitDescription: "ft1"})
	require.NoError(t, err)
	require.Empty(t, resp.Err)

	resp, err = client.Call(ctx, Request{Action: ActionReplicaOpen, FailoverUnitDescription: "ft1"})
	require.Error(t, err, "a second open of the same replica must fail")
	require.NotEmpty(t, resp.Err)

	resp, err = client.Call(ctx, Request{Action: ActionReplicaClose, FailoverUnitDescription: "ft1"})
	require.NoError(t, err)
	require.Empty(t, resp.Err)
}

func TestClientQueryReturnsStatus(t *testing.T) {
	client, _ := startTestHost(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := client.Call(ctx, Request{Action: ActionReplicaOpen, FailoverUnitDescription: "ft2"})
	require.NoError(t, err)

	resp, err := client.Call(ctx, Request{Action: ActionQuery, FailoverUnitDescription: "ft2"})
	require.NoError(t, err)
	require.Equal(t, "Granted", resp.ReadStatus)
	require.Equal(t, "Granted", resp.WriteStatus)
}

func TestClientUnrecognizedActionErrors(t *testing.T) {
	client, _ := startTestHost(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := client.Call(ctx, Request{Action: Action("Bogus"), FailoverUnitDescription: "ft3"})
	require.Error(t, err)
}
