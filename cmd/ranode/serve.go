package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/ravault/pkg/events"
	"github.com/cuemby/ravault/pkg/health"
	"github.com/cuemby/ravault/pkg/hosting"
	"github.com/cuemby/ravault/pkg/kvstore"
	"github.com/cuemby/ravault/pkg/messaging"
	"github.com/cuemby/ravault/pkg/metrics"
	"github.com/cuemby/ravault/pkg/ra"
	"github.com/cuemby/ravault/pkg/replicatedstore"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start this node: kvstore, replicated store, reconfiguration agent",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("node-id", "node-1", "Unique node ID")
	serveCmd.Flags().String("raft-addr", "127.0.0.1:7946", "Address for Raft replication traffic")
	serveCmd.Flags().String("data-dir", "./ranode-data", "Data directory for kvstore and raft state")
	serveCmd.Flags().Bool("bootstrap", false, "Bootstrap a new single-node Raft cluster")
	serveCmd.Flags().String("messaging-addr", "127.0.0.1:9000", "Address this node's RA message server listens on (FM/other RAs send here)")
	serveCmd.Flags().String("hosting-socket", "", "Unix socket path for the RA<->FUP IPC bridge (default: <data-dir>/hosting.sock)")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the /metrics, /healthz, /readyz, /livez HTTP server")
	serveCmd.Flags().StringSlice("peer", nil, "Known peer as node-id=address, repeatable (used to resolve outgoing RA messages)")
}

func runServe(cmd *cobra.Command, args []string) error {
	nodeID, _ := cmd.Flags().GetString("node-id")
	raftAddr, _ := cmd.Flags().GetString("raft-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	bootstrap, _ := cmd.Flags().GetBool("bootstrap")
	messagingAddr, _ := cmd.Flags().GetString("messaging-addr")
	hostingSocket, _ := cmd.Flags().GetString("hosting-socket")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	peerFlags, _ := cmd.Flags().GetStringSlice("peer")

	if hostingSocket == "" {
		hostingSocket = dataDir + "/hosting.sock"
	}

	peers := make(map[string]string, len(peerFlags))
	for _, p := range peerFlags {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return fmt.Errorf("invalid --peer %q, want node-id=address", p)
		}
		peers[kv[0]] = kv[1]
	}
	peers[nodeID] = messagingAddr

	checker := health.NewChecker([]string{"kvstore", "replicatedstore", "hosting"})
	checker.SetVersion(Version)

	engine, err := kvstore.NewBoltEngine(dataDir)
	if err != nil {
		return fmt.Errorf("open kvstore: %w", err)
	}
	checker.RegisterComponent("kvstore", true, "open")

	broker := events.NewBroker()

	store, err := replicatedstore.NewStore(replicatedstore.Config{
		NodeID:    nodeID,
		BindAddr:  raftAddr,
		DataDir:   dataDir,
		Bootstrap: bootstrap,
	}, engine, broker)
	if err != nil {
		return fmt.Errorf("create replicated store: %w", err)
	}
	checker.RegisterComponent("replicatedstore", true, "raft started")

	metricsCollector := metrics.NewCollector(store)
	metricsCollector.Start()
	defer metricsCollector.Stop()

	proxyHost := hosting.NewProxyHost()
	hostingServer := hosting.NewServer(hostingSocket, proxyHost)
	hostingErrCh := make(chan error, 1)
	go func() {
		if err := hostingServer.Serve(); err != nil {
			hostingErrCh <- fmt.Errorf("hosting server: %w", err)
		}
	}()
	defer hostingServer.Stop()
	checker.RegisterComponent("hosting", true, fmt.Sprintf("listening on %s", hostingSocket))

	resolve := func(id string) (string, error) {
		addr, ok := peers[id]
		if !ok {
			return "", fmt.Errorf("no known address for node %q", id)
		}
		return addr, nil
	}
	msgClient := messaging.NewClient(resolve)
	defer msgClient.Close()

	agent, err := ra.NewAgent(ra.Config{NodeID: nodeID}, store, msgClient, checker)
	if err != nil {
		return fmt.Errorf("create reconfiguration agent: %w", err)
	}
	agent.Open()

	msgServer := messaging.NewServer(messagingAddr, agent)
	msgErrCh := make(chan error, 1)
	go func() {
		if err := msgServer.Serve(); err != nil {
			msgErrCh <- fmt.Errorf("messaging server: %w", err)
		}
	}()
	defer msgServer.Stop()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			agent.CheckPhaseTimeouts()
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", checker.HealthHandler())
	mux.Handle("/readyz", checker.ReadyHandler())
	mux.Handle("/livez", checker.LiveHandler())
	httpServer := &http.Server{Addr: metricsAddr, Handler: mux}
	httpErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	fmt.Printf("node %s serving: raft=%s messaging=%s hosting=%s metrics=http://%s/metrics\n",
		nodeID, raftAddr, messagingAddr, hostingSocket, metricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("shutting down...")
	case err := <-msgErrCh:
		fmt.Fprintf(os.Stderr, "messaging error: %v\n", err)
	case err := <-hostingErrCh:
		fmt.Fprintf(os.Stderr, "hosting error: %v\n", err)
	case err := <-httpErrCh:
		fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
	}

	agent.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
	if err := store.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	fmt.Println("shutdown complete")
	return nil
}
