// Package replicatedstore implements the replicated store of spec §4.3: it
// wraps a local kvstore.Engine with a primary/secondary replication
// protocol built on Raft, where the leader is the primary, followers are
// secondaries, and a committed Raft log entry is a quorum-acked,
// durably-applied transaction.
//
// Grounded on pkg/manager/manager.go's Bootstrap/Join/Apply pattern and
// pkg/manager/fsm.go's WarrenFSM.Apply/Snapshot/Restore, generalized from
// fixed entity-CRUD Command.Op dispatch to generic row insert/update/delete
// operations addressed by (RowType, key).
package replicatedstore

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/ravault/pkg/events"
	"github.com/cuemby/ravault/pkg/kvstore"
	"github.com/cuemby/ravault/pkg/log"
	"github.com/cuemby/ravault/pkg/metrics"
	"github.com/cuemby/ravault/pkg/throttle"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// SecondaryNotificationMode mirrors spec §4.3 point 4.
type SecondaryNotificationMode string

const (
	NotificationNone                 SecondaryNotificationMode = "None"
	NotificationNonBlockingQuorumAcked SecondaryNotificationMode = "NonBlockingQuorumAcked"
	NotificationBlockSecondaryAck    SecondaryNotificationMode = "BlockSecondaryAck"
)

// CopyMode mirrors spec §4.3 point 3.
type CopyMode string

const (
	CopyModeDefault  CopyMode = "Default"
	CopyModePhysical CopyMode = "Physical"
	CopyModeLogical  CopyMode = "Logical"
	CopyModeRebuild  CopyMode = "Rebuild"
)

// CopyModeThresholds resolves the "FullCopyMode::Default heuristic" open
// question (spec §9, DESIGN.md #3) as explicit configuration rather than a
// hardcoded guess.
type CopyModeThresholds struct {
	GapRowCountForPhysical int64
	GapRowCountForRebuild  int64
}

func DefaultCopyModeThresholds() CopyModeThresholds {
	return CopyModeThresholds{GapRowCountForPhysical: 1000, GapRowCountForRebuild: 100000}
}

// Config configures a Store.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
	Bootstrap bool

	SecondaryNotificationMode SecondaryNotificationMode
	CopyModeThresholds        CopyModeThresholds
	CommitTimeout             time.Duration
	TombstoneRetention        time.Duration

	ThrottleHighCount int64
	ThrottleLowCount  int64
	ThrottleHighBytes int64
	ThrottleLowBytes  int64

	// Transport lets tests inject raft.NewInmemTransport; production wiring
	// uses raft.NewTCPTransport against BindAddr when nil.
	Transport raft.Transport
}

func (c *Config) setDefaults() {
	if c.CommitTimeout == 0 {
		c.CommitTimeout = 5 * time.Second
	}
	if c.SecondaryNotificationMode == "" {
		c.SecondaryNotificationMode = NotificationNonBlockingQuorumAcked
	}
	if c.CopyModeThresholds == (CopyModeThresholds{}) {
		c.CopyModeThresholds = DefaultCopyModeThresholds()
	}
	if c.ThrottleHighCount == 0 {
		c.ThrottleHighCount = 1000
	}
	if c.ThrottleLowCount == 0 {
		c.ThrottleLowCount = 200
	}
	if c.ThrottleHighBytes == 0 {
		c.ThrottleHighBytes = 64 << 20
	}
	if c.ThrottleLowBytes == 0 {
		c.ThrottleLowBytes = 16 << 20
	}
}

// Store is the replicated store. Obtain one via NewStore, which wraps Raft
// bootstrap around a local kvstore.Engine.
type Store struct {
	cfg    Config
	logger zerolog.Logger

	engine kvstore.Engine
	raft   *raft.Raft
	fsm    *storeFSM
	broker *events.Broker

	throttleCb func(active bool)
	watermark  *throttle.Watermark

	simpleMu        sync.Mutex
	nonSimpleActive bool
	simpleActive    int

	copyMu      sync.Mutex
	copyCursors map[string]int64 // copy context id -> last-acked LSN it still needs

	migrator *Migrator
}

// NewStore bootstraps (or joins, via AddVoter from an existing leader) a
// replicated store rooted at cfg.DataDir, backed by engine for local
// durability and raft for replication (Protocol 1/2 substrate).
func NewStore(cfg Config, engine kvstore.Engine, broker *events.Broker) (*Store, error) {
	cfg.setDefaults()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Store{
		cfg:         cfg,
		logger:      log.WithComponent("replicatedstore").With().Str("node_id", cfg.NodeID).Logger(),
		engine:      engine,
		broker:      broker,
		copyCursors: make(map[string]int64),
	}
	s.fsm = &storeFSM{store: s}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	snapDir := filepath.Join(cfg.DataDir, "raft-snapshots")
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return nil, err
	}
	snapshots, err := raft.NewFileSnapshotStore(snapDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("new snapshot store: %w", err)
	}

	logStorePath := filepath.Join(cfg.DataDir, "raft-log.db")
	logStore, err := raftboltdb.NewBoltStore(logStorePath)
	if err != nil {
		return nil, fmt.Errorf("new raft log store: %w", err)
	}
	stableStorePath := filepath.Join(cfg.DataDir, "raft-stable.db")
	stableStore, err := raftboltdb.NewBoltStore(stableStorePath)
	if err != nil {
		return nil, fmt.Errorf("new raft stable store: %w", err)
	}

	transport := cfg.Transport
	if transport == nil {
		addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
		if err != nil {
			return nil, fmt.Errorf("resolve bind addr: %w", err)
		}
		transport, err = raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("new tcp transport: %w", err)
		}
	}

	r, err := raft.NewRaft(raftCfg, s.fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("new raft: %w", err)
	}
	s.raft = r

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
		}
		r.BootstrapCluster(configuration)
	}

	s.watermark = throttle.NewWatermark(
		cfg.ThrottleHighCount, cfg.ThrottleLowCount,
		cfg.ThrottleHighBytes, cfg.ThrottleLowBytes,
		time.Second,
		func(active bool) {
			if s.throttleCb != nil {
				s.throttleCb(active)
			}
		},
	)

	return s, nil
}

// SetThrottleCallback registers cb to be invoked when the replication queue
// crosses high/low watermarks (spec §4.3 "set_throttle_callback").
func (s *Store) SetThrottleCallback(cb func(active bool)) { s.throttleCb = cb }

// ObserveQueue reports current replication queue depth/byte estimate,
// driving the throttle hysteresis (spec §8 property 7).
func (s *Store) ObserveQueue(count, bytes int64) bool {
	metrics.ReplicationQueueDepth.Set(float64(count))
	metrics.ReplicationQueueBytes.Set(float64(bytes))
	return s.watermark.Observe(count, bytes)
}

func (s *Store) IsLeader() bool { return s.raft.State() == raft.Leader }

// LastAppliedLSN reports the applied-index watermark the RA uses to reason
// about catch-up; full epoch bookkeeping (data_loss_number,
// configuration_number) belongs to pkg/ra, which owns the per-FT state.
func (s *Store) LastAppliedLSN() int64 {
	return int64(s.raft.AppliedIndex())
}

// QueryStatus summarizes this replica's replication health, for FUP/health
// reporting.
type QueryStatus struct {
	IsLeader        bool
	AppliedLSN      int64
	CommitIndex     int64
	ReplicationLag  int64
	ThrottleActive  bool
	ConfigServers   []raft.Server
}

// GetQueryStatus reports the replica's current replication status (spec
// §4.3 "query status").
func (s *Store) GetQueryStatus() QueryStatus {
	applied := int64(s.raft.AppliedIndex())
	commit := int64(s.raft.LastIndex())
	cfgFuture := s.raft.GetConfiguration()
	var servers []raft.Server
	if cfgFuture.Error() == nil {
		servers = cfgFuture.Configuration().Servers
	}
	return QueryStatus{
		IsLeader:       s.IsLeader(),
		AppliedLSN:     applied,
		CommitIndex:    commit,
		ReplicationLag: commit - applied,
		ThrottleActive: s.watermark.Active(),
		ConfigServers:  servers,
	}
}

// UpdateReplicatorSettings adjusts the replication queue's throttle
// watermarks at runtime (spec §4.3 "update replicator settings").
func (s *Store) UpdateReplicatorSettings(thresholds CopyModeThresholds, highCount, lowCount, highBytes, lowBytes int64) {
	s.cfg.CopyModeThresholds = thresholds
	s.watermark = throttle.NewWatermark(highCount, lowCount, highBytes, lowBytes, time.Second, func(active bool) {
		if s.throttleCb != nil {
			s.throttleCb(active)
		}
	})
}

// ReportMetrics updates the Raft-related Prometheus gauges. Intended to be
// called periodically by cmd/ranode's metrics loop.
func (s *Store) ReportMetrics() {
	if s.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}
	metrics.RaftAppliedIndex.Set(float64(s.raft.AppliedIndex()))
}

// AddVoter adds a new replica to the raft configuration (join path for a
// newly-provisioned secondary).
func (s *Store) AddVoter(nodeID, addr string) error {
	f := s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second)
	return f.Error()
}

// RemoveServer removes a replica (e.g. after ReplicaDropped is acked).
func (s *Store) RemoveServer(nodeID string) error {
	f := s.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	return f.Error()
}

func (s *Store) Shutdown() error {
	if f := s.raft.Shutdown(); f.Error() != nil {
		return f.Error()
	}
	return s.engine.Close()
}
