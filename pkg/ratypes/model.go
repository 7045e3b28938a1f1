// Package ratypes holds the shared data model for the replicated key-value
// store and the reconfiguration agent: rows, epochs, generation state,
// replica descriptions, failover units, and reconfiguration state.
package ratypes

import "time"

// SchemaVersion is carried on every persisted FailoverUnit so that a future
// engine change can detect and reject (rather than silently misread) an
// incompatible on-disk representation. See DESIGN.md "Open Question
// resolutions" #1.
const CurrentSchemaVersion = 1

// Row is the storage primitive (spec §3.1). Uniqueness is (Type, Key).
type Row struct {
	Type                     string    `json:"type"`
	Key                      string    `json:"key"`
	Value                    []byte    `json:"value,omitempty"`
	OperationLSN             int64     `json:"operation_lsn"`
	LastModifiedUTC          time.Time `json:"last_modified_utc"`
	LastModifiedOnPrimaryUTC time.Time `json:"last_modified_on_primary_utc"`
}

// IsTombstone reports whether this row represents a logical delete still
// retained to serve copy streams (spec §3.7).
func (r Row) IsTombstone() bool { return r.Value == nil }

// IsolationLevel mirrors spec §3.2.
type IsolationLevel string

const (
	IsolationReadCommitted IsolationLevel = "ReadCommitted"
	IsolationSerializable  IsolationLevel = "Serializable"
)

// TransactionState mirrors spec §3.2's state machine.
type TransactionState string

const (
	TxActive     TransactionState = "Active"
	TxCommitting TransactionState = "Committing"
	TxCommitted  TransactionState = "Committed"
	TxRolledBack TransactionState = "RolledBack"
	TxAborted    TransactionState = "Aborted"
)

// Epoch is (data_loss_number, configuration_number), lexicographically
// ordered (spec §3.3). InvalidEpoch sorts lowest.
type Epoch struct {
	DataLossNumber      int64 `json:"data_loss_number"`
	ConfigurationNumber int64 `json:"configuration_number"`
}

// InvalidEpoch sorts below every legitimate epoch.
var InvalidEpoch = Epoch{DataLossNumber: -1, ConfigurationNumber: -1}

// Compare returns -1, 0, or 1 following lexicographic order on
// (DataLossNumber, ConfigurationNumber).
func (e Epoch) Compare(other Epoch) int {
	if e.DataLossNumber != other.DataLossNumber {
		if e.DataLossNumber < other.DataLossNumber {
			return -1
		}
		return 1
	}
	if e.ConfigurationNumber != other.ConfigurationNumber {
		if e.ConfigurationNumber < other.ConfigurationNumber {
			return -1
		}
		return 1
	}
	return 0
}

func (e Epoch) IsInvalid() bool { return e == InvalidEpoch }

// NextConfiguration returns the epoch with ConfigurationNumber incremented,
// used on reconfiguration completion (spec S3: "current_epoch.configuration_number
// increments by 1").
func (e Epoch) NextConfiguration() Epoch {
	return Epoch{DataLossNumber: e.DataLossNumber, ConfigurationNumber: e.ConfigurationNumber + 1}
}

// NextDataLoss returns the epoch with DataLossNumber incremented and
// ConfigurationNumber reset, used when OnDataLoss reports a state change.
func (e Epoch) NextDataLoss() Epoch {
	return Epoch{DataLossNumber: e.DataLossNumber + 1, ConfigurationNumber: 0}
}

// FMKind distinguishes the cluster Failover Manager from its own bootstrap
// Failover Manager (spec GLOSSARY: "FM / FMM").
type FMKind string

const (
	FMKindFM  FMKind = "FM"
	FMKindFMM FMKind = "FMM"
)

// GenerationState tracks (proposed, receive, send) generation numbers per FM
// kind, each monotonic nondecreasing (spec §3.3, §4.5 GenerationStateManager
// supplement).
type GenerationState struct {
	Proposed int64 `json:"proposed"`
	Receive  int64 `json:"receive"`
	Send     int64 `json:"send"`
}

// Propose advances Proposed if the candidate is higher, returning whether it
// advanced.
func (g *GenerationState) Propose(candidate int64) bool {
	if candidate > g.Proposed {
		g.Proposed = candidate
		return true
	}
	return false
}

// UpdateReceive advances Receive if the incoming generation is higher,
// returning false (stale) otherwise.
func (g *GenerationState) UpdateReceive(incoming int64) bool {
	if incoming > g.Receive {
		g.Receive = incoming
		return true
	}
	return false
}

// ReplicaState enumerates a replica's lifecycle (spec §3.4).
type ReplicaState string

const (
	ReplicaStateInBuild ReplicaState = "InBuild"
	ReplicaStateReady   ReplicaState = "Ready"
	ReplicaStateInDrop  ReplicaState = "InDrop"
	ReplicaStateDropped ReplicaState = "Dropped"
	ReplicaStateStandBy ReplicaState = "StandBy"
	ReplicaStateDown    ReplicaState = "Down"
)

// ReplicaRole enumerates the roles a replica can hold (spec §3.4).
type ReplicaRole string

const (
	ReplicaRoleUnknown   ReplicaRole = "Unknown"
	ReplicaRoleNone      ReplicaRole = "None"
	ReplicaRoleIdle      ReplicaRole = "Idle"
	ReplicaRoleSecondary ReplicaRole = "Secondary"
	ReplicaRolePrimary   ReplicaRole = "Primary"
)

// ReplicaDescription describes one replica of a failover unit (spec §3.4).
type ReplicaDescription struct {
	NodeID       string       `json:"node_id"`
	ReplicaID    int64        `json:"replica_id"`
	InstanceID   int64        `json:"instance_id"`
	State        ReplicaState `json:"state"`
	PreviousRole ReplicaRole  `json:"previous_role"`
	CurrentRole  ReplicaRole  `json:"current_role"`
	LastAckedLSN int64        `json:"last_acked_lsn"`
	FirstLSN     int64        `json:"first_lsn"`
}

// ReconfigurationPhase enumerates the RA's per-FT reconfiguration state
// machine (spec §3.6, §4.5 table).
type ReconfigurationPhase string

const (
	PhaseNone           ReconfigurationPhase = "None"
	PhasePhase0Demote   ReconfigurationPhase = "Phase0_Demote"
	PhasePhase1GetLSN   ReconfigurationPhase = "Phase1_GetLSN"
	PhasePhase2Catchup  ReconfigurationPhase = "Phase2_Catchup"
	PhasePhase3Deactivate ReconfigurationPhase = "Phase3_Deactivate"
	PhasePhase4Activate ReconfigurationPhase = "Phase4_Activate"
)

// StuckReason enumerates why a reconfiguration phase may be reported stuck
// to health (spec §3.6, §8 S6).
type StuckReason string

const (
	StuckReasonNone             StuckReason = ""
	StuckReasonReplicaNotResponding StuckReason = "replica_not_responding"
	StuckReasonQuorumNotReached StuckReason = "quorum_not_reached"
	StuckReasonTimeout          StuckReason = "timeout"
)

// ReconfigurationState tracks one in-progress (or most recently completed)
// reconfiguration for an FT.
type ReconfigurationState struct {
	Phase           ReconfigurationPhase `json:"phase"`
	StartTime       time.Time            `json:"start_time"`
	PhaseStartTime  time.Time            `json:"phase_start_time"`
	ProgressByNode  map[string]int64     `json:"progress_by_node,omitempty"` // node_id -> last known LSN reply
	StuckReason     StuckReason          `json:"stuck_reason,omitempty"`
	RepliedNodes    map[string]bool      `json:"replied_nodes,omitempty"`
}

// IsInProgress reports whether a reconfiguration is currently active.
func (r ReconfigurationState) IsInProgress() bool { return r.Phase != PhaseNone && r.Phase != "" }

// DeactivationInfo tracks the FT-level deactivation metadata referenced by
// FailoverUnit (spec §3.4).
type DeactivationInfo struct {
	IsDeactivated    bool      `json:"is_deactivated"`
	DeactivationTime time.Time `json:"deactivation_time,omitempty"`
}

// FMMessageStage enumerates where an FT is in its lifecycle of notifying the
// FM (used to gate ReplicaUp/ReplicaDropped retries in pkg/ra).
type FMMessageStage string

const (
	FMMessageStageNone            FMMessageStage = "None"
	FMMessageStagePendingReplicaUp FMMessageStage = "PendingReplicaUp"
	FMMessageStagePendingDropped   FMMessageStage = "PendingReplicaDropped"
	FMMessageStageAcked           FMMessageStage = "Acked"
)

// RetryableErrorState tracks consecutive failures of
// open/reopen/change-role/close per replica (spec §4.5).
type RetryableErrorState struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastFailureTime     time.Time `json:"last_failure_time,omitempty"`
}

// RetryThresholds configures the warning/restart/drop/error boundaries
// (spec §4.5).
type RetryThresholds struct {
	Warning int
	Restart int
	Drop    int
	Error   int
}

// DefaultRetryThresholds mirrors conservative defaults seen across the
// original RA's configuration surface.
func DefaultRetryThresholds() RetryThresholds {
	return RetryThresholds{Warning: 3, Restart: 5, Drop: 10, Error: 5}
}

// Action classifies what the RA should do in response to a retry count
// crossing a threshold (spec §4.5).
type RetryAction string

const (
	RetryActionNone    RetryAction = "none"
	RetryActionWarn    RetryAction = "warn"
	RetryActionRestart RetryAction = "restart_host"
	RetryActionDrop    RetryAction = "drop_replica"
	RetryActionError   RetryAction = "error_health"
)

// Evaluate returns the action(s) implied by the current failure count
// against the configured thresholds. Order follows spec §4.5: warning then
// error health apply independently of restart/drop, drop takes priority
// when reached.
func (s RetryableErrorState) Evaluate(t RetryThresholds) []RetryAction {
	var actions []RetryAction
	if s.ConsecutiveFailures >= t.Drop {
		actions = append(actions, RetryActionDrop)
		return actions
	}
	if s.ConsecutiveFailures >= t.Restart {
		actions = append(actions, RetryActionRestart)
	}
	if s.ConsecutiveFailures >= t.Error {
		actions = append(actions, RetryActionError)
	} else if s.ConsecutiveFailures >= t.Warning {
		actions = append(actions, RetryActionWarn)
	}
	if len(actions) == 0 {
		actions = append(actions, RetryActionNone)
	}
	return actions
}

// RecordFailure increments the consecutive failure counter.
func (s *RetryableErrorState) RecordFailure(errDescriptor string) {
	s.ConsecutiveFailures++
	s.LastError = errDescriptor
	s.LastFailureTime = time.Now()
}

// RecordSuccess resets the counter.
func (s *RetryableErrorState) RecordSuccess() {
	s.ConsecutiveFailures = 0
	s.LastError = ""
}

// FailoverUnit is the durable per-partition-replica record owned by the RA
// (spec §3.4).
type FailoverUnit struct {
	SchemaVersion       int                    `json:"schema_version"`
	FTID                string                 `json:"ft_id"`
	ConsistencyUnitID   string                 `json:"consistency_unit_id"`
	CurrentEpoch        Epoch                  `json:"current_epoch"`
	PreviousEpoch       Epoch                  `json:"previous_epoch"`
	ServiceDescription  string                 `json:"service_description"`
	LocalReplica        *ReplicaDescription    `json:"local_replica,omitempty"`
	RemoteReplicas      []ReplicaDescription   `json:"remote_replicas,omitempty"`
	DeactivationInfo    DeactivationInfo       `json:"deactivation_info"`
	FMMessageStage      FMMessageStage         `json:"fm_message_stage"`
	MessageSequenceNumber int64                `json:"message_sequence_number"`
	ReconfigurationState ReconfigurationState  `json:"reconfiguration_state"`
	RetryableErrorState RetryableErrorState    `json:"retryable_error_state"`
	UploadPending       bool                   `json:"upload_pending_flag"`
	DownReplicas        []string               `json:"down_replicas,omitempty"`
}

// NewFailoverUnit constructs an FT with the current schema version and an
// invalid previous epoch (no reconfiguration in progress).
func NewFailoverUnit(ftID, consistencyUnitID string) *FailoverUnit {
	return &FailoverUnit{
		SchemaVersion:     CurrentSchemaVersion,
		FTID:              ftID,
		ConsistencyUnitID: consistencyUnitID,
		CurrentEpoch:      Epoch{DataLossNumber: 0, ConfigurationNumber: 0},
		PreviousEpoch:     InvalidEpoch,
		FMMessageStage:    FMMessageStageNone,
	}
}

// IsReconfigurationInProgress mirrors the invariant "previous_epoch != Invalid
// => reconfiguration in progress" (spec §3.4).
func (f *FailoverUnit) IsReconfigurationInProgress() bool {
	return !f.PreviousEpoch.IsInvalid()
}

// Validate checks the FT-level invariants from spec §3.4 that can be
// verified without cluster-wide knowledge.
func (f *FailoverUnit) Validate() error {
	if f.SchemaVersion != CurrentSchemaVersion {
		return NewError(ErrorKindCorruptStore, "", f.FTID,
			"unsupported failover unit schema version", nil)
	}
	if f.LocalReplica != nil {
		for _, r := range f.RemoteReplicas {
			if r.NodeID == f.LocalReplica.NodeID {
				return NewError(ErrorKindContractViolation, "", f.FTID,
					"local replica also present in remote_replicas", nil)
			}
		}
	}
	return nil
}
