// Package ra implements the Reconfiguration Agent of spec §4.5: the per-FT
// reconfiguration state machine, message dispatch with generation/staleness
// checks, node-level FM bookkeeping, and the retryable-error/backoff
// machinery that drives replica lifecycle decisions.
//
// Grounded on pkg/reconciler.go's state-machine-over-entity-map pattern and
// pkg/worker/worker.go's message-dispatch-with-checks loop, generalized from
// fixed container reconcile actions to the FT reconfiguration phase table.
package ra

import (
	"time"

	"github.com/cuemby/ravault/pkg/ratypes"
)

// MessageTarget mirrors spec §4.5 "message handling" metadata descriptor.
type MessageTarget string

const (
	TargetRA MessageTarget = "RA"
	TargetFT MessageTarget = "FT"
)

// StalenessCheck mirrors spec §4.5.
type StalenessCheck string

const (
	StalenessNone     StalenessCheck = "None"
	StalenessFTFailover StalenessCheck = "FTFailover"
	StalenessFTProxy  StalenessCheck = "FTProxy"
)

// Action enumerates the wire message actions of spec §6.1.
type Action string

const (
	ActionDoReconfiguration        Action = "DoReconfiguration"
	ActionChangeConfiguration      Action = "ChangeConfiguration"
	ActionDeactivate               Action = "Deactivate"
	ActionActivate                 Action = "Activate"
	ActionGetLSN                   Action = "GetLSN"
	ActionGetLSNReply              Action = "GetLSNReply"
	ActionReplicaOpen              Action = "ReplicaOpen"
	ActionReplicaOpenReply         Action = "ReplicaOpenReply"
	ActionReplicaClose             Action = "ReplicaClose"
	ActionReplicaCloseReply        Action = "ReplicaCloseReply"
	ActionReplicaUp                Action = "ReplicaUp"
	ActionReplicaUpReply           Action = "ReplicaUpReply"
	ActionReplicaDropped           Action = "ReplicaDropped"
	ActionReplicaDroppedReply      Action = "ReplicaDroppedReply"
	ActionReplicaEndpointUpdated   Action = "ReplicaEndpointUpdated"
	ActionReplicaEndpointUpdatedReply Action = "ReplicaEndpointUpdatedReply"
	ActionNodeUp                   Action = "NodeUp"
	ActionNodeUpAck                Action = "NodeUpAck"
	ActionNodeActivate             Action = "NodeActivate"
	ActionNodeDeactivate           Action = "NodeDeactivate"
	ActionGenerationUpdate         Action = "GenerationUpdate"
	ActionGenerationProposal       Action = "GenerationProposal"
	ActionGenerationProposalReply  Action = "GenerationProposalReply"
	ActionLFUMUpload               Action = "LFUMUpload"
	ActionReportFault              Action = "ReportFault"
	ActionServiceTypeEnabled       Action = "ServiceTypeEnabled"
	ActionServiceTypeDisabled      Action = "ServiceTypeDisabled"
)

// ActionMetadata is the static routing descriptor the message handler looks
// up per action (spec §4.5 "message handling", step 1-2).
type ActionMetadata struct {
	Target                MessageTarget
	CreatesEntity         bool
	ProcessDuringNodeClose bool
	StalenessCheck        StalenessCheck
}

var actionMetadata = map[Action]ActionMetadata{
	ActionDoReconfiguration:   {Target: TargetFT, StalenessCheck: StalenessFTFailover},
	ActionChangeConfiguration: {Target: TargetFT, CreatesEntity: true, StalenessCheck: StalenessFTFailover},
	ActionDeactivate:          {Target: TargetFT, StalenessCheck: StalenessFTFailover},
	ActionActivate:            {Target: TargetFT, StalenessCheck: StalenessFTFailover},
	ActionGetLSN:              {Target: TargetFT, StalenessCheck: StalenessFTProxy, ProcessDuringNodeClose: true},
	ActionGetLSNReply:         {Target: TargetFT, StalenessCheck: StalenessFTProxy},
	ActionReplicaOpen:         {Target: TargetFT, CreatesEntity: true, StalenessCheck: StalenessFTFailover},
	ActionReplicaClose:        {Target: TargetFT, ProcessDuringNodeClose: true, StalenessCheck: StalenessFTFailover},
	ActionReplicaUpReply:      {Target: TargetFT, StalenessCheck: StalenessNone},
	ActionReplicaDroppedReply: {Target: TargetFT, StalenessCheck: StalenessNone},
	ActionReplicaEndpointUpdated: {Target: TargetFT, StalenessCheck: StalenessFTProxy},
	ActionNodeUpAck:           {Target: TargetRA, ProcessDuringNodeClose: true},
	ActionNodeActivate:        {Target: TargetRA, ProcessDuringNodeClose: true},
	ActionNodeDeactivate:      {Target: TargetRA, ProcessDuringNodeClose: true},
	ActionGenerationUpdate:    {Target: TargetRA, ProcessDuringNodeClose: true},
	ActionGenerationProposal:  {Target: TargetRA, ProcessDuringNodeClose: true},
	ActionLFUMUpload:          {Target: TargetRA},
	ActionReportFault:         {Target: TargetFT, StalenessCheck: StalenessFTProxy},
	ActionServiceTypeEnabled:  {Target: TargetRA},
	ActionServiceTypeDisabled: {Target: TargetRA},
}

// MetadataFor returns the routing descriptor for action, defaulting to an
// FT-targeted, non-node-close-processed, unchecked message for any action
// not in the static table (forward-compatible with §6.1's "at minimum"
// wording).
func MetadataFor(a Action) ActionMetadata {
	if m, ok := actionMetadata[a]; ok {
		return m
	}
	return ActionMetadata{Target: TargetFT}
}

// GenerationHeader mirrors spec §6.1.
type GenerationHeader struct {
	GenerationNumber int64          `json:"generation_number"`
	FMKind           ratypes.FMKind `json:"fm_kind"`
}

// NodeInstance identifies the sender of a message.
type NodeInstance struct {
	NodeID     string `json:"node_id"`
	InstanceID int64  `json:"instance_id"`
}

// Message is the wire envelope of spec §6.1.
type Message struct {
	Action           Action           `json:"action"`
	ActivityID       string           `json:"activity_id"`
	GenerationHeader GenerationHeader `json:"generation_header"`
	FromNodeInstance NodeInstance     `json:"from_node_instance"`
	FTID             string           `json:"ft_id,omitempty"`
	SequenceNumber   int64            `json:"sequence_number"`
	Epoch            ratypes.Epoch    `json:"epoch"`
	ReplicaInstanceID int64           `json:"replica_instance_id"`
	Body             []byte           `json:"body,omitempty"`
	ReceivedAt       time.Time        `json:"-"`
}
