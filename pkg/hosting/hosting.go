// Package hosting implements the RA↔FUP IPC bridge of spec §6.2: a
// request/reply protocol carrying runtime_id, failover_unit_description,
// local/remote replica descriptions, and service_description over a
// node-local Unix domain socket.
//
// Transported the same way as pkg/messaging (manual grpc.ServiceDesc, no
// protoc-generated stubs), retargeted from TCP to "unix:" per DESIGN.md.
package hosting

import (
	"github.com/cuemby/ravault/pkg/ratypes"
)

// Action enumerates the RA->FUP calls of spec §6.2.
type Action string

const (
	ActionReplicaOpen                          Action = "ReplicaOpen"
	ActionReplicaClose                         Action = "ReplicaClose"
	ActionStatefulServiceReopen                Action = "StatefulServiceReopen"
	ActionUpdateConfiguration                  Action = "UpdateConfiguration"
	ActionReplicatorBuildIdleReplica           Action = "ReplicatorBuildIdleReplica"
	ActionReplicatorRemoveIdleReplica          Action = "ReplicatorRemoveIdleReplica"
	ActionReplicatorGetStatus                  Action = "ReplicatorGetStatus"
	ActionReplicatorUpdateEpochAndGetStatus    Action = "ReplicatorUpdateEpochAndGetStatus"
	ActionCancelCatchupReplicaSet               Action = "CancelCatchupReplicaSet"
	ActionReplicaEndpointUpdatedReply           Action = "ReplicaEndpointUpdatedReply"
	ActionReadWriteStatusRevokedNotificationReply Action = "ReadWriteStatusRevokedNotificationReply"
	ActionUpdateServiceDescription              Action = "UpdateServiceDescription"
	ActionQuery                                 Action = "Query"
)

// Request is the wire request of spec §6.2.
type Request struct {
	Action                  Action                       `json:"action"`
	ActivityID              string                       `json:"activity_id"`
	RuntimeID               string                       `json:"runtime_id"`
	FailoverUnitDescription string                       `json:"failover_unit_description"`
	LocalReplicaDescription ratypes.ReplicaDescription   `json:"local_replica_description"`
	RemoteReplicas          []ratypes.ReplicaDescription `json:"remote_replicas,omitempty"`
	ServiceDescription      string                       `json:"service_description,omitempty"`
	Epoch                   ratypes.Epoch                `json:"epoch"`
	Flags                   map[string]bool              `json:"flags,omitempty"`
}

// Response is the wire reply of spec §6.2.
type Response struct {
	Err            string          `json:"err,omitempty"`
	Kind           ratypes.ErrorKind `json:"kind,omitempty"`
	LastAckedLSN   int64           `json:"last_acked_lsn,omitempty"`
	ReadStatus     string          `json:"read_status,omitempty"`
	WriteStatus    string          `json:"write_status,omitempty"`
	EndpointData   string          `json:"endpoint_data,omitempty"`
}

// AsError converts a Response carrying a wire error into a *ratypes.RAError,
// or nil if the call succeeded.
func (r Response) AsError(activityID, ftID string) error {
	if r.Err == "" {
		return nil
	}
	kind := r.Kind
	if kind == "" {
		kind = ratypes.ErrorKindCorruptStore
	}
	return ratypes.NewError(kind, activityID, ftID, r.Err, nil)
}
