package fup

// ReadStatus and WriteStatus are the two axes of spec §4.6's status
// calculator output.
type ReadStatus string
type WriteStatus string

const (
	StatusGranted                 ReadStatus  = "Granted"
	StatusNoReadQuorum             ReadStatus  = "NoReadQuorum"
	StatusReconfigurationPendingR  ReadStatus  = "ReconfigurationPending"
	StatusNotPrimaryR              ReadStatus  = "NotPrimary"
	StatusDynamicR                 ReadStatus  = "dynamic"
	StatusInvalidR                 ReadStatus  = "invalid"
)

const (
	WriteGranted                  WriteStatus = "Granted"
	WriteNoWriteQuorum            WriteStatus = "NoWriteQuorum"
	WriteReconfigurationPendingW  WriteStatus = "ReconfigurationPending"
	WriteNotPrimaryW              WriteStatus = "NotPrimary"
	WriteDynamicW                 WriteStatus = "dynamic"
	WriteInvalidW                 WriteStatus = "invalid"
)

type statusEntry struct {
	read  ReadStatus
	write WriteStatus
}

// statusTable is the literal (lifecycle_state x configuration_stage) ->
// (read, write) lookup of spec §4.6/§5 supplement (ReadWriteStatusCalculator).
// `dynamic` entries require HasMinReplicaSetAndWriteQuorum to resolve;
// `invalid` entries must never be observed by a caller (Closed/Opening
// offer no meaningful status; Closing reports ReconfigurationPending).
var statusTable = map[LifecycleState]map[ConfigurationStage]statusEntry{
	LifecycleClosed: {
		StageCurrent: {StatusInvalidR, WriteInvalidW},
	},
	LifecycleOpening: {
		StageCurrent: {StatusInvalidR, WriteInvalidW},
	},
	LifecycleClosing: {
		StageCurrent:                            {StatusReconfigurationPendingR, WriteReconfigurationPendingW},
		StageCatchup:                            {StatusReconfigurationPendingR, WriteReconfigurationPendingW},
		StageCatchupPending:                     {StatusReconfigurationPendingR, WriteReconfigurationPendingW},
		StageCurrentPending:                     {StatusReconfigurationPendingR, WriteReconfigurationPendingW},
		StagePreWriteStatusRevokeCatchup:        {StatusReconfigurationPendingR, WriteReconfigurationPendingW},
		StagePreWriteStatusRevokeCatchupPending: {StatusReconfigurationPendingR, WriteReconfigurationPendingW},
	},
	LifecycleOpened: {
		StageCurrent:                            {StatusGranted, WriteDynamicW},
		StageCurrentPending:                     {StatusGranted, WriteNoWriteQuorum},
		StageCatchup:                            {StatusDynamicR, WriteDynamicW},
		StageCatchupPending:                      {StatusDynamicR, WriteNoWriteQuorum},
		StagePreWriteStatusRevokeCatchup:        {StatusNoReadQuorum, WriteNoWriteQuorum},
		StagePreWriteStatusRevokeCatchupPending: {StatusNoReadQuorum, WriteNoWriteQuorum},
	},
}

// resolveStatus looks up (lifecycle, stage) and resolves any `dynamic`
// entry using hasMinReplicaSetAndWriteQuorum, mirroring the original's
// HasMinReplicaSetAndWriteQuorum-gated dynamic resolution.
func resolveStatus(lifecycle LifecycleState, stage ConfigurationStage, hasMinReplicaSetAndWriteQuorum bool) (ReadStatus, WriteStatus) {
	byStage, ok := statusTable[lifecycle]
	if !ok {
		return StatusInvalidR, WriteInvalidW
	}
	entry, ok := byStage[stage]
	if !ok {
		return StatusInvalidR, WriteInvalidW
	}

	read := entry.read
	write := entry.write
	if read == StatusDynamicR {
		if hasMinReplicaSetAndWriteQuorum {
			read = StatusGranted
		} else {
			read = StatusNoReadQuorum
		}
	}
	if write == WriteDynamicW {
		if hasMinReplicaSetAndWriteQuorum {
			write = WriteGranted
		} else {
			write = WriteNoWriteQuorum
		}
	}
	return read, write
}
