package ra

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuemby/ravault/pkg/entity"
	"github.com/cuemby/ravault/pkg/metrics"
	"github.com/cuemby/ravault/pkg/ratypes"
)

// phaseOrder is the reconfiguration table of spec §4.5/§3.6: each phase
// advances to the next once every remote replica has replied for it.
var phaseOrder = []ratypes.ReconfigurationPhase{
	ratypes.PhasePhase0Demote,
	ratypes.PhasePhase1GetLSN,
	ratypes.PhasePhase2Catchup,
	ratypes.PhasePhase3Deactivate,
	ratypes.PhasePhase4Activate,
}

func nextPhase(p ratypes.ReconfigurationPhase) ratypes.ReconfigurationPhase {
	for i, cur := range phaseOrder {
		if cur == p && i+1 < len(phaseOrder) {
			return phaseOrder[i+1]
		}
	}
	return ratypes.PhaseNone
}

// fanoutTargets returns the node instances a phase's outbound message must
// reach: every remote replica. The local node is not included.
func fanoutTargets(ft *ratypes.FailoverUnit) []NodeInstance {
	targets := make([]NodeInstance, 0, len(ft.RemoteReplicas))
	for _, r := range ft.RemoteReplicas {
		targets = append(targets, NodeInstance{NodeID: r.NodeID, InstanceID: r.InstanceID})
	}
	return targets
}

func actionForPhase(p ratypes.ReconfigurationPhase) Action {
	switch p {
	case ratypes.PhasePhase0Demote:
		return ActionDeactivate
	case ratypes.PhasePhase1GetLSN:
		return ActionGetLSN
	case ratypes.PhasePhase2Catchup:
		return ActionReplicaOpen
	case ratypes.PhasePhase3Deactivate:
		return ActionDeactivate
	case ratypes.PhasePhase4Activate:
		return ActionActivate
	default:
		return ""
	}
}

// genericJobItem adapts a closure pair to entity.JobItem[ratypes.FailoverUnit],
// avoiding one bespoke type per action (spec §4.4's job item contract is
// uniform; only the Process body differs per action).
type genericJobItem struct {
	checks  entity.CheckMask
	process func(ft *ratypes.FailoverUnit) (bool, []entity.Action, error)
	finish  func(ft *ratypes.FailoverUnit, commitErr error)
}

func (j genericJobItem) Checks() entity.CheckMask { return j.checks }

func (j genericJobItem) Process(ft *ratypes.FailoverUnit) (bool, []entity.Action, error) {
	return j.process(ft)
}

func (j genericJobItem) FinishProcess(ft *ratypes.FailoverUnit, commitErr error) {
	if j.finish != nil {
		j.finish(ft, commitErr)
	}
}

// jobItemForAction builds the job item that implements msg's effect on its
// target FT (spec §4.5 step 5). Returns nil for actions with no FT-level
// handler (the caller then rejects the message as unrecognized).
func jobItemForAction(a *Agent, msg Message) entity.JobItem[ratypes.FailoverUnit] {
	switch msg.Action {
	case ActionDoReconfiguration:
		return a.startReconfigurationItem(msg)
	case ActionChangeConfiguration:
		return a.changeConfigurationItem(msg)
	case ActionGetLSNReply:
		return a.phaseReplyItem(msg, ratypes.PhasePhase1GetLSN, ratypes.PhasePhase4Activate)
	case ActionReplicaOpenReply:
		return a.phaseReplyItem(msg, ratypes.PhasePhase2Catchup)
	case ActionReplicaCloseReply:
		return a.phaseReplyItem(msg, ratypes.PhasePhase0Demote, ratypes.PhasePhase3Deactivate)
	case ActionDeactivate:
		return a.localDeactivateItem(msg, true)
	case ActionActivate:
		return a.localDeactivateItem(msg, false)
	case ActionReplicaOpen:
		return a.replicaOpenItem(msg)
	case ActionReplicaClose:
		return a.replicaCloseItem(msg)
	case ActionGetLSN:
		return a.getLSNItem(msg)
	case ActionReplicaUpReply:
		return a.replicaUpReplyItem(msg)
	case ActionReplicaDroppedReply:
		return a.replicaDroppedReplyItem(msg)
	case ActionReportFault:
		return a.reportFaultItem(msg)
	default:
		return nil
	}
}

// startReconfigurationItem begins a new reconfiguration at Phase0_Demote if
// none is already in progress (spec §3.4 "previous_epoch != Invalid =>
// reconfiguration in progress" — re-entrant DoReconfiguration while one is
// already running is a no-op, since the FM retries until it observes
// completion).
func (a *Agent) startReconfigurationItem(msg Message) entity.JobItem[ratypes.FailoverUnit] {
	return genericJobItem{
		checks: entity.CheckRAIsOpen | entity.CheckFTIsNotNull | entity.CheckFTIsOpen,
		process: func(ft *ratypes.FailoverUnit) (bool, []entity.Action, error) {
			if ft.IsReconfigurationInProgress() {
				return false, nil, nil
			}
			ft.PreviousEpoch = ft.CurrentEpoch
			ft.ReconfigurationState = ratypes.ReconfigurationState{
				Phase:          ratypes.PhasePhase0Demote,
				StartTime:      time.Now(),
				PhaseStartTime: time.Now(),
				RepliedNodes:   make(map[string]bool),
				ProgressByNode: make(map[string]int64),
			}
			actions := a.sendPhaseMessage(ft, ratypes.PhasePhase0Demote, msg.ActivityID)
			return true, actions, nil
		},
		finish: func(ft *ratypes.FailoverUnit, commitErr error) {
			if commitErr != nil {
				a.logger.Error().Err(commitErr).Str("ft_id", ft.FTID).Msg("persist reconfiguration start failed")
			}
		},
	}
}

// changeConfigurationItem installs a new replica set, creating the entity's
// local replica and remote replica list (spec §3.4, §4.5 table "creates
// entity").
func (a *Agent) changeConfigurationItem(msg Message) entity.JobItem[ratypes.FailoverUnit] {
	var body struct {
		LocalReplica   *ratypes.ReplicaDescription  `json:"local_replica"`
		RemoteReplicas []ratypes.ReplicaDescription `json:"remote_replicas"`
		Epoch          ratypes.Epoch                `json:"epoch"`
	}
	_ = decodeBody(msg.Body, &body)

	return genericJobItem{
		checks: entity.CheckRAIsOpenOrClosing | entity.CheckFTIsNotNull,
		process: func(ft *ratypes.FailoverUnit) (bool, []entity.Action, error) {
			ft.LocalReplica = body.LocalReplica
			ft.RemoteReplicas = body.RemoteReplicas
			if !body.Epoch.IsInvalid() {
				ft.CurrentEpoch = body.Epoch
			}
			return true, nil, nil
		},
	}
}

// phaseReplyItem records a remote replica's reply for one of the expected
// phases and advances the FT's reconfiguration state once every remote
// replica has replied (spec §4.5 table, §3.6). One reply action can answer
// more than one phase (ReplicaCloseReply answers both Deactivate phases).
func (a *Agent) phaseReplyItem(msg Message, expected ...ratypes.ReconfigurationPhase) entity.JobItem[ratypes.FailoverUnit] {
	return genericJobItem{
		checks: entity.CheckRAIsOpenOrClosing | entity.CheckFTIsNotNull,
		process: func(ft *ratypes.FailoverUnit) (bool, []entity.Action, error) {
			rs := &ft.ReconfigurationState
			phase := rs.Phase
			matched := false
			for _, p := range expected {
				matched = matched || p == phase
			}
			if !matched {
				return false, nil, nil // stale reply for a phase we've moved past
			}
			if rs.RepliedNodes == nil {
				rs.RepliedNodes = make(map[string]bool)
			}
			rs.RepliedNodes[msg.FromNodeInstance.NodeID] = true
			if rs.ProgressByNode == nil {
				rs.ProgressByNode = make(map[string]int64)
			}
			rs.ProgressByNode[msg.FromNodeInstance.NodeID] = msg.SequenceNumber

			if !allRepliedLocked(ft, rs) {
				return true, nil, nil
			}

			metrics.ReconfigurationPhaseDuration.WithLabelValues(string(phase)).Observe(time.Since(rs.PhaseStartTime).Seconds())

			next := nextPhase(phase)
			if next == ratypes.PhaseNone {
				ft.PreviousEpoch = ratypes.InvalidEpoch
				ft.CurrentEpoch = ft.CurrentEpoch.NextConfiguration()
				ft.ReconfigurationState = ratypes.ReconfigurationState{Phase: ratypes.PhaseNone}
				metrics.ReconfigurationsTotal.WithLabelValues("completed").Inc()
				return true, nil, nil
			}

			rs.Phase = next
			rs.PhaseStartTime = time.Now()
			rs.RepliedNodes = make(map[string]bool)
			actions := a.sendPhaseMessage(ft, next, msg.ActivityID)
			return true, actions, nil
		},
	}
}

func allRepliedLocked(ft *ratypes.FailoverUnit, rs *ratypes.ReconfigurationState) bool {
	for _, r := range ft.RemoteReplicas {
		if !rs.RepliedNodes[r.NodeID] {
			return false
		}
	}
	return true
}

// sendPhaseMessage queues the outbound action(s) for entering phase,
// deferred until after the FT's mutated state commits (spec §5 "holders of
// the entity exclusive lock may not perform network I/O while holding it").
func (a *Agent) sendPhaseMessage(ft *ratypes.FailoverUnit, phase ratypes.ReconfigurationPhase, activityID string) []entity.Action {
	action := actionForPhase(phase)
	if action == "" || a.sender == nil {
		return nil
	}
	targets := fanoutTargets(ft)
	out := make([]entity.Action, 0, len(targets))
	for _, target := range targets {
		target := target
		out = append(out, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			msg := Message{
				Action:     action,
				ActivityID: activityID,
				FTID:       ft.FTID,
				Epoch:      ft.CurrentEpoch,
			}
			if err := a.sender.Send(ctx, target, msg); err != nil {
				a.logger.Warn().Err(err).Str("ft_id", ft.FTID).Str("to", target.NodeID).
					Str("phase", string(phase)).Msg("phase message send failed")
			}
		})
	}
	return out
}

// localDeactivateItem flips this FT's local DeactivationInfo and replies on
// the wire to whichever side requested the transition (spec §3.4, §4.5).
func (a *Agent) localDeactivateItem(msg Message, deactivate bool) entity.JobItem[ratypes.FailoverUnit] {
	replyAction := ActionReplicaCloseReply
	if !deactivate {
		replyAction = ActionGetLSNReply // Activate's counterpart reply in the reduced action set
	}
	return genericJobItem{
		checks: entity.CheckRAIsOpenOrClosing | entity.CheckFTIsNotNull,
		process: func(ft *ratypes.FailoverUnit) (bool, []entity.Action, error) {
			ft.DeactivationInfo.IsDeactivated = deactivate
			if deactivate {
				ft.DeactivationInfo.DeactivationTime = time.Now()
			}
			if a.sender == nil {
				return true, nil, nil
			}
			reply := Message{
				Action:     replyAction,
				ActivityID: msg.ActivityID,
				FTID:       ft.FTID,
				Epoch:      ft.CurrentEpoch,
			}
			from := msg.FromNodeInstance
			return true, []entity.Action{func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.sender.Send(ctx, from, reply); err != nil {
					a.logger.Warn().Err(err).Str("ft_id", ft.FTID).Msg("deactivate reply send failed")
				}
			}}, nil
		},
	}
}

// replicaOpenItem installs the local replica description on first open
// (spec §4.5 table "creates entity").
func (a *Agent) replicaOpenItem(msg Message) entity.JobItem[ratypes.FailoverUnit] {
	var body struct {
		Replica ratypes.ReplicaDescription `json:"replica"`
	}
	_ = decodeBody(msg.Body, &body)

	return genericJobItem{
		checks: entity.CheckRAIsOpen | entity.CheckFTIsNotNull,
		process: func(ft *ratypes.FailoverUnit) (bool, []entity.Action, error) {
			ft.LocalReplica = &body.Replica
			ft.UploadPending = true
			if a.sender == nil {
				return true, nil, nil
			}
			from := msg.FromNodeInstance
			reply := Message{
				Action:     ActionReplicaOpenReply,
				ActivityID: msg.ActivityID,
				FTID:       ft.FTID,
				Epoch:      ft.CurrentEpoch,
			}
			return true, []entity.Action{func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.sender.Send(ctx, from, reply); err != nil {
					a.logger.Warn().Err(err).Str("ft_id", ft.FTID).Msg("replica open reply send failed")
				}
			}}, nil
		},
		finish: func(ft *ratypes.FailoverUnit, commitErr error) {
			if commitErr == nil {
				a.uploadStateFor(msg.GenerationHeader.FMKind).Add(ft.FTID)
			}
		},
	}
}

// replicaCloseItem marks the FT's entry for removal once its local replica
// has been dropped (spec §4.4 "(d) an entity marked deleted is removed from
// the map only after commit").
func (a *Agent) replicaCloseItem(msg Message) entity.JobItem[ratypes.FailoverUnit] {
	return genericJobItem{
		checks: entity.CheckRAIsOpenOrClosing | entity.CheckFTIsNotNull,
		process: func(ft *ratypes.FailoverUnit) (bool, []entity.Action, error) {
			ft.LocalReplica = nil
			return true, nil, nil
		},
		finish: func(ft *ratypes.FailoverUnit, commitErr error) {
			if commitErr == nil {
				if entry, ok := a.fts.Get(ft.FTID); ok {
					entry.MarkDeleted()
				}
			}
		},
	}
}

// getLSNItem replies with this replica's last applied LSN (spec §4.5
// "GetLSN", processed during node close per its ActionMetadata).
func (a *Agent) getLSNItem(msg Message) entity.JobItem[ratypes.FailoverUnit] {
	return genericJobItem{
		checks: 0, // GetLSN must still answer while the RA is closing
		process: func(ft *ratypes.FailoverUnit) (bool, []entity.Action, error) {
			lsn := a.store.LastAppliedLSN()
			if a.sender == nil {
				return false, nil, nil
			}
			from := msg.FromNodeInstance
			reply := Message{
				Action:         ActionGetLSNReply,
				ActivityID:     msg.ActivityID,
				FTID:           ft.FTID,
				Epoch:          ft.CurrentEpoch,
				SequenceNumber: lsn,
			}
			return false, []entity.Action{func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.sender.Send(ctx, from, reply); err != nil {
					a.logger.Warn().Err(err).Str("ft_id", ft.FTID).Msg("get_lsn reply send failed")
				}
			}}, nil
		},
	}
}

// replicaUpReplyItem acknowledges a previously sent ReplicaUp for this FT.
func (a *Agent) replicaUpReplyItem(msg Message) entity.JobItem[ratypes.FailoverUnit] {
	return genericJobItem{
		checks: entity.CheckRAIsOpenOrClosing,
		process: func(ft *ratypes.FailoverUnit) (bool, []entity.Action, error) {
			if ft.UploadPending {
				ft.UploadPending = false
				a.uploadStateFor(msg.GenerationHeader.FMKind).Ack(ft.FTID)
				return true, nil, nil
			}
			return false, nil, nil
		},
	}
}

// replicaDroppedReplyItem acknowledges a ReplicaDropped for this FT.
func (a *Agent) replicaDroppedReplyItem(msg Message) entity.JobItem[ratypes.FailoverUnit] {
	return genericJobItem{
		checks: entity.CheckRAIsOpenOrClosing,
		process: func(ft *ratypes.FailoverUnit) (bool, []entity.Action, error) {
			return false, nil, nil
		},
		finish: func(ft *ratypes.FailoverUnit, commitErr error) {
			if entry, ok := a.fts.Get(ft.FTID); ok {
				entry.MarkDeleted()
			}
		},
	}
}

// reportFaultItem records a retryable failure against the FT and evaluates
// it against the configured thresholds (spec §4.5 "RetryableErrorState").
func (a *Agent) reportFaultItem(msg Message) entity.JobItem[ratypes.FailoverUnit] {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = decodeBody(msg.Body, &body)

	return genericJobItem{
		checks: entity.CheckRAIsOpen | entity.CheckFTIsNotNull,
		process: func(ft *ratypes.FailoverUnit) (bool, []entity.Action, error) {
			ft.RetryableErrorState.RecordFailure(body.Reason)
			actions := ft.RetryableErrorState.Evaluate(a.cfg.RetryThresholds)
			var dropped bool
			for _, act := range actions {
				metrics.RetryableErrorActionsTotal.WithLabelValues(string(act)).Inc()
				switch act {
				case ratypes.RetryActionDrop:
					dropped = true
				case ratypes.RetryActionError:
					a.logger.Error().Str("ft_id", ft.FTID).Str("reason", body.Reason).
						Msg("replica fault threshold exceeded")
				case ratypes.RetryActionWarn:
					a.logger.Warn().Str("ft_id", ft.FTID).Str("reason", body.Reason).
						Msg("replica fault retrying")
				}
			}
			if dropped {
				ft.LocalReplica = nil
			}
			return true, nil, nil
		},
	}
}

func decodeBody(body []byte, v interface{}) error {
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}
