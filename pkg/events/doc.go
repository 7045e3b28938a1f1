/*
Package events provides an in-memory event broker for ravault's
replicated-store and reconfiguration-agent notifications (spec §4.3
point 4, §8 S6).

The broker is topic-agnostic: every event is broadcast to every
subscriber, each over its own buffered channel, and a full subscriber
buffer is skipped rather than blocking the publisher.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			switch event.Type {
			case events.EventCommit:
				// a quorum-acked transaction committed
			case events.EventReconfigurationStuck:
				// a reconfiguration exceeded its phase timeout
			}
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.EventReplicaRoleChanged,
		Message: "replica promoted to primary",
	})

# Event Types Catalog

  - EventCommit: a replicated-store transaction reached quorum and
    committed (§4.3 point 4's NonBlockingQuorumAcked notification).
  - EventDataLoss: the store detected a data-loss boundary (quorum loss
    recovery).
  - EventReplicaRoleChanged: a replica's role flipped between primary and
    secondary.
  - EventReconfigurationStarted / EventReconfigurationCompleted: an FT's
    reconfiguration state machine entered or left progress (§4.5).
  - EventReconfigurationStuck: a reconfiguration exceeded its configured
    phase timeout (§8 S6); mirrored as a health.Checker warning.
  - EventReplicaDropped: an FT's replica was removed from its
    configuration.
  - EventNodeDeactivated / EventNodeActivated: a node-level FM
    deactivation intent was acted on or reversed.

# Integration Points

This package integrates with:

  - pkg/replicatedstore: publishes commit/data-loss notifications.
  - pkg/ra: publishes reconfiguration phase and stuck-warning events.
  - pkg/metrics: subscribers can count events for dashboards.

# Limitations

In-memory only: no persistence, replay, or guaranteed delivery. Critical
state still lives in pkg/kvstore/pkg/replicatedstore; this broker is for
notification fan-out, not the system of record.
*/
package events
