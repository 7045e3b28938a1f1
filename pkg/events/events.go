package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of notification dispatched to replicated
// store subscribers (spec §4.3 point 4 "secondary notification modes") and
// RA-level lifecycle events.
type EventType string

const (
	EventCommit           EventType = "store.commit"
	EventDataLoss         EventType = "store.data_loss"
	EventReplicaRoleChanged EventType = "replica.role_changed"
	EventReconfigurationStarted  EventType = "reconfiguration.started"
	EventReconfigurationCompleted EventType = "reconfiguration.completed"
	EventReconfigurationStuck    EventType = "reconfiguration.stuck"
	EventReplicaDropped   EventType = "replica.dropped"
	EventNodeDeactivated  EventType = "node.deactivated"
	EventNodeActivated    EventType = "node.activated"
)

// Event represents one notification dispatched through the broker. FTID and
// LSN are populated for store-commit/data-loss events so subscribers can
// maintain LSN-ordered delivery per spec §4.3 point 4.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	FTID      string
	LSN       int64
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
