package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the agent
type EventType string

const (
	EventJournalEntry  EventType = "JOURNAL_ENTRY"
	EventPolicyUpdated EventType = "POLICY_UPDATED"
	EventLeaseChanged  EventType = "LEASE_CHANGED"
	EventLoopStarted   EventType = "LOOP_STARTED"
	EventLoopStopped   EventType = "LOOP_STOPPED"
	EventError         EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Subscribers run on their own
// goroutine so a slow websocket client never stalls a heartbeat tick.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishJournalEntry announces a freshly appended decision journal entry
func (eb *EventBus) PublishJournalEntry(kind, symbol, outcome string, entry interface{}) {
	eb.Publish(Event{
		Type: EventJournalEntry,
		Data: map[string]interface{}{
			"kind":    kind,
			"symbol":  symbol,
			"outcome": outcome,
			"entry":   entry,
		},
	})
}

// PublishPolicyUpdated announces an operator change to the autonomy policy
func (eb *EventBus) PublishPolicyUpdated(version int64, state interface{}) {
	eb.Publish(Event{
		Type: EventPolicyUpdated,
		Data: map[string]interface{}{
			"version": version,
			"state":   state,
		},
	})
}

// PublishLeaseChanged announces gaining or losing the active-instance lease
func (eb *EventBus) PublishLeaseChanged(instanceID string, held bool) {
	eb.Publish(Event{
		Type: EventLeaseChanged,
		Data: map[string]interface{}{
			"instance_id": instanceID,
			"held":        held,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{Type: EventError, Data: data})
}

// PublishLoopState announces a background loop starting or stopping
func (eb *EventBus) PublishLoopState(loop string, running bool) {
	eventType := EventLoopStopped
	if running {
		eventType = EventLoopStarted
	}
	eb.Publish(Event{
		Type: eventType,
		Data: map[string]interface{}{
			"loop": loop,
		},
	})
}
