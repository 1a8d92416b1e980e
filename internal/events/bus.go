// Package events provides a pub/sub bus for execution lifecycle events.
// The metrics collector, the long-poll handlers, and notification hooks
// subscribe; the engine and the maintenance sweep publish.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType classifies lifecycle events.
type EventType string

const (
	AlertReceived      EventType = "alert.received"
	ExecutionStarted   EventType = "execution.started"
	ExecutionCompleted EventType = "execution.completed"
	ExecutionFailed    EventType = "execution.failed"
	ExecutionCancelled EventType = "execution.cancelled"
	StepStarted        EventType = "step.started"
	StepCompleted      EventType = "step.completed"
	StepFailed         EventType = "step.failed"
	ApprovalRequested  EventType = "approval.requested"
	ApprovalDecided    EventType = "approval.decided"
	RollbackStarted    EventType = "rollback.started"
)

// Event is one lifecycle event.
type Event struct {
	Type        EventType   `json:"type"`
	ExecutionID string      `json:"execution_id,omitempty"`
	Summary     string      `json:"summary"`
	Detail      interface{} `json:"detail,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// JSON renders the event for stream and webhook payloads.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// Bus fans events out to named subscribers. Delivery is best-effort: a
// subscriber that stops draining sheds its oldest buffered events and
// never blocks a publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]chan Event
	size int
}

// NewBus creates a bus whose subscribers buffer up to size events each.
func NewBus(size int) *Bus {
	if size < 1 {
		size = 64
	}
	return &Bus{subs: make(map[string]chan Event), size: size}
}

// Subscribe registers id and returns its event channel. Subscribing an
// id twice replaces the first registration and closes its channel.
func (b *Bus) Subscribe(id string) <-chan Event {
	ch := make(chan Event, b.size)
	b.mu.Lock()
	if old, ok := b.subs[id]; ok {
		close(old)
	}
	b.subs[id] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes id and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// SubscriberCount reports how many subscribers are registered.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish stamps evt and delivers it to every subscriber without
// blocking. A full buffer evicts its oldest event to make room; if a
// racing publisher wins the freed slot the event is dropped instead.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		offer(ch, evt)
	}
}

func offer(ch chan Event, evt Event) {
	select {
	case ch <- evt:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- evt:
	default:
	}
}
