// Package events is the in-process pub/sub bus the pool manager publishes
// worker events onto. The control-plane API subscribes for its WebSocket
// stream.
package events

import (
	"sync"
	"time"
)

// Type enumerates the event kinds flowing out of workers.
type Type string

const (
	EventWorkerReady   Type = "WORKER_READY"
	EventWorkerFailed  Type = "WORKER_FAILED"
	EventWorkerStopped Type = "WORKER_STOPPED"
	EventCycleComplete Type = "CYCLE_COMPLETE"
	EventOrderPlaced   Type = "ORDER_PLACED"
	EventOrderRejected Type = "ORDER_REJECTED"
	EventPositionMod   Type = "POSITION_MODIFIED"
	EventStatusReport  Type = "STATUS_REPORT"
	EventError         Type = "ERROR"
)

// Event is one bus message.
type Event struct {
	Type      Type           `json:"type"`
	AccountID string         `json:"account_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscriber handles events; it must not block.
type Subscriber func(Event)

// Bus fans events out to type-scoped and catch-all subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[Type][]Subscriber)}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], fn)
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, fn)
}

// Publish delivers the event synchronously to all matching subscribers.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.subscribers[event.Type] {
		fn(event)
	}
	for _, fn := range b.allSubs {
		fn(event)
	}
}
