package main

import (
	"sync"
	"time"
)

// Event names consumed by the UI layer.
const (
	EventUsageUpdated        = "usage-updated"
	EventAllUsageUpdated     = "all-accounts-usage-updated"
	EventSwapCompleted       = "swap-completed"
	EventSwapFailed          = "swap-failed"
	EventOperationsRestarted = "operations-restarted"
	EventQueueBlocked        = "queue-blocked"
)

// UsageUpdatedEvent fires once per poll cycle for the active account.
// Snapshot is nil when the cycle produced no fresh data.
type UsageUpdatedEvent struct {
	AccountID   string         `json:"account_id"`
	AccountName string         `json:"account_name"`
	Snapshot    *UsageSnapshot `json:"snapshot,omitempty"`
}

// AllUsageUpdatedEvent carries the consolidated multi-account view.
type AllUsageUpdatedEvent struct {
	Snapshots    []*UsageSnapshot      `json:"snapshots"`
	Availability []AccountAvailability `json:"availability"`
	FetchedAt    time.Time             `json:"fetched_at"`
}

// SwapCompletedEvent announces a finished account switch.
type SwapCompletedEvent struct {
	FromID    string    `json:"from_id"`
	FromName  string    `json:"from_name"`
	ToID      string    `json:"to_id"`
	ToName    string    `json:"to_name"`
	LimitType LimitType `json:"limit_type"`
	Timestamp time.Time `json:"timestamp"`
}

// SwapFailedEvent fires when no healthy alternative exists.
type SwapFailedEvent struct {
	Reason           string   `json:"reason"`
	CurrentAccount   string   `json:"current_account"`
	ExcludedAccounts []string `json:"excluded_accounts,omitempty"`
}

// OperationsRestartedEvent reports rebinding of in-flight work after a swap.
type OperationsRestartedEvent struct {
	FromID string `json:"from_id"`
	ToID   string `json:"to_id"`
	Count  int    `json:"count"`
}

// QueueBlockedEvent tells the UI nothing can run right now.
type QueueBlockedEvent struct {
	Reason      string `json:"reason"`
	OperationID string `json:"operation_id,omitempty"`
}

// EventHandler receives one event payload.
type EventHandler func(payload any)

type subscriber struct {
	id int
	fn EventHandler
}

// EventBus is a small in-process pub/sub used to decouple the control loop
// from whatever UI consumes it. Handlers run synchronously on the emitting
// goroutine, in subscription order; subscribers must not block.
type EventBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string][]subscriber
}

func newEventBus() *EventBus {
	return &EventBus{subs: map[string][]subscriber{}}
}

// Subscribe registers a handler and returns an idempotent unsubscribe func.
func (b *EventBus) Subscribe(event string, h EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[event] = append(b.subs[event], subscriber{id: id, fn: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[event]
		for i, s := range list {
			if s.id == id {
				b.subs[event] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
}

// Emit delivers payload to all handlers subscribed to event, oldest
// subscription first.
func (b *EventBus) Emit(event string, payload any) {
	b.mu.Lock()
	handlers := make([]EventHandler, len(b.subs[event]))
	for i, s := range b.subs[event] {
		handlers[i] = s.fn
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
}
