package main

import (
	"sync"
	"time"
)

// NotificationBatcher coalesces swap and blocked notifications so a cascade
// of failures cannot stampede the UI. Items queue until the window elapses
// or the cap is hit. Swaps flush in arrival order; only the most recent
// blocked notification survives a window, superseding earlier ones.
type NotificationBatcher struct {
	mu     sync.Mutex
	bus    *EventBus
	window time.Duration
	cap    int

	swaps   []SwapCompletedEvent
	blocked *QueueBlockedEvent
	timer   *time.Timer
}

func newNotificationBatcher(bus *EventBus, window time.Duration, cap int) *NotificationBatcher {
	return &NotificationBatcher{bus: bus, window: window, cap: cap}
}

// QueueSwap enqueues a swap notification.
func (b *NotificationBatcher) QueueSwap(ev SwapCompletedEvent) {
	b.mu.Lock()
	b.swaps = append(b.swaps, ev)
	swaps, blocked := b.armOrTakeLocked()
	b.mu.Unlock()
	b.emit(swaps, blocked)
}

// QueueBlocked enqueues a blocked notification, replacing any pending one.
func (b *NotificationBatcher) QueueBlocked(ev QueueBlockedEvent) {
	b.mu.Lock()
	b.blocked = &ev
	swaps, blocked := b.armOrTakeLocked()
	b.mu.Unlock()
	b.emit(swaps, blocked)
}

// armOrTakeLocked drains the queue when the cap is reached, otherwise arms
// the window timer on the first pending item.
func (b *NotificationBatcher) armOrTakeLocked() ([]SwapCompletedEvent, *QueueBlockedEvent) {
	if b.pendingLocked() >= b.cap {
		return b.takeLocked()
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.Flush)
	}
	return nil, nil
}

func (b *NotificationBatcher) pendingLocked() int {
	n := len(b.swaps)
	if b.blocked != nil {
		n++
	}
	return n
}

func (b *NotificationBatcher) takeLocked() ([]SwapCompletedEvent, *QueueBlockedEvent) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	swaps := b.swaps
	blocked := b.blocked
	b.swaps = nil
	b.blocked = nil
	return swaps, blocked
}

// Flush emits everything pending now.
func (b *NotificationBatcher) Flush() {
	b.mu.Lock()
	swaps, blocked := b.takeLocked()
	b.mu.Unlock()
	b.emit(swaps, blocked)
}

// emit runs outside the lock: a subscriber may queue new notifications.
func (b *NotificationBatcher) emit(swaps []SwapCompletedEvent, blocked *QueueBlockedEvent) {
	for _, ev := range swaps {
		b.bus.Emit(EventSwapCompleted, ev)
	}
	if blocked != nil {
		b.bus.Emit(EventQueueBlocked, *blocked)
	}
}

// Stop flushes any pending notifications and stops the timer.
func (b *NotificationBatcher) Stop() {
	b.Flush()
}
