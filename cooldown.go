package main

import (
	"sync"
	"time"
)

// FailureKind separates plain API failures from authentication failures.
// The two kinds carry independent windows and are tracked independently.
type FailureKind string

const (
	FailureKindAPI  FailureKind = "api"
	FailureKindAuth FailureKind = "auth"
)

// CooldownEntry records the most recent failure of one kind for an account.
type CooldownEntry struct {
	AccountID     string
	LastFailureAt time.Time
	Kind          FailureKind
	Count         int
}

// cooldownWindow is the shared expiry rule: a suppression window has lapsed
// once elapsed >= window (inclusive boundary). Refresh backoff, API cooldown
// and auth cooldown all answer "may I try again" through this one helper.
type cooldownWindow struct {
	window time.Duration
}

func (w cooldownWindow) expired(last time.Time, now time.Time) bool {
	if last.IsZero() {
		return true
	}
	return now.Sub(last) >= w.window
}

// FailureCooldownTracker keeps per-account, per-kind suppression windows.
// Purely in-memory; cross-process consistency is out of scope.
type FailureCooldownTracker struct {
	mu      sync.Mutex
	entries map[FailureKind]map[string]*CooldownEntry
	windows map[FailureKind]cooldownWindow
	nowFunc func() time.Time
}

func newFailureCooldownTracker(apiWindow, authWindow time.Duration) *FailureCooldownTracker {
	return &FailureCooldownTracker{
		entries: map[FailureKind]map[string]*CooldownEntry{
			FailureKindAPI:  {},
			FailureKindAuth: {},
		},
		windows: map[FailureKind]cooldownWindow{
			FailureKindAPI:  {window: apiWindow},
			FailureKindAuth: {window: authWindow},
		},
		nowFunc: time.Now,
	}
}

// RecordFailure stamps a failure for the account, bumping its count.
func (t *FailureCooldownTracker) RecordFailure(accountID string, kind FailureKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[kind][accountID]
	if e == nil {
		e = &CooldownEntry{AccountID: accountID, Kind: kind}
		t.entries[kind][accountID] = e
	}
	e.LastFailureAt = t.nowFunc()
	e.Count++
}

// CanAttempt reports whether the account is outside its suppression window.
// True when no failure was ever recorded.
func (t *FailureCooldownTracker) CanAttempt(accountID string, kind FailureKind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[kind][accountID]
	if e == nil {
		return true
	}
	return t.windows[kind].expired(e.LastFailureAt, t.nowFunc())
}

// InCooldown is the inverse convenience of CanAttempt.
func (t *FailureCooldownTracker) InCooldown(accountID string, kind FailureKind) bool {
	return !t.CanAttempt(accountID, kind)
}

// FailureCount returns the consecutive failure count for the account.
func (t *FailureCooldownTracker) FailureCount(accountID string, kind FailureKind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.entries[kind][accountID]; e != nil {
		return e.Count
	}
	return 0
}

// Clear drops any recorded failures of the given kind for the account,
// typically after a successful refresh or fetch.
func (t *FailureCooldownTracker) Clear(accountID string, kind FailureKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries[kind], accountID)
}

// PruneExpired drops entries whose window has lapsed. Called opportunistically
// on every auth-failure event so stale markers never pin an account out of
// the candidate set forever.
func (t *FailureCooldownTracker) PruneExpired(kind FailureKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.nowFunc()
	w := t.windows[kind]
	for id, e := range t.entries[kind] {
		if w.expired(e.LastFailureAt, now) {
			delete(t.entries[kind], id)
		}
	}
}

// ActiveFailures lists accounts currently inside their suppression window.
func (t *FailureCooldownTracker) ActiveFailures(kind FailureKind) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.nowFunc()
	w := t.windows[kind]
	var out []string
	for id, e := range t.entries[kind] {
		if !w.expired(e.LastFailureAt, now) {
			out = append(out, id)
		}
	}
	return out
}
