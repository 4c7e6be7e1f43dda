package main

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// AccountKind distinguishes OAuth accounts from plain API-key accounts.
type AccountKind string

const (
	AccountKindOAuth  AccountKind = "oauth"
	AccountKindAPIKey AccountKind = "apikey"
)

// ProviderID identifies the upstream provider family for an account.
type ProviderID string

const (
	ProviderAnthropic ProviderID = "anthropic"
	ProviderZai       ProviderID = "zai"
	ProviderBigModel  ProviderID = "bigmodel"
)

// LimitType names the usage window that is the binding constraint.
type LimitType string

const (
	LimitTypeSession LimitType = "session"
	LimitTypeWeekly  LimitType = "weekly"
)

// UsageSnapshot is one normalized per-account usage observation. Created
// once per successful poll and never mutated; the next poll supersedes it.
type UsageSnapshot struct {
	AccountID    string    `json:"account_id"`
	AccountName  string    `json:"account_name"`
	AccountEmail string    `json:"account_email,omitempty"`

	SessionPercent float64 `json:"session_percent"`
	WeeklyPercent  float64 `json:"weekly_percent"`

	SessionResetAt time.Time `json:"session_reset_at,omitempty"`
	WeeklyResetAt  time.Time `json:"weekly_reset_at,omitempty"`

	LimitType LimitType `json:"limit_type"`
	FetchedAt time.Time `json:"fetched_at"`

	SessionWindowLabel string `json:"session_window_label,omitempty"`
	WeeklyWindowLabel  string `json:"weekly_window_label,omitempty"`

	// Raw counters when the provider reports them (GLM quota responses do).
	SessionUsed  int64 `json:"session_used,omitempty"`
	SessionLimit int64 `json:"session_limit,omitempty"`
}

// deriveLimitType picks the binding window. Weekly wins only when strictly
// greater; ties go to session.
func deriveLimitType(sessionPct, weeklyPct float64) LimitType {
	if weeklyPct > sessionPct {
		return LimitTypeWeekly
	}
	return LimitTypeSession
}

// clampPercent bounds a percentage to [0,100].
func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Account is one managed provider account. Mutable runtime state is guarded
// by mu; identity fields are set at load time and never change.
type Account struct {
	mu sync.Mutex

	ID       string
	Name     string
	Email    string
	Kind     AccountKind
	Provider ProviderID
	BaseURL  string

	// Active marks the account the operator wants work routed to. Several
	// accounts may be marked; resolution order is decided by the pool.
	Active bool

	NeedsReauth bool

	// Rate-limit state observed from 429 responses.
	RateLimitedUntil time.Time
	RateLimitKind    LimitType
	RateLimitHits    int

	Usage *UsageSnapshot
}

// snapshotUsage returns the latest usage under lock.
func (a *Account) snapshotUsage() *UsageSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Usage
}

func (a *Account) setUsage(s *UsageSnapshot) {
	a.mu.Lock()
	a.Usage = s
	a.mu.Unlock()
}

func (a *Account) setNeedsReauth(v bool) {
	a.mu.Lock()
	a.NeedsReauth = v
	a.mu.Unlock()
}

func (a *Account) needsReauth() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.NeedsReauth
}

// markRateLimited records a 429 with the window it applies to.
func (a *Account) markRateLimited(kind LimitType, until time.Time) {
	a.mu.Lock()
	a.RateLimitedUntil = until
	a.RateLimitKind = kind
	a.RateLimitHits++
	a.mu.Unlock()
}

func (a *Account) rateLimited(now time.Time) (bool, LimitType) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.RateLimitedUntil.IsZero() || !now.Before(a.RateLimitedUntil) {
		return false, ""
	}
	return true, a.RateLimitKind
}

// AccountAvailability is the ephemeral per-poll health view used for
// selection. Recomputed every poll, never persisted.
type AccountAvailability struct {
	AccountID           string    `json:"account_id"`
	AccountName         string    `json:"account_name"`
	IsAuthenticated     bool      `json:"is_authenticated"`
	IsRateLimited       bool      `json:"is_rate_limited"`
	RateLimitType       LimitType `json:"rate_limit_type,omitempty"`
	AvailabilityScore   float64   `json:"availability_score"`
	NeedsReauthenticate bool      `json:"needs_reauthentication"`
}

// AccountPool holds all managed accounts and tracks which one is active.
type AccountPool struct {
	mu       sync.RWMutex
	accounts []*Account
}

func newAccountPool(accs []*Account) *AccountPool {
	return &AccountPool{accounts: accs}
}

// buildPool materializes accounts from config, seeding cached usage
// percentages so the selector has data before the first poll lands.
func buildPool(cfg *Config, cache *usageCacheStore) (*AccountPool, error) {
	var accs []*Account
	seen := map[string]bool{}
	for _, ac := range cfg.accounts {
		if seen[ac.ID] {
			return nil, fmt.Errorf("duplicate account id %q", ac.ID)
		}
		seen[ac.ID] = true
		acc := &Account{
			ID:       ac.ID,
			Name:     ac.Name,
			Email:    ac.Email,
			Kind:     AccountKind(ac.Kind),
			Provider: ProviderID(ac.Provider),
			BaseURL:  ac.BaseURL,
			Active:   ac.Active,
		}
		if acc.Name == "" {
			acc.Name = acc.ID
		}
		if cache != nil {
			if cu, err := cache.get(acc.ID); err == nil && cu != nil {
				acc.Usage = &UsageSnapshot{
					AccountID:      acc.ID,
					AccountName:    acc.Name,
					SessionPercent: cu.SessionPercent,
					WeeklyPercent:  cu.WeeklyPercent,
					LimitType:      deriveLimitType(cu.SessionPercent, cu.WeeklyPercent),
					FetchedAt:      cu.UpdatedAt,
				}
			}
		}
		accs = append(accs, acc)
	}
	return newAccountPool(accs), nil
}

func (p *AccountPool) accountsCopy() []*Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Account, len(p.accounts))
	copy(out, p.accounts)
	return out
}

func (p *AccountPool) get(id string) *Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, a := range p.accounts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (p *AccountPool) count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.accounts)
}

// activeAccount resolves the account work is routed to. An API-key account
// marked active takes priority over an OAuth one.
func (p *AccountPool) activeAccount() *Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var oauth *Account
	for _, a := range p.accounts {
		a.mu.Lock()
		active := a.Active
		a.mu.Unlock()
		if !active {
			continue
		}
		if a.Kind == AccountKindAPIKey {
			return a
		}
		if oauth == nil {
			oauth = a
		}
	}
	return oauth
}

// setActive makes id the sole active account. Returns false if unknown.
func (p *AccountPool) setActive(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	var target *Account
	for _, a := range p.accounts {
		if a.ID == id {
			target = a
			break
		}
	}
	if target == nil {
		return false
	}
	for _, a := range p.accounts {
		a.mu.Lock()
		a.Active = a == target
		a.mu.Unlock()
	}
	return true
}

// replace swaps in a freshly built account list (credentials dir reload),
// carrying over runtime state for accounts that survive by ID.
func (p *AccountPool) replace(accs []*Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := map[string]*Account{}
	for _, a := range p.accounts {
		prev[a.ID] = a
	}
	for _, a := range accs {
		old, ok := prev[a.ID]
		if !ok {
			continue
		}
		old.mu.Lock()
		a.mu.Lock()
		a.Usage = old.Usage
		a.NeedsReauth = old.NeedsReauth
		a.RateLimitedUntil = old.RateLimitedUntil
		a.RateLimitKind = old.RateLimitKind
		a.RateLimitHits = old.RateLimitHits
		a.Active = old.Active
		a.mu.Unlock()
		old.mu.Unlock()
	}
	p.accounts = accs
}

func roundPercent(v float64) float64 {
	return clampPercent(math.Round(v))
}
