package main

import (
	"math"
	"time"
)

// ProfileSelector scores and ranks failover candidates. It never retries on
// its own: a nil result means the caller emits a blocked signal and the next
// poller tick tries again naturally.
type ProfileSelector struct {
	pool          *AccountPool
	registry      OperationRegistry
	cooldowns     *FailureCooldownTracker
	priorityOrder []string
	maxFailures   int
	nowFunc       func() time.Time
}

func newProfileSelector(pool *AccountPool, registry OperationRegistry, cooldowns *FailureCooldownTracker, cfg *Config) *ProfileSelector {
	return &ProfileSelector{
		pool:          pool,
		registry:      registry,
		cooldowns:     cooldowns,
		priorityOrder: cfg.priorityOrder,
		maxFailures:   cfg.maxFailures,
		nowFunc:       time.Now,
	}
}

// SelectBest returns the highest-scoring healthy account outside the exclude
// set, or nil when no candidate survives the filters.
func (s *ProfileSelector) SelectBest(exclude map[string]bool) *Account {
	now := s.nowFunc()
	summary := s.registry.GetSummary()

	var best *Account
	bestScore := math.Inf(-1)
	for _, a := range s.pool.accountsCopy() {
		if exclude != nil && exclude[a.ID] {
			continue
		}
		if a.needsReauth() {
			continue
		}
		if limited, _ := a.rateLimited(now); limited {
			continue
		}
		if s.cooldowns.InCooldown(a.ID, FailureKindAuth) || s.cooldowns.InCooldown(a.ID, FailureKindAPI) {
			continue
		}
		if s.cooldowns.FailureCount(a.ID, FailureKindAuth) >= s.maxFailures ||
			s.cooldowns.FailureCount(a.ID, FailureKindAPI) >= s.maxFailures {
			continue
		}

		score := s.score(a, now, summary)
		if score > bestScore || (score == bestScore && s.preferred(a, best)) {
			bestScore = score
			best = a
		}
	}
	return best
}

// score computes the availability score: a 100-point base eroded by
// rate-limit state, auth state, cached usage, bound in-flight operations,
// and prior rate-limit strikes.
func (s *ProfileSelector) score(a *Account, now time.Time, summary OperationSummary) float64 {
	score := 100.0

	if limited, kind := a.rateLimited(now); limited {
		if kind == LimitTypeWeekly {
			score -= 1000
		} else {
			score -= 500
		}
	}
	if a.needsReauth() {
		score -= 500
	}
	if usage := a.snapshotUsage(); usage != nil {
		score -= 0.5 * usage.WeeklyPercent
		score -= 0.2 * usage.SessionPercent
	}
	score -= 15 * float64(summary.ByAccount[a.ID])

	a.mu.Lock()
	score -= 5 * float64(a.RateLimitHits)
	a.mu.Unlock()

	return score
}

// preferred breaks score ties: configured priority order first, then OAuth
// accounts before API-key accounts.
func (s *ProfileSelector) preferred(a, current *Account) bool {
	if current == nil {
		return true
	}
	ai, aok := s.priorityIndex(a.ID)
	ci, cok := s.priorityIndex(current.ID)
	if aok && cok {
		return ai < ci
	}
	if aok != cok {
		return aok
	}
	if a.Kind != current.Kind {
		return a.Kind == AccountKindOAuth
	}
	return false
}

func (s *ProfileSelector) priorityIndex(id string) (int, bool) {
	for i, p := range s.priorityOrder {
		if p == id {
			return i, true
		}
	}
	return 0, false
}

// Availabilities builds the ephemeral per-account health view for the
// consolidated usage event. Recomputed every poll; never persisted.
func (s *ProfileSelector) Availabilities() []AccountAvailability {
	now := s.nowFunc()
	summary := s.registry.GetSummary()
	var out []AccountAvailability
	for _, a := range s.pool.accountsCopy() {
		limited, kind := a.rateLimited(now)
		out = append(out, AccountAvailability{
			AccountID:           a.ID,
			AccountName:         a.Name,
			IsAuthenticated:     !a.needsReauth(),
			IsRateLimited:       limited,
			RateLimitType:       kind,
			AvailabilityScore:   s.score(a, now, summary),
			NeedsReauthenticate: a.needsReauth(),
		})
	}
	return out
}
