package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
)

// SwapCoordinator executes account switches and owns the auth-failure
// recovery state machine. Proactive swaps come from the poller's threshold
// check; reactive swaps from AuthFailure recovery.
type SwapCoordinator struct {
	pool     *AccountPool
	registry OperationRegistry
	selector *ProfileSelector

	cooldowns *FailureCooldownTracker
	store     *usageCacheStore
	bus       *EventBus
	batcher   *NotificationBatcher
	refresh   *TokenRefreshEngine

	proactiveSwap bool
	nowFunc       func() time.Time
}

func newSwapCoordinator(pool *AccountPool, registry OperationRegistry, selector *ProfileSelector,
	cooldowns *FailureCooldownTracker, store *usageCacheStore, bus *EventBus,
	batcher *NotificationBatcher, refresh *TokenRefreshEngine, cfg *Config) *SwapCoordinator {
	return &SwapCoordinator{
		pool:          pool,
		registry:      registry,
		selector:      selector,
		cooldowns:     cooldowns,
		store:         store,
		bus:           bus,
		batcher:       batcher,
		refresh:       refresh,
		proactiveSwap: cfg.proactiveSwap,
		nowFunc:       time.Now,
	}
}

// SwapOut moves the active slot away from `from`, excluding it and every
// account currently marked auth-failed. Returns true when a swap happened.
func (c *SwapCoordinator) SwapOut(from *Account, limitType LimitType, reason string) bool {
	exclude := map[string]bool{from.ID: true}
	for _, id := range c.cooldowns.ActiveFailures(FailureKindAuth) {
		exclude[id] = true
	}

	best := c.selector.SelectBest(exclude)
	if best == nil {
		excluded := make([]string, 0, len(exclude))
		for id := range exclude {
			excluded = append(excluded, id)
		}
		sort.Strings(excluded)
		msg := fmt.Sprintf("no healthy account available: %s", reason)
		log.Warnf("swap from %s failed: %s", from.ID, msg)
		c.bus.Emit(EventSwapFailed, SwapFailedEvent{
			Reason:           msg,
			CurrentAccount:   from.ID,
			ExcludedAccounts: excluded,
		})
		c.batcher.QueueBlocked(QueueBlockedEvent{Reason: msg})
		return false
	}

	c.pool.setActive(best.ID)

	// Drop the old account's cached percentages; they are about to go stale
	// and must not bias the next selection.
	if err := c.store.clear(from.ID); err != nil {
		log.Warnf("clear usage cache for %s: %v", from.ID, err)
	}

	count := c.registry.RestartOperationsOnAccount(from.ID, best.ID, best.Name)
	now := c.nowFunc()

	log.Infof("swapped active account %s -> %s (%s, %d operations restarted)", from.ID, best.ID, reason, count)
	c.bus.Emit(EventOperationsRestarted, OperationsRestartedEvent{FromID: from.ID, ToID: best.ID, Count: count})
	c.batcher.QueueSwap(SwapCompletedEvent{
		FromID:    from.ID,
		FromName:  from.Name,
		ToID:      best.ID,
		ToName:    best.Name,
		LimitType: limitType,
		Timestamp: now,
	})
	return true
}

// HandleAuthFailure runs the recovery state machine:
//
//	Normal -> AuthFailureDetected -> RefreshAttempted -> Recovered
//	                              \-> RefreshFailed -> MarkedFailed -> SwapAttempted | SwapSkipped
//
// A successful forced refresh clears failure markers and skips swapping; the
// next tick retries with the fresh token. A failed refresh marks the account
// for the auth cooldown so repeated failures cannot churn swaps.
func (c *SwapCoordinator) HandleAuthFailure(ctx context.Context, acc *Account) {
	// Expired markers are pruned on every failure event so a long-recovered
	// account never stays excluded.
	c.cooldowns.PruneExpired(FailureKindAuth)

	alreadyFailed := c.cooldowns.InCooldown(acc.ID, FailureKindAuth)

	if acc.Kind == AccountKindOAuth {
		if _, err := c.refresh.ForceRefresh(ctx, acc); err == nil {
			log.Infof("account %s recovered via forced refresh", acc.ID)
			c.cooldowns.Clear(acc.ID, FailureKindAuth)
			acc.setNeedsReauth(false)
			return
		} else {
			log.Warnf("forced refresh for %s failed: %v", acc.ID, err)
		}
	}

	c.cooldowns.RecordFailure(acc.ID, FailureKindAuth)

	if !c.proactiveSwap || acc.Kind != AccountKindOAuth {
		return
	}
	if alreadyFailed {
		// Swap-loop protection: a swap was already attempted for this
		// failure window.
		log.Debugf("account %s already marked failed; skipping swap", acc.ID)
		return
	}

	c.SwapOut(acc, LimitTypeSession, fmt.Sprintf("authentication failure on %s", acc.Name))
}
