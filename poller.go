package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// UsagePoller is the timer-driven control loop: keep the active account's
// token fresh, poll its usage, and hand off to the swap coordinator when a
// threshold is crossed or authentication fails.
type UsagePoller struct {
	cfg       *Config
	pool      *AccountPool
	refresh   *TokenRefreshEngine
	fetcher   *UsageFetcher
	cooldowns *FailureCooldownTracker
	selector  *ProfileSelector
	swapper   *SwapCoordinator
	store     *usageCacheStore
	bus       *EventBus

	// checking is the re-entrancy guard: at most one cycle runs per process;
	// overlapping invocations are dropped, not queued.
	checking atomic.Bool

	mu     sync.Mutex
	stopCh chan struct{}

	cacheMu  sync.Mutex
	allCache map[string]allCacheEntry

	nowFunc func() time.Time
}

type allCacheEntry struct {
	snap      *UsageSnapshot
	fetchedAt time.Time
}

func newUsagePoller(cfg *Config, pool *AccountPool, refresh *TokenRefreshEngine, fetcher *UsageFetcher,
	cooldowns *FailureCooldownTracker, selector *ProfileSelector, swapper *SwapCoordinator,
	store *usageCacheStore, bus *EventBus) *UsagePoller {
	return &UsagePoller{
		cfg:       cfg,
		pool:      pool,
		refresh:   refresh,
		fetcher:   fetcher,
		cooldowns: cooldowns,
		selector:  selector,
		swapper:   swapper,
		store:     store,
		bus:       bus,
		allCache:  map[string]allCacheEntry{},
		nowFunc:   time.Now,
	}
}

// Start arms the repeating timer plus an immediate first check.
func (p *UsagePoller) Start() {
	p.mu.Lock()
	if p.stopCh != nil {
		p.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	p.stopCh = stopCh
	p.mu.Unlock()

	go func() {
		p.CheckAndSwap(context.Background())
		ticker := time.NewTicker(p.cfg.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				go p.CheckAndSwap(context.Background())
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop cancels the timer only. An in-flight cycle is allowed to complete and
// its result still applies; there are no cancellation tokens here.
func (p *UsagePoller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		close(p.stopCh)
		p.stopCh = nil
	}
}

// CheckAndSwap runs one poll cycle. A call arriving while another cycle is
// in flight is a silent no-op.
func (p *UsagePoller) CheckAndSwap(ctx context.Context) {
	if !p.checking.CompareAndSwap(false, true) {
		return
	}
	defer p.checking.Store(false)
	p.runCycle(ctx)
}

func (p *UsagePoller) runCycle(ctx context.Context) {
	acc := p.pool.activeAccount()
	if acc == nil {
		log.Debug("poll cycle: no active account")
		return
	}

	outcome, err := p.refresh.EnsureValidToken(ctx, acc)
	if err != nil {
		switch refreshErrorCode(err) {
		case ErrCodeInvalidGrant:
			// Dead refresh token is an auth failure: straight to recovery.
			p.emitUsageUpdated(acc)
			p.swapper.HandleAuthFailure(ctx, acc)
		case ErrCodeReauthRequired:
			log.Debugf("account %s awaiting re-authentication", acc.ID)
			p.emitUsageUpdated(acc)
		default:
			log.Warnf("poll cycle: no usable credential for %s: %v", acc.ID, err)
			p.emitUsageUpdated(acc)
		}
		return
	}
	if outcome.PersistenceFailed {
		log.Warnf("account %s: refreshed token could not be persisted; re-authentication will be needed after restart", acc.ID)
	}

	var snap *UsageSnapshot
	if p.cooldowns.CanAttempt(acc.ID, FailureKindAPI) {
		snap, err = p.fetcher.FetchUsage(ctx, acc, outcome.Token)
		if err != nil {
			var af *AuthFailureError
			if errors.As(err, &af) {
				p.emitUsageUpdated(acc)
				p.swapper.HandleAuthFailure(ctx, acc)
				return
			}
			log.Warnf("usage fetch %s: %v", acc.ID, err)
		}
	} else {
		log.Debugf("account %s within API cooldown; skipping usage fetch", acc.ID)
	}

	if snap != nil {
		acc.setUsage(snap)
		if err := p.store.put(acc.ID, CachedUsage{
			SessionPercent: snap.SessionPercent,
			WeeklyPercent:  snap.WeeklyPercent,
			UpdatedAt:      snap.FetchedAt,
		}); err != nil {
			log.Warnf("persist usage cache for %s: %v", acc.ID, err)
		}
	}

	p.emitUsageUpdated(acc)

	// Threshold check applies only to OAuth accounts with proactive swap on.
	if snap == nil || acc.Kind != AccountKindOAuth || !p.cfg.proactiveSwap {
		return
	}
	sessionOver := snap.SessionPercent > p.cfg.sessionThreshold
	weeklyOver := snap.WeeklyPercent > p.cfg.weeklyThreshold
	if !sessionOver && !weeklyOver {
		return
	}
	limitType := LimitTypeSession
	pct := snap.SessionPercent
	if weeklyOver {
		limitType = LimitTypeWeekly
		pct = snap.WeeklyPercent
	}
	p.swapper.SwapOut(acc, limitType, fmt.Sprintf("%s usage at %.0f%% on %s", limitType, pct, acc.Name))
}

// emitUsageUpdated fires unconditionally once per cycle, with whatever the
// latest snapshot is (possibly nil when nothing has ever been fetched).
func (p *UsagePoller) emitUsageUpdated(acc *Account) {
	p.bus.Emit(EventUsageUpdated, UsageUpdatedEvent{
		AccountID:   acc.ID,
		AccountName: acc.Name,
		Snapshot:    acc.snapshotUsage(),
	})
}

// FetchAllAccounts builds the consolidated view: every inactive account is
// fetched fully in parallel (each with its own proactive refresh), results
// are cached with a short TTL against repeated UI refreshes, and all
// percentage updates merge into one batched persistence write.
func (p *UsagePoller) FetchAllAccounts(ctx context.Context) []*UsageSnapshot {
	active := p.pool.activeAccount()
	now := p.nowFunc()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		snaps   []*UsageSnapshot
		updates = map[string]CachedUsage{}
	)

	// Every append goes through mu: the loop below keeps appending cached
	// and active snapshots while earlier fetch goroutines are already
	// appending theirs.
	for _, a := range p.pool.accountsCopy() {
		if active != nil && a.ID == active.ID {
			// The main loop owns the active account; reuse its snapshot.
			if s := a.snapshotUsage(); s != nil {
				mu.Lock()
				snaps = append(snaps, s)
				mu.Unlock()
			}
			continue
		}
		if cached := p.cachedAll(a.ID, now); cached != nil {
			mu.Lock()
			snaps = append(snaps, cached)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(a *Account) {
			defer wg.Done()
			outcome, err := p.refresh.EnsureValidToken(ctx, a)
			if err != nil {
				log.Debugf("consolidated view: no credential for %s: %v", a.ID, err)
				return
			}
			snap, err := p.fetcher.FetchUsage(ctx, a, outcome.Token)
			if err != nil {
				var af *AuthFailureError
				if errors.As(err, &af) {
					// Inactive accounts don't drive recovery; just mark.
					p.cooldowns.RecordFailure(a.ID, FailureKindAuth)
				}
				return
			}
			if snap == nil {
				return
			}
			a.setUsage(snap)
			mu.Lock()
			snaps = append(snaps, snap)
			updates[a.ID] = CachedUsage{
				SessionPercent: snap.SessionPercent,
				WeeklyPercent:  snap.WeeklyPercent,
				UpdatedAt:      snap.FetchedAt,
			}
			mu.Unlock()
			p.storeAllCache(a.ID, snap)
		}(a)
	}
	wg.Wait()

	if err := p.store.putBatch(updates); err != nil {
		log.Warnf("batched usage cache write: %v", err)
	}

	p.bus.Emit(EventAllUsageUpdated, AllUsageUpdatedEvent{
		Snapshots:    snaps,
		Availability: p.selector.Availabilities(),
		FetchedAt:    p.nowFunc(),
	})
	return snaps
}

func (p *UsagePoller) cachedAll(accountID string, now time.Time) *UsageSnapshot {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	e, ok := p.allCache[accountID]
	if !ok || now.Sub(e.fetchedAt) >= p.cfg.allUsageTTL {
		return nil
	}
	return e.snap
}

func (p *UsagePoller) storeAllCache(accountID string, snap *UsageSnapshot) {
	p.cacheMu.Lock()
	p.allCache[accountID] = allCacheEntry{snap: snap, fetchedAt: p.nowFunc()}
	p.cacheMu.Unlock()
}
