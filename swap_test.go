package main

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type swapFixture struct {
	pool    *AccountPool
	tracker *FailureCooldownTracker
	store   *usageCacheStore
	bus     *EventBus
	batcher *NotificationBatcher
	reg     *memOperationRegistry
	coord   *SwapCoordinator
}

var swapTestNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func newSwapFixture(t *testing.T, refreshDoer httpDoer, creds CredentialStore, accs ...*Account) *swapFixture {
	t.Helper()
	if creds == nil {
		creds = newMemCredStore()
	}

	store, err := newUsageCacheStore(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tracker := newFailureCooldownTracker(2*time.Minute, 5*time.Minute)
	tracker.nowFunc = func() time.Time { return swapTestNow }

	pool := newAccountPool(accs)
	reg := newOperationRegistry()
	cfg := &Config{proactiveSwap: true, maxFailures: 3}

	selector := newProfileSelector(pool, reg, tracker, cfg)
	selector.nowFunc = func() time.Time { return swapTestNow }

	engine := newTestEngine(creds, refreshDoer)
	bus := newEventBus()
	batcher := newNotificationBatcher(bus, time.Hour, 10)

	coord := newSwapCoordinator(pool, reg, selector, tracker, store, bus, batcher, engine, cfg)
	coord.nowFunc = func() time.Time { return swapTestNow }

	return &swapFixture{
		pool:    pool,
		tracker: tracker,
		store:   store,
		bus:     bus,
		batcher: batcher,
		reg:     reg,
		coord:   coord,
	}
}

func TestSwapOutMovesActiveSlot(t *testing.T) {
	from := &Account{ID: "a1", Name: "Primary", Kind: AccountKindOAuth, Provider: ProviderAnthropic, Active: true}
	to := &Account{ID: "a2", Name: "Backup", Kind: AccountKindOAuth, Provider: ProviderAnthropic}
	fx := newSwapFixture(t, nil, nil, from, to)

	require.NoError(t, fx.store.put("a1", CachedUsage{SessionPercent: 96}))
	fx.reg.Register("a1", "query", "")
	fx.reg.Register("a1", "query", "")

	var restarted []OperationsRestartedEvent
	fx.bus.Subscribe(EventOperationsRestarted, func(p any) {
		restarted = append(restarted, p.(OperationsRestartedEvent))
	})

	ok := fx.coord.SwapOut(from, LimitTypeSession, "session usage at 96% on Primary")
	require.True(t, ok)

	active := fx.pool.activeAccount()
	require.NotNil(t, active)
	assert.Equal(t, "a2", active.ID)
	assert.False(t, from.Active)

	cached, err := fx.store.get("a1")
	require.NoError(t, err)
	assert.Nil(t, cached, "old account's cached usage is dropped")

	require.Len(t, restarted, 1)
	assert.Equal(t, 2, restarted[0].Count)
	assert.Equal(t, "a2", restarted[0].ToID)

	var swaps []SwapCompletedEvent
	fx.bus.Subscribe(EventSwapCompleted, func(p any) { swaps = append(swaps, p.(SwapCompletedEvent)) })
	fx.batcher.Flush()
	require.Len(t, swaps, 1, "swap notification goes through the batcher")
	assert.Equal(t, "a1", swaps[0].FromID)
	assert.Equal(t, "a2", swaps[0].ToID)
	assert.Equal(t, LimitTypeSession, swaps[0].LimitType)
}

func TestSwapOutNoCandidate(t *testing.T) {
	from := &Account{ID: "a1", Name: "Primary", Kind: AccountKindOAuth, Active: true}
	fx := newSwapFixture(t, nil, nil, from)

	var failed []SwapFailedEvent
	fx.bus.Subscribe(EventSwapFailed, func(p any) { failed = append(failed, p.(SwapFailedEvent)) })
	var blocked []QueueBlockedEvent
	fx.bus.Subscribe(EventQueueBlocked, func(p any) { blocked = append(blocked, p.(QueueBlockedEvent)) })

	ok := fx.coord.SwapOut(from, LimitTypeSession, "session usage at 96% on Primary")
	assert.False(t, ok)
	assert.True(t, from.Active || fx.pool.activeAccount() == from, "active slot unchanged")

	require.Len(t, failed, 1, "swap-failed emits immediately, not batched")
	assert.Equal(t, "a1", failed[0].CurrentAccount)
	assert.Equal(t, []string{"a1"}, failed[0].ExcludedAccounts)

	assert.Empty(t, blocked, "blocked notification waits in the batcher")
	fx.batcher.Flush()
	require.Len(t, blocked, 1)
}

func TestSwapOutExcludesAuthFailedAccounts(t *testing.T) {
	from := &Account{ID: "a1", Kind: AccountKindOAuth, Active: true}
	bad := &Account{ID: "a2", Kind: AccountKindOAuth}
	good := &Account{ID: "a3", Kind: AccountKindOAuth}
	fx := newSwapFixture(t, nil, nil, from, bad, good)

	fx.tracker.RecordFailure("a2", FailureKindAuth)

	require.True(t, fx.coord.SwapOut(from, LimitTypeWeekly, "weekly usage at 100%"))
	assert.Equal(t, "a3", fx.pool.activeAccount().ID)
}

func TestHandleAuthFailureRecoversViaRefresh(t *testing.T) {
	creds := newMemCredStore()
	creds.creds["a1"] = &Credentials{Kind: AccountKindOAuth, RefreshToken: "rt"}
	doer := doerFunc(func(*http.Request) (*http.Response, error) {
		return httpResp(200, `{"access_token":"tok-new","expires_in":3600}`), nil
	})

	from := &Account{ID: "a1", Kind: AccountKindOAuth, Provider: ProviderAnthropic, Active: true}
	backup := &Account{ID: "a2", Kind: AccountKindOAuth}
	fx := newSwapFixture(t, doer, creds, from, backup)

	fx.coord.HandleAuthFailure(context.Background(), from)

	assert.Equal(t, "a1", fx.pool.activeAccount().ID, "recovered account keeps the slot")
	assert.False(t, from.needsReauth())
	assert.False(t, fx.tracker.InCooldown("a1", FailureKindAuth))
}

func TestHandleAuthFailureSwapsWhenRefreshFails(t *testing.T) {
	creds := newMemCredStore()
	creds.creds["a1"] = &Credentials{Kind: AccountKindOAuth, RefreshToken: "rt-dead"}
	doer := doerFunc(func(*http.Request) (*http.Response, error) {
		return httpResp(400, `{"error":"invalid_grant"}`), nil
	})

	from := &Account{ID: "a1", Kind: AccountKindOAuth, Provider: ProviderAnthropic, Active: true}
	backup := &Account{ID: "a2", Kind: AccountKindOAuth}
	fx := newSwapFixture(t, doer, creds, from, backup)

	fx.coord.HandleAuthFailure(context.Background(), from)

	assert.True(t, from.needsReauth(), "invalid_grant marks the account")
	assert.True(t, fx.tracker.InCooldown("a1", FailureKindAuth))
	assert.Equal(t, "a2", fx.pool.activeAccount().ID, "failed account is swapped out")
}

func TestHandleAuthFailureSwapLoopProtection(t *testing.T) {
	creds := newMemCredStore()
	creds.creds["a1"] = &Credentials{Kind: AccountKindOAuth, RefreshToken: "rt-dead"}
	doer := doerFunc(func(*http.Request) (*http.Response, error) {
		return httpResp(400, `{"error":"invalid_grant"}`), nil
	})

	from := &Account{ID: "a1", Kind: AccountKindOAuth, Provider: ProviderAnthropic, Active: true}
	backup := &Account{ID: "a2", Kind: AccountKindOAuth}
	fx := newSwapFixture(t, doer, creds, from, backup)

	fx.coord.HandleAuthFailure(context.Background(), from)
	require.Equal(t, "a2", fx.pool.activeAccount().ID)

	// Work lands back on a1 somehow and fails again inside the window:
	// record the failure, but do not swap again.
	fx.pool.setActive("a1")
	fx.coord.HandleAuthFailure(context.Background(), from)

	assert.Equal(t, "a1", fx.pool.activeAccount().ID, "no second swap inside the cooldown window")
	assert.Equal(t, 2, fx.tracker.FailureCount("a1", FailureKindAuth))
}

func TestHandleAuthFailureAPIKeyNeverSwaps(t *testing.T) {
	from := &Account{ID: "k1", Kind: AccountKindAPIKey, Provider: ProviderAnthropic, Active: true}
	backup := &Account{ID: "a2", Kind: AccountKindOAuth}
	creds := newMemCredStore()
	creds.creds["k1"] = &Credentials{Kind: AccountKindAPIKey, APIKey: "sk"}
	fx := newSwapFixture(t, nil, creds, from, backup)

	fx.coord.HandleAuthFailure(context.Background(), from)

	assert.Equal(t, "k1", fx.pool.activeAccount().ID, "api-key failures need operator action, not failover")
	assert.True(t, fx.tracker.InCooldown("k1", FailureKindAuth))
}
