package main

import (
	"testing"
	"time"
)

func TestDeriveLimitType(t *testing.T) {
	cases := []struct {
		session, weekly float64
		want            LimitType
	}{
		{90, 50, LimitTypeSession},
		{50, 90, LimitTypeWeekly},
		{80, 80, LimitTypeSession}, // ties go to session
		{0, 0, LimitTypeSession},
	}
	for _, tc := range cases {
		if got := deriveLimitType(tc.session, tc.weekly); got != tc.want {
			t.Errorf("deriveLimitType(%v, %v) = %s, want %s", tc.session, tc.weekly, got, tc.want)
		}
	}
}

func TestClampPercent(t *testing.T) {
	if clampPercent(-3) != 0 || clampPercent(120) != 100 || clampPercent(42.5) != 42.5 {
		t.Fatal("clampPercent bounds wrong")
	}
}

func TestActiveAccountAPIKeyPriority(t *testing.T) {
	oauth := &Account{ID: "oauth1", Kind: AccountKindOAuth, Active: true}
	apikey := &Account{ID: "key1", Kind: AccountKindAPIKey, Active: true}
	pool := newAccountPool([]*Account{oauth, apikey})

	got := pool.activeAccount()
	if got == nil || got.ID != "key1" {
		t.Fatalf("active = %v, want key1: api-key accounts outrank oauth when both are marked", got)
	}

	pool.setActive("oauth1")
	got = pool.activeAccount()
	if got == nil || got.ID != "oauth1" {
		t.Fatalf("active = %v, want oauth1 after setActive", got)
	}
	if apikey.Active {
		t.Fatal("setActive must demote every other account")
	}
}

func TestPoolReplaceCarriesRuntimeState(t *testing.T) {
	old := &Account{ID: "a1", Kind: AccountKindOAuth, Active: true, NeedsReauth: true, RateLimitHits: 2}
	old.Usage = &UsageSnapshot{AccountID: "a1", SessionPercent: 40}
	pool := newAccountPool([]*Account{old})

	fresh := &Account{ID: "a1", Kind: AccountKindOAuth, Name: "renamed"}
	gone := &Account{ID: "a2", Kind: AccountKindOAuth}
	pool.replace([]*Account{fresh, gone})

	if pool.count() != 2 {
		t.Fatalf("count = %d, want 2", pool.count())
	}
	a := pool.get("a1")
	if a == nil || !a.NeedsReauth || a.RateLimitHits != 2 || !a.Active {
		t.Fatalf("runtime state not carried over: %+v", a)
	}
	if a.Usage == nil || a.Usage.SessionPercent != 40 {
		t.Fatal("usage snapshot not carried over")
	}
}

func TestBuildPoolSeedsFromCache(t *testing.T) {
	store, err := newUsageCacheStore(t.TempDir() + "/cache.db")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if err := store.put("a1", CachedUsage{SessionPercent: 70, WeeklyPercent: 85, UpdatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{accounts: []AccountConfig{
		{ID: "a1", Kind: "oauth", Provider: "anthropic"},
		{ID: "a2", Kind: "apikey", Provider: "anthropic"},
	}}
	pool, err := buildPool(cfg, store)
	if err != nil {
		t.Fatal(err)
	}

	a1 := pool.get("a1")
	if a1.Usage == nil || a1.Usage.WeeklyPercent != 85 {
		t.Fatalf("a1 usage not seeded from cache: %+v", a1.Usage)
	}
	if a1.Usage.LimitType != LimitTypeWeekly {
		t.Fatalf("limit type = %s, want weekly (85 > 70)", a1.Usage.LimitType)
	}
	if pool.get("a2").Usage != nil {
		t.Fatal("a2 has no cached usage and should start empty")
	}
	if a1.Name != "a1" {
		t.Fatal("missing name should default to the id")
	}
}

func TestBuildPoolRejectsDuplicateIDs(t *testing.T) {
	cfg := &Config{accounts: []AccountConfig{
		{ID: "a1", Kind: "oauth"},
		{ID: "a1", Kind: "oauth"},
	}}
	if _, err := buildPool(cfg, nil); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestRateLimitedExpiry(t *testing.T) {
	a := &Account{ID: "a1"}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a.markRateLimited(LimitTypeWeekly, now.Add(time.Minute))
	if limited, kind := a.rateLimited(now); !limited || kind != LimitTypeWeekly {
		t.Fatalf("rateLimited = %v/%s, want true/weekly", limited, kind)
	}
	if limited, _ := a.rateLimited(now.Add(time.Minute)); limited {
		t.Fatal("rate limit should lapse at the until instant")
	}
	if a.RateLimitHits != 1 {
		t.Fatalf("hits = %d, want 1", a.RateLimitHits)
	}
}
