package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// AuthFailureError is the one error type allowed to escape the fetch path.
// Everything else is handled locally (cooldown + nil snapshot); an auth
// failure must reach the orchestration layer so recovery can run.
type AuthFailureError struct {
	AccountID  string
	StatusCode int
	Detail     string
}

func (e *AuthFailureError) Error() string {
	return fmt.Sprintf("auth failure for account %s (status %d): %s", e.AccountID, e.StatusCode, e.Detail)
}

// providerUsagePaths maps a provider family to its usage endpoint suffix.
// Anthropic exposes a dedicated OAuth usage path; the GLM family shares one
// quota/limit path.
var providerUsagePaths = map[ProviderID]string{
	ProviderAnthropic: "/api/oauth/usage",
	ProviderZai:       "/api/monitor/usage/quota/limit",
	ProviderBigModel:  "/api/monitor/usage/quota/limit",
}

// defaultAllowedHosts is the egress allow-list. Usage fetches carry bearer
// tokens; they go to known provider hosts and nowhere else.
var defaultAllowedHosts = []string{
	"api.anthropic.com",
	"console.anthropic.com",
	"api.z.ai",
	"open.bigmodel.cn",
}

// authErrorBodyPatterns are substrings that mark a response body as an
// authentication failure even when the status code alone is ambiguous.
var authErrorBodyPatterns = []string{
	"authentication_error",
	"invalid x-api-key",
	"invalid bearer token",
	"token expired",
	"token has expired",
	"oauth token revoked",
	"unauthorized",
}

// UsageFetcher retrieves and normalizes per-account usage.
type UsageFetcher struct {
	client       httpDoer
	cooldowns    *FailureCooldownTracker
	allowedHosts map[string]struct{}
	nowFunc      func() time.Time
}

func newUsageFetcher(client httpDoer, cooldowns *FailureCooldownTracker, extraHosts []string) *UsageFetcher {
	allowed := make(map[string]struct{}, len(defaultAllowedHosts)+len(extraHosts))
	for _, h := range defaultAllowedHosts {
		allowed[h] = struct{}{}
	}
	for _, h := range extraHosts {
		allowed[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}
	return &UsageFetcher{
		client:       client,
		cooldowns:    cooldowns,
		allowedHosts: allowed,
		nowFunc:      time.Now,
	}
}

// FetchUsage fetches and normalizes usage for one account. It returns
// (nil, nil) for any failure other than authentication: the failure is
// logged, a cooldown timestamp recorded, and the next tick retries. A
// *AuthFailureError return means the caller must run recovery.
func (f *UsageFetcher) FetchUsage(ctx context.Context, acc *Account, token string) (*UsageSnapshot, error) {
	path, ok := providerUsagePaths[acc.Provider]
	if !ok {
		log.Debugf("no usage endpoint for provider %s (account %s)", acc.Provider, acc.ID)
		return nil, nil
	}

	base, err := url.Parse(acc.BaseURL)
	if err != nil || base.Hostname() == "" {
		log.Warnf("account %s has unusable base url %q", acc.ID, acc.BaseURL)
		return nil, nil
	}
	host := strings.ToLower(base.Hostname())
	if _, ok := f.allowedHosts[host]; !ok {
		log.Warnf("refusing usage fetch for %s: host %q not in allow-list", acc.ID, host)
		return nil, nil
	}

	endpoint := *base
	endpoint.Path = singleJoin(base.Path, path)
	endpoint.RawQuery = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, nil
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if acc.Provider == ProviderAnthropic {
		req.Header.Set("anthropic-beta", "oauth-2025-04-20")
		req.Header.Set("anthropic-version", "2023-06-01")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		log.Debugf("usage fetch %s failed: %v", acc.ID, err)
		f.cooldowns.RecordFailure(acc.ID, FailureKindAPI)
		return nil, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &AuthFailureError{AccountID: acc.ID, StatusCode: resp.StatusCode, Detail: safeText(body, 256)}
	}
	if matchesAuthErrorBody(body) {
		return nil, &AuthFailureError{AccountID: acc.ID, StatusCode: resp.StatusCode, Detail: safeText(body, 256)}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		until := f.nowFunc().Add(retryAfter(resp.Header, 5*time.Minute))
		acc.markRateLimited(LimitTypeSession, until)
		f.cooldowns.RecordFailure(acc.ID, FailureKindAPI)
		log.Warnf("account %s rate limited until %s", acc.ID, until.Format(time.RFC3339))
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Debugf("usage fetch %s: bad status %s", acc.ID, resp.Status)
		f.cooldowns.RecordFailure(acc.ID, FailureKindAPI)
		return nil, nil
	}

	var snap *UsageSnapshot
	switch acc.Provider {
	case ProviderAnthropic:
		snap = normalizeAnthropicUsage(acc, body, f.nowFunc())
	case ProviderZai, ProviderBigModel:
		snap = normalizeQuotaLimits(acc, body, f.nowFunc())
	}
	if snap == nil {
		log.Debugf("usage fetch %s: unrecognized response shape", acc.ID)
		f.cooldowns.RecordFailure(acc.ID, FailureKindAPI)
		return nil, nil
	}

	f.cooldowns.Clear(acc.ID, FailureKindAPI)
	return snap, nil
}

func matchesAuthErrorBody(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	lower := strings.ToLower(string(body))
	for _, pat := range authErrorBodyPatterns {
		if strings.Contains(lower, pat) {
			return true
		}
	}
	return false
}

// retryAfter reads a Retry-After seconds header, falling back when absent.
func retryAfter(h http.Header, fallback time.Duration) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
