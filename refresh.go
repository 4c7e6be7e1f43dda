package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const anthropicOAuthClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

// Refresh error codes surfaced to callers.
const (
	ErrCodeMissingRefreshToken = "missing_refresh_token"
	ErrCodeInvalidGrant        = "invalid_grant"
	ErrCodeNetworkError        = "network_error"
	ErrCodeRefreshRateLimited  = "refresh_rate_limited"
	ErrCodeReauthRequired      = "reauth_required"
)

// RefreshError classifies a failed token refresh.
type RefreshError struct {
	Code string
	Err  error
}

func (e *RefreshError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("refresh failed (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("refresh failed (%s)", e.Code)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// refreshErrorCode extracts the classification code, empty if err is not a
// RefreshError.
func refreshErrorCode(err error) string {
	var re *RefreshError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// RefreshOutcome is the result of obtaining a usable token.
type RefreshOutcome struct {
	Token             string
	WasRefreshed      bool
	PersistenceFailed bool
}

// tokenEndpoints maps OAuth provider families to their token endpoints.
var tokenEndpoints = map[ProviderID]string{
	ProviderAnthropic: "https://console.anthropic.com/v1/oauth/token",
}

// TokenRefreshEngine keeps OAuth access tokens fresh. It owns staleness
// detection, the refresh-token grant with retry/backoff, failure
// classification, and persistence back to the credential store.
type TokenRefreshEngine struct {
	store        CredentialStore
	client       httpDoer
	limiter      *rate.Limiter
	lookahead    time.Duration
	retryInitial time.Duration
	endpoints    map[ProviderID]string
	nowFunc      func() time.Time
}

func newTokenRefreshEngine(store CredentialStore, client httpDoer, lookahead time.Duration) *TokenRefreshEngine {
	return &TokenRefreshEngine{
		store:        store,
		client:       client,
		limiter:      rate.NewLimiter(rate.Every(5*time.Second), 3),
		lookahead:    lookahead,
		retryInitial: time.Second,
		endpoints:    tokenEndpoints,
		nowFunc:      time.Now,
	}
}

// isTokenStale implements the staleness rule: stale when the expiry is
// unknown, already past, or inside the lookahead window.
func (e *TokenRefreshEngine) isTokenStale(expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return true
	}
	return !expiresAt.After(e.nowFunc().Add(e.lookahead))
}

// EnsureValidToken returns a usable credential for the account, refreshing
// first when the cached token is stale. API-key accounts pass through.
func (e *TokenRefreshEngine) EnsureValidToken(ctx context.Context, acc *Account) (RefreshOutcome, error) {
	creds, err := e.store.Get(acc.ID)
	if err != nil {
		return RefreshOutcome{}, fmt.Errorf("load credentials for %s: %w", acc.ID, err)
	}

	if creds.Kind == AccountKindAPIKey {
		return RefreshOutcome{Token: creds.APIKey}, nil
	}

	if !e.isTokenStale(creds.ExpiryTime()) {
		return RefreshOutcome{Token: creds.AccessToken}, nil
	}

	return e.refreshAndPersist(ctx, acc, creds)
}

// ForceRefresh bypasses the staleness check entirely. Used when a 401/403
// arrives despite an expiry that looks valid: clock skew or a silently
// revoked token.
func (e *TokenRefreshEngine) ForceRefresh(ctx context.Context, acc *Account) (RefreshOutcome, error) {
	creds, err := e.store.Get(acc.ID)
	if err != nil {
		return RefreshOutcome{}, fmt.Errorf("load credentials for %s: %w", acc.ID, err)
	}
	if creds.Kind == AccountKindAPIKey {
		return RefreshOutcome{}, &RefreshError{Code: ErrCodeMissingRefreshToken, Err: errors.New("api key accounts cannot refresh")}
	}
	return e.refreshAndPersist(ctx, acc, creds)
}

func (e *TokenRefreshEngine) refreshAndPersist(ctx context.Context, acc *Account, creds *Credentials) (RefreshOutcome, error) {
	// A dead refresh token stays dead until a human logs in again; the flag
	// is only cleared when new credentials land on disk. Never re-POST it.
	if acc.needsReauth() {
		return RefreshOutcome{}, &RefreshError{Code: ErrCodeReauthRequired, Err: fmt.Errorf("account %s requires re-authentication", acc.ID)}
	}

	tok, err := e.refresh(ctx, acc, creds.RefreshToken)
	if err != nil {
		if refreshErrorCode(err) == ErrCodeInvalidGrant {
			// Refresh token is permanently dead; a human has to log in again.
			acc.setNeedsReauth(true)
		}
		return RefreshOutcome{}, err
	}

	next := &Credentials{
		Kind:         AccountKindOAuth,
		AccessToken:  tok.AccessToken,
		RefreshToken: creds.RefreshToken,
		ExpiresAt:    e.nowFunc().Add(time.Duration(tok.ExpiresIn) * time.Second).UnixMilli(),
		Email:        creds.Email,
		Scopes:       creds.Scopes,
	}
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}

	out := RefreshOutcome{Token: tok.AccessToken, WasRefreshed: true}
	if err := e.store.Set(acc.ID, next); err != nil {
		// The in-memory token still works for this session; flag it so the
		// caller can warn that re-authentication will be needed after restart.
		log.Warnf("persist refreshed token for %s failed: %v", acc.ID, err)
		out.PersistenceFailed = true
	}
	acc.setNeedsReauth(false)
	return out, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// refresh performs the refresh-token grant with up to 2 retries (3 attempts
// total, 1s then 2s apart). Only network errors and 5xx responses retry;
// invalid_grant and other 4xx fail immediately.
func (e *TokenRefreshEngine) refresh(ctx context.Context, acc *Account, refreshToken string) (*tokenResponse, error) {
	if refreshToken == "" {
		return nil, &RefreshError{Code: ErrCodeMissingRefreshToken}
	}
	endpoint, ok := e.endpoints[acc.Provider]
	if !ok {
		return nil, &RefreshError{Code: ErrCodeMissingRefreshToken, Err: fmt.Errorf("provider %s has no token endpoint", acc.Provider)}
	}
	if e.limiter != nil && !e.limiter.Allow() {
		return nil, &RefreshError{Code: ErrCodeRefreshRateLimited}
	}

	var tok tokenResponse
	op := func() error {
		body, err := json.Marshal(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": refreshToken,
			"client_id":     anthropicOAuthClientID,
		})
		if err != nil {
			return permanentErr(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return permanentErr(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			return &RefreshError{Code: ErrCodeNetworkError, Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return &RefreshError{Code: ErrCodeNetworkError, Err: fmt.Errorf("token endpoint %s", resp.Status)}
		}
		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if gjson.GetBytes(respBody, "error").String() == "invalid_grant" {
				return permanentErr(&RefreshError{Code: ErrCodeInvalidGrant, Err: fmt.Errorf("%s", gjson.GetBytes(respBody, "error_description").String())})
			}
			return permanentErr(&RefreshError{Code: fmt.Sprintf("refresh_http_%d", resp.StatusCode), Err: fmt.Errorf("token endpoint %s", resp.Status)})
		}
		if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
			return permanentErr(&RefreshError{Code: ErrCodeNetworkError, Err: fmt.Errorf("decode token response: %w", err)})
		}
		return nil
	}

	if err := backoff.Retry(op, refreshBackoff(e.retryInitial, 2)); err != nil {
		var re *RefreshError
		if errors.As(err, &re) {
			return nil, re
		}
		return nil, &RefreshError{Code: ErrCodeNetworkError, Err: err}
	}
	log.Debugf("refreshed token for %s", acc.ID)
	return &tok, nil
}
