package main

import (
	"time"

	"github.com/tidwall/gjson"
)

// Provider responses arrive in several shapes; everything is normalized into
// a UsageSnapshot here. The one hard rule: a malformed response must come
// back nil, never as a fake all-zero snapshot. "No data" and "zero usage"
// are different answers.

// normalizeAnthropicUsage handles the OAuth usage endpoint. Two shapes exist
// in the wild:
//
//   - current: {"five_hour":{"utilization":72,"resets_at":"..."},"seven_day":{...}}
//     with utilization already on the 0-100 scale
//   - legacy flat: {"session":0.72,"weekly":0.45} with 0-1 floats
//
// A known shape with missing numeric sub-fields defaults them to 0; anything
// that is not a JSON object normalizes to nil.
func normalizeAnthropicUsage(acc *Account, body []byte, now time.Time) *UsageSnapshot {
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil
	}

	snap := &UsageSnapshot{
		AccountID:          acc.ID,
		AccountName:        acc.Name,
		AccountEmail:       acc.Email,
		FetchedAt:          now,
		SessionWindowLabel: "5h",
		WeeklyWindowLabel:  "7d",
	}

	session := root.Get("five_hour")
	weekly := root.Get("seven_day")
	if session.Exists() || weekly.Exists() {
		snap.SessionPercent = clampPercent(session.Get("utilization").Float())
		snap.WeeklyPercent = clampPercent(weekly.Get("utilization").Float())
		snap.SessionResetAt = parseResetTime(session.Get("resets_at"))
		snap.WeeklyResetAt = parseResetTime(weekly.Get("resets_at"))
	} else {
		// Legacy flat shape: 0-1 floats, scaled and rounded.
		snap.SessionPercent = roundPercent(root.Get("session").Float() * 100)
		snap.WeeklyPercent = roundPercent(root.Get("weekly").Float() * 100)
	}

	snap.LimitType = deriveLimitType(snap.SessionPercent, snap.WeeklyPercent)
	return snap
}

// normalizeQuotaLimits handles the GLM-family quota/limit endpoint: a
// limits[] array holding a token-quota item (session window) and a
// time-quota item (weekly/monthly window). A response without a limits
// array normalizes to nil.
func normalizeQuotaLimits(acc *Account, body []byte, now time.Time) *UsageSnapshot {
	limits := gjson.GetBytes(body, "limits")
	if !limits.IsArray() {
		return nil
	}

	snap := &UsageSnapshot{
		AccountID:          acc.ID,
		AccountName:        acc.Name,
		AccountEmail:       acc.Email,
		FetchedAt:          now,
		SessionWindowLabel: "session",
		WeeklyWindowLabel:  "monthly",
	}

	limits.ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "TOKENS_LIMIT":
			snap.SessionPercent = roundPercent(item.Get("percentage").Float())
			snap.SessionUsed = item.Get("usage").Int()
			snap.SessionLimit = item.Get("currentValue").Int()
			if ms := item.Get("nextResetTime").Int(); ms > 0 {
				snap.SessionResetAt = time.UnixMilli(ms)
			}
		case "TIME_LIMIT":
			snap.WeeklyPercent = roundPercent(item.Get("percentage").Float())
		}
		return true
	})

	// The token window resets on a rolling 5h cadence when the provider
	// doesn't say; the time window resets with the calendar month.
	if snap.SessionResetAt.IsZero() {
		snap.SessionResetAt = now.Add(5 * time.Hour)
	}
	snap.WeeklyResetAt = firstOfNextUTCMonth(now)

	snap.LimitType = deriveLimitType(snap.SessionPercent, snap.WeeklyPercent)
	return snap
}

// parseResetTime accepts RFC3339 strings or epoch seconds.
func parseResetTime(v gjson.Result) time.Time {
	if !v.Exists() {
		return time.Time{}
	}
	if v.Type == gjson.String {
		if t, err := time.Parse(time.RFC3339, v.String()); err == nil {
			return t
		}
		return time.Time{}
	}
	if sec := v.Int(); sec > 0 {
		return time.Unix(sec, 0)
	}
	return time.Time{}
}

// firstOfNextUTCMonth returns the first instant of the month after now, UTC.
func firstOfNextUTCMonth(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
