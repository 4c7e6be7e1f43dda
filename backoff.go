package main

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// refreshBackoff builds the retry policy for OAuth refresh calls: up to
// maxRetries additional attempts after the first, with deterministic
// exponential delays (initial, 2*initial, ...). RandomizationFactor is zero
// so the schedule is exact; the token endpoint already rate-limits us.
func refreshBackoff(initial time.Duration, maxRetries uint64) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = initial * 8
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, maxRetries)
}

// permanentErr wraps an error so the retry loop stops immediately.
func permanentErr(err error) error {
	return backoff.Permanent(err)
}
