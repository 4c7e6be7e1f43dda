package main

import (
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func TestRefreshBackoffSchedule(t *testing.T) {
	b := refreshBackoff(time.Second, 2)

	if got := b.NextBackOff(); got != time.Second {
		t.Fatalf("first delay = %s, want 1s", got)
	}
	if got := b.NextBackOff(); got != 2*time.Second {
		t.Fatalf("second delay = %s, want 2s", got)
	}
	if got := b.NextBackOff(); got != backoff.Stop {
		t.Fatalf("third delay = %s, want Stop (3 attempts total)", got)
	}
}

func TestRefreshBackoffPermanentStops(t *testing.T) {
	calls := 0
	err := backoff.Retry(func() error {
		calls++
		return permanentErr(errors.New("fatal"))
	}, refreshBackoff(time.Millisecond, 2))

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1: permanent errors never retry", calls)
	}
}

func TestRefreshBackoffRetriesTransient(t *testing.T) {
	calls := 0
	err := backoff.Retry(func() error {
		calls++
		return errors.New("transient")
	}, refreshBackoff(time.Millisecond, 2))

	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}
