package main

import (
	"math/rand"
	"testing"
	"time"
)

func TestNextBackoffDelay(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{50, time.Second},
	}
	for _, tt := range tests {
		if got := nextBackoffDelay(cfg, tt.attempt, nil); got != tt.want {
			t.Errorf("attempt %d: got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestNextBackoffDelay_ZeroInitial(t *testing.T) {
	cfg := BackoffConfig{MaxDelay: time.Second, Multiplier: 2, Jitter: true}
	if got := nextBackoffDelay(cfg, 7, rand.New(rand.NewSource(1))); got != 0 {
		t.Errorf("got %v, want 0", got)
	}
}

func TestNextBackoffDelay_MultiplierBelowOne(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 50 * time.Millisecond, Multiplier: 0.1}
	for attempt := 1; attempt < 5; attempt++ {
		if got := nextBackoffDelay(cfg, attempt, nil); got != 50*time.Millisecond {
			t.Errorf("attempt %d: got %v, want constant 50ms", attempt, got)
		}
	}
}

func TestNextBackoffDelay_JitterBounds(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2, Jitter: true}
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		got := nextBackoffDelay(cfg, 3, rng)
		if got < 200*time.Millisecond || got >= 600*time.Millisecond {
			t.Fatalf("jittered delay %v outside [200ms, 600ms)", got)
		}
	}
}

func TestNextBackoffDelay_JitterNeverExceedsCap(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 2, Jitter: true}
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 100; i++ {
		if got := nextBackoffDelay(cfg, 1, rng); got > time.Second {
			t.Fatalf("delay %v exceeds cap", got)
		}
	}
}
