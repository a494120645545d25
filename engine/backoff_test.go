package engine

import (
	"math/rand"
	"testing"
	"time"
)

func TestComputeBackoffExponentialGrowth(t *testing.T) {
	cfg := BackoffConfig{Base: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0}
	rng := rand.New(rand.NewSource(1))

	prev := time.Duration(0)
	for attempt := 0; attempt < 5; attempt++ {
		d := computeBackoff(cfg, attempt, rng)
		if d < prev {
			t.Fatalf("attempt %d: backoff %v is less than previous %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestComputeBackoffCapsAtMax(t *testing.T) {
	cfg := BackoffConfig{Base: 100 * time.Millisecond, Max: 500 * time.Millisecond, Factor: 2, Jitter: 0}
	rng := rand.New(rand.NewSource(1))

	d := computeBackoff(cfg, 20, rng)
	if d > cfg.Max {
		t.Fatalf("backoff %v exceeds max %v", d, cfg.Max)
	}
}

func TestComputeBackoffJitterStaysWithinBounds(t *testing.T) {
	cfg := BackoffConfig{Base: 1 * time.Second, Max: 10 * time.Second, Factor: 1, Jitter: 0.25}
	rng := rand.New(rand.NewSource(42))

	lower := time.Duration(float64(cfg.Base) * 0.75)
	upper := time.Duration(float64(cfg.Base) * 1.25)

	for i := 0; i < 50; i++ {
		d := computeBackoff(cfg, 0, rng)
		if d < lower || d > upper {
			t.Fatalf("backoff %v outside [%v, %v]", d, lower, upper)
		}
	}
}

func TestComputeBackoffNeverNegative(t *testing.T) {
	cfg := BackoffConfig{Base: 1 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 1}
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 50; i++ {
		if d := computeBackoff(cfg, i, rng); d < 0 {
			t.Fatalf("attempt %d: negative backoff %v", i, d)
		}
	}
}
