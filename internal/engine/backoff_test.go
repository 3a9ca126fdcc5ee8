package engine

import (
	"testing"
	"time"
)

func TestBackoff_MonotoneNonDecreasing(t *testing.T) {
	b := NewBackoff(DefaultBackoffConfig())

	var prev time.Duration
	for i := 0; i < 20; i++ {
		d := b.Next()
		if d < prev {
			t.Fatalf("delay decreased at step %d: %v after %v", i, d, prev)
		}
		prev = d
	}
}

func TestBackoff_NeverExceedsCap(t *testing.T) {
	config := DefaultBackoffConfig()
	b := NewBackoff(config)

	for i := 0; i < 30; i++ {
		if d := b.Next(); d > config.Cap {
			t.Fatalf("delay %v exceeds cap %v", d, config.Cap)
		}
	}
}

func TestBackoff_FirstDelayNearBase(t *testing.T) {
	config := DefaultBackoffConfig()
	b := NewBackoff(config)

	d := b.Next()
	spread := time.Duration(float64(config.Base) * config.Jitter)
	if d < config.Base-spread || d > config.Base+spread {
		t.Errorf("first delay %v outside %v ± %v", d, config.Base, spread)
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff(DefaultBackoffConfig())

	for i := 0; i < 5; i++ {
		b.Next()
	}
	if b.Attempt() == 0 {
		t.Fatal("attempt counter never advanced")
	}

	b.Reset()
	if b.Attempt() != 0 {
		t.Errorf("attempt after reset = %d", b.Attempt())
	}

	// The sequence restarts near the base.
	config := DefaultBackoffConfig()
	d := b.Next()
	spread := time.Duration(float64(config.Base) * config.Jitter)
	if d > config.Base+spread {
		t.Errorf("delay after reset %v, want near %v", d, config.Base)
	}
}

func TestBackoff_ZeroConfigGetsDefaults(t *testing.T) {
	b := NewBackoff(BackoffConfig{})
	if b.config.Base != 2*time.Second || b.config.Cap != 60*time.Second {
		t.Errorf("defaults not applied: %+v", b.config)
	}
}
