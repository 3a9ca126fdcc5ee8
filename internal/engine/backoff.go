package engine

import (
	"math/rand"
	"time"
)

// BackoffConfig controls retry pacing for transient failures.
type BackoffConfig struct {
	// Base is the first delay (default: 2s).
	Base time.Duration
	// Cap bounds the delay (default: 60s).
	Cap time.Duration
	// Jitter is the random spread applied to each delay, as a fraction
	// (default: 0.2 for ±20%).
	Jitter float64
}

// DefaultBackoffConfig returns the standard sync retry policy.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:   2 * time.Second,
		Cap:    60 * time.Second,
		Jitter: 0.2,
	}
}

// Backoff produces exponentially growing, jittered delays.
//
// Successive delays never decrease and never exceed the cap, so a long
// outage settles at the cap instead of oscillating.
type Backoff struct {
	config  BackoffConfig
	attempt int
	last    time.Duration
	rng     *rand.Rand
}

// NewBackoff creates a Backoff with the given config, filling in defaults
// for zero fields.
func NewBackoff(config BackoffConfig) *Backoff {
	if config.Base <= 0 {
		config.Base = 2 * time.Second
	}
	if config.Cap <= 0 {
		config.Cap = 60 * time.Second
	}
	if config.Jitter <= 0 {
		config.Jitter = 0.2
	}
	return &Backoff{
		config: config,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay to wait before the next retry.
func (b *Backoff) Next() time.Duration {
	d := b.config.Base << b.attempt
	if d > b.config.Cap || d <= 0 {
		d = b.config.Cap
	} else {
		b.attempt++
	}

	// Jitter spreads retries from many devices; clamping keeps the
	// sequence monotone and bounded.
	spread := float64(d) * b.config.Jitter
	jittered := time.Duration(float64(d) + (b.rng.Float64()*2-1)*spread)
	if jittered > b.config.Cap {
		jittered = b.config.Cap
	}
	if jittered < b.last {
		jittered = b.last
	}
	b.last = jittered
	return jittered
}

// Attempt returns the number of completed exponential steps.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset restarts the sequence after a success.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.last = 0
}
