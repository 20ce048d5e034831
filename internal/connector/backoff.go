package connector

import (
	"math/rand"
	"sync"
	"time"
)

const (
	// DefaultBackoffBase is the delay unit for reconnect attempts.
	DefaultBackoffBase = 1 * time.Second

	// DefaultBackoffMax caps the reconnect delay.
	DefaultBackoffMax = 30 * time.Second

	// DefaultBackoffMultiplier is the growth factor per consecutive failure.
	DefaultBackoffMultiplier = 2.0
)

// BackoffConfig allows customizing backoff parameters.
type BackoffConfig struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the maximum extra delay as a fraction of the computed delay.
	// Zero keeps delays deterministic.
	Jitter float64
}

// Backoff computes capped exponential delays from a consecutive failure
// counter. The same policy serves connect failures and send failures.
//
// After N consecutive failures the delay is min(Base*Multiplier^N, Max).
type Backoff struct {
	mu sync.Mutex

	base       time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64

	failures int

	rng *rand.Rand
}

// NewBackoff creates a backoff calculator, filling unset fields with defaults.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Base <= 0 {
		cfg.Base = DefaultBackoffBase
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultBackoffMax
	}
	if cfg.Max < cfg.Base {
		cfg.Max = cfg.Base
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = DefaultBackoffMultiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}

	return &Backoff{
		base:       cfg.Base,
		max:        cfg.Max,
		multiplier: cfg.Multiplier,
		jitter:     cfg.Jitter,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Fail records one more consecutive failure and returns the delay to wait
// before the next attempt.
func (b *Backoff) Fail() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	return b.addJitter(b.delayFor(b.failures))
}

// Delay returns the delay for the current failure count without advancing.
// With no failures recorded it is the base delay.
func (b *Backoff) Delay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delayFor(b.failures)
}

// Reset clears the failure counter. Call after a successful connect or send.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// Failures returns the number of consecutive failures since the last reset.
func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Backoff) delayFor(n int) time.Duration {
	if n <= 0 {
		return b.base
	}
	d := float64(b.base)
	for i := 0; i < n; i++ {
		d *= b.multiplier
		if d >= float64(b.max) {
			return b.max
		}
	}
	return time.Duration(d)
}

func (b *Backoff) addJitter(d time.Duration) time.Duration {
	if b.jitter <= 0 {
		return d
	}
	return d + time.Duration(float64(d)*b.jitter*b.rng.Float64())
}
