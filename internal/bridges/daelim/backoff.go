package daelim

import (
	"math/rand/v2"
	"time"
)

// Reconnect backoff defaults.
const (
	defaultBackoffInitial    = 1 * time.Second
	defaultBackoffMax        = 60 * time.Second
	defaultBackoffMultiplier = 2.0
	defaultBackoffJitter     = 0.2
)

// BackoffPolicy computes the delay before a reconnection attempt.
// The zero value is DefaultBackoff: 1s initial, x2, 60s cap, +/-20% jitter.
// In a partially set policy a zero Jitter disables jitter.
type BackoffPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	// Jitter is the relative spread applied to each delay, 0 to 1.
	Jitter float64
}

// DefaultBackoff returns the standard reconnect policy.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Initial:    defaultBackoffInitial,
		Max:        defaultBackoffMax,
		Multiplier: defaultBackoffMultiplier,
		Jitter:     defaultBackoffJitter,
	}
}

func (b BackoffPolicy) withDefaults() BackoffPolicy {
	d := DefaultBackoff()
	if b == (BackoffPolicy{}) {
		return d
	}
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		b.Jitter = 0
	}
	return b
}

// Base returns the un-jittered delay for the given 1-based attempt.
func (b BackoffPolicy) Base(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		delay *= b.Multiplier
		if delay >= float64(b.Max) {
			return b.Max
		}
	}
	return time.Duration(delay)
}

// Delay returns the jittered delay for the given 1-based attempt, never
// more than Max.
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	base := float64(b.Base(attempt))
	spread := base * b.Jitter
	d := base - spread + rand.Float64()*2*spread //nolint:gosec // jitter, not security
	d = max(d, 0)
	d = min(d, float64(b.Max))
	return time.Duration(d)
}
