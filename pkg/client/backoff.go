package client

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: exponential growth with full jitter.
type Backoff struct {
	// Base is the delay ceiling for the first attempt.
	// Default: 500ms.
	Base time.Duration

	// Multiplier grows the ceiling per attempt.
	// Default: 2.
	Multiplier float64

	// Max caps the ceiling.
	// Default: 30s.
	Max time.Duration

	// MaxAttempts bounds consecutive failed reconnects before the
	// lifecycle goes terminal.
	// Default: 10.
	MaxAttempts int
}

// DefaultBackoff returns the default reconnect policy.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        500 * time.Millisecond,
		Multiplier:  2,
		Max:         30 * time.Second,
		MaxAttempts: 10,
	}
}

func (b *Backoff) fillDefaults() {
	d := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = d.Base
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = d.MaxAttempts
	}
}

// Ceiling returns the maximum delay before the given attempt (1-based).
func (b Backoff) Ceiling(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base)
	for i := 1; i < attempt; i++ {
		d *= b.Multiplier
		if d >= float64(b.Max) {
			return b.Max
		}
	}
	if d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Delay draws the wait before the given attempt uniformly from
// [0, Ceiling(attempt)], so a burst of disconnected clients does not
// reconnect in lockstep.
func (b Backoff) Delay(attempt int) time.Duration {
	ceiling := b.Ceiling(attempt)
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}
