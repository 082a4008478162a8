package conn

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: min(base*2^(n-1), cap) plus up to
// jitter times that value, for attempt n.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
	// Rand returns a value in [0,1). Nil uses math/rand.
	Rand func() float64

	attempt int
}

// Next advances the attempt counter and returns the delay to wait.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	delay := b.Cap
	if shift := b.attempt - 1; shift < 32 {
		if d := b.Base << shift; d > 0 && d < b.Cap {
			delay = d
		}
	}
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	return delay + time.Duration(r()*float64(delay)*b.Jitter)
}

// Reset starts the next failure sequence from the first attempt.
func (b *Backoff) Reset() { b.attempt = 0 }

// Attempt is the number of delays handed out since the last Reset.
func (b *Backoff) Attempt() int { return b.attempt }

// uniform returns a random duration in [0, max).
func uniform(r func() float64, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(r() * float64(max))
}
