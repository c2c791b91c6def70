package service

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: min(Base*2^attempt, Cap) plus a random
// jitter in [0, Jitter).
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	Jitter      time.Duration
	MaxAttempts int

	// rand returns a value in [0, n); nil uses math/rand.
	rand func(n int64) int64
}

// Step returns the deterministic part of the delay for attempt (0-based).
func (b Backoff) Step(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		if b.Cap > 0 && d >= b.Cap {
			break
		}
		d *= 2
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	return d
}

// Delay returns Step(attempt) plus jitter.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Step(attempt)
	if b.Jitter <= 0 {
		return d
	}
	rnd := b.rand
	if rnd == nil {
		rnd = rand.Int64N
	}
	return d + time.Duration(rnd(int64(b.Jitter)))
}
