package stream

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff produces reconnect delays: exponential from base, doubling up to
// max, with jitter. Delays between two resets never decrease and never
// exceed max.
type Backoff struct {
	mu   sync.Mutex
	exp  *backoff.ExponentialBackOff
	max  time.Duration
	last time.Duration
}

// NewBackoff creates a policy. jitter is the randomization factor in [0, 1).
func NewBackoff(base, max time.Duration, jitter float64) *Backoff {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: jitter,
		Multiplier:          2,
		MaxInterval:         max,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()
	return &Backoff{exp: exp, max: max}
}

// Next returns the delay before the next reconnect attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.exp.NextBackOff()
	if d == backoff.Stop {
		d = b.max
	}
	if d < b.last {
		d = b.last
	}
	if d > b.max {
		d = b.max
	}
	b.last = d
	return d
}

// Reset returns the policy to the base delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exp.Reset()
	b.last = 0
}
