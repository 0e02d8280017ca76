package stream

import (
	"math/rand"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

const (
	DefaultMinReconnectDelay = time.Second
	DefaultMaxReconnectDelay = 8 * time.Second
	DefaultJitterFactor      = 0.2
)

// Backoff computes reconnect delays: min*2^(attempt-1) capped at max, then
// perturbed by a uniform factor in [-jitter, +jitter].
type Backoff struct {
	base   *backoff.Backoff
	jitter float64

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewBackoff(min, max time.Duration, jitter float64) *Backoff {
	return &Backoff{
		base: &backoff.Backoff{
			Min:    min,
			Max:    max,
			Factor: 2,
		},
		jitter: jitter,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func DefaultBackoff() *Backoff {
	return NewBackoff(DefaultMinReconnectDelay, DefaultMaxReconnectDelay, DefaultJitterFactor)
}

// Base returns the delay for a 1-based attempt before jitter is applied.
func (b *Backoff) Base(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return b.base.ForAttempt(float64(attempt - 1))
}

func (b *Backoff) Delay(attempt int) time.Duration {
	base := b.Base(attempt)
	if b.jitter <= 0 {
		return base
	}

	b.mu.Lock()
	r := b.rnd.Float64()
	b.mu.Unlock()

	return time.Duration(float64(base) * (1 + b.jitter*(2*r-1)))
}
