package tunnel

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// ReconnectBaseDelay is the first reconnect delay.
	ReconnectBaseDelay = time.Second
	// ReconnectMaxDelay caps the exponential growth.
	ReconnectMaxDelay = 60 * time.Second
)

// ReconnectPolicy produces reconnect delays with capped exponential growth
// plus up to one second of additive jitter:
//
//	delay(attempt) = min(2^attempt * base, ceiling) + uniform[0,1)s
//
// The attempt counter is unbounded; delays never exceed ceiling + 1s.
type ReconnectPolicy struct {
	mu  sync.Mutex
	exp *backoff.ExponentialBackOff
}

// NewReconnectPolicy returns a policy with the default base and ceiling.
func NewReconnectPolicy() *ReconnectPolicy {
	return &ReconnectPolicy{exp: newExponential(ReconnectBaseDelay, ReconnectMaxDelay)}
}

func newExponential(base, ceiling time.Duration) *backoff.ExponentialBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.MaxInterval = ceiling
	exp.Multiplier = 2
	// Jitter is added on top so the ceiling invariant stays exact.
	exp.RandomizationFactor = 0
	exp.Reset()
	return exp
}

// Next returns the delay before the next connection attempt.
func (p *ReconnectPolicy) Next() time.Duration {
	p.mu.Lock()
	d := p.exp.NextBackOff()
	p.mu.Unlock()

	if d < 0 || d > ReconnectMaxDelay {
		d = ReconnectMaxDelay
	}
	return d + time.Duration(rand.Float64()*float64(time.Second))
}

// Reset restarts the growth after a successful connection.
func (p *ReconnectPolicy) Reset() {
	p.mu.Lock()
	p.exp.Reset()
	p.mu.Unlock()
}
