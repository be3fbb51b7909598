// Package resilience implements the reconnect backoff policy: exponential
// growth with jitter, capped at a maximum delay, reset on a successful
// connection. Hand-rolled rather than a wrapped third-party backoff
// library — see the design ledger for why.
package resilience

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Backoff tracks the reconnect delay for one upstream connection:
// exponential backoff from a 500ms initial delay, 30s cap, full jitter,
// reset to initial on a successful connection.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	mu      sync.Mutex
	current time.Duration
	rng     *rand.Rand
}

// NewBackoff builds a Backoff with its default schedule: 500ms initial,
// 30s cap, 2x multiplier.
func NewBackoff() *Backoff {
	return &Backoff{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the next delay to wait before retrying, advancing the
// internal state, and applies full jitter (uniform in [0, delay]).
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == 0 {
		b.current = b.Initial
	}
	delay := b.current
	b.current = time.Duration(float64(b.current) * b.Multiplier)
	if b.current > b.Max {
		b.current = b.Max
	}

	jittered := time.Duration(b.rng.Int63n(int64(delay) + 1))
	return jittered
}

// Reset returns the backoff to its initial delay, called after a connection
// succeeds so the next failure starts the schedule over.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = 0
}

// Sleep waits for one backoff period or until ctx is cancelled, whichever
// comes first, returning ctx.Err() in the latter case.
func (b *Backoff) Sleep(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
