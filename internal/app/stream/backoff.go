package stream

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ReconnectBackOff yields min(base*2^attempt, cap) plus jitter in [0, delay/2].
type ReconnectBackOff struct {
	mu          sync.Mutex
	base        time.Duration
	cap         time.Duration
	attempt     int
	lastFailure time.Time
	jitter      func() float64
}

var _ backoff.BackOff = (*ReconnectBackOff)(nil)

// NewReconnectBackOff builds the policy. A nil jitter source uses math/rand.
func NewReconnectBackOff(base, cap time.Duration, jitter func() float64) *ReconnectBackOff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if cap < base {
		cap = base
	}
	if jitter == nil {
		jitter = rand.Float64
	}
	return &ReconnectBackOff{base: base, cap: cap, jitter: jitter}
}

// NextBackOff returns the wait before the next attempt and advances the attempt count.
func (b *ReconnectBackOff) NextBackOff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	delay := ExponentialDelay(b.base, b.cap, b.attempt)
	frac := b.jitter()
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	b.attempt++
	b.lastFailure = time.Now()
	return delay + time.Duration(frac*float64(delay/2))
}

// Reset clears the attempt count after a connection reaches Live.
func (b *ReconnectBackOff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// Attempt returns the number of consecutive failures recorded.
func (b *ReconnectBackOff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// LastFailure returns when NextBackOff was last called.
func (b *ReconnectBackOff) LastFailure() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailure
}

// ExponentialDelay returns min(base*2^attempt, cap) without overflowing.
func ExponentialDelay(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		if delay >= cap/2 {
			return cap
		}
		delay *= 2
	}
	if delay > cap {
		return cap
	}
	return delay
}

// sleepContext waits for d or until ctx is cancelled. It reports whether the full wait elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
