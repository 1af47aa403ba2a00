// Package bucket implements the token bucket used to shape outbound
// asset transfers per capability.
package bucket

import (
	"sync"
	"time"
)

// DripPeriod is how long a sender waits before retrying a removal that
// failed for lack of tokens.
const DripPeriod = 15 * time.Millisecond

// Bucket holds up to MaxBurst tokens (bytes) and refills at
// max(1, MaxBurst/1000) tokens per millisecond. A new bucket starts full.
type Bucket struct {
	mu       sync.Mutex
	maxBurst int
	tokens   int
	perMS    int
	lastDrip time.Time
	now      func() time.Time
}

// New returns a bucket for a bandwidth of maxBandwidth bytes per second.
func New(maxBandwidth int) *Bucket {
	return NewWithClock(maxBandwidth, time.Now)
}

// NewWithClock is New with an injected clock. now must be monotonic;
// time.Now qualifies.
func NewWithClock(maxBandwidth int, now func() time.Time) *Bucket {
	perMS := maxBandwidth / 1000
	if perMS <= 0 {
		perMS = 1
	}
	return &Bucket{
		maxBurst: maxBandwidth,
		tokens:   maxBandwidth,
		perMS:    perMS,
		lastDrip: now(),
		now:      now,
	}
}

// MaxBurst returns the capacity of the bucket.
func (b *Bucket) MaxBurst() int { return b.maxBurst }

// Level returns the current token count after refilling.
func (b *Bucket) Level() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drip()
	return b.tokens
}

// TryRemove takes amount tokens if that many are available. It never
// blocks and leaves the level untouched on failure.
func (b *Bucket) TryRemove(amount int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drip()
	if b.tokens >= amount {
		b.tokens -= amount
		return true
	}
	return false
}

// Refill adds the tokens accrued since the last refill and reports
// whether any time had elapsed.
func (b *Bucket) Refill() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drip()
}

func (b *Bucket) drip() bool {
	now := b.now()
	elapsed := now.Sub(b.lastDrip).Milliseconds()
	if elapsed <= 0 {
		return false
	}
	// Cap the multiplication; a long idle bucket is simply full.
	if elapsed > int64(b.maxBurst) {
		b.tokens = b.maxBurst
	} else {
		b.tokens = min(b.tokens+b.perMS*int(elapsed), b.maxBurst)
	}
	b.lastDrip = now
	return true
}
