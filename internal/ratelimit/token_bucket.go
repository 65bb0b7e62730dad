package ratelimit

import (
	"sync"
	"time"
)

// One token is scaled to 1e9 units so that a fill rate in tokens/sec equals
// units per elapsed nanosecond, keeping all refill math in integers.
const unitsPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket meters an action to an integer rate per second with bursts up
// to its capacity. It refills from the provided Clock, so tests can drive it
// deterministically.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64 // tokens
	rate     int64 // tokens/sec

	units      int64
	lastRefill time.Time
}

// NewTokenBucket returns a bucket that starts full. Negative capacity or
// rate behave as zero.
func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacityTokens < 0 {
		capacityTokens = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}

	return &TokenBucket{
		clock:      clock,
		capacity:   capacityTokens,
		rate:       fillRate,
		units:      scale(capacityTokens),
		lastRefill: clock.Now(),
	}
}

// Allow takes the given number of tokens if the bucket holds them, and
// reports whether it did. A non-positive count always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := scale(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.units < cost {
		return false
	}
	b.units -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.lastRefill) {
		// Clock jumped backwards: re-anchor without crediting anything.
		b.lastRefill = now
		return
	}

	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now

	if b.rate <= 0 || b.capacity <= 0 {
		return
	}

	full := scale(b.capacity)
	if b.units >= full {
		b.units = full
		return
	}

	// Saturate to full before multiplying so a long idle gap cannot
	// overflow elapsed*rate.
	missing := full - b.units
	nanos := elapsed.Nanoseconds()
	if fillsIn := missing / b.rate; fillsIn <= 0 || nanos >= fillsIn {
		b.units = full
		return
	}

	b.units += nanos * b.rate
	if b.units > full {
		b.units = full
	}
}

func scale(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/unitsPerToken {
		return maxInt64
	}
	return tokens * unitsPerToken
}
