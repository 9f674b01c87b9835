// Package ratelimit provides the per-connection message rate limiter used
// by the signaling server.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket refills at an integer rate (tokens/sec) up to a fixed
// capacity. Accounting is done in nanosecond-granularity "nano tokens"
// (1e9 per token) to avoid float drift: at a rate of R tokens/sec the
// bucket gains exactly R nano tokens per elapsed nanosecond.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64 // nano tokens
	rate     int64 // tokens/sec == nano tokens/ns

	available int64 // nano tokens
	last      time.Time
}

const nanoPerToken = int64(time.Second)

// NewTokenBucket creates a full bucket. Non-positive capacity or rate
// yields a bucket that rejects everything (after the initial burst of
// zero).
func NewTokenBucket(clock Clock, capacityTokens, tokensPerSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacityTokens < 0 {
		capacityTokens = 0
	}
	if tokensPerSecond < 0 {
		tokensPerSecond = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  saturatingMul(capacityTokens),
		rate:      tokensPerSecond,
		available: saturatingMul(capacityTokens),
		last:      clock.Now(),
	}
}

// Allow consumes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := saturatingMul(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refill() {
	now := b.clock.Now()
	if !now.After(b.last) {
		// Clock stalled or went backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now

	if b.rate <= 0 || b.available >= b.capacity {
		return
	}

	// elapsed*rate can overflow for large gaps; anything long enough to
	// fill the bucket clamps to capacity.
	if deficit := b.capacity - b.available; elapsed >= deficit/b.rate+1 {
		b.available = b.capacity
		return
	}
	b.available += elapsed * b.rate
	if b.available > b.capacity {
		b.available = b.capacity
	}
}

func saturatingMul(tokens int64) int64 {
	const maxInt64 = int64(^uint64(0) >> 1)
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
