package ratelimit

import (
	"sync"
	"time"
)

// One token is stored as 1e9 nano-tokens, so a fill rate of X tokens/sec adds
// exactly X nano-tokens per elapsed nanosecond.
const nanoPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate (tokens/sec) using a Clock. It starts
// full.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	nano int64
	last time.Time
}

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:    clock,
		capacity: capacity,
		rate:     rate,
		nano:     toNano(capacity),
		last:     clock.Now(),
	}
}

// Allow consumes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.clock.Now())
	if b.nano < cost {
		return false
	}
	b.nano -= cost
	return true
}

// Available reports the whole tokens currently in the bucket.
func (b *TokenBucket) Available() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.clock.Now())
	return b.nano / nanoPerToken
}

func (b *TokenBucket) refillLocked(now time.Time) {
	if !now.After(b.last) {
		// Clock stood still or went backwards; just move the reference point.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now

	full := toNano(b.capacity)
	if b.rate <= 0 || b.nano >= full {
		if b.nano > full {
			b.nano = full
		}
		return
	}

	// Clamp before multiplying so elapsed*rate cannot overflow.
	if need := full - b.nano; elapsed >= need/b.rate {
		b.nano = full
		return
	}
	b.nano += elapsed * b.rate
	if b.nano > full {
		b.nano = full
	}
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
