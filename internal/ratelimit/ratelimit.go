// Package ratelimit provides a deterministic token bucket used to cap
// per-connection signaling message rates.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

const nanoTokensPerToken int64 = int64(time.Second) // 1e9

// TokenBucket refills at an integer rate (tokens/sec) using fixed-point
// "nano-tokens" to avoid float rounding: one token is 1e9 nano-tokens, so a
// rate of X tokens/sec adds X nano-tokens per nanosecond elapsed.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacityNano int64
	fillRate     int64 // tokens/sec

	availableNano int64
	last          time.Time
}

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
	capacityNano := capacityTokens * nanoTokensPerToken
	return &TokenBucket{
		clock:         clock,
		capacityNano:  capacityNano,
		fillRate:      fillRate,
		availableNano: capacityNano,
		last:          clock.Now(),
	}
}

// Allow consumes one token if available.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.availableNano < nanoTokensPerToken {
		return false
	}
	b.availableNano -= nanoTokensPerToken
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards. Skip the refill and move the reference point.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.fillRate <= 0 || b.capacityNano <= 0 {
		return
	}

	need := b.capacityNano - b.availableNano
	if need <= 0 {
		b.availableNano = b.capacityNano
		return
	}

	// fillRate is tokens/sec, which equals nano-tokens per nanosecond in the
	// fixed-point representation. Clamp instead of multiplying when elapsed
	// time alone is enough to fill the bucket.
	elapsedNanos := elapsed.Nanoseconds()
	if elapsedNanos >= need/b.fillRate {
		b.availableNano = b.capacityNano
		return
	}

	b.availableNano += elapsedNanos * b.fillRate
	if b.availableNano > b.capacityNano {
		b.availableNano = b.capacityNano
	}
}
