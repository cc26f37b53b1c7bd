package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a refilling token bucket.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a bucket refilling at rate tokens/second up to capacity.
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: time.Now(),
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tokensToAdd := int(elapsed.Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Limiter bounds tunnel load globally and per origin address. A zero rate
// disables that limit. Origins are the local peer IPs on the sender side and
// relay session ids on the listener side.
type Limiter struct {
	mu             sync.Mutex
	globalAccepts  *TokenBucket
	globalRequests *TokenBucket
	perOrigin      map[string]*TokenBucket
	acceptRate     int
	burst          int
}

// NewLimiter creates a limiter. globalAcceptRate caps new sessions per
// second process-wide, globalRequestRate caps relayed requests, and
// perOriginRate caps sessions per origin; burst is the bucket capacity.
func NewLimiter(globalAcceptRate, globalRequestRate, perOriginRate, burst int) *Limiter {
	l := &Limiter{
		perOrigin:  make(map[string]*TokenBucket),
		acceptRate: perOriginRate,
		burst:      burst,
	}
	if globalAcceptRate > 0 {
		l.globalAccepts = NewTokenBucket(globalAcceptRate, burst)
	}
	if globalRequestRate > 0 {
		l.globalRequests = NewTokenBucket(globalRequestRate, burst)
	}
	return l
}

// AllowAccept checks whether a new session from origin may start.
func (l *Limiter) AllowAccept(origin string) bool {
	if l.globalAccepts != nil && !l.globalAccepts.Allow() {
		return false
	}
	if l.acceptRate > 0 {
		l.mu.Lock()
		bucket, exists := l.perOrigin[origin]
		if !exists {
			bucket = NewTokenBucket(l.acceptRate, l.burst)
			l.perOrigin[origin] = bucket
		}
		l.mu.Unlock()
		if !bucket.Allow() {
			return false
		}
	}
	return true
}

// AllowRequest checks whether one more relayed request may proceed.
func (l *Limiter) AllowRequest() bool {
	if l.globalRequests != nil && !l.globalRequests.Allow() {
		return false
	}
	return true
}

// Cleanup drops per-origin buckets whose origin is no longer active.
func (l *Limiter) Cleanup(active map[string]bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for origin := range l.perOrigin {
		if !active[origin] {
			delete(l.perOrigin, origin)
		}
	}
}
