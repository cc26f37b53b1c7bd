package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucket(t *testing.T) {
	bucket := NewTokenBucket(2, 5) // 2 tokens per second, capacity of 5

	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("Expected initial request %d to be allowed", i)
		}
	}
	if bucket.Allow() {
		t.Error("Expected request to be denied when bucket is empty")
	}

	time.Sleep(1100 * time.Millisecond) // refill window

	if !bucket.Allow() {
		t.Error("Expected request to be allowed after token refill")
	}
	if !bucket.Allow() {
		t.Error("Expected second request to be allowed after token refill")
	}
	if bucket.Allow() {
		t.Error("Expected third request to be denied")
	}
}

func TestLimiterPerOrigin(t *testing.T) {
	l := NewLimiter(0, 0, 2, 3) // per-origin 2/s, burst 3

	origin := "198.51.100.7"
	for i := 0; i < 3; i++ {
		if !l.AllowAccept(origin) {
			t.Errorf("Expected accept %d to be allowed for %s", i, origin)
		}
	}
	if l.AllowAccept(origin) {
		t.Error("Expected accept to be denied past the per-origin burst")
	}

	// a different origin has its own bucket
	if !l.AllowAccept("203.0.113.1") {
		t.Error("Expected accept to be allowed for a different origin")
	}
}

func TestLimiterGlobal(t *testing.T) {
	l := NewLimiter(2, 2, 0, 2) // global 2/s accepts and requests, burst 2

	if !l.AllowAccept("a") || !l.AllowAccept("b") {
		t.Error("Expected the global burst to be allowed")
	}
	if l.AllowAccept("c") {
		t.Error("Expected accept to be denied past the global burst")
	}

	if !l.AllowRequest() || !l.AllowRequest() {
		t.Error("Expected the request burst to be allowed")
	}
	if l.AllowRequest() {
		t.Error("Expected request to be denied past the global burst")
	}
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(0, 0, 0, 5)
	for i := 0; i < 100; i++ {
		if !l.AllowAccept("anyone") {
			t.Errorf("Expected accept %d to be allowed when limits disabled", i)
		}
		if !l.AllowRequest() {
			t.Errorf("Expected request %d to be allowed when limits disabled", i)
		}
	}
}

func TestLimiterCleanup(t *testing.T) {
	l := NewLimiter(0, 0, 1, 1)
	l.AllowAccept("keep")
	l.AllowAccept("drop")
	if len(l.perOrigin) != 2 {
		t.Fatalf("expected 2 origin buckets, got %d", len(l.perOrigin))
	}
	l.Cleanup(map[string]bool{"keep": true})
	if len(l.perOrigin) != 1 {
		t.Errorf("expected 1 origin bucket after cleanup, got %d", len(l.perOrigin))
	}
	if _, ok := l.perOrigin["keep"]; !ok {
		t.Error("active origin bucket was cleaned up")
	}
}
