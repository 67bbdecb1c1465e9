package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

func TestKeyedLimiter_IndependentKeys(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewKeyedLimiter(clk, KeyedConfig{RatePerSecond: 2})

	for i := 0; i < 2; i++ {
		if !l.Allow("a") {
			t.Fatalf("a[%d] unexpectedly rejected", i)
		}
	}
	if l.Allow("a") {
		t.Fatalf("a should be exhausted")
	}
	if !l.Allow("b") {
		t.Fatalf("b should have its own bucket")
	}

	clk.Advance(500 * time.Millisecond)
	if !l.Allow("a") {
		t.Fatalf("a should refill")
	}
}

func TestKeyedLimiter_BoundsKeysLRU(t *testing.T) {
	var evicted []string
	l := NewKeyedLimiter(&fakeClock{}, KeyedConfig{
		RatePerSecond: 100,
		MaxKeys:       2,
		OnEvict: func(key string) {
			evicted = append(evicted, key)
		},
	})

	l.Allow("a")
	l.Allow("b")
	l.Allow("a") // b is now least recently used.
	l.Allow("c")

	if got := l.Len(); got != 2 {
		t.Fatalf("len=%d, want 2", got)
	}
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("evicted=%v, want [b]", evicted)
	}

	for i := 0; i < 10; i++ {
		l.Allow(fmt.Sprintf("k%d", i))
	}
	if got := l.Len(); got != 2 {
		t.Fatalf("len=%d, want 2", got)
	}
}

func TestKeyedLimiter_NilAllowsEverything(t *testing.T) {
	l := NewKeyedLimiter(nil, KeyedConfig{})
	if l != nil {
		t.Fatalf("expected nil limiter for zero rate")
	}
	if !l.Allow("x") {
		t.Fatalf("nil limiter should allow")
	}
}
