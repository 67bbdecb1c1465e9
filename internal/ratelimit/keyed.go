package ratelimit

import (
	"container/list"
	"sync"
)

const defaultMaxKeys = 4096

// KeyedLimiter keeps one TokenBucket per key (e.g. client IP), bounded by an
// LRU so a spray of distinct keys cannot grow memory without limit.
type KeyedLimiter struct {
	clock    Clock
	capacity int64
	rate     int64
	maxKeys  int
	onEvict  func(key string)

	mu      sync.Mutex
	buckets map[string]*keyedEntry
	lru     *list.List
}

type keyedEntry struct {
	bucket *TokenBucket
	elem   *list.Element
}

type KeyedConfig struct {
	// Burst is the bucket capacity. Defaults to RatePerSecond.
	Burst         int64
	RatePerSecond int64
	// MaxKeys bounds the number of tracked keys. When <= 0 a default is used.
	MaxKeys int
	// OnEvict is called outside the limiter's lock.
	OnEvict func(key string)
}

// NewKeyedLimiter returns nil when cfg.RatePerSecond <= 0; a nil limiter
// allows everything.
func NewKeyedLimiter(clock Clock, cfg KeyedConfig) *KeyedLimiter {
	if cfg.RatePerSecond <= 0 {
		return nil
	}
	if clock == nil {
		clock = RealClock{}
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RatePerSecond
	}
	maxKeys := cfg.MaxKeys
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	return &KeyedLimiter{
		clock:    clock,
		capacity: burst,
		rate:     cfg.RatePerSecond,
		maxKeys:  maxKeys,
		onEvict:  cfg.OnEvict,
		buckets:  make(map[string]*keyedEntry),
		lru:      list.New(),
	}
}

func (l *KeyedLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	return l.bucket(key).Allow(1)
}

// Len reports the number of tracked keys.
func (l *KeyedLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *KeyedLimiter) bucket(key string) *TokenBucket {
	l.mu.Lock()
	if entry, ok := l.buckets[key]; ok {
		l.lru.MoveToFront(entry.elem)
		l.mu.Unlock()
		return entry.bucket
	}

	var evicted []string
	for len(l.buckets) >= l.maxKeys {
		oldest := l.lru.Back()
		if oldest == nil {
			break
		}
		k := oldest.Value.(string)
		l.lru.Remove(oldest)
		delete(l.buckets, k)
		evicted = append(evicted, k)
	}

	b := NewTokenBucket(l.clock, l.capacity, l.rate)
	l.buckets[key] = &keyedEntry{bucket: b, elem: l.lru.PushFront(key)}
	onEvict := l.onEvict
	l.mu.Unlock()

	if onEvict != nil {
		for _, k := range evicted {
			onEvict(k)
		}
	}
	return b
}
