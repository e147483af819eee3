package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Idle buckets are swept so an endless stream of distinct client IPs
// cannot grow the map without bound.
const (
	bucketIdleTTL = 10 * time.Minute
	sweepInterval = time.Minute
)

// bucket tracks the remaining tokens for one key.
type bucket struct {
	tokens float64
	seen   time.Time
}

// MemoryLimiter is an in-process token-bucket Limiter, one bucket per
// key. Tokens refill continuously at the configured per-second rate up
// to the burst capacity. State is local to the process; a multi-replica
// deployment gets a per-replica allowance, which is acceptable for the
// abuse protection this limiter provides.
type MemoryLimiter struct {
	rate  float64
	burst float64

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a limiter allowing rate requests per second
// per key with bursts up to burst. A background sweeper drops buckets
// idle longer than bucketIdleTTL; Close stops it.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Allow takes one token for key. An unseen key starts with a full
// bucket, so the first burst of a new client always goes through.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		m.buckets[key] = &bucket{tokens: m.burst - 1, seen: now}
		return true, nil
	}

	b.tokens += now.Sub(b.seen).Seconds() * m.rate
	if b.tokens > m.burst {
		b.tokens = m.burst
	}
	b.seen = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the sweeper. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *MemoryLimiter) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-bucketIdleTTL)
	for key, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
