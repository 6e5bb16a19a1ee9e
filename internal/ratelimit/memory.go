package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is a per-key token bucket held in process memory. The
// server keys it by client IP on the run start and resume endpoints, so
// one client hammering POST /runs cannot drain the model and embedding
// quotas for everyone else. State is per process; a restart forgives
// all debt, which is acceptable for a single-instance daemon.
type MemoryLimiter struct {
	rps   float64 // sustained run starts per second per client
	burst float64 // bucket capacity, extra headroom for bursty clients

	mu      sync.Mutex
	clients map[string]*tokenBucket

	stopOnce sync.Once
	done     chan struct{}
}

type tokenBucket struct {
	tokens   float64
	refilled time.Time
}

// Buckets idle past idleEviction are dropped so a long-lived server
// does not hold one entry for every client IP it has ever seen.
const (
	evictionInterval = time.Minute
	idleEviction     = 10 * time.Minute
)

// NewMemoryLimiter creates a limiter allowing rps sustained requests
// per key with the given burst capacity. It starts a janitor goroutine;
// call Close to stop it.
func NewMemoryLimiter(rps float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rps:     rps,
		burst:   float64(burst),
		clients: make(map[string]*tokenBucket),
		done:    make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Allow consumes one token from key's bucket, refilling first based on
// the time since the last call. A new key starts with a full bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.clients[key]
	if !ok {
		m.clients[key] = &tokenBucket{tokens: m.burst - 1, refilled: now}
		return true, nil
	}

	b.tokens = min(m.burst, b.tokens+now.Sub(b.refilled).Seconds()*m.rps)
	b.refilled = now
	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the janitor goroutine. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) janitor() {
	ticker := time.NewTicker(evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle(time.Now().Add(-idleEviction))
		}
	}
}

// evictIdle drops buckets whose last refill predates the cutoff. An
// evicted client that returns simply starts over with a full bucket.
func (m *MemoryLimiter) evictIdle(cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, b := range m.clients {
		if b.refilled.Before(cutoff) {
			delete(m.clients, key)
		}
	}
}
