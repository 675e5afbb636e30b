package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sophialabs/kbeconsole/internal/infrastructure/ports"
)

var _ ports.RateLimiter = (*ClientLimiter)(nil)

type clientEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// ClientLimiter hands out one token bucket per client key, all sharing the
// same rate and burst. Idle buckets are evicted after the TTL.
type ClientLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientEntry
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	stop    chan struct{}
	once    sync.Once
}

// NewClientLimiter creates a limiter allowing r events per second with the given
// burst per client, and starts the eviction goroutine. Call Stop to end it.
func NewClientLimiter(r float64, burst int, ttl time.Duration) *ClientLimiter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if burst <= 0 {
		burst = 1
	}
	l := &ClientLimiter{
		clients: make(map[string]*clientEntry),
		limit:   rate.Limit(r),
		burst:   burst,
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	go l.evictLoop()
	return l
}

// Stop terminates the background eviction goroutine. Safe to call twice.
func (l *ClientLimiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *ClientLimiter) evictLoop() {
	ticker := time.NewTicker(l.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Evict()
		case <-l.stop:
			return
		}
	}
}

// Allow reports whether the client identified by key may proceed now.
func (l *ClientLimiter) Allow(_ context.Context, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.clients[key]
	if !ok {
		entry = &clientEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = entry
	}
	entry.lastUsed = time.Now()
	return entry.limiter.Allow()
}

// SetLimit changes rate and burst for existing and future clients (settings reload).
func (l *ClientLimiter) SetLimit(r float64, burst int) {
	if burst <= 0 {
		burst = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limit == rate.Limit(r) && l.burst == burst {
		return
	}
	l.limit = rate.Limit(r)
	l.burst = burst
	for _, entry := range l.clients {
		entry.limiter.SetLimit(l.limit)
		entry.limiter.SetBurst(burst)
	}
}

// Evict removes clients idle for longer than the TTL.
func (l *ClientLimiter) Evict() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.ttl)
	for key, entry := range l.clients {
		if entry.lastUsed.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

// Len returns the number of tracked clients.
func (l *ClientLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
