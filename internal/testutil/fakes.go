package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/sophialabs/kbeconsole/internal/domain/machine"
	"github.com/sophialabs/kbeconsole/internal/infrastructure/ports"
)

var _ ports.Logger = (*NoopLogger)(nil)

// NoopLogger discards all log output.
type NoopLogger struct{}

func (l *NoopLogger) Info(string, ...any)  {}
func (l *NoopLogger) Warn(string, ...any)  {}
func (l *NoopLogger) Error(string, ...any) {}
func (l *NoopLogger) Debug(string, ...any) {}

var _ ports.Clock = (*ManualClock)(nil)

// ManualClock only moves when Advance is called. Sleepers wake once the clock
// passes their deadline or their context ends.
type ManualClock struct {
	mu       sync.Mutex
	now      time.Time
	sleepers []*sleeper
}

type sleeper struct {
	until time.Time
	wake  chan struct{}
}

// NewManualClock starts the clock at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) SleepContext(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		return ctx.Err()
	}
	s := &sleeper{until: c.now.Add(d), wake: make(chan struct{})}
	c.sleepers = append(c.sleepers, s)
	c.mu.Unlock()

	select {
	case <-s.wake:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		for i, other := range c.sleepers {
			if other == s {
				c.sleepers = append(c.sleepers[:i], c.sleepers[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Advance moves the clock forward and wakes every sleeper whose deadline passed.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	kept := c.sleepers[:0]
	for _, s := range c.sleepers {
		if !s.until.After(c.now) {
			close(s.wake)
			continue
		}
		kept = append(kept, s)
	}
	c.sleepers = kept
}

// Sleepers returns how many goroutines are blocked in SleepContext.
func (c *ManualClock) Sleepers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sleepers)
}

var _ ports.RateLimiter = (*StubRateLimiter)(nil)

// StubRateLimiter returns a configurable Allow result.
type StubRateLimiter struct {
	AllowAll bool
}

func (r *StubRateLimiter) Allow(context.Context, string) bool {
	return r.AllowAll
}

var _ ports.Prober = (*StubProber)(nil)

// StubProber returns canned records and counts calls. When Block is set, Probe
// waits for ctx to end and returns ctx.Err().
type StubProber struct {
	mu      sync.Mutex
	records []machine.Record
	err     error
	block   bool
	delay   time.Duration
	calls   int
	queries []ports.ProbeQuery
}

// SetResult sets what subsequent probes return.
func (p *StubProber) SetResult(records []machine.Record, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records, p.err = records, err
}

// SetBlock makes subsequent probes hang until their deadline.
func (p *StubProber) SetBlock(block bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.block = block
}

// SetDelay makes subsequent probes take d of real time before answering.
func (p *StubProber) SetDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

// Calls returns how many probes were issued.
func (p *StubProber) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// LastQuery returns the most recent probe query.
func (p *StubProber) LastQuery() (ports.ProbeQuery, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queries) == 0 {
		return ports.ProbeQuery{}, false
	}
	return p.queries[len(p.queries)-1], true
}

func (p *StubProber) Probe(ctx context.Context, q ports.ProbeQuery) ([]machine.Record, error) {
	p.mu.Lock()
	p.calls++
	p.queries = append(p.queries, q)
	records := append([]machine.Record(nil), p.records...)
	err, block, delay := p.err, p.block, p.delay
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return records, err
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
