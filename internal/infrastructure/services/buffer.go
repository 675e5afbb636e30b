package services

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/groupcache/singleflight"

	"github.com/sophialabs/kbeconsole/internal/domain/discovery"
	"github.com/sophialabs/kbeconsole/internal/domain/machine"
	"github.com/sophialabs/kbeconsole/internal/domain/probelog"
	"github.com/sophialabs/kbeconsole/internal/infrastructure/ports"
)

// Source tells where a query result came from.
type Source string

const (
	SourceCache Source = "cache"
	SourceProbe Source = "probe"
	SourceStale Source = "stale"
)

// ErrNoUsableTargets is recorded when machines_address is set but none of its
// entries could be parsed.
var ErrNoUsableTargets = errors.New("no usable machine address configured")

// QueryResult is the machine list handed to callers.
type QueryResult struct {
	Records  []machine.Record `json:"machines"`
	ProbedAt time.Time        `json:"probedAt"`
	Source   Source           `json:"source"`
	Stale    bool             `json:"stale"`
}

// BufferStatus is a point-in-time view of the buffer for diagnostics.
type BufferStatus struct {
	Enabled     bool      `json:"enabled"`
	Active      bool      `json:"active"`
	Broadcast   bool      `json:"broadcast"`
	Targets     []string  `json:"targets"`
	Records     int       `json:"records"`
	Stale       bool      `json:"stale"`
	EmptyProbes int       `json:"emptyProbes"`
	ProbedAt    time.Time `json:"probedAt"`
	LastQueryAt time.Time `json:"lastQueryAt"`
	Probes      uint64    `json:"probes"`
	CacheHits   uint64    `json:"cacheHits"`
}

// Buffer caches machine probe results for the console.
//
// With buffering enabled, the first query probes synchronously and starts a
// background refresher that re-probes every flush interval for as long as
// queries keep arriving. Queries younger than one flush interval are answered
// from the cache. While the refresher is bringing an expired cache up to date,
// queries keep getting the previous snapshot instead of waiting on the probe.
// After StopBufferTime without queries the refresher stops and the cache is
// dropped. With buffering disabled every query probes.
//
// ProbedAt is the time a probe was sent, so a refresh that takes the whole
// wait time still leaves the cache fresh for the next flush interval.
//
// Probes never fail a query: timeouts and network errors fall back to the
// previous records, up to StaleProbeLimit consecutive times.
type Buffer struct {
	prober   ports.Prober
	clock    ports.Clock
	logger   ports.Logger
	probeLog *probelog.RingBuffer

	group singleflight.Group
	ctx   context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup

	// lastQuery is unix nanos of the most recent query, 0 before the first.
	lastQuery atomic.Int64
	probes    atomic.Uint64
	hits      atomic.Uint64

	mu          sync.RWMutex
	settings    discovery.Settings
	records     []machine.Record
	probedAt    time.Time
	stale       bool
	emptyProbes int
	generation  uint64
	inflight    int
	cancelLoop  context.CancelFunc
	closed      bool
}

// NewBuffer creates a buffer. Nothing is probed until the first query.
func NewBuffer(settings discovery.Settings, prober ports.Prober, clock ports.Clock, logger ports.Logger, probeLog *probelog.RingBuffer) *Buffer {
	ctx, stop := context.WithCancel(context.Background())
	return &Buffer{
		prober:   prober,
		clock:    clock,
		logger:   logger,
		probeLog: probeLog,
		ctx:      ctx,
		stop:     stop,
		settings: settings,
	}
}

// Query returns the current machine list, probing only when the cache cannot serve.
func (b *Buffer) Query(ctx context.Context) QueryResult {
	now := b.clock.Now()

	b.mu.RLock()
	s := b.settings
	closed := b.closed
	b.mu.RUnlock()

	if !s.UseBuffer || closed {
		return b.probeDirect(ctx, s, s.Targets, probelog.TriggerQuery)
	}

	prev := b.lastQuery.Swap(now.UnixNano())
	idle := prev != 0 && now.Sub(time.Unix(0, prev)) >= s.StopBufferTime

	if !idle {
		b.mu.RLock()
		warm := !b.probedAt.IsZero()
		age := now.Sub(b.probedAt)
		fresh := warm && age < s.FlushTime
		catchingUp := warm && (b.inflight > 0 || b.cancelLoop != nil && age < s.FlushTime+s.QueryWaitTime)
		result := b.snapshotLocked(SourceCache)
		b.mu.RUnlock()
		if fresh || catchingUp {
			b.hits.Add(1)
			b.ensureRefresher()
			return result
		}
	} else {
		b.mu.Lock()
		b.teardownLocked()
		b.mu.Unlock()
		b.logger.Info("machines buffer resumed after idle period", "idle", now.Sub(time.Unix(0, prev)).String())
	}

	b.ensureRefresher()
	return b.refresh(ctx, probelog.TriggerQuery)
}

// Refresh probes now regardless of cache age and returns the outcome. It counts
// as query activity.
func (b *Buffer) Refresh(ctx context.Context) QueryResult {
	b.mu.RLock()
	s := b.settings
	closed := b.closed
	b.mu.RUnlock()

	if !s.UseBuffer || closed {
		return b.probeDirect(ctx, s, s.Targets, probelog.TriggerForced)
	}

	b.lastQuery.Store(b.clock.Now().UnixNano())
	b.ensureRefresher()
	return b.refresh(ctx, probelog.TriggerForced)
}

// QueryTargets probes the given targets once, bypassing the cache.
func (b *Buffer) QueryTargets(ctx context.Context, targets []machine.Target) QueryResult {
	b.mu.RLock()
	s := b.settings
	b.mu.RUnlock()
	return b.probeDirect(ctx, s, targets, probelog.TriggerTargeted)
}

// Reconfigure applies new settings. Disabling the buffer, or changing what is
// probed, drops the cache and stops the refresher.
func (b *Buffer) Reconfigure(s discovery.Settings) {
	b.mu.Lock()
	old := b.settings
	b.settings = s
	reset := !s.UseBuffer || !old.SameProbe(s)
	if reset {
		b.teardownLocked()
	}
	b.mu.Unlock()

	b.logger.Info("machines buffer reconfigured",
		"buffer", s.UseBuffer,
		"flush", s.FlushTime.String(),
		"wait", s.QueryWaitTime.String(),
		"stop", s.StopBufferTime.String(),
		"targets", machine.TargetStrings(s.Targets),
		"cache_reset", reset,
	)
}

// Snapshot returns the cache as it stands without probing or counting as a query.
func (b *Buffer) Snapshot() QueryResult {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshotLocked(SourceCache)
}

// Settings returns the settings in effect.
func (b *Buffer) Settings() discovery.Settings {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.settings
}

// Status reports the buffer state.
func (b *Buffer) Status() BufferStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := BufferStatus{
		Enabled:     b.settings.UseBuffer,
		Active:      b.cancelLoop != nil,
		Broadcast:   b.settings.Broadcast(),
		Targets:     machine.TargetStrings(b.settings.Targets),
		Records:     len(b.records),
		Stale:       b.stale,
		EmptyProbes: b.emptyProbes,
		ProbedAt:    b.probedAt,
		Probes:      b.probes.Load(),
		CacheHits:   b.hits.Load(),
	}
	if n := b.lastQuery.Load(); n != 0 {
		st.LastQueryAt = time.Unix(0, n)
	}
	return st
}

// Close stops the refresher and aborts in-flight probes. Later queries probe
// directly. Idempotent.
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.teardownLocked()
	b.mu.Unlock()

	b.stop()
	b.wg.Wait()
}

// refresh runs one probe shared by every concurrent caller of the same
// generation and stores its result. Callers arriving after Reconfigure never
// join a probe of the previous settings. The caller stops waiting when ctx
// ends and gets the cache as it stands.
func (b *Buffer) refresh(ctx context.Context, trigger probelog.Trigger) QueryResult {
	b.mu.RLock()
	key := strconv.FormatUint(b.generation, 10)
	b.mu.RUnlock()

	ch := make(chan QueryResult, 1)
	go func() {
		v, _ := b.group.Do(key, func() (any, error) {
			return b.probeAndStore(trigger), nil
		})
		ch <- v.(QueryResult)
	}()

	select {
	case r := <-ch:
		return r
	case <-ctx.Done():
		b.mu.RLock()
		defer b.mu.RUnlock()
		return b.snapshotLocked(SourceStale)
	}
}

func (b *Buffer) probeAndStore(trigger probelog.Trigger) QueryResult {
	b.mu.Lock()
	s := b.settings
	gen := b.generation
	b.inflight++
	b.mu.Unlock()

	sent := b.clock.Now()
	records, err := b.runProbe(b.ctx, s, s.Targets, trigger)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.inflight--

	if gen != b.generation {
		// Settings changed or the cache was torn down while probing.
		return QueryResult{Records: records, ProbedAt: sent, Source: SourceProbe}
	}

	b.probedAt = sent
	if err == nil && len(records) > 0 {
		b.records = records
		b.stale = false
		b.emptyProbes = 0
		return b.snapshotLocked(SourceProbe)
	}

	b.emptyProbes++
	if b.emptyProbes >= s.StaleProbeLimit {
		b.records = nil
		b.stale = false
		return b.snapshotLocked(SourceProbe)
	}
	b.stale = len(b.records) > 0
	return b.snapshotLocked(SourceStale)
}

// probeDirect probes without touching the cache.
func (b *Buffer) probeDirect(ctx context.Context, s discovery.Settings, targets []machine.Target, trigger probelog.Trigger) QueryResult {
	records, _ := b.runProbe(ctx, s, targets, trigger)
	return QueryResult{Records: records, ProbedAt: b.clock.Now(), Source: SourceProbe}
}

// runProbe performs one probe bounded by QueryWaitTime, logs it, and returns
// de-duplicated records.
func (b *Buffer) runProbe(ctx context.Context, s discovery.Settings, targets []machine.Target, trigger probelog.Trigger) ([]machine.Record, error) {
	start := b.clock.Now()
	var (
		records []machine.Record
		err     error
	)
	if len(targets) == 0 && !s.Broadcast() {
		err = ErrNoUsableTargets
	} else {
		pctx, cancel := context.WithTimeout(ctx, s.QueryWaitTime)
		records, err = b.prober.Probe(pctx, ports.ProbeQuery{
			Targets:  targets,
			Port:     s.MachinePort,
			UID:      s.UID,
			Username: s.Username,
		})
		cancel()
		records = machine.Dedupe(records)
		b.probes.Add(1)
	}

	entry := probelog.Entry{
		Timestamp: start,
		Trigger:   trigger,
		Broadcast: len(targets) == 0 && s.Broadcast(),
		Targets:   machine.TargetStrings(targets),
		Records:   len(records),
		Duration:  b.clock.Now().Sub(start),
		Empty:     len(records) == 0,
	}

	switch {
	case errors.Is(err, ErrNoUsableTargets):
		entry.Error = err.Error()
		entry.Targets = s.Addresses
		b.logger.Debug("probe skipped", "trigger", string(trigger), "addresses", s.Addresses)
	case err == nil:
		b.logger.Debug("probe finished", "trigger", string(trigger), "records", len(records))
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		entry.Error = err.Error()
		b.logger.Debug("probe timed out", "trigger", string(trigger), "wait", s.QueryWaitTime.String())
	default:
		entry.Error = err.Error()
		b.logger.Warn("probe failed", "trigger", string(trigger), "error", err)
	}
	if b.probeLog != nil {
		b.probeLog.Add(entry)
	}

	return records, err
}

func (b *Buffer) ensureRefresher() {
	b.mu.RLock()
	running := b.cancelLoop != nil
	b.mu.RUnlock()
	if running {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelLoop != nil || b.closed || !b.settings.UseBuffer {
		return
	}
	ctx, cancel := context.WithCancel(b.ctx)
	b.cancelLoop = cancel
	b.wg.Add(1)
	go b.refreshLoop(ctx, b.generation)
}

func (b *Buffer) refreshLoop(ctx context.Context, gen uint64) {
	defer b.wg.Done()
	b.logger.Info("machines buffer refresh started")

	for {
		b.mu.RLock()
		s := b.settings
		probedAt := b.probedAt
		b.mu.RUnlock()

		wait := s.FlushTime
		if !probedAt.IsZero() {
			wait = s.FlushTime - b.clock.Now().Sub(probedAt)
		}
		if err := b.clock.SleepContext(ctx, wait); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		now := b.clock.Now()
		idleFor := now.Sub(time.Unix(0, b.lastQuery.Load()))
		if idleFor >= s.StopBufferTime {
			b.mu.Lock()
			if b.generation == gen {
				b.teardownLocked()
			}
			b.mu.Unlock()
			b.logger.Info("machines buffer idle, refresh stopped", "idle", idleFor.String())
			return
		}

		b.mu.RLock()
		due := b.probedAt.IsZero() || now.Sub(b.probedAt) >= s.FlushTime
		b.mu.RUnlock()
		if due {
			b.refresh(ctx, probelog.TriggerBackground)
		}
	}
}

// teardownLocked stops the refresher and drops the cache. b.mu must be held.
func (b *Buffer) teardownLocked() {
	if b.cancelLoop != nil {
		b.cancelLoop()
		b.cancelLoop = nil
	}
	b.records = nil
	b.probedAt = time.Time{}
	b.stale = false
	b.emptyProbes = 0
	b.generation++
}

func (b *Buffer) snapshotLocked(src Source) QueryResult {
	return QueryResult{
		Records:  slices.Clone(b.records),
		ProbedAt: b.probedAt,
		Source:   src,
		Stale:    b.stale || src == SourceStale && len(b.records) > 0,
	}
}
