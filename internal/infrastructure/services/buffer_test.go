package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sophialabs/kbeconsole/internal/domain/discovery"
	"github.com/sophialabs/kbeconsole/internal/domain/machine"
	"github.com/sophialabs/kbeconsole/internal/domain/probelog"
	"github.com/sophialabs/kbeconsole/internal/infrastructure/outbound/clock"
	"github.com/sophialabs/kbeconsole/internal/infrastructure/services"
	"github.com/sophialabs/kbeconsole/internal/testutil"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func sampleRecords() []machine.Record {
	return []machine.Record{
		{ComponentType: machine.BaseApp, ComponentID: 1, MachineID: 1, State: machine.StateRunning},
		{ComponentType: machine.CellApp, ComponentID: 2, MachineID: 1, State: machine.StateRunning},
	}
}

func bufferSettings(t *testing.T, mutate func(*discovery.Settings)) discovery.Settings {
	t.Helper()
	s := discovery.DefaultSettings()
	s.QueryWaitTime = 50 * time.Millisecond
	if mutate != nil {
		mutate(&s)
	}
	if problems := s.Normalize(); len(problems) > 0 {
		t.Fatalf("unexpected settings problems: %v", problems)
	}
	return s
}

type bufferFixture struct {
	buf    *services.Buffer
	prober *testutil.StubProber
	clock  *testutil.ManualClock
	log    *probelog.RingBuffer
}

func newBufferFixture(t *testing.T, s discovery.Settings) *bufferFixture {
	t.Helper()
	f := &bufferFixture{
		prober: &testutil.StubProber{},
		clock:  testutil.NewManualClock(epoch),
		log:    probelog.NewRingBuffer(50),
	}
	f.prober.SetResult(sampleRecords(), nil)
	f.buf = services.NewBuffer(s, f.prober, f.clock, &testutil.NoopLogger{}, f.log)
	t.Cleanup(f.buf.Close)
	return f
}

func (f *bufferFixture) waitSleeping(t *testing.T) {
	t.Helper()
	if !testutil.WaitFor(time.Second, func() bool { return f.clock.Sleepers() == 1 }) {
		t.Fatalf("refresher never went to sleep (sleepers=%d)", f.clock.Sleepers())
	}
}

func (f *bufferFixture) waitCalls(t *testing.T, n int) {
	t.Helper()
	if !testutil.WaitFor(time.Second, func() bool { return f.prober.Calls() == n }) {
		t.Fatalf("expected %d probes, got %d", n, f.prober.Calls())
	}
}

func TestBuffer_FirstQueryProbesThenServesCache(t *testing.T) {
	f := newBufferFixture(t, bufferSettings(t, nil))

	first := f.buf.Query(context.Background())
	if first.Source != services.SourceProbe {
		t.Errorf("first query source = %q, want probe", first.Source)
	}
	if len(first.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(first.Records))
	}

	f.waitSleeping(t)
	f.clock.Advance(500 * time.Millisecond)

	second := f.buf.Query(context.Background())
	if second.Source != services.SourceCache {
		t.Errorf("second query source = %q, want cache", second.Source)
	}
	if len(second.Records) != 2 {
		t.Errorf("expected 2 cached records, got %d", len(second.Records))
	}
	if f.prober.Calls() != 1 {
		t.Errorf("cache hit should not probe, got %d probes", f.prober.Calls())
	}
	if st := f.buf.Status(); st.CacheHits != 1 || !st.Active {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestBuffer_BackgroundRefreshWhileActive(t *testing.T) {
	f := newBufferFixture(t, bufferSettings(t, nil))

	f.buf.Query(context.Background())
	f.waitSleeping(t)

	f.prober.SetResult(sampleRecords()[:1], nil)
	f.clock.Advance(time.Second)
	f.waitCalls(t, 2)
	f.waitSleeping(t)

	got := f.buf.Query(context.Background())
	if got.Source != services.SourceCache {
		t.Errorf("source = %q, want cache", got.Source)
	}
	if len(got.Records) != 1 {
		t.Errorf("cache should hold the refreshed records, got %d", len(got.Records))
	}
	if !got.ProbedAt.Equal(epoch.Add(time.Second)) {
		t.Errorf("probedAt = %v, want %v", got.ProbedAt, epoch.Add(time.Second))
	}
}

func TestBuffer_IdleStopsRefreshAndDropsCache(t *testing.T) {
	f := newBufferFixture(t, bufferSettings(t, func(s *discovery.Settings) {
		s.StopBufferTime = 2 * time.Second
	}))

	f.buf.Query(context.Background())
	f.waitSleeping(t)

	f.clock.Advance(time.Second)
	f.waitCalls(t, 2)
	f.waitSleeping(t)

	f.clock.Advance(time.Second)
	if !testutil.WaitFor(time.Second, func() bool { return !f.buf.Status().Active }) {
		t.Fatal("refresher should stop after the idle period")
	}
	if st := f.buf.Status(); st.Records != 0 || !st.ProbedAt.IsZero() {
		t.Errorf("cache should be dropped, got %+v", st)
	}
	if f.prober.Calls() != 2 {
		t.Errorf("no probe expected on teardown, got %d", f.prober.Calls())
	}

	got := f.buf.Query(context.Background())
	if got.Source != services.SourceProbe || len(got.Records) != 2 {
		t.Errorf("query after idle should probe synchronously, got %+v", got)
	}
	if f.prober.Calls() != 3 {
		t.Errorf("expected 3 probes, got %d", f.prober.Calls())
	}
}

func TestBuffer_TimeoutReturnsPreviousRecords(t *testing.T) {
	f := newBufferFixture(t, bufferSettings(t, nil))
	f.buf.Query(context.Background())

	f.prober.SetBlock(true)
	start := time.Now()
	got := f.buf.Refresh(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("probe should give up after the wait time, took %v", elapsed)
	}

	if got.Source != services.SourceStale || !got.Stale {
		t.Errorf("expected stale result, got source=%q stale=%v", got.Source, got.Stale)
	}
	if len(got.Records) != 2 {
		t.Errorf("expected previous 2 records, got %d", len(got.Records))
	}
}

func TestBuffer_FirstProbeTimeoutIsEmptyNotError(t *testing.T) {
	f := newBufferFixture(t, bufferSettings(t, nil))
	f.prober.SetBlock(true)

	got := f.buf.Query(context.Background())
	if len(got.Records) != 0 {
		t.Errorf("expected no records, got %d", len(got.Records))
	}
	entries := f.log.Last(1)
	if len(entries) != 1 || entries[0].Error == "" || !entries[0].Empty {
		t.Errorf("timeout should be recorded in the probe log, got %+v", entries)
	}
}

func TestBuffer_StaleLimitEmptiesCache(t *testing.T) {
	f := newBufferFixture(t, bufferSettings(t, func(s *discovery.Settings) {
		s.StaleProbeLimit = 2
	}))
	f.buf.Query(context.Background())

	f.prober.SetResult(nil, errors.New("network down"))

	first := f.buf.Refresh(context.Background())
	if len(first.Records) != 2 || !first.Stale {
		t.Errorf("first failure should keep previous records, got %+v", first)
	}

	second := f.buf.Refresh(context.Background())
	if len(second.Records) != 0 || second.Stale {
		t.Errorf("limit reached, cache should be empty, got %+v", second)
	}
	if st := f.buf.Status(); st.EmptyProbes != 2 {
		t.Errorf("expected 2 consecutive empty probes, got %d", st.EmptyProbes)
	}

	f.prober.SetResult(sampleRecords(), nil)
	third := f.buf.Refresh(context.Background())
	if len(third.Records) != 2 || third.Stale {
		t.Errorf("successful probe should restore records, got %+v", third)
	}
	if st := f.buf.Status(); st.EmptyProbes != 0 {
		t.Errorf("success should reset the counter, got %d", st.EmptyProbes)
	}
}

func TestBuffer_ProbesConfiguredTargets(t *testing.T) {
	f := newBufferFixture(t, bufferSettings(t, func(s *discovery.Settings) {
		s.Addresses = []string{"10.0.0.5", "10.0.0.6:3000"}
		s.UID = 1001
		s.Username = "kbe"
	}))

	f.buf.Query(context.Background())

	q, ok := f.prober.LastQuery()
	if !ok {
		t.Fatal("expected a probe")
	}
	if len(q.Targets) != 2 {
		t.Fatalf("expected 2 targets, got %v", q.Targets)
	}
	if q.Targets[0].String() != "10.0.0.5:20086" || q.Targets[1].String() != "10.0.0.6:3000" {
		t.Errorf("unexpected targets %v", q.Targets)
	}
	if q.UID != 1001 || q.Username != "kbe" || q.Port != discovery.DefaultMachinePort {
		t.Errorf("unexpected probe query %+v", q)
	}
	if f.buf.Status().Broadcast {
		t.Error("status should not report broadcast with fixed targets")
	}
}

func TestBuffer_BroadcastWhenNoAddresses(t *testing.T) {
	f := newBufferFixture(t, bufferSettings(t, nil))
	f.buf.Query(context.Background())

	q, _ := f.prober.LastQuery()
	if len(q.Targets) != 0 {
		t.Errorf("expected broadcast probe, got targets %v", q.Targets)
	}
	entries := f.log.Last(1)
	if len(entries) != 1 || !entries[0].Broadcast || entries[0].Trigger != probelog.TriggerQuery {
		t.Errorf("unexpected probe log %+v", entries)
	}
}

func TestBuffer_QueryTargetsBypassesCache(t *testing.T) {
	f := newBufferFixture(t, bufferSettings(t, nil))

	target, err := machine.ParseTarget("192.168.0.9", discovery.DefaultMachinePort)
	if err != nil {
		t.Fatalf("ParseTarget failed: %v", err)
	}

	got := f.buf.QueryTargets(context.Background(), []machine.Target{target})
	if got.Source != services.SourceProbe || len(got.Records) != 2 {
		t.Errorf("unexpected result %+v", got)
	}
	if st := f.buf.Status(); st.Records != 0 || st.Active {
		t.Errorf("targeted probe should leave the cache alone, got %+v", st)
	}
	entries := f.log.Last(1)
	if len(entries) != 1 || entries[0].Trigger != probelog.TriggerTargeted {
		t.Errorf("unexpected probe log %+v", entries)
	}
}

func TestBuffer_DisabledProbesEveryQuery(t *testing.T) {
	f := newBufferFixture(t, bufferSettings(t, func(s *discovery.Settings) {
		s.UseBuffer = false
	}))

	for i := range 3 {
		got := f.buf.Query(context.Background())
		if got.Source != services.SourceProbe {
			t.Errorf("query %d source = %q, want probe", i, got.Source)
		}
	}
	if f.prober.Calls() != 3 {
		t.Errorf("expected 3 probes, got %d", f.prober.Calls())
	}
	if st := f.buf.Status(); st.Active || st.Records != 0 || st.Enabled {
		t.Errorf("disabled buffer should hold nothing, got %+v", st)
	}
	if f.clock.Sleepers() != 0 {
		t.Error("disabled buffer should not start a refresher")
	}
}

func TestBuffer_ConcurrentQueriesShareOneProbe(t *testing.T) {
	f := newBufferFixture(t, bufferSettings(t, func(s *discovery.Settings) {
		s.QueryWaitTime = time.Second
	}))
	f.prober.SetDelay(100 * time.Millisecond)

	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make([]services.QueryResult, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i] = f.buf.Query(context.Background())
		}()
	}
	close(start)
	wg.Wait()

	if f.prober.Calls() != 1 {
		t.Errorf("concurrent queries should share one probe, got %d", f.prober.Calls())
	}
	for i, r := range results {
		if len(r.Records) != 2 {
			t.Errorf("result %d has %d records", i, len(r.Records))
		}
	}
}

func TestBuffer_CallerCancelReturnsCache(t *testing.T) {
	f := newBufferFixture(t, bufferSettings(t, func(s *discovery.Settings) {
		s.QueryWaitTime = time.Second
	}))
	f.buf.Query(context.Background())
	f.prober.SetBlock(true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	got := f.buf.Refresh(ctx)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("caller cancel should return early, took %v", elapsed)
	}
	if len(got.Records) != 2 || got.Source != services.SourceStale {
		t.Errorf("expected cached records as stale, got %+v", got)
	}
}

func TestBuffer_ReconfigureTargetsDropsCache(t *testing.T) {
	base := bufferSettings(t, nil)
	f := newBufferFixture(t, base)
	f.buf.Query(context.Background())

	slower := base
	slower.FlushTime = 2 * time.Second
	f.buf.Reconfigure(slower)
	if st := f.buf.Status(); st.Records != 2 {
		t.Errorf("timing-only change should keep the cache, got %+v", st)
	}

	moved := bufferSettings(t, func(s *discovery.Settings) {
		s.Addresses = []string{"10.0.0.5"}
	})
	f.buf.Reconfigure(moved)
	if st := f.buf.Status(); st.Records != 0 || st.Active {
		t.Errorf("target change should drop the cache, got %+v", st)
	}

	got := f.buf.Query(context.Background())
	if got.Source != services.SourceProbe {
		t.Errorf("source = %q, want probe", got.Source)
	}
	q, _ := f.prober.LastQuery()
	if len(q.Targets) != 1 {
		t.Errorf("probe should use the new targets, got %v", q.Targets)
	}
}

func TestBuffer_ReconfigureDisable(t *testing.T) {
	f := newBufferFixture(t, bufferSettings(t, nil))
	f.buf.Query(context.Background())
	f.waitSleeping(t)

	off := bufferSettings(t, func(s *discovery.Settings) { s.UseBuffer = false })
	f.buf.Reconfigure(off)

	if !testutil.WaitFor(time.Second, func() bool { return f.clock.Sleepers() == 0 }) {
		t.Error("disabling should stop the refresher")
	}
	f.buf.Query(context.Background())
	f.buf.Query(context.Background())
	if f.prober.Calls() != 3 {
		t.Errorf("expected a probe per query once disabled, got %d", f.prober.Calls())
	}
}

func TestBuffer_CloseIsIdempotent(t *testing.T) {
	f := newBufferFixture(t, bufferSettings(t, nil))
	f.buf.Query(context.Background())
	f.waitSleeping(t)

	f.buf.Close()
	f.buf.Close()

	if f.clock.Sleepers() != 0 {
		t.Error("close should stop the refresher")
	}
	got := f.buf.Query(context.Background())
	if got.Source != services.SourceProbe || f.prober.Calls() != 2 {
		t.Errorf("closed buffer should probe directly, got %+v after %d probes", got, f.prober.Calls())
	}
}

func TestBuffer_SteadyQueriesProbeAboutOncePerFlush(t *testing.T) {
	if testing.Short() {
		t.Skip("real-time test")
	}

	prober := &testutil.StubProber{}
	prober.SetResult(sampleRecords(), nil)
	s := bufferSettings(t, func(s *discovery.Settings) {
		s.FlushTime = 100 * time.Millisecond
		s.StopBufferTime = 10 * time.Second
	})
	buf := services.NewBuffer(s, prober, clock.New(), &testutil.NoopLogger{}, nil)
	defer buf.Close()

	// 20 queries, one every half flush interval.
	for range 20 {
		if got := buf.Query(context.Background()); len(got.Records) != 2 {
			t.Fatalf("expected 2 records, got %d", len(got.Records))
		}
		time.Sleep(50 * time.Millisecond)
	}

	calls := prober.Calls()
	if calls < 5 || calls > 14 {
		t.Errorf("expected roughly one probe per flush interval (~11), got %d", calls)
	}
	if hits := buf.Status().CacheHits; hits < 6 {
		t.Errorf("expected most queries served from cache, got %d hits", hits)
	}
}

func TestBuffer_ExpiredCacheServedWhileRefreshing(t *testing.T) {
	f := newBufferFixture(t, bufferSettings(t, func(s *discovery.Settings) {
		s.QueryWaitTime = time.Second
	}))
	f.buf.Query(context.Background())
	f.waitSleeping(t)

	f.prober.SetBlock(true)
	f.clock.Advance(time.Second)
	f.waitCalls(t, 2)

	// Past the flush interval with the background refresh still waiting on replies.
	f.clock.Advance(500 * time.Millisecond)
	start := time.Now()
	got := f.buf.Query(context.Background())
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("query waited on the background refresh for %v", elapsed)
	}
	if got.Source != services.SourceCache || len(got.Records) != 2 {
		t.Errorf("expected the previous snapshot, got %+v", got)
	}
	if !got.ProbedAt.Equal(epoch) {
		t.Errorf("probedAt = %v, want %v", got.ProbedAt, epoch)
	}
	if f.prober.Calls() != 2 {
		t.Errorf("query should not start its own probe, got %d probes", f.prober.Calls())
	}
}

func TestBuffer_SlowRefreshNeverBlocksSteadyQueries(t *testing.T) {
	if testing.Short() {
		t.Skip("real-time test")
	}

	prober := &testutil.StubProber{}
	prober.SetResult(sampleRecords(), nil)
	// Each refresh takes a whole flush interval, like a UDP probe that reads until its deadline.
	prober.SetDelay(100 * time.Millisecond)
	s := bufferSettings(t, func(s *discovery.Settings) {
		s.FlushTime = 100 * time.Millisecond
		s.QueryWaitTime = 150 * time.Millisecond
		s.StopBufferTime = 10 * time.Second
	})
	buf := services.NewBuffer(s, prober, clock.New(), &testutil.NoopLogger{}, nil)
	defer buf.Close()

	if got := buf.Query(context.Background()); len(got.Records) != 2 {
		t.Fatalf("first query: expected 2 records, got %d", len(got.Records))
	}

	var blocked int
	var worst time.Duration
	for range 40 {
		time.Sleep(25 * time.Millisecond)
		start := time.Now()
		got := buf.Query(context.Background())
		elapsed := time.Since(start)
		if elapsed > worst {
			worst = elapsed
		}
		if elapsed > 60*time.Millisecond {
			blocked++
		}
		if len(got.Records) != 2 {
			t.Fatalf("expected 2 records, got %d", len(got.Records))
		}
	}

	if blocked > 0 {
		t.Errorf("%d of 40 steady queries waited on a probe (worst %v)", blocked, worst)
	}
	if calls := prober.Calls(); calls < 5 || calls > 16 {
		t.Errorf("expected about one probe per flush interval, got %d", calls)
	}
	if hits := buf.Status().CacheHits; hits < 40 {
		t.Errorf("every steady query should be served from the cache, got %d hits", hits)
	}
}

func TestBuffer_ReconfigureWhileProbingUsesNewTargets(t *testing.T) {
	oldTargets := bufferSettings(t, func(s *discovery.Settings) {
		s.QueryWaitTime = time.Second
		s.Addresses = []string{"10.0.0.1"}
	})
	f := newBufferFixture(t, oldTargets)
	f.prober.SetDelay(200 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.buf.Query(context.Background())
	}()
	f.waitCalls(t, 1)

	f.buf.Reconfigure(bufferSettings(t, func(s *discovery.Settings) {
		s.QueryWaitTime = time.Second
		s.Addresses = []string{"10.0.0.2"}
	}))

	got := f.buf.Query(context.Background())
	<-done

	if got.Source != services.SourceProbe {
		t.Errorf("source = %q, want probe", got.Source)
	}
	if f.prober.Calls() != 2 {
		t.Fatalf("expected a second probe for the new targets, got %d probes", f.prober.Calls())
	}
	q, _ := f.prober.LastQuery()
	if len(q.Targets) != 1 || q.Targets[0].String() != "10.0.0.2:20086" {
		t.Errorf("query after reconfigure probed %v", q.Targets)
	}
	if st := f.buf.Status(); st.Records != 2 || st.Targets[0] != "10.0.0.2:20086" {
		t.Errorf("cache should hold the new targets' result, got %+v", st)
	}
}

func TestBuffer_UnusableAddressesSendNothing(t *testing.T) {
	s := discovery.DefaultSettings()
	s.QueryWaitTime = 50 * time.Millisecond
	s.Addresses = []string{"10.0.0.300", "not-an-ip"}
	if problems := s.Normalize(); len(problems) == 0 {
		t.Fatal("expected address problems")
	}
	f := newBufferFixture(t, s)

	got := f.buf.Query(context.Background())
	if len(got.Records) != 0 {
		t.Errorf("expected no machines, got %d", len(got.Records))
	}
	if f.prober.Calls() != 0 {
		t.Errorf("nothing should be sent, got %d probes", f.prober.Calls())
	}
	if f.buf.Status().Broadcast {
		t.Error("status must not report broadcast for a configured address list")
	}

	entries := f.log.Last(1)
	if len(entries) != 1 || entries[0].Broadcast || entries[0].Error != services.ErrNoUsableTargets.Error() {
		t.Errorf("unexpected probe log %+v", entries)
	}
}

func TestBuffer_ResultsDoNotShareCacheStorage(t *testing.T) {
	f := newBufferFixture(t, bufferSettings(t, nil))

	first := f.buf.Query(context.Background())
	first.Records[0].CPU = 99
	first.Records = first.Records[:0]

	f.waitSleeping(t)
	second := f.buf.Query(context.Background())
	if second.Source != services.SourceCache || len(second.Records) != 2 {
		t.Fatalf("expected 2 cached records, got %+v", second)
	}
	if second.Records[0].CPU == 99 {
		t.Error("editing a result changed the cache")
	}
	if snap := f.buf.Snapshot(); snap.Records[0].CPU == 99 {
		t.Error("editing a result changed the snapshot")
	}
}
