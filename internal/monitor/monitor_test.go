package monitor_test

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/dglo/trigger-testbed-sub000/internal/monitor"
	"github.com/dglo/trigger-testbed-sub000/internal/types"
)

type testLogger struct {
	t *testing.T
}

func (l *testLogger) Printf(format string, v ...interface{}) {
	l.t.Logf(format, v...)
}

func (l *testLogger) Println(v ...interface{}) {
	l.t.Log(v...)
}

type fakeSource struct {
	mu      sync.Mutex
	name    string
	ts      uint64
	written int64
	skipped int64
	paused  bool
	stopped bool
	stops   int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) LastTimestamp() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ts
}

func (f *fakeSource) NumWritten() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written
}

func (f *fakeSource) NumSkipped() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.skipped
}

func (f *fakeSource) IsPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeSource) IsStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *fakeSource) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
}

func (f *fakeSource) Unpause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
}

func (f *fakeSource) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.stopped = true
}

func (f *fakeSource) advance(ts uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ts = ts
	f.written++
}

type fakeConsumer struct {
	mu           sync.Mutex
	received     int64
	processed    int64
	inDepth      int
	outDepth     int
	failures     int64
	readerPaused bool
	stopped      bool
	forceStops   int
}

func (f *fakeConsumer) Received() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received
}

func (f *fakeConsumer) Processed() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed
}

func (f *fakeConsumer) InputDepth() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inDepth
}

func (f *fakeConsumer) OutputDepth() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outDepth
}

func (f *fakeConsumer) Failures() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures
}

func (f *fakeConsumer) ReaderPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readerPaused
}

func (f *fakeConsumer) PauseReader() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readerPaused = true
}

func (f *fakeConsumer) UnpauseReader() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readerPaused = false
}

func (f *fakeConsumer) ForceStop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forceStops++
	f.stopped = true
}

func (f *fakeConsumer) IsStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func newMonitor(t *testing.T, sources []*fakeSource, c *fakeConsumer, mutate func(*monitor.Config)) *monitor.Monitor {
	cfg := monitor.DefaultConfig()
	cfg.PollPeriod = time.Millisecond
	cfg.MaxSkew = 100
	cfg.HighWater = 5
	cfg.MaxFailures = 2
	cfg.Logger = &testLogger{t}
	if mutate != nil {
		mutate(cfg)
	}

	srcs := make([]monitor.Source, len(sources))
	for i, s := range sources {
		srcs[i] = s
	}
	if c == nil {
		return monitor.New(srcs, nil, cfg)
	}
	return monitor.New(srcs, c, cfg)
}

// ========================================
// SKEW CONTROL
// ========================================

func TestSkewPauseAndResume(t *testing.T) {
	slow := &fakeSource{name: "slow", ts: 1000}
	fast := &fakeSource{name: "fast", ts: 1201}
	m := newMonitor(t, []*fakeSource{slow, fast}, nil, nil)

	snap := m.Check()
	if !fast.IsPaused() {
		t.Fatal("fast source should be paused")
	}
	if slow.IsPaused() {
		t.Error("slow source should keep running")
	}
	if snap.Skew != 201 || snap.Earliest != 1000 || snap.Latest != 1201 {
		t.Errorf("window = %d..%d skew %d", snap.Earliest, snap.Latest, snap.Skew)
	}

	// still too far behind
	slow.advance(1100)
	m.Check()
	if !fast.IsPaused() {
		t.Error("fast source resumed while still 101 ahead")
	}

	slow.advance(1150)
	snap = m.Check()
	if fast.IsPaused() {
		t.Error("fast source should resume once within max skew")
	}
	if snap.Pauses != 1 || snap.Unpauses != 1 {
		t.Errorf("pauses/unpauses = %d/%d, want 1/1", snap.Pauses, snap.Unpauses)
	}
}

func TestSkewBoundedAfterOnePoll(t *testing.T) {
	sources := []*fakeSource{
		{name: "a", ts: 5000},
		{name: "b", ts: 5050},
		{name: "c", ts: 9000},
		{name: "d", ts: 5150},
	}
	m := newMonitor(t, sources, nil, nil)

	steps := [][]uint64{
		{5000, 5050, 9000, 5150},
		{5100, 5120, 9000, 5150},
		{5300, 5200, 9000, 5150},
		{8950, 8990, 9000, 9020},
	}

	for i, step := range steps {
		for j, ts := range step {
			if !sources[j].IsPaused() {
				sources[j].advance(ts)
			}
		}
		m.Check()

		var active []uint64
		for _, s := range sources {
			if !s.IsPaused() {
				active = append(active, s.LastTimestamp())
			}
		}
		for _, a := range active {
			for _, b := range active {
				if a > b && a-b > 100 {
					t.Errorf("step %d: active sources at %d and %d exceed max skew", i, a, b)
				}
			}
		}
	}
}

func TestInvalidTimestampsIgnored(t *testing.T) {
	t.Run("UnsetTimestamp", func(t *testing.T) {
		waiting := &fakeSource{name: "waiting", ts: 0, paused: true}
		running := &fakeSource{name: "running", ts: 5000}
		m := newMonitor(t, []*fakeSource{waiting, running}, nil, nil)

		snap := m.Check()
		if waiting.IsPaused() {
			t.Error("source without a timestamp should not stay paused")
		}
		if snap.Earliest != 5000 || snap.Skew != 0 {
			t.Errorf("window = %d skew %d", snap.Earliest, snap.Skew)
		}
	})

	t.Run("FinishedSource", func(t *testing.T) {
		done := &fakeSource{name: "done", ts: types.INFINITE_TIME}
		running := &fakeSource{name: "running", ts: 5000}
		m := newMonitor(t, []*fakeSource{done, running}, nil, nil)

		m.Check()
		if running.IsPaused() || done.IsPaused() {
			t.Error("finished source must not hold others back")
		}
	})

	t.Run("StoppedSourceExcluded", func(t *testing.T) {
		dead := &fakeSource{name: "dead", ts: 100, stopped: true}
		running := &fakeSource{name: "running", ts: 5000}
		m := newMonitor(t, []*fakeSource{dead, running}, nil, nil)

		m.Check()
		if running.IsPaused() {
			t.Error("stopped source must not hold others back")
		}
	})

	t.Run("NoValidTimestamps", func(t *testing.T) {
		a := &fakeSource{name: "a", paused: true}
		b := &fakeSource{name: "b", paused: true}
		m := newMonitor(t, []*fakeSource{a, b}, nil, nil)

		m.Check()
		if a.IsPaused() || b.IsPaused() {
			t.Error("paused sources should be released")
		}
	})
}

// ========================================
// BACKPRESSURE
// ========================================

func TestBackpressure(t *testing.T) {
	src := &fakeSource{name: "a", ts: 10}
	c := &fakeConsumer{}
	m := newMonitor(t, []*fakeSource{src}, c, nil)

	tests := []struct {
		name       string
		in, out    int
		wantPaused bool
	}{
		{"BelowMark", 1, 1, false},
		{"InputAbove", 6, 0, true},
		{"AtMarkStaysPaused", 5, 0, true},
		{"BothBelow", 4, 4, false},
		{"OutputAbove", 1, 9, true},
		{"OutputAboveStarved", 0, 9, false},
		{"OutputAboveIdle", 0, 9, false},
		{"OutputAboveAgain", 2, 6, true},
	}

	for _, tt := range tests {
		c.mu.Lock()
		c.inDepth, c.outDepth = tt.in, tt.out
		c.mu.Unlock()

		m.Check()
		if got := c.ReaderPaused(); got != tt.wantPaused {
			t.Errorf("%s: reader paused = %v, want %v", tt.name, got, tt.wantPaused)
		}
	}
}

func TestBackpressureDisabled(t *testing.T) {
	c := &fakeConsumer{inDepth: 1000}
	m := newMonitor(t, []*fakeSource{{name: "a"}}, c, func(cfg *monitor.Config) {
		cfg.HighWater = 0
	})

	m.Check()
	if c.ReaderPaused() {
		t.Error("reader paused with backpressure disabled")
	}
}

// ========================================
// FAILURE POLICY
// ========================================

func TestForceStopLatched(t *testing.T) {
	a := &fakeSource{name: "a", ts: 10}
	b := &fakeSource{name: "b", ts: 20}
	c := &fakeConsumer{failures: 2}
	m := newMonitor(t, []*fakeSource{a, b}, c, nil)

	if snap := m.Check(); snap.Forced {
		t.Fatal("forced at the maximum, should only fire above it")
	}

	c.mu.Lock()
	c.failures = 3
	c.mu.Unlock()

	if snap := m.Check(); !snap.Forced {
		t.Fatal("expected force-stop")
	}
	m.Check()
	m.Check()

	if a.stops != 1 || b.stops != 1 {
		t.Errorf("sources stopped %d/%d times, want once each", a.stops, b.stops)
	}
	if c.forceStops != 1 {
		t.Errorf("consumer force-stopped %d times, want 1", c.forceStops)
	}
	if !m.Forced() {
		t.Error("Forced() = false")
	}
}

func TestForceStopDisabled(t *testing.T) {
	c := &fakeConsumer{failures: 1000}
	m := newMonitor(t, []*fakeSource{{name: "a"}}, c, func(cfg *monitor.Config) {
		cfg.MaxFailures = -1
	})

	m.Check()
	if c.forceStops != 0 {
		t.Error("force-stopped with policy disabled")
	}
}

// ========================================
// STASIS
// ========================================

func TestStasisCounters(t *testing.T) {
	src := &fakeSource{name: "a", ts: 10}
	c := &fakeConsumer{}
	m := newMonitor(t, []*fakeSource{src}, c, nil)

	m.Check()
	if snap := m.Check(); snap.NumStatic != 1 {
		t.Errorf("NumStatic = %d, want 1", snap.NumStatic)
	}
	if snap := m.Check(); snap.NumStatic != 2 {
		t.Errorf("NumStatic = %d, want 2", snap.NumStatic)
	}

	c.mu.Lock()
	c.received++
	c.mu.Unlock()

	if snap := m.Check(); snap.NumStatic != 0 {
		t.Errorf("NumStatic = %d after a change, want 0", snap.NumStatic)
	}

	m.Check()
	src.mu.Lock()
	src.skipped += 500
	src.mu.Unlock()

	snap := m.Check()
	if snap.NumStatic != 0 {
		t.Errorf("NumStatic = %d while skipping, want 0", snap.NumStatic)
	}
	if snap.Sources[0].Skipped != 500 {
		t.Errorf("Skipped = %d, want 500", snap.Sources[0].Skipped)
	}

	src.Stop()
	c.ForceStop()

	if snap := m.Check(); snap.NumStopped != 1 || snap.NumStatic != 0 {
		t.Errorf("NumStopped/NumStatic = %d/%d, want 1/0", snap.NumStopped, snap.NumStatic)
	}
}

func TestRunOutcomes(t *testing.T) {
	t.Run("Static", func(t *testing.T) {
		m := newMonitor(t, []*fakeSource{{name: "a", ts: 10}}, &fakeConsumer{}, func(cfg *monitor.Config) {
			cfg.StaticThreshold = 3
		})

		outcome, err := m.Run(context.Background(), 100)
		if err != nil {
			t.Fatal(err)
		}
		if outcome != monitor.OutcomeStatic {
			t.Errorf("outcome = %s, want static", outcome)
		}
		if got := m.Snapshot().Iteration; got != 4 {
			t.Errorf("iterations = %d, want 4", got)
		}
	})

	t.Run("Stopped", func(t *testing.T) {
		src := &fakeSource{name: "a", ts: types.INFINITE_TIME, stopped: true}
		m := newMonitor(t, []*fakeSource{src}, &fakeConsumer{stopped: true}, func(cfg *monitor.Config) {
			cfg.StoppedThreshold = 2
		})

		outcome, err := m.Run(context.Background(), 100)
		if err != nil {
			t.Fatal(err)
		}
		if outcome != monitor.OutcomeStopped {
			t.Errorf("outcome = %s, want stopped", outcome)
		}
	})

	t.Run("Exhausted", func(t *testing.T) {
		m := newMonitor(t, []*fakeSource{{name: "a", ts: 10}}, nil, func(cfg *monitor.Config) {
			cfg.StaticThreshold = 0
			cfg.StoppedThreshold = 0
		})

		outcome, err := m.Run(context.Background(), 3)
		if err != nil {
			t.Fatal(err)
		}
		if outcome != monitor.OutcomeExhausted {
			t.Errorf("outcome = %s, want exhausted", outcome)
		}
		if got := m.Snapshot().Iteration; got != 3 {
			t.Errorf("iterations = %d, want 3", got)
		}
	})

	t.Run("Cancelled", func(t *testing.T) {
		m := newMonitor(t, []*fakeSource{{name: "a", ts: 10}}, nil, func(cfg *monitor.Config) {
			cfg.PollPeriod = time.Hour
		})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		outcome, err := m.Run(ctx, 0)
		if err != context.Canceled {
			t.Errorf("err = %v, want context.Canceled", err)
		}
		if outcome != monitor.OutcomeCancelled {
			t.Errorf("outcome = %s, want cancelled", outcome)
		}
	})
}

// ========================================
// SNAPSHOTS
// ========================================

func TestSnapshotSinks(t *testing.T) {
	var text, lines bytes.Buffer
	var seen []monitor.Snapshot

	src := &fakeSource{name: "hub01", ts: 10}
	c := &fakeConsumer{received: 4, processed: 3, failures: 1}

	for _, sink := range []monitor.SnapshotWriter{monitor.NewTextSink(&text), monitor.NewJSONSink(&lines)} {
		m := newMonitor(t, []*fakeSource{src}, c, func(cfg *monitor.Config) {
			cfg.SnapshotSink = sink
			cfg.SnapshotEvery = 2
			cfg.PrintEvery = 1
			cfg.RunID = "run-1"
			cfg.OnSnapshot = func(s monitor.Snapshot) { seen = append(seen, s) }
		})
		for i := 0; i < 4; i++ {
			m.Check()
		}
	}

	if len(seen) != 8 {
		t.Fatalf("OnSnapshot called %d times, want 8", len(seen))
	}
	if seen[0].RunID != "run-1" {
		t.Errorf("RunID = %q", seen[0].RunID)
	}

	if n := strings.Count(text.String(), "hub01"); n != 2 {
		t.Errorf("text sink has %d source lines, want 2:\n%s", n, text.String())
	}
	if !strings.Contains(text.String(), "consumer 3/4") {
		t.Errorf("text sink missing consumer summary:\n%s", text.String())
	}

	decoded := strings.Split(strings.TrimSpace(lines.String()), "\n")
	if len(decoded) != 2 {
		t.Fatalf("JSON sink wrote %d lines, want 2", len(decoded))
	}
	var snap monitor.Snapshot
	if err := json.Unmarshal([]byte(decoded[1]), &snap); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if snap.Iteration != 4 || snap.Consumer == nil || snap.Consumer.Failures != 1 {
		t.Errorf("decoded snapshot = %+v", snap)
	}
	if len(snap.Sources) != 1 || snap.Sources[0].Name != "hub01" {
		t.Errorf("decoded sources = %+v", snap.Sources)
	}
}

func TestOutcomeString(t *testing.T) {
	tests := map[monitor.Outcome]string{
		monitor.OutcomeExhausted: "exhausted",
		monitor.OutcomeStatic:    "static",
		monitor.OutcomeStopped:   "stopped",
		monitor.OutcomeCancelled: "cancelled",
		monitor.Outcome(42):      "unknown",
	}
	for o, want := range tests {
		if got := o.String(); got != want {
			t.Errorf("Outcome(%d) = %q, want %q", o, got, want)
		}
	}
}
