// Package monitor keeps independently paced bridges within a bounded
// logical-time window of each other and detects when the pipeline has gone
// idle or must be aborted.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/dglo/trigger-testbed-sub000/internal/types"
)

// Source is the part of a bridge the monitor controls
type Source interface {
	Name() string
	LastTimestamp() uint64
	NumWritten() int64
	NumSkipped() int64
	IsPaused() bool
	IsStopped() bool
	Pause()
	Unpause()
	Stop()
}

// Consumer is the part of the output consumer the monitor controls
type Consumer interface {
	Received() int64
	Processed() int64
	InputDepth() int
	OutputDepth() int
	Failures() int64
	ReaderPaused() bool
	PauseReader()
	UnpauseReader()
	ForceStop()
	IsStopped() bool
}

// Outcome tells why Run returned
type Outcome int

const (
	// OutcomeExhausted means the iteration limit was reached
	OutcomeExhausted Outcome = iota
	// OutcomeStatic means nothing progressed for StaticThreshold polls
	OutcomeStatic
	// OutcomeStopped means everything stayed stopped for StoppedThreshold polls
	OutcomeStopped
	// OutcomeCancelled means the context was cancelled
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeStatic:
		return "static"
	case OutcomeStopped:
		return "stopped"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Config configures the monitor
type Config struct {
	PollPeriod time.Duration

	// MaxSkew is the tolerated divergence between bridge timestamps
	MaxSkew uint64
	// HighWater pauses the consumer's reader; <= 0 disables backpressure
	HighWater int
	// MaxFailures triggers a one-time force-stop once exceeded; < 0 disables
	MaxFailures int64

	// StaticThreshold and StoppedThreshold end the loop; <= 0 disables
	StaticThreshold  int
	StoppedThreshold int

	// PrintEvery logs a progress line every N polls; 0 disables
	PrintEvery int
	// SnapshotEvery writes to SnapshotSink every N polls; 0 disables
	SnapshotEvery int
	SnapshotSink  SnapshotWriter

	// OnSnapshot is called after every poll
	OnSnapshot func(Snapshot)

	// RunID is stamped on every snapshot
	RunID string

	Logger types.Logger
}

// DefaultConfig returns the standard monitor settings
func DefaultConfig() *Config {
	return &Config{
		PollPeriod:       types.DEFAULT_POLL_PERIOD_MS * time.Millisecond,
		MaxSkew:          types.DEFAULT_MAX_SKEW,
		HighWater:        types.DEFAULT_HIGH_WATER,
		MaxFailures:      100,
		StaticThreshold:  100,
		StoppedThreshold: 5,
	}
}

type counters struct {
	written   []int64
	skipped   []int64
	received  int64
	processed int64
	inDepth   int
	outDepth  int
}

func (c counters) equal(o counters) bool {
	if len(c.written) != len(o.written) {
		return false
	}
	for i := range c.written {
		if c.written[i] != o.written[i] || c.skipped[i] != o.skipped[i] {
			return false
		}
	}
	return c.received == o.received &&
		c.processed == o.processed &&
		c.inDepth == o.inDepth &&
		c.outDepth == o.outDepth
}

// Monitor polls bridges and a consumer
type Monitor struct {
	config   *Config
	sources  []Source
	consumer Consumer
	logger   types.Logger

	// owned by the polling goroutine
	iteration  int
	prev       *counters
	numStatic  int
	numStopped int
	forced     bool
	pauses     int64
	unpauses   int64

	mu   sync.RWMutex
	last Snapshot
}

// New creates a monitor; consumer may be nil when only bridges are replayed
func New(sources []Source, consumer Consumer, config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.PollPeriod <= 0 {
		config.PollPeriod = types.DEFAULT_POLL_PERIOD_MS * time.Millisecond
	}

	return &Monitor{
		config:   config,
		sources:  sources,
		consumer: consumer,
		logger:   types.OrNop(config.Logger),
	}
}

// Run polls every PollPeriod until a stasis threshold is reached, the
// context is cancelled or maxIterations polls have run (0 = no limit)
func (m *Monitor) Run(ctx context.Context, maxIterations int) (Outcome, error) {
	m.logger.Printf("[Monitor] Watching %d sources (period %s, max skew %d)",
		len(m.sources), m.config.PollPeriod, m.config.MaxSkew)

	ticker := time.NewTicker(m.config.PollPeriod)
	defer ticker.Stop()

	for i := 0; maxIterations <= 0 || i < maxIterations; i++ {
		select {
		case <-ctx.Done():
			m.logger.Printf("[Monitor] Cancelled after %d polls", m.iteration)
			return OutcomeCancelled, ctx.Err()
		case <-ticker.C:
		}

		snap := m.Check()

		if m.config.StaticThreshold > 0 && snap.NumStatic >= m.config.StaticThreshold {
			m.logger.Printf("[Monitor] ⚠️  Nothing changed for %d polls", snap.NumStatic)
			return OutcomeStatic, nil
		}
		if m.config.StoppedThreshold > 0 && snap.NumStopped >= m.config.StoppedThreshold {
			m.logger.Printf("[Monitor] ✓ Pipeline drained")
			return OutcomeStopped, nil
		}
	}

	m.logger.Printf("[Monitor] Reached %d polls", maxIterations)
	return OutcomeExhausted, nil
}

// Check runs one poll: skew control, backpressure, failure policy and
// stasis bookkeeping. It must not be called concurrently with Run.
func (m *Monitor) Check() Snapshot {
	m.iteration++

	snap := Snapshot{
		RunID:     m.config.RunID,
		Iteration: m.iteration,
		Time:      time.Now(),
		Sources:   make([]SourceStatus, len(m.sources)),
	}

	earliest, latest, ok := m.window()
	if ok {
		snap.Earliest, snap.Latest, snap.Skew = earliest, latest, latest-earliest
		m.balance(earliest)
	} else {
		m.releaseAll()
	}

	m.backpressure()
	m.enforceFailures()

	cur := counters{
		written: make([]int64, len(m.sources)),
		skipped: make([]int64, len(m.sources)),
	}
	allStopped := true
	for i, src := range m.sources {
		cur.written[i] = src.NumWritten()
		cur.skipped[i] = src.NumSkipped()
		snap.Sources[i] = SourceStatus{
			Name:          src.Name(),
			LastTimestamp: src.LastTimestamp(),
			Written:       cur.written[i],
			Skipped:       cur.skipped[i],
			Paused:        src.IsPaused(),
			Stopped:       src.IsStopped(),
		}
		if !snap.Sources[i].Stopped {
			allStopped = false
		}
	}

	if m.consumer != nil {
		cur.received = m.consumer.Received()
		cur.processed = m.consumer.Processed()
		cur.inDepth = m.consumer.InputDepth()
		cur.outDepth = m.consumer.OutputDepth()

		snap.Consumer = &ConsumerStatus{
			Received:     cur.received,
			Processed:    cur.processed,
			InputDepth:   cur.inDepth,
			OutputDepth:  cur.outDepth,
			Failures:     m.consumer.Failures(),
			ReaderPaused: m.consumer.ReaderPaused(),
			Stopped:      m.consumer.IsStopped(),
		}
		if !snap.Consumer.Stopped {
			allStopped = false
		}
	}

	switch {
	case m.prev == nil || !cur.equal(*m.prev):
		m.numStatic = 0
		m.numStopped = 0
	case allStopped:
		m.numStopped++
	default:
		m.numStatic++
	}
	m.prev = &cur

	snap.NumStatic = m.numStatic
	snap.NumStopped = m.numStopped
	snap.Forced = m.forced
	snap.Pauses = m.pauses
	snap.Unpauses = m.unpauses

	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()

	m.emit(snap)
	return snap
}

// window returns the earliest and latest valid timestamps of live sources
func (m *Monitor) window() (earliest, latest uint64, ok bool) {
	for _, src := range m.sources {
		if src.IsStopped() {
			continue
		}
		ts := src.LastTimestamp()
		if !types.IsValidTime(ts) {
			continue
		}
		if !ok || ts < earliest {
			earliest = ts
		}
		if !ok || ts > latest {
			latest = ts
		}
		ok = true
	}
	return earliest, latest, ok
}

// balance resumes paused sources that are back inside the window and
// pauses running sources that are too far ahead of the slowest one.
// Resuming on ts-earliest gives the same state as resuming on ts-latest and
// then re-pausing whatever is still more than MaxSkew ahead of earliest.
func (m *Monitor) balance(earliest uint64) {
	for _, src := range m.sources {
		if src.IsStopped() {
			continue
		}

		ts := src.LastTimestamp()
		paused := src.IsPaused()

		if !types.IsValidTime(ts) {
			if paused {
				m.unpause(src, ts)
			}
			continue
		}

		ahead := ts - earliest
		switch {
		case paused && ahead < m.config.MaxSkew:
			m.unpause(src, ts)
		case !paused && ahead > m.config.MaxSkew:
			src.Pause()
			m.pauses++
			m.logger.Printf("[Monitor] Paused %s at %d (%d ahead)", src.Name(), ts, ahead)
		}
	}
}

func (m *Monitor) releaseAll() {
	for _, src := range m.sources {
		if src.IsPaused() && !src.IsStopped() {
			m.unpause(src, src.LastTimestamp())
		}
	}
}

func (m *Monitor) unpause(src Source, ts uint64) {
	src.Unpause()
	m.unpauses++
	m.logger.Printf("[Monitor] Resumed %s at %d", src.Name(), ts)
}

func (m *Monitor) backpressure() {
	if m.consumer == nil || m.config.HighWater <= 0 {
		return
	}

	in, out := m.consumer.InputDepth(), m.consumer.OutputDepth()
	paused := m.consumer.ReaderPaused()
	hw := m.config.HighWater

	// the handler's backlog only shrinks when input arrives, so with an empty
	// input queue it neither pauses nor holds the reader
	starved := in == 0

	switch {
	case !paused && (in > hw || (out > hw && !starved)):
		m.consumer.PauseReader()
		m.logger.Printf("[Monitor] Paused consumer reader (in %d, out %d)", in, out)
	case paused && in < hw && (out < hw || starved):
		m.consumer.UnpauseReader()
		m.logger.Printf("[Monitor] Resumed consumer reader (in %d, out %d)", in, out)
	}
}

// enforceFailures force-stops everything once; the flag is latched
func (m *Monitor) enforceFailures() {
	if m.consumer == nil || m.forced || m.config.MaxFailures < 0 {
		return
	}

	failures := m.consumer.Failures()
	if failures <= m.config.MaxFailures {
		return
	}

	m.forced = true
	m.logger.Printf("[Monitor] ✗ %d failures exceed maximum of %d, forcing stop",
		failures, m.config.MaxFailures)

	for _, src := range m.sources {
		src.Stop()
	}
	m.consumer.ForceStop()
}

func (m *Monitor) emit(snap Snapshot) {
	if m.config.PrintEvery > 0 && snap.Iteration%m.config.PrintEvery == 0 {
		m.logger.Printf("[Monitor] %s", snap.Line())
	}

	if m.config.SnapshotSink != nil && m.config.SnapshotEvery > 0 && snap.Iteration%m.config.SnapshotEvery == 0 {
		if err := m.config.SnapshotSink.WriteSnapshot(snap); err != nil {
			m.logger.Printf("[Monitor] Failed to write snapshot: %v", err)
		}
	}

	if m.config.OnSnapshot != nil {
		m.config.OnSnapshot(snap)
	}
}

// ========================================
// STATUS
// ========================================

// Snapshot returns the result of the most recent poll
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Forced reports whether the failure policy force-stopped the pipeline
func (m *Monitor) Forced() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last.Forced
}
