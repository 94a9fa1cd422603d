// Package bridge replays an ordered sequence of record files into a Sink at
// a controlled pace, under external pause control.
package bridge

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dglo/trigger-testbed-sub000/internal/framing"
	"github.com/dglo/trigger-testbed-sub000/internal/storage"
	"github.com/dglo/trigger-testbed-sub000/internal/types"
)

// ErrNoFiles is returned when a bridge is configured without input files
var ErrNoFiles = errors.New("bridge requires at least one input file")

// State is a bridge lifecycle state
type State int

const (
	StateCreated State = iota
	StateRunning
	StatePaused
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config configures one bridge
type Config struct {
	Name  string
	Files []string

	// NumToSkip records are read and discarded before writing starts
	NumToSkip int
	// MaxToWrite caps the number of records written; 0 means unlimited
	MaxToWrite int

	// BatchSize records are written between Delay pauses; <= 0 disables pacing
	BatchSize int
	Delay     time.Duration

	Logger types.Logger
}

// Stats is a point-in-time view of a bridge
type Stats struct {
	Name          string `json:"name"`
	State         string `json:"state"`
	FileIndex     int    `json:"file_index"`
	NumFiles      int    `json:"num_files"`
	Written       int64  `json:"written"`
	Skipped       int64  `json:"skipped"`
	LastTimestamp uint64 `json:"last_timestamp"`
	Error         string `json:"error,omitempty"`
}

// Bridge drives one file sequence into one sink
type Bridge struct {
	config Config
	sink   Sink
	logger types.Logger

	// pause/stop control, set by the monitor and read by the run loop
	mu       sync.Mutex
	cond     *sync.Cond
	paused   bool
	stopping bool
	started  bool
	stopCh   chan struct{}
	stopOnce sync.Once

	// progress, written only by the run loop
	fileIndex atomic.Int64
	written   atomic.Int64
	skipped   atomic.Int64
	lastTime  atomic.Uint64
	stopped   atomic.Bool

	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// New creates a bridge; it does not start reading until Start or Run
func New(config Config, sink Sink) (*Bridge, error) {
	if len(config.Files) == 0 {
		return nil, fmt.Errorf("bridge %q: %w", config.Name, ErrNoFiles)
	}
	if sink == nil {
		return nil, fmt.Errorf("bridge %q: sink is required", config.Name)
	}
	if config.NumToSkip < 0 {
		config.NumToSkip = 0
	}

	b := &Bridge{
		config: config,
		sink:   sink,
		logger: types.OrNop(config.Logger),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	return b, nil
}

// Name returns the configured source name
func (b *Bridge) Name() string {
	return b.config.Name
}

// Start runs the bridge in its own goroutine
func (b *Bridge) Start() {
	go b.Run()
}

// Run replays every file in order, then closes the sink. It blocks until
// the bridge reaches StateStopped and returns the fatal error, if any.
func (b *Bridge) Run() error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		<-b.done
		return b.err
	}
	b.started = true
	b.mu.Unlock()

	defer b.finish()

	b.logger.Printf("[Bridge %s] Starting (%d files, skip %d, max %d)",
		b.config.Name, len(b.config.Files), b.config.NumToSkip, b.config.MaxToWrite)

	sawStop, err := b.replay()
	if err != nil {
		b.err = err
		b.logger.Printf("[Bridge %s] ✗ %v", b.config.Name, err)
		return err
	}

	if !sawStop {
		if err := b.sink.Write(framing.EncodeStop()); err != nil {
			b.err = fmt.Errorf("bridge %s: write stop: %w", b.config.Name, err)
			b.logger.Printf("[Bridge %s] ✗ %v", b.config.Name, b.err)
			return b.err
		}
	}
	b.lastTime.Store(types.INFINITE_TIME)

	b.logger.Printf("[Bridge %s] ✓ Finished: %d written, %d skipped",
		b.config.Name, b.written.Load(), b.skipped.Load())
	return nil
}

// replay walks the files; sawStop reports that a stop record was forwarded
func (b *Bridge) replay() (sawStop bool, err error) {
	for idx, path := range b.config.Files {
		b.fileIndex.Store(int64(idx))

		if b.isStopping() {
			return false, nil
		}

		done, sawStop, err := b.replayFile(path)
		if err != nil || done {
			return sawStop, err
		}
	}
	return false, nil
}

// replayFile streams one file; done means the bridge entered Stopping
func (b *Bridge) replayFile(path string) (done bool, sawStop bool, err error) {
	rc, err := storage.Open(path)
	if err != nil {
		return true, false, fmt.Errorf("bridge %s: %w", b.config.Name, err)
	}
	defer rc.Close()

	fr := framing.NewReader(rc)

	for {
		if !b.waitWhilePaused() {
			return true, false, nil
		}

		rec, err := fr.Next()
		if err == io.EOF {
			return false, false, nil
		}
		if err != nil {
			return true, false, fmt.Errorf("bridge %s: %s: %w", b.config.Name, path, err)
		}

		if framing.IsStop(rec) {
			if err := b.sink.Write(rec); err != nil {
				return true, false, fmt.Errorf("bridge %s: write stop: %w", b.config.Name, err)
			}
			b.logger.Printf("[Bridge %s] Found stop record in %s", b.config.Name, path)
			return true, true, nil
		}

		if b.skipped.Load() < int64(b.config.NumToSkip) {
			b.skipped.Add(1)
			continue
		}

		if b.config.MaxToWrite > 0 && b.written.Load() >= int64(b.config.MaxToWrite) {
			b.logger.Printf("[Bridge %s] Reached max of %d records", b.config.Name, b.config.MaxToWrite)
			return true, false, nil
		}

		ts, hasTime := framing.Timestamp(rec)

		if err := b.sink.Write(rec); err != nil {
			return true, false, fmt.Errorf("bridge %s: write: %w", b.config.Name, err)
		}

		n := b.written.Add(1)
		if hasTime {
			b.lastTime.Store(ts)
		}

		if b.config.BatchSize > 0 && n%int64(b.config.BatchSize) == 0 && b.config.Delay > 0 {
			b.pace()
		}
	}
}

// pace sleeps for the configured delay, returning early on Stop
func (b *Bridge) pace() {
	timer := time.NewTimer(b.config.Delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-b.stopCh:
	}
}

// waitWhilePaused blocks while the bridge is paused and reports whether
// it should keep reading
func (b *Bridge) waitWhilePaused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.paused && !b.stopping {
		b.cond.Wait()
	}
	return !b.stopping
}

func (b *Bridge) isStopping() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopping
}

func (b *Bridge) finish() {
	b.closeOnce.Do(func() {
		if err := b.sink.Close(); err != nil {
			b.logger.Printf("[Bridge %s] Failed to close sink: %v", b.config.Name, err)
		}
		b.mu.Lock()
		b.stopping = true
		b.mu.Unlock()
		b.stopped.Store(true)
		close(b.done)
	})
}

// ========================================
// CONTROL
// ========================================

// Pause blocks the bridge before its next read. Idempotent.
func (b *Bridge) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = true
}

// Unpause wakes the bridge. Idempotent.
func (b *Bridge) Unpause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = false
	b.cond.Broadcast()
}

// Stop asks the bridge to stop before its next read or write. A stop
// record is still written to the sink.
func (b *Bridge) Stop() {
	b.mu.Lock()
	b.stopping = true
	b.cond.Broadcast()
	b.mu.Unlock()

	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Wait blocks until the bridge has stopped and returns its fatal error
func (b *Bridge) Wait() error {
	<-b.done
	return b.err
}

// Done is closed once the bridge reaches StateStopped
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// ========================================
// STATUS
// ========================================

// IsPaused reports whether the bridge has been asked to pause
func (b *Bridge) IsPaused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// IsStopped reports whether the bridge reached StateStopped
func (b *Bridge) IsStopped() bool {
	return b.stopped.Load()
}

// IsRunning reports whether the bridge is reading and not paused
func (b *Bridge) IsRunning() bool {
	return b.State() == StateRunning
}

// State returns the current lifecycle state
func (b *Bridge) State() State {
	if b.stopped.Load() {
		return StateStopped
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.stopping:
		return StateStopping
	case !b.started:
		return StateCreated
	case b.paused:
		return StatePaused
	default:
		return StateRunning
	}
}

// LastTimestamp returns the timestamp of the last record written,
// 0 before the first one and types.INFINITE_TIME once the input is done
func (b *Bridge) LastTimestamp() uint64 {
	return b.lastTime.Load()
}

// NumWritten returns the number of non-stop records written
func (b *Bridge) NumWritten() int64 {
	return b.written.Load()
}

// NumSkipped returns the number of records discarded by the skip policy
func (b *Bridge) NumSkipped() int64 {
	return b.skipped.Load()
}

// Err returns the fatal error once the bridge has stopped
func (b *Bridge) Err() error {
	if !b.stopped.Load() {
		return nil
	}
	return b.err
}

// Stats returns a snapshot of the bridge's progress
func (b *Bridge) Stats() Stats {
	s := Stats{
		Name:          b.config.Name,
		State:         b.State().String(),
		FileIndex:     int(b.fileIndex.Load()),
		NumFiles:      len(b.config.Files),
		Written:       b.written.Load(),
		Skipped:       b.skipped.Load(),
		LastTimestamp: b.lastTime.Load(),
	}
	if err := b.Err(); err != nil {
		s.Error = err.Error()
	}
	return s
}
