package runner

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/dglo/trigger-testbed-sub000/internal/bridge"
	"github.com/dglo/trigger-testbed-sub000/internal/framing"
	"github.com/dglo/trigger-testbed-sub000/internal/types"
)

// Merger is the built-in system under test: it interleaves every input in
// timestamp order and ends the output with a single stop record.
type Merger struct {
	inputs []<-chan []byte
	out    bridge.Sink

	merged atomic.Int64
	first  atomic.Uint64
	last   atomic.Uint64
}

// NewMerger merges inputs into out
func NewMerger(inputs []<-chan []byte, out bridge.Sink) *Merger {
	return &Merger{inputs: inputs, out: out}
}

// Run merges until every input has ended, then writes the stop record and
// closes the output. After a write error the inputs are drained so their
// producers can finish.
func (m *Merger) Run() error {
	heads := make([][]byte, len(m.inputs))
	live := make([]bool, len(m.inputs))

	pull := func(i int) {
		rec, ok := <-m.inputs[i]
		if !ok || framing.IsStop(rec) {
			live[i] = false
			heads[i] = nil
			return
		}
		heads[i] = rec
	}

	for i := range m.inputs {
		live[i] = true
		pull(i)
	}

	for {
		best := -1
		var bestTime uint64
		for i, rec := range heads {
			if !live[i] {
				continue
			}
			ts, _ := framing.Timestamp(rec)
			if best < 0 || ts < bestTime {
				best, bestTime = i, ts
			}
		}
		if best < 0 {
			break
		}

		if err := m.out.Write(heads[best]); err != nil {
			m.drain()
			m.out.Close()
			return fmt.Errorf("merger: %w", err)
		}
		m.track(bestTime)
		pull(best)
	}

	if err := m.out.Write(framing.EncodeStop()); err != nil {
		m.out.Close()
		return fmt.Errorf("merger: write stop: %w", err)
	}
	return m.out.Close()
}

func (m *Merger) track(ts uint64) {
	m.merged.Add(1)
	if !types.IsValidTime(ts) {
		return
	}
	m.first.CompareAndSwap(0, ts)
	if ts > m.last.Load() {
		m.last.Store(ts)
	}
}

func (m *Merger) drain() {
	for _, in := range m.inputs {
		for range in {
		}
	}
}

// Merged returns the number of records written
func (m *Merger) Merged() int64 {
	return m.merged.Load()
}

// Span returns the first and last valid timestamps written
func (m *Merger) Span() (first, last uint64) {
	return m.first.Load(), m.last.Load()
}

// ========================================
// EXTERNAL SYSTEM
// ========================================

// execSystem runs an external command, feeding it the merged stream on
// stdin and reading its output stream from stdout
type execSystem struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func startExec(ctx context.Context, argv []string, stderr io.Writer) (*execSystem, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty exec command", ErrInvalidConfig)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin of %s: %w", argv[0], err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout of %s: %w", argv[0], err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}
	return &execSystem{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// shutdown waits up to grace for the command to exit, then kills it. A
// command killed here is not an error.
func (e *execSystem) shutdown(grace time.Duration, kill context.CancelFunc) error {
	done := make(chan error, 1)
	go func() { done <- e.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		kill()
		<-done
		return nil
	}
}
