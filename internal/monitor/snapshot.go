package monitor

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// SourceStatus is one bridge as seen by a poll
type SourceStatus struct {
	Name          string `json:"name"`
	LastTimestamp uint64 `json:"last_timestamp"`
	Written       int64  `json:"written"`
	Skipped       int64  `json:"skipped"`
	Paused        bool   `json:"paused"`
	Stopped       bool   `json:"stopped"`
}

// ConsumerStatus is the consumer as seen by a poll
type ConsumerStatus struct {
	Received     int64 `json:"received"`
	Processed    int64 `json:"processed"`
	InputDepth   int   `json:"input_depth"`
	OutputDepth  int   `json:"output_depth"`
	Failures     int64 `json:"failures"`
	ReaderPaused bool  `json:"reader_paused"`
	Stopped      bool  `json:"stopped"`
}

// Snapshot is the statically typed result of one poll
type Snapshot struct {
	RunID     string    `json:"run_id,omitempty"`
	Iteration int       `json:"iteration"`
	Time      time.Time `json:"time"`

	Sources  []SourceStatus  `json:"sources"`
	Consumer *ConsumerStatus `json:"consumer,omitempty"`

	// Earliest/Latest span the valid timestamps of live sources
	Earliest uint64 `json:"earliest"`
	Latest   uint64 `json:"latest"`
	Skew     uint64 `json:"skew"`

	NumStatic  int   `json:"num_static"`
	NumStopped int   `json:"num_stopped"`
	Pauses     int64 `json:"pauses"`
	Unpauses   int64 `json:"unpauses"`
	Forced     bool  `json:"forced"`
}

// Written sums records written by every source
func (s Snapshot) Written() int64 {
	var total int64
	for _, src := range s.Sources {
		total += src.Written
	}
	return total
}

// NumPaused counts paused sources
func (s Snapshot) NumPaused() int {
	n := 0
	for _, src := range s.Sources {
		if src.Paused && !src.Stopped {
			n++
		}
	}
	return n
}

// NumStoppedSources counts sources that reached the end of their input
func (s Snapshot) NumStoppedSources() int {
	n := 0
	for _, src := range s.Sources {
		if src.Stopped {
			n++
		}
	}
	return n
}

// Line renders a one-line human progress summary
func (s Snapshot) Line() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "#%d written %d", s.Iteration, s.Written())
	fmt.Fprintf(&sb, " | sources %d/%d stopped, %d paused", s.NumStoppedSources(), len(s.Sources), s.NumPaused())
	if s.Skew > 0 {
		fmt.Fprintf(&sb, " | skew %d", s.Skew)
	}
	if c := s.Consumer; c != nil {
		fmt.Fprintf(&sb, " | consumer %d/%d q %d/%d", c.Processed, c.Received, c.InputDepth, c.OutputDepth)
		if c.Failures > 0 {
			fmt.Fprintf(&sb, " ✗ %d", c.Failures)
		}
	}
	if s.NumStatic > 0 {
		fmt.Fprintf(&sb, " | static %d", s.NumStatic)
	}
	if s.Forced {
		sb.WriteString(" | FORCED")
	}
	return sb.String()
}

// ========================================
// SNAPSHOT SINKS
// ========================================

// SnapshotWriter receives periodic snapshots
type SnapshotWriter interface {
	WriteSnapshot(Snapshot) error
}

// TextSink appends one human-readable block per snapshot
type TextSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTextSink writes to w
func NewTextSink(w io.Writer) *TextSink {
	return &TextSink{w: w}
}

func (t *TextSink) WriteSnapshot(s Snapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", s.Time.Format(time.RFC3339), s.Line())
	for _, src := range s.Sources {
		state := "running"
		switch {
		case src.Stopped:
			state = "stopped"
		case src.Paused:
			state = "paused"
		}
		fmt.Fprintf(&sb, "    %-16s %-8s written %-10d last %d\n", src.Name, state, src.Written, src.LastTimestamp)
	}

	_, err := io.WriteString(t.w, sb.String())
	return err
}

// JSONSink appends one JSON object per line
type JSONSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONSink writes JSON lines to w
func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{enc: json.NewEncoder(w)}
}

func (j *JSONSink) WriteSnapshot(s Snapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(s)
}
