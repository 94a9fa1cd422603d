package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/dglo/trigger-testbed-sub000/internal/monitor"
)

// Progress renders monitor snapshots as a progress line. On a terminal the
// line is redrawn in place; otherwise a plain line is printed every Interval.
type Progress struct {
	out      io.Writer
	tty      bool
	total    int64
	width    int
	interval time.Duration

	mu        sync.Mutex
	startTime time.Time
	lastPrint time.Time
	last      *monitor.Snapshot
	printed   bool
}

// NewProgress writes to f, detecting whether it is a terminal. total is the
// expected number of records (0 if unknown).
func NewProgress(f *os.File, total int64) *Progress {
	return NewProgressWriter(f, term.IsTerminal(int(f.Fd())), total)
}

// NewProgressWriter writes to w in terminal or plain mode
func NewProgressWriter(w io.Writer, tty bool, total int64) *Progress {
	p := &Progress{
		out:       w,
		tty:       tty,
		total:     total,
		width:     40,
		interval:  5 * time.Second,
		startTime: time.Now(),
	}
	if tty {
		p.interval = 100 * time.Millisecond
	}
	return p
}

// SetInterval changes the minimum time between printed lines
func (p *Progress) SetInterval(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interval = d
}

// Update records a snapshot and prints it if the interval has passed
func (p *Progress) Update(s monitor.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.last = &s
	if p.printed && time.Since(p.lastPrint) < p.interval {
		return
	}
	p.print()
}

// Finish prints the last snapshot and ends the line
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.last != nil {
		p.print()
	}
	if p.tty && p.printed {
		fmt.Fprintf(p.out, "\n")
	}
}

func (p *Progress) print() {
	if p.last == nil {
		return
	}
	p.lastPrint = time.Now()
	p.printed = true

	line := p.render(*p.last)
	if p.tty {
		fmt.Fprintf(p.out, "\r%s ", line)
	} else {
		fmt.Fprintf(p.out, "%s\n", line)
	}
}

func (p *Progress) render(s monitor.Snapshot) string {
	written := s.Written()
	elapsed := time.Since(p.startTime)

	speed := 0.0
	if elapsed.Seconds() > 0 {
		speed = float64(written) / elapsed.Seconds()
	}

	var sb strings.Builder
	if p.total > 0 {
		filled := int(float64(p.width) * float64(written) / float64(p.total))
		if filled > p.width {
			filled = p.width
		}
		bar := strings.Repeat("█", filled) + strings.Repeat("░", p.width-filled)
		percent := float64(written) / float64(p.total) * 100
		fmt.Fprintf(&sb, "  [%s] %6.2f%% | %d/%d", bar, percent, written, p.total)
	} else {
		fmt.Fprintf(&sb, "  %d written", written)
	}
	fmt.Fprintf(&sb, " | %.1f/s", speed)

	if paused := s.NumPaused(); paused > 0 {
		fmt.Fprintf(&sb, " | %d paused", paused)
	}
	if s.Skew > 0 {
		fmt.Fprintf(&sb, " | skew %.3fs", float64(s.Skew)/1e10)
	}
	if c := s.Consumer; c != nil {
		fmt.Fprintf(&sb, " | out %d", c.Received)
		if c.Failures > 0 {
			fmt.Fprintf(&sb, " ✗ %d", c.Failures)
		}
	}
	return sb.String()
}
