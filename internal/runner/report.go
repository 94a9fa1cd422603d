package runner

import (
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"

	"github.com/dglo/trigger-testbed-sub000/internal/bridge"
	"github.com/dglo/trigger-testbed-sub000/internal/consumer"
	"github.com/dglo/trigger-testbed-sub000/internal/monitor"
)

// ticksPerSecond converts record timestamps (0.1 ns) to seconds
const ticksPerSecond = 1e10

// Report is the final summary of a run
type Report struct {
	RunID     string `json:"run_id"`
	Name      string `json:"name"`
	Mode      string `json:"mode"`
	Reference string `json:"reference"`

	Started time.Time     `json:"started"`
	Elapsed time.Duration `json:"elapsed_ns"`

	// FirstTime/LastTime span the timestamps passed to the system under test
	FirstTime uint64 `json:"first_time"`
	LastTime  uint64 `json:"last_time"`
	Merged    int64  `json:"merged"`

	Outcome string `json:"outcome"`
	Forced  bool   `json:"forced"`

	Sources  []bridge.Stats `json:"sources"`
	Consumer consumer.Stats `json:"consumer"`
	Errors   []string       `json:"errors,omitempty"`
}

func (r *Report) addError(err error) {
	r.Errors = append(r.Errors, err.Error())
}

// LogicalSpan returns the covered record time in seconds
func (r *Report) LogicalSpan() float64 {
	if r.LastTime <= r.FirstTime {
		return 0
	}
	return float64(r.LastTime-r.FirstTime) / ticksPerSecond
}

// Written sums the records written by every source
func (r *Report) Written() int64 {
	var total int64
	for _, s := range r.Sources {
		total += s.Written
	}
	return total
}

// OK reports whether the run finished cleanly with no differences
func (r *Report) OK() bool {
	res := r.Consumer.Result
	return len(r.Errors) == 0 &&
		!r.Forced &&
		r.Outcome != monitor.OutcomeStatic.String() &&
		r.Outcome != monitor.OutcomeCancelled.String() &&
		res.Missed == 0 && res.Extra == 0 && res.Failed == 0
}

// Summary returns a one-line result
func (r *Report) Summary() string {
	res := r.Consumer.Result
	if r.Mode == consumer.ModeRecording {
		return fmt.Sprintf("%s, %d written, %d recorded, outcome %s", r.Mode, r.Written(), res.Recorded, r.Outcome)
	}
	return fmt.Sprintf("%s, %d written, %d matched, %d missed, %d extra, %d failed, outcome %s",
		r.Mode, r.Written(), res.Matched, res.Missed, res.Extra, res.Failed, r.Outcome)
}

// JSON renders the report as indented JSON
func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Print writes a human-readable report
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Testbed Report\n")
	fmt.Fprintf(w, "══════════════\n\n")

	fmt.Fprintf(w, "  Run:          %s\n", r.RunID)
	fmt.Fprintf(w, "  Name:         %s\n", r.Name)
	fmt.Fprintf(w, "  Mode:         %s\n", r.Mode)
	fmt.Fprintf(w, "  Reference:    %s\n", r.Reference)
	fmt.Fprintf(w, "  Outcome:      %s\n", r.Outcome)
	if r.Forced {
		fmt.Fprintf(w, "  Forced stop:  \033[31myes ✗\033[0m\n")
	}
	fmt.Fprintf(w, "  Elapsed:      %s\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  Logical span: %.3fs (%d - %d)\n", r.LogicalSpan(), r.FirstTime, r.LastTime)

	fmt.Fprintf(w, "\nSources\n───────\n")
	for _, s := range r.Sources {
		fmt.Fprintf(w, "  %-16s %8d written %6d skipped  %s\n", s.Name, s.Written, s.Skipped, s.State)
	}

	c := r.Consumer
	fmt.Fprintf(w, "\nConsumer\n────────\n")
	fmt.Fprintf(w, "  Received:      %d\n", c.Received)
	fmt.Fprintf(w, "  Decode errors: %s\n", FormatCount(c.DecodeErrors))
	if r.Mode == consumer.ModeRecording {
		fmt.Fprintf(w, "  Recorded:      %d\n", c.Result.Recorded)
	} else {
		fmt.Fprintf(w, "  Matched:       %d\n", c.Result.Matched)
		fmt.Fprintf(w, "  Missed:        %s\n", FormatCount(c.Result.Missed))
		fmt.Fprintf(w, "  Extra:         %s\n", FormatCount(c.Result.Extra))
		fmt.Fprintf(w, "  Failed:        %s\n", FormatCountCritical(c.Result.Failed))
	}

	if len(r.Errors) > 0 {
		fmt.Fprintf(w, "\nErrors\n──────\n")
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}

	fmt.Fprintf(w, "\n")
	switch {
	case r.OK() && r.Mode == consumer.ModeRecording:
		fmt.Fprintf(w, "✓ Reference recorded\n")
	case r.OK():
		fmt.Fprintf(w, "✓ Output matches reference\n")
	default:
		fmt.Fprintf(w, "✗ Run has problems\n")
	}
}

// FormatNumber formats a count with thousand separators
func FormatNumber(n int64) string {
	s := fmt.Sprintf("%d", n)
	start := 0
	if n < 0 {
		start = 1
	}

	result := []byte(s[:start])
	digits := s[start:]
	for i := 0; i < len(digits); i++ {
		if i > 0 && (len(digits)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, digits[i])
	}
	return string(result)
}

// FormatCount renders a count that should be zero as a warning
func FormatCount(count int64) string {
	if count == 0 {
		return "\033[32m0 ✓\033[0m"
	}
	return fmt.Sprintf("\033[33m%s ⚠️\033[0m", FormatNumber(count))
}

// FormatCountCritical renders a count that should be zero as an error
func FormatCountCritical(count int64) string {
	if count == 0 {
		return "\033[32m0 ✓\033[0m"
	}
	return fmt.Sprintf("\033[31m%s ✗\033[0m", FormatNumber(count))
}
