// Package testbed replays recorded payload files through a system under
// test, keeps the replayed sources within a bounded time skew, and records
// the output or verifies it against a reference recording.
package testbed

import (
	"context"

	"github.com/dglo/trigger-testbed-sub000/internal/compare"
	"github.com/dglo/trigger-testbed-sub000/internal/consumer"
	"github.com/dglo/trigger-testbed-sub000/internal/monitor"
	"github.com/dglo/trigger-testbed-sub000/internal/payload"
	"github.com/dglo/trigger-testbed-sub000/internal/runner"
)

// Re-export commonly used types for convenience
type (
	Config        = runner.Config
	SourceConfig  = runner.SourceConfig
	MonitorConfig = runner.MonitorConfig
	Report        = runner.Report
	Snapshot      = monitor.Snapshot
	Result        = consumer.Result

	Payload        = payload.Payload
	Hit            = payload.Hit
	TriggerRequest = payload.TriggerRequest
	Mismatch       = compare.Mismatch
)

// Re-export constants
const (
	ModeRecording  = consumer.ModeRecording
	ModeComparison = consumer.ModeComparison
)

// ErrInvalidConfig marks a run that cannot be executed
var ErrInvalidConfig = runner.ErrInvalidConfig

// DefaultConfig returns a run configuration with default thresholds
func DefaultConfig() *Config {
	return runner.DefaultConfig()
}

// LoadConfig reads a YAML run file (convenience wrapper)
func LoadConfig(path string) (*Config, error) {
	return runner.LoadConfig(path)
}

// Run executes one run (convenience wrapper)
func Run(ctx context.Context, cfg *Config) (*Report, error) {
	return runner.Run(ctx, cfg)
}

// Testbed provides a high-level API for configuring and executing runs
type Testbed struct {
	cfg *Config
}

// New creates a Testbed from options
func New(opts ...Option) *Testbed {
	cfg := runner.DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &Testbed{cfg: cfg}
}

// Config returns the assembled configuration
func (tb *Testbed) Config() *Config {
	return tb.cfg
}

// ReferencePath returns the file the run records to or compares against
func (tb *Testbed) ReferencePath() string {
	return tb.cfg.ReferencePath()
}

// Run executes the configured run
func (tb *Testbed) Run(ctx context.Context) (*Report, error) {
	return runner.Run(ctx, tb.cfg)
}

// Compare compares two decoded payloads with the default comparator
// settings; nil means equivalent
func Compare(expected, actual Payload) *Mismatch {
	return compare.New(compare.DefaultConfig()).Compare(expected, actual)
}
