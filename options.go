package testbed

import (
	"time"

	"github.com/dglo/trigger-testbed-sub000/internal/types"
)

// Option configures a Testbed
type Option func(*Config)

// WithName sets the run name used to derive the reference file
func WithName(name string) Option {
	return func(c *Config) {
		c.Name = name
	}
}

// WithSource adds a source replaying files in order
func WithSource(name string, files ...string) Option {
	return func(c *Config) {
		c.Sources = append(c.Sources, SourceConfig{Name: name, Files: files})
	}
}

// WithReferenceDir sets the directory holding reference files
func WithReferenceDir(dir string) Option {
	return func(c *Config) {
		c.ReferenceDir = dir
	}
}

// WithReference sets an explicit reference file
func WithReference(path string) Option {
	return func(c *Config) {
		c.Reference = path
	}
}

// WithExec runs an external system under test
func WithExec(argv ...string) Option {
	return func(c *Config) {
		c.Exec = argv
	}
}

// WithPacing pauses for delay after every batch records
func WithPacing(batch int, delay time.Duration) Option {
	return func(c *Config) {
		c.BatchSize = batch
		c.Delay = delay
	}
}

// WithMaxSkew sets the largest allowed timestamp spread between sources
func WithMaxSkew(skew uint64) Option {
	return func(c *Config) {
		c.Monitor.MaxSkew = skew
	}
}

// WithHighWater sets the consumer queue depth that pauses its reader
func WithHighWater(n int) Option {
	return func(c *Config) {
		c.Monitor.HighWater = n
	}
}

// WithMaxFailures force-stops the run after n comparison failures; a
// negative n disables the limit
func WithMaxFailures(n int64) Option {
	return func(c *Config) {
		c.Monitor.MaxFailures = n
	}
}

// WithPollPeriod sets the monitor poll period
func WithPollPeriod(d time.Duration) Option {
	return func(c *Config) {
		c.Monitor.PollPeriod = d
	}
}

// WithSnapshotHandler is called with every monitor snapshot
func WithSnapshotHandler(fn func(Snapshot)) Option {
	return func(c *Config) {
		c.OnSnapshot = fn
	}
}

// WithoutElementMerge compares readout elements exactly as recorded
func WithoutElementMerge() Option {
	return func(c *Config) {
		c.NoMerge = true
	}
}

// WithLogger sets a custom logger
func WithLogger(logger Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// Logger interface
type Logger = types.Logger
