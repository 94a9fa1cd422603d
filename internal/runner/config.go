package runner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dglo/trigger-testbed-sub000/internal/monitor"
	"github.com/dglo/trigger-testbed-sub000/internal/types"
)

// ErrInvalidConfig marks a run configuration that cannot be executed
var ErrInvalidConfig = errors.New("invalid run configuration")

// SourceConfig is one replayed input
type SourceConfig struct {
	Name  string   `yaml:"name"`
	Files []string `yaml:"files"`
	Skip  int      `yaml:"skip"`
	Max   int      `yaml:"max"`
}

// MonitorConfig holds flow-control thresholds
type MonitorConfig struct {
	PollPeriod       time.Duration `yaml:"poll_period"`
	MaxSkew          uint64        `yaml:"max_skew"`
	HighWater        int           `yaml:"high_water"`
	MaxFailures      int64         `yaml:"max_failures"`
	StaticThreshold  int           `yaml:"static_threshold"`
	StoppedThreshold int           `yaml:"stopped_threshold"`
	MaxIterations    int           `yaml:"max_iterations"`
	PrintEvery       int           `yaml:"print_every"`
	SnapshotEvery    int           `yaml:"snapshot_every"`
	// SnapshotPath appends snapshots to a file; ".json"/".jsonl" selects JSON lines
	SnapshotPath string `yaml:"snapshot_path"`
}

// Config describes one testbed run
type Config struct {
	Name    string         `yaml:"name"`
	Sources []SourceConfig `yaml:"sources"`

	// BatchSize records are written between Delay pauses
	BatchSize int           `yaml:"batch_size"`
	Delay     time.Duration `yaml:"delay"`
	QueueSize int           `yaml:"queue_size"`

	Monitor MonitorConfig `yaml:"monitor"`

	// Reference overrides the computed reference path
	Reference    string `yaml:"reference"`
	ReferenceDir string `yaml:"reference_dir"`

	// Exec runs an external system under test instead of the built-in merger
	Exec []string `yaml:"exec"`

	MaxDumps int  `yaml:"max_dumps"`
	NoMerge  bool `yaml:"no_merge"`

	Logger     types.Logger          `yaml:"-"`
	OnSnapshot func(monitor.Snapshot) `yaml:"-"`
}

// DefaultConfig returns a run configuration with default thresholds and no
// sources
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads a YAML run file. Relative file paths are resolved
// against the run file's directory.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	base := filepath.Dir(path)
	for i := range cfg.Sources {
		for j, f := range cfg.Sources[i].Files {
			cfg.Sources[i].Files[j] = resolve(base, f)
		}
	}
	if cfg.Reference != "" {
		cfg.Reference = resolve(base, cfg.Reference)
	}
	if cfg.ReferenceDir != "" {
		cfg.ReferenceDir = resolve(base, cfg.ReferenceDir)
	}
	if cfg.Monitor.SnapshotPath != "" {
		cfg.Monitor.SnapshotPath = resolve(base, cfg.Monitor.SnapshotPath)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func resolve(base, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "testbed"
	}
	if c.QueueSize == 0 {
		c.QueueSize = types.DEFAULT_QUEUE_SIZE
	}
	if c.ReferenceDir == "" {
		c.ReferenceDir = "."
	}
	if c.MaxDumps == 0 {
		c.MaxDumps = 10
	}

	m := &c.Monitor
	def := monitor.DefaultConfig()
	if m.PollPeriod == 0 {
		m.PollPeriod = def.PollPeriod
	}
	if m.MaxSkew == 0 {
		m.MaxSkew = def.MaxSkew
	}
	if m.HighWater == 0 {
		m.HighWater = def.HighWater
	}
	if m.MaxFailures == 0 {
		m.MaxFailures = def.MaxFailures
	}
	if m.StaticThreshold == 0 {
		m.StaticThreshold = def.StaticThreshold
	}
	if m.StoppedThreshold == 0 {
		m.StoppedThreshold = def.StoppedThreshold
	}
	if m.SnapshotPath != "" && m.SnapshotEvery == 0 {
		m.SnapshotEvery = 10
	}

	for i := range c.Sources {
		if c.Sources[i].Name == "" {
			c.Sources[i].Name = fmt.Sprintf("src%02d", i)
		}
	}
}

// Validate checks that the run can be executed
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("%w: at least one source is required", ErrInvalidConfig)
	}

	names := make(map[string]bool)
	for i, src := range c.Sources {
		if len(src.Files) == 0 {
			return fmt.Errorf("%w: source %d (%s) has no files", ErrInvalidConfig, i, src.Name)
		}
		if names[src.Name] {
			return fmt.Errorf("%w: duplicate source name %q", ErrInvalidConfig, src.Name)
		}
		names[src.Name] = true
		if src.Skip < 0 || src.Max < 0 {
			return fmt.Errorf("%w: source %s: skip and max must not be negative", ErrInvalidConfig, src.Name)
		}
	}

	if c.BatchSize > 0 && c.Delay < 0 {
		return fmt.Errorf("%w: delay must not be negative", ErrInvalidConfig)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("%w: queue_size must not be negative", ErrInvalidConfig)
	}
	if c.Monitor.PollPeriod < 0 {
		return fmt.Errorf("%w: monitor.poll_period must not be negative", ErrInvalidConfig)
	}
	if c.Monitor.MaxIterations < 0 {
		return fmt.Errorf("%w: monitor.max_iterations must not be negative", ErrInvalidConfig)
	}
	return nil
}

// ReferencePath derives the reference file name from the run name and the
// number of sources
func ReferencePath(dir, name string, numSources int) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%dsrc%s", name, numSources, types.REFERENCE_SUFFIX))
}

// ReferencePath returns the explicit reference path or the computed one
func (c *Config) ReferencePath() string {
	if c.Reference != "" {
		return c.Reference
	}
	return ReferencePath(c.ReferenceDir, c.Name, len(c.Sources))
}
