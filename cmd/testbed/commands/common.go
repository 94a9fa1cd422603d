package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"

	"github.com/dglo/trigger-testbed-sub000/internal/runner"
	"github.com/dglo/trigger-testbed-sub000/internal/types"
)

// commandLogger adapts to types.Logger
type commandLogger struct {
	quiet bool
}

func (l *commandLogger) Printf(format string, v ...interface{}) {
	if !l.quiet {
		fmt.Fprintf(os.Stderr, format+"\n", v...)
	}
}

func (l *commandLogger) Println(v ...interface{}) {
	if !l.quiet {
		fmt.Fprintln(os.Stderr, v...)
	}
}

type globalFlags struct {
	verbose bool
	quiet   bool
	json    bool
}

func getGlobalFlags(cmd *cobra.Command) globalFlags {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	quiet, _ := cmd.Root().PersistentFlags().GetBool("quiet")
	asJSON, _ := cmd.Root().PersistentFlags().GetBool("json")
	return globalFlags{verbose: verbose, quiet: quiet, json: asJSON}
}

// componentLogger returns the logger handed to engine components: silent
// unless --verbose
func (g globalFlags) componentLogger() types.Logger {
	if g.verbose && !g.quiet {
		return &commandLogger{}
	}
	return types.NopLogger{}
}

// sourceFlags are shared by run and replay
type sourceFlags struct {
	configPath string
	specs      []string
	batchSize  int
	delay      time.Duration
	maxSkew    uint64
	pollPeriod time.Duration
}

func (sf *sourceFlags) register(f *flag.FlagSet) {
	f.StringVarP(&sf.configPath, "config", "c", "", "YAML run file")
	f.StringArrayVarP(&sf.specs, "source", "s", nil, "Source as name=file1,file2 (globs allowed, repeatable)")
	f.IntVar(&sf.batchSize, "batch", 0, "Records written between pacing delays (0 = no pacing)")
	f.DurationVar(&sf.delay, "delay", 0, "Pause after each batch")
	f.Uint64Var(&sf.maxSkew, "max-skew", 0, "Maximum timestamp spread between sources (0.1 ns units)")
	f.DurationVar(&sf.pollPeriod, "poll", 0, "Monitor poll period")
}

// load reads --config if given, then applies the changed source flags
func (sf *sourceFlags) load(f *flag.FlagSet) (*runner.Config, error) {
	cfg := runner.DefaultConfig()
	if sf.configPath != "" {
		loaded, err := runner.LoadConfig(sf.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if len(sf.specs) > 0 {
		sources, err := parseSources(sf.specs)
		if err != nil {
			return nil, err
		}
		cfg.Sources = sources
	}
	if f.Changed("batch") {
		cfg.BatchSize = sf.batchSize
	}
	if f.Changed("delay") {
		cfg.Delay = sf.delay
	}
	if f.Changed("max-skew") {
		cfg.Monitor.MaxSkew = sf.maxSkew
	}
	if f.Changed("poll") {
		cfg.Monitor.PollPeriod = sf.pollPeriod
	}
	return cfg, nil
}

// parseSource parses "name=file1,file2" or "file1,file2". Each file may be a
// glob pattern; matches are sorted.
func parseSource(spec string) (runner.SourceConfig, error) {
	var src runner.SourceConfig

	files := spec
	if name, rest, ok := strings.Cut(spec, "="); ok {
		src.Name = name
		files = rest
	}

	for _, pattern := range strings.Split(files, ",") {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return src, fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			// keep literal paths so a missing file is reported by the bridge
			matches = []string{pattern}
		}
		src.Files = append(src.Files, matches...)
	}

	if len(src.Files) == 0 {
		return src, fmt.Errorf("source %q has no files", spec)
	}
	return src, nil
}

func parseSources(specs []string) ([]runner.SourceConfig, error) {
	var sources []runner.SourceConfig
	for i, spec := range specs {
		src, err := parseSource(spec)
		if err != nil {
			return nil, err
		}
		if src.Name == "" {
			src.Name = fmt.Sprintf("src%02d", i)
		}
		sources = append(sources, src)
	}
	return sources, nil
}
