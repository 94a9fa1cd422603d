package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dglo/trigger-testbed-sub000/cmd/testbed/ui"
	"github.com/dglo/trigger-testbed-sub000/internal/bridge"
	"github.com/dglo/trigger-testbed-sub000/internal/monitor"
	"github.com/dglo/trigger-testbed-sub000/internal/runner"
	"github.com/dglo/trigger-testbed-sub000/internal/types"
)

func NewReplayCommand() *cobra.Command {
	var (
		sf       sourceFlags
		outDir   string
		compress string
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-pace sources into per-source output files",
		Long: `Re-pace sources into per-source output files

Every source is replayed into <out>/<name>.dat (plus the compression
suffix) under the same skew control as a full run, without a system
under test or consumer. Each output ends with a stop record.`,

		Example: `  # Re-pace two archives in batches of 1000 records
  testbed replay --source a=a.dat.gz --source b=b.dat --out paced --batch 1000 --delay 10ms`,

		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g := getGlobalFlags(cmd)
			logger := &commandLogger{quiet: g.quiet}

			cfg, err := sf.load(cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			suffix, err := compressionSuffix(compress)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0755); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}

			bridges, err := replayBridges(cfg, outDir, suffix, g.componentLogger())
			if err != nil {
				return err
			}
			sources := make([]monitor.Source, len(bridges))
			for i, b := range bridges {
				sources[i] = b
			}

			var progress *ui.Progress
			if !g.quiet && !g.verbose {
				progress = ui.NewProgress(os.Stderr, 0)
			}

			mon := monitor.New(sources, nil, &monitor.Config{
				PollPeriod:       cfg.Monitor.PollPeriod,
				MaxSkew:          cfg.Monitor.MaxSkew,
				StoppedThreshold: cfg.Monitor.StoppedThreshold,
				StaticThreshold:  cfg.Monitor.StaticThreshold,
				MaxFailures:      -1,
				OnSnapshot: func(s monitor.Snapshot) {
					if progress != nil {
						progress.Update(s)
					}
				},
				RunID:  runner.NewRunID(),
				Logger: g.componentLogger(),
			})

			start := time.Now()
			for _, b := range bridges {
				b.Start()
			}
			outcome, _ := mon.Run(cmd.Context(), cfg.Monitor.MaxIterations)
			for _, b := range bridges {
				b.Stop()
			}
			if progress != nil {
				progress.Finish()
			}

			var failed bool
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Replay (%s, %s)\n", outcome, time.Since(start).Round(time.Millisecond))
			fmt.Fprintf(w, "══════\n\n")
			for _, b := range bridges {
				err := b.Wait()
				st := b.Stats()
				mark := "✓"
				if err != nil {
					mark = "✗"
					failed = true
				}
				fmt.Fprintf(w, "  %s %-16s %10s written %8s skipped\n",
					mark, st.Name, runner.FormatNumber(st.Written), runner.FormatNumber(st.Skipped))
				if err != nil {
					logger.Printf("  %s: %v", st.Name, err)
				}
			}
			fmt.Fprintf(w, "\n  Output: %s\n", outDir)

			if failed {
				return fmt.Errorf("replay failed")
			}
			return nil
		},
	}

	f := cmd.Flags()
	sf.register(f)
	f.StringVarP(&outDir, "out", "o", ".", "Output directory")
	f.StringVar(&compress, "compress", "none", "Output compression: none, gz or zst")

	return cmd
}

// replayBridges creates one file-backed bridge per source. On failure every
// sink already created is closed, leaving complete (empty) output files.
func replayBridges(cfg *runner.Config, outDir, suffix string, logger types.Logger) ([]*bridge.Bridge, error) {
	var sinks []bridge.Sink
	closeAll := func() {
		for _, sink := range sinks {
			sink.Close()
		}
	}

	bridges := make([]*bridge.Bridge, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		path := filepath.Join(outDir, src.Name+types.REFERENCE_SUFFIX+suffix)
		sink, err := bridge.NewFileSink(path)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}
		sinks = append(sinks, sink)

		b, err := bridge.New(bridge.Config{
			Name:       src.Name,
			Files:      src.Files,
			NumToSkip:  src.Skip,
			MaxToWrite: src.Max,
			BatchSize:  cfg.BatchSize,
			Delay:      cfg.Delay,
			Logger:     logger,
		}, sink)
		if err != nil {
			closeAll()
			return nil, err
		}
		bridges = append(bridges, b)
	}
	return bridges, nil
}

func compressionSuffix(name string) (string, error) {
	switch name {
	case "", "none":
		return "", nil
	case "gz", "gzip":
		return ".gz", nil
	case "zst", "zstd":
		return ".zst", nil
	default:
		return "", fmt.Errorf("unknown compression %q (use none, gz or zst)", name)
	}
}
