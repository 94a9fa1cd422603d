package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dglo/trigger-testbed-sub000/cmd/testbed/ui"
	"github.com/dglo/trigger-testbed-sub000/internal/metrics"
	"github.com/dglo/trigger-testbed-sub000/internal/monitor"
	"github.com/dglo/trigger-testbed-sub000/internal/runner"
	"github.com/dglo/trigger-testbed-sub000/server"
)

var errRunFailed = errors.New("run finished with problems")

type runOptions struct {
	sourceFlags

	name      string
	refDir    string
	reference string
	execCmd   string

	queueSize int

	highWater     int
	maxFailures   int64
	maxIterations int
	printEvery    int
	snapshotPath  string

	maxDumps   int
	noMerge    bool
	noProgress bool
	httpAddr   string
}

func NewRunCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replay sources through the system under test and record or compare its output",
		Long: `Replay sources through the system under test and record or compare its output

Each source is an ordered list of framed payload files (optionally .gz or
.zst compressed). The sources are replayed concurrently, kept within
--max-skew of each other, merged by the system under test and consumed.
If the reference file for this run exists the output is compared against
it, otherwise the output is recorded as the new reference.

Flags override values from --config.`,

		Example: `  # Two sources with the built-in time-ordered merger
  testbed run --name sim --source inice=data/ii-*.dat --source icetop=data/it.dat.zst

  # Run file with an external system under test and live status
  testbed run --config sim.yaml --exec "./trigger --stdio" --http :8080`,

		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildRunConfig(cmd, opts)
			if err != nil {
				return err
			}
			return runTestbed(cmd, cfg, opts)
		},
	}

	f := cmd.Flags()
	opts.register(f)
	f.StringVar(&opts.name, "name", "", "Run name used to derive the reference file")
	f.StringVar(&opts.refDir, "ref-dir", "", "Directory holding reference files")
	f.StringVar(&opts.reference, "reference", "", "Explicit reference file path")
	f.StringVar(&opts.execCmd, "exec", "", "External system under test (reads stdin, writes stdout)")

	f.IntVar(&opts.queueSize, "queue", 0, "Per-source and consumer queue size")

	f.IntVar(&opts.highWater, "high-water", 0, "Consumer queue depth that pauses its reader")
	f.Int64Var(&opts.maxFailures, "max-failures", 0, "Force-stop after this many comparison failures (-1 = never)")
	f.IntVar(&opts.maxIterations, "iterations", 0, "Stop after this many monitor polls (0 = unlimited)")
	f.IntVar(&opts.printEvery, "print-every", 0, "Log a status line every N polls")
	f.StringVar(&opts.snapshotPath, "snapshots", "", "Append monitor snapshots to this file (.jsonl for JSON)")

	f.IntVar(&opts.maxDumps, "max-dumps", 0, "Maximum mismatch trees to log")
	f.BoolVar(&opts.noMerge, "no-merge", false, "Do not merge in-ice/icetop global readout elements before comparing")
	f.BoolVar(&opts.noProgress, "no-progress", false, "Disable the progress line")
	f.StringVar(&opts.httpAddr, "http", "", "Serve /status, /metrics and /ws on this address")

	return cmd
}

// buildRunConfig loads --config if given and applies every changed flag
func buildRunConfig(cmd *cobra.Command, opts *runOptions) (*runner.Config, error) {
	f := cmd.Flags()
	cfg, err := opts.load(f)
	if err != nil {
		return nil, err
	}

	if f.Changed("name") {
		cfg.Name = opts.name
	}
	if f.Changed("ref-dir") {
		cfg.ReferenceDir = opts.refDir
	}
	if f.Changed("reference") {
		cfg.Reference = opts.reference
	}
	if f.Changed("exec") {
		cfg.Exec = strings.Fields(opts.execCmd)
	}
	if f.Changed("queue") {
		cfg.QueueSize = opts.queueSize
	}
	if f.Changed("high-water") {
		cfg.Monitor.HighWater = opts.highWater
	}
	if f.Changed("max-failures") {
		cfg.Monitor.MaxFailures = opts.maxFailures
	}
	if f.Changed("iterations") {
		cfg.Monitor.MaxIterations = opts.maxIterations
	}
	if f.Changed("print-every") {
		cfg.Monitor.PrintEvery = opts.printEvery
	}
	if f.Changed("snapshots") {
		cfg.Monitor.SnapshotPath = opts.snapshotPath
	}
	if f.Changed("max-dumps") {
		cfg.MaxDumps = opts.maxDumps
	}
	if f.Changed("no-merge") {
		cfg.NoMerge = opts.noMerge
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runTestbed(cmd *cobra.Command, cfg *runner.Config, opts *runOptions) error {
	g := getGlobalFlags(cmd)
	logger := &commandLogger{quiet: g.quiet}
	cfg.Logger = g.componentLogger()

	m := metrics.New()

	var srv *server.Server
	if opts.httpAddr != "" {
		srv = server.New(&server.Config{
			Addr:            opts.httpAddr,
			RunName:         cfg.Name,
			EnableWebSocket: true,
			Metrics:         m.Handler(),
			Version:         GetVersion(),
		})
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("HTTP server failed: %v", err)
			}
		}()
		logger.Printf("Serving status on http://%s", opts.httpAddr)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	var progress *ui.Progress
	if !g.quiet && !g.verbose && !opts.noProgress {
		progress = ui.NewProgress(os.Stderr, 0)
	}

	cfg.OnSnapshot = func(s monitor.Snapshot) {
		m.Observe(s)
		if srv != nil {
			srv.Publish(s)
		}
		if progress != nil {
			progress.Update(s)
		}
	}

	report, err := runner.Run(cmd.Context(), cfg)
	if progress != nil {
		progress.Finish()
	}
	if err != nil {
		return err
	}

	m.ObserveResult(report.Consumer.Result)
	if srv != nil {
		srv.SetReport(report)
	}

	if g.json {
		data, err := report.JSON()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
	} else {
		report.Print(cmd.OutOrStdout())
	}

	if !report.OK() {
		return errRunFailed
	}
	return nil
}
