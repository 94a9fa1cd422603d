// Package runner wires bridges, the system under test, the consumer and the
// flow monitor into one testbed run and produces its final report.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dglo/trigger-testbed-sub000/internal/bridge"
	"github.com/dglo/trigger-testbed-sub000/internal/compare"
	"github.com/dglo/trigger-testbed-sub000/internal/consumer"
	"github.com/dglo/trigger-testbed-sub000/internal/monitor"
	"github.com/dglo/trigger-testbed-sub000/internal/storage"
	"github.com/dglo/trigger-testbed-sub000/internal/types"
)

var errConsumerDone = errors.New("consumer finished")

// execGrace is how long an external system may take to exit after its
// output is closed
const execGrace = 5 * time.Second

// NewRunID returns a time-ordered run identifier
func NewRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Run executes one testbed run. Setup problems are returned as errors; once
// the pipeline has started a Report is always returned and failures are
// listed in it.
func Run(ctx context.Context, cfg *Config) (*Report, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := types.OrNop(cfg.Logger)
	report := &Report{
		RunID:     NewRunID(),
		Name:      cfg.Name,
		Reference: cfg.ReferencePath(),
		Started:   time.Now(),
	}

	handler, err := openHandler(cfg, report.Reference, logger)
	if err != nil {
		return nil, err
	}
	report.Mode = handler.Result().Mode

	// bridges
	bridges := make([]*bridge.Bridge, len(cfg.Sources))
	inputs := make([]<-chan []byte, len(cfg.Sources))
	for i, src := range cfg.Sources {
		sink := bridge.NewChannelSink(cfg.QueueSize)
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
			handler.Finish()
			return nil, err
		}
		bridges[i] = b
		inputs[i] = sink.C()
	}

	// system under test
	var (
		mergeOut   bridge.Sink
		output     io.Reader
		closeInput func()
		ext        *execSystem
	)
	sysCtx, cancelSys := context.WithCancel(ctx)
	defer cancelSys()

	if len(cfg.Exec) > 0 {
		ext, err = startExec(sysCtx, cfg.Exec, os.Stderr)
		if err != nil {
			handler.Finish()
			return nil, err
		}
		logger.Printf("[Runner] Started %s", strings.Join(cfg.Exec, " "))
		mergeOut = bridge.NewWriterSink(ext.stdin)
		output = ext.stdout
		closeInput = func() { ext.stdout.Close() }
	} else {
		sink, pr := bridge.NewPipeSink()
		mergeOut = sink
		output = pr
		closeInput = func() { pr.CloseWithError(errConsumerDone) }
	}
	merger := NewMerger(inputs, mergeOut)

	cons := consumer.New(output, handler, &consumer.Config{
		Name:      "consumer",
		QueueSize: cfg.QueueSize,
		Logger:    logger,
	})

	// monitor
	mcfg := &monitor.Config{
		PollPeriod:       cfg.Monitor.PollPeriod,
		MaxSkew:          cfg.Monitor.MaxSkew,
		HighWater:        effectiveHighWater(cfg.Monitor.HighWater, cfg.QueueSize, logger),
		MaxFailures:      cfg.Monitor.MaxFailures,
		StaticThreshold:  cfg.Monitor.StaticThreshold,
		StoppedThreshold: cfg.Monitor.StoppedThreshold,
		PrintEvery:       cfg.Monitor.PrintEvery,
		SnapshotEvery:    cfg.Monitor.SnapshotEvery,
		OnSnapshot:       cfg.OnSnapshot,
		RunID:            report.RunID,
		Logger:           logger,
	}
	if cfg.Monitor.SnapshotPath != "" {
		f, err := openSnapshotFile(cfg.Monitor.SnapshotPath)
		if err != nil {
			logger.Printf("[Runner] ⚠️  Snapshots disabled: %v", err)
		} else {
			defer f.Close()
			mcfg.SnapshotSink = snapshotSink(cfg.Monitor.SnapshotPath, f)
		}
	}

	sources := make([]monitor.Source, len(bridges))
	for i, b := range bridges {
		sources[i] = b
	}
	mon := monitor.New(sources, cons, mcfg)

	logger.Printf("[Runner] Run %s: %d sources, %s mode (%s)",
		report.RunID, len(bridges), report.Mode, report.Reference)

	// start everything
	for _, b := range bridges {
		b.Start()
	}

	mergeErr := make(chan error, 1)
	go func() { mergeErr <- merger.Run() }()

	consErr := make(chan error, 1)
	go func() { consErr <- cons.Run(ctx) }()

	type monResult struct {
		outcome monitor.Outcome
		err     error
	}
	monCh := make(chan monResult, 1)
	go func() {
		outcome, err := mon.Run(ctx, cfg.Monitor.MaxIterations)
		monCh <- monResult{outcome, err}
	}()

	var consumerErr error
	var outcome monitor.Outcome

	select {
	case consumerErr = <-consErr:
		closeInput()
		if consumerErr != nil {
			stopAll(bridges)
		}
		outcome = (<-monCh).outcome

	case res := <-monCh:
		outcome = res.outcome
		stopAll(bridges)
		cons.ForceStop()
		consumerErr = <-consErr
		closeInput()
	}

	report.Outcome = outcome.String()
	report.Forced = mon.Forced()

	if ext != nil {
		if err := ext.shutdown(execGrace, cancelSys); err != nil {
			report.addError(fmt.Errorf("system under test: %w", err))
		}
	}
	// the merger only fails once its reader is gone
	if err := <-mergeErr; err != nil {
		logger.Printf("[Runner] Merger stopped early: %v", err)
	}
	for _, b := range bridges {
		if err := b.Wait(); err != nil {
			report.addError(err)
		}
		report.Sources = append(report.Sources, b.Stats())
	}
	if consumerErr != nil && !errors.Is(consumerErr, consumer.ErrForceStopped) {
		report.addError(consumerErr)
	}

	report.Consumer = cons.Stats()
	report.Merged = merger.Merged()
	report.FirstTime, report.LastTime = merger.Span()
	report.Elapsed = time.Since(report.Started)

	logger.Printf("[Runner] Run %s finished: %s", report.RunID, report.Summary())
	return report, nil
}

func openHandler(cfg *Config, path string, logger types.Logger) (consumer.Handler, error) {
	if storage.FileExists(path) {
		ccfg := compare.DefaultConfig()
		ccfg.MergeElements = !cfg.NoMerge
		ccfg.Logger = logger

		return consumer.OpenComparisonHandler(path, &consumer.ComparisonConfig{
			Comparator: compare.New(ccfg),
			MaxDumps:   cfg.MaxDumps,
			Logger:     logger,
		})
	}
	return consumer.CreateRecordingHandler(path, logger)
}

// effectiveHighWater keeps the consumer's pause mark reachable by its input
// queue; a mark at or above the queue size is lowered to three quarters of it
func effectiveHighWater(highWater, queueSize int, logger types.Logger) int {
	if highWater <= 0 || queueSize <= 0 || highWater < queueSize {
		return highWater
	}
	hw := queueSize * 3 / 4
	if hw < 1 {
		hw = 1
	}
	logger.Printf("[Runner] ⚠️  High-water mark %d is not below queue size %d, using %d",
		highWater, queueSize, hw)
	return hw
}

func stopAll(bridges []*bridge.Bridge) {
	for _, b := range bridges {
		b.Stop()
	}
}

func openSnapshotFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

func snapshotSink(path string, w io.Writer) monitor.SnapshotWriter {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonl":
		return monitor.NewJSONSink(w)
	default:
		return monitor.NewTextSink(w)
	}
}
