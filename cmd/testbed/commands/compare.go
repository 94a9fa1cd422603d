package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/dglo/trigger-testbed-sub000/internal/compare"
	"github.com/dglo/trigger-testbed-sub000/internal/consumer"
	"github.com/dglo/trigger-testbed-sub000/internal/runner"
	"github.com/dglo/trigger-testbed-sub000/internal/storage"
)

var errOutputDiffers = fmt.Errorf("output differs from reference")

// CompareResult is the outcome of an offline comparison
type CompareResult struct {
	Reference    string          `json:"reference"`
	Actual       string          `json:"actual"`
	Result       consumer.Result `json:"result"`
	Received     int64           `json:"received"`
	DecodeErrors int64           `json:"decode_errors"`
}

func (r *CompareResult) OK() bool {
	res := r.Result
	return res.Missed == 0 && res.Extra == 0 && res.Failed == 0 && r.DecodeErrors == 0
}

func NewCompareCommand() *cobra.Command {
	var (
		noMerge  bool
		maxDumps int
	)

	cmd := &cobra.Command{
		Use:   "compare <reference> <actual>",
		Short: "Compare a recorded output file against a reference",
		Long: `Compare a recorded output file against a reference

Runs the comparison handler over two framed files without bridges or a
system under test. Records are matched by timestamp and payload type;
unmatched reference records are missed, unmatched output records are
extra, and matched records that differ are failed.`,

		Example: `  testbed compare sim-2src.dat out.dat.zst
  testbed compare ref.dat out.dat --max-dumps 3 -v`,

		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			g := getGlobalFlags(cmd)

			result, err := compareFiles(cmd.Context(), args[0], args[1], !noMerge, maxDumps, g)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if g.json {
				data, err := json.MarshalIndent(result, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(w, string(data))
			} else {
				printCompareResult(w, result)
			}

			if !result.OK() {
				return errOutputDiffers
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noMerge, "no-merge", false, "Do not merge in-ice/icetop global readout elements before comparing")
	cmd.Flags().IntVar(&maxDumps, "max-dumps", 10, "Maximum mismatch trees to log (with --verbose)")

	return cmd
}

func compareFiles(ctx context.Context, refPath, actPath string, merge bool, maxDumps int, g globalFlags) (*CompareResult, error) {
	logger := g.componentLogger()

	ccfg := compare.DefaultConfig()
	ccfg.MergeElements = merge
	ccfg.Logger = logger

	handler, err := consumer.OpenComparisonHandler(refPath, &consumer.ComparisonConfig{
		Comparator: compare.New(ccfg),
		MaxDumps:   maxDumps,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	actual, err := storage.Open(actPath)
	if err != nil {
		handler.Finish()
		return nil, err
	}
	defer actual.Close()

	cfg := consumer.DefaultConfig()
	cfg.Logger = logger
	cons := consumer.New(actual, handler, cfg)
	if err := cons.Run(ctx); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", actPath, err)
	}

	st := cons.Stats()
	return &CompareResult{
		Reference:    refPath,
		Actual:       actPath,
		Result:       st.Result,
		Received:     st.Received,
		DecodeErrors: st.DecodeErrors,
	}, nil
}

func printCompareResult(w io.Writer, r *CompareResult) {
	res := r.Result

	fmt.Fprintf(w, "\nComparison Results\n")
	fmt.Fprintf(w, "══════════════════\n\n")
	fmt.Fprintf(w, "  Reference:     %s\n", r.Reference)
	fmt.Fprintf(w, "  Actual:        %s\n\n", r.Actual)

	fmt.Fprintf(w, "  Received:      %s\n", runner.FormatNumber(r.Received))
	fmt.Fprintf(w, "  Matched:       %s\n", runner.FormatNumber(res.Matched))
	fmt.Fprintf(w, "  Missed:        %s\n", runner.FormatCount(res.Missed))
	fmt.Fprintf(w, "  Extra:         %s\n", runner.FormatCount(res.Extra))
	fmt.Fprintf(w, "  Failed:        %s\n", runner.FormatCountCritical(res.Failed))
	fmt.Fprintf(w, "  Decode errors: %s\n\n", runner.FormatCount(r.DecodeErrors))

	if r.OK() {
		fmt.Fprintf(w, "✓ Output matches reference\n")
	} else {
		fmt.Fprintf(w, "✗ Output differs from reference\n")
	}
}
