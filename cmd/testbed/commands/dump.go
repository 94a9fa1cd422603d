package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dglo/trigger-testbed-sub000/internal/compare"
	"github.com/dglo/trigger-testbed-sub000/internal/framing"
	"github.com/dglo/trigger-testbed-sub000/internal/payload"
	"github.com/dglo/trigger-testbed-sub000/internal/storage"
)

type dumpOptions struct {
	limit       int
	skip        int
	payloadType int
	summary     bool
}

func NewDumpCommand() *cobra.Command {
	opts := &dumpOptions{}

	cmd := &cobra.Command{
		Use:   "dump <file> [file...]",
		Short: "Decode and print the records of framed files",
		Long: `Decode and print the records of framed files

Each record is decoded and printed as a tree: trigger requests show their
readout elements and nested payloads. Stop records are printed as STOP.
Files may be .gz or .zst compressed.`,

		Example: `  testbed dump sim-2src.dat --limit 20
  testbed dump ii.dat.zst --type 9 --skip 1000`,

		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			for _, path := range args {
				if len(args) > 1 {
					fmt.Fprintf(w, "==> %s <==\n", path)
				}
				if err := dumpFile(w, path, opts); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Stop after printing this many records (0 = all)")
	cmd.Flags().IntVar(&opts.skip, "skip", 0, "Skip this many records first")
	cmd.Flags().IntVar(&opts.payloadType, "type", 0, "Only print payloads of this type (1 = hit, 9 = trigger request)")
	cmd.Flags().BoolVar(&opts.summary, "summary", false, "Print one line per record instead of the tree")

	return cmd
}

func dumpFile(w io.Writer, path string, opts *dumpOptions) error {
	rc, err := storage.Open(path)
	if err != nil {
		return err
	}
	defer rc.Close()

	fr := framing.NewReader(rc)
	decoder := payload.DefaultDecoder{}

	var records, stops, decodeErrors, printed int
	for {
		rec, err := fr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: record %d: %w", path, fr.Count(), err)
		}

		if framing.IsStop(rec) {
			stops++
			if opts.payloadType == 0 {
				fmt.Fprintf(w, "STOP\n")
			}
			continue
		}

		records++
		if records <= opts.skip {
			continue
		}

		p, err := decoder.Decode(rec)
		if err != nil {
			decodeErrors++
			fmt.Fprintf(w, "#%d ✗ %v\n", records, err)
			continue
		}
		if opts.payloadType != 0 && p.PayloadType() != opts.payloadType {
			continue
		}

		if opts.summary {
			fmt.Fprintf(w, "#%d %v\n", records, p)
		} else {
			fmt.Fprintf(w, "#%d %s", records, compare.Dump(p))
		}

		printed++
		if opts.limit > 0 && printed >= opts.limit {
			break
		}
	}

	fmt.Fprintf(w, "\n%d records, %d stop, %d decode errors\n", records, stops, decodeErrors)
	return nil
}
