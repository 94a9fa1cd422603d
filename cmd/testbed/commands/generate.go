package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dglo/trigger-testbed-sub000/internal/framing"
	"github.com/dglo/trigger-testbed-sub000/internal/payload"
	"github.com/dglo/trigger-testbed-sub000/internal/runner"
	"github.com/dglo/trigger-testbed-sub000/internal/storage"
)

type generateOptions struct {
	count    int
	start    uint64
	step     uint64
	source   int32
	requests bool
	noStop   bool
}

func NewGenerateCommand() *cobra.Command {
	opts := &generateOptions{}

	cmd := &cobra.Command{
		Use:   "generate <file>",
		Short: "Write a synthetic payload file",
		Long: `Write a synthetic payload file

Produces evenly spaced hits (or trigger requests wrapping one hit each)
for exercising runs without recorded data. The output is compressed
according to its suffix.`,

		Example: `  testbed generate ii.dat --count 10000 --source 12001
  testbed generate gt.dat.zst --requests --step 50000`,

		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := generateFile(args[0], opts)
			if err != nil {
				return err
			}
			g := getGlobalFlags(cmd)
			if !g.quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %s records to %s\n", runner.FormatNumber(int64(n)), args[0])
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.count, "count", "n", 1000, "Number of records")
	f.Uint64Var(&opts.start, "start", 10_000_000_000, "First timestamp")
	f.Uint64Var(&opts.step, "step", 10_000, "Timestamp step between records")
	f.Int32Var(&opts.source, "source", payload.SourceStringHub+1, "Source ID")
	f.BoolVar(&opts.requests, "requests", false, "Write trigger requests instead of hits")
	f.BoolVar(&opts.noStop, "no-stop", false, "Do not end the file with a stop record")

	return cmd
}

func generateFile(path string, opts *generateOptions) (int, error) {
	if opts.count < 0 {
		return 0, fmt.Errorf("count must not be negative")
	}

	w, err := storage.Create(path)
	if err != nil {
		return 0, err
	}
	fw := framing.NewWriter(w)

	for i := 0; i < opts.count; i++ {
		ts := opts.start + uint64(i)*opts.step
		hit := &payload.Hit{
			UTCTime:     ts,
			TriggerType: 2,
			ConfigID:    payload.UnsetConfigID,
			SourceID:    opts.source,
			DOMID:       int64(0x100000 + i%60),
		}

		var rec []byte
		if opts.requests {
			rec, err = payload.EncodeTriggerRequest(&payload.TriggerRequest{
				UTCTime:     ts,
				UID:         int32(i),
				TriggerType: 0,
				ConfigID:    payload.UnsetConfigID,
				SourceID:    payload.SourceInIceTrigger,
				FirstTime:   ts,
				LastTime:    ts + opts.step/2,
				Request: &payload.ReadoutRequest{
					UID:      int32(i),
					SourceID: payload.SourceInIceTrigger,
					Elements: []payload.Element{{
						ReadoutType: payload.ReadoutIIGlobal,
						SourceID:    payload.SourceInIceTrigger,
						FirstTime:   ts,
						LastTime:    ts + opts.step/2,
						DOMID:       payload.NoDOM,
					}},
				},
				Payloads: []payload.Payload{hit},
			})
			if err != nil {
				w.Close()
				return i, err
			}
		} else {
			rec = payload.EncodeHit(hit)
		}

		if err := fw.Write(rec); err != nil {
			w.Close()
			return i, err
		}
	}

	if !opts.noStop {
		if err := fw.WriteStop(); err != nil {
			w.Close()
			return opts.count, err
		}
	}
	if err := fw.Flush(); err != nil {
		w.Close()
		return opts.count, err
	}
	return opts.count, w.Close()
}
