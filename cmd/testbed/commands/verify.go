package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/dglo/trigger-testbed-sub000/internal/framing"
	"github.com/dglo/trigger-testbed-sub000/internal/payload"
	"github.com/dglo/trigger-testbed-sub000/internal/runner"
	"github.com/dglo/trigger-testbed-sub000/internal/storage"
	"github.com/dglo/trigger-testbed-sub000/internal/types"
)

// FileCheck is the integrity report for one framed file
type FileCheck struct {
	Path         string `json:"path"`
	Records      int64  `json:"records"`
	Stops        int64  `json:"stops"`
	DecodeErrors int64  `json:"decode_errors"`
	// OutOfOrder counts records whose timestamp is below the previous one
	OutOfOrder int64  `json:"out_of_order"`
	FirstTime  uint64 `json:"first_time"`
	LastTime   uint64 `json:"last_time"`
	// StopNotLast is set when records follow a stop record
	StopNotLast bool   `json:"stop_not_last"`
	Error       string `json:"error,omitempty"`
}

// OK reports whether the file is well framed and fully decodable
func (c *FileCheck) OK() bool {
	return c.Error == "" && !c.StopNotLast && c.DecodeErrors == 0
}

func NewVerifyCommand() *cobra.Command {
	var noDecode bool

	cmd := &cobra.Command{
		Use:   "verify <file> [file...]",
		Short: "Check framing integrity of payload files",
		Long: `Check framing integrity of payload files

Walks every record checking length headers and truncation, that a stop
record only appears last, and (unless --no-decode) that every record
decodes. Timestamp order is reported but not treated as an error.`,

		Example: `  testbed verify data/*.dat.gz
  testbed verify sim-2src.dat --json`,

		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g := getGlobalFlags(cmd)
			w := cmd.OutOrStdout()

			checks := make([]*FileCheck, 0, len(args))
			failed := 0
			for _, path := range args {
				check := verifyFile(path, !noDecode)
				checks = append(checks, check)
				if !check.OK() {
					failed++
				}
			}

			if g.json {
				data, err := json.MarshalIndent(checks, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(w, string(data))
			} else {
				for _, c := range checks {
					printFileCheck(w, c)
				}
				fmt.Fprintln(w)
				if failed == 0 {
					fmt.Fprintf(w, "✓ All %d files valid\n", len(checks))
				} else {
					fmt.Fprintf(w, "✗ %d of %d files invalid\n", failed, len(checks))
				}
			}

			if failed > 0 {
				return fmt.Errorf("verification failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noDecode, "no-decode", false, "Only check framing, do not decode payloads")

	return cmd
}

func verifyFile(path string, decode bool) *FileCheck {
	check := &FileCheck{Path: path}

	rc, err := storage.Open(path)
	if err != nil {
		check.Error = err.Error()
		return check
	}
	defer rc.Close()

	fr := framing.NewReader(rc)
	decoder := payload.DefaultDecoder{}
	var prev uint64

	for {
		rec, err := fr.Next()
		if err == io.EOF {
			return check
		}
		if err != nil {
			switch {
			case errors.Is(err, framing.ErrBadLength):
				check.Error = fmt.Sprintf("record %d: %v", fr.Count(), err)
			case errors.Is(err, framing.ErrShortRead):
				check.Error = fmt.Sprintf("record %d: truncated: %v", fr.Count(), err)
			default:
				check.Error = err.Error()
			}
			return check
		}

		if framing.IsStop(rec) {
			check.Stops++
			continue
		}
		if check.Stops > 0 {
			check.StopNotLast = true
		}
		check.Records++

		if ts, ok := framing.Timestamp(rec); ok && types.IsValidTime(ts) {
			if check.FirstTime == 0 {
				check.FirstTime = ts
			}
			if ts < prev {
				check.OutOfOrder++
			}
			prev = ts
			check.LastTime = ts
		}

		if decode {
			if _, err := decoder.Decode(rec); err != nil {
				check.DecodeErrors++
			}
		}
	}
}

func printFileCheck(w io.Writer, c *FileCheck) {
	mark := "✓"
	if !c.OK() {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s %s\n", mark, c.Path)
	fmt.Fprintf(w, "    Records:       %s\n", runner.FormatNumber(c.Records))
	fmt.Fprintf(w, "    Stop records:  %d\n", c.Stops)
	if c.Records > 0 {
		fmt.Fprintf(w, "    Time range:    %d - %d\n", c.FirstTime, c.LastTime)
	}
	fmt.Fprintf(w, "    Out of order:  %s\n", runner.FormatCount(c.OutOfOrder))
	fmt.Fprintf(w, "    Decode errors: %s\n", runner.FormatCountCritical(c.DecodeErrors))
	if c.StopNotLast {
		fmt.Fprintf(w, "    ✗ Records follow a stop record\n")
	}
	if c.Error != "" {
		fmt.Fprintf(w, "    ✗ %s\n", c.Error)
	}
}
