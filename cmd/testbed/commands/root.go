package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCommand builds the testbed command tree
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "testbed",
		Short: "Replay payload files through a system under test and verify its output",
		Long: `testbed replays recorded payload files through a system under test,
keeps the sources within a bounded time skew, and records the output
or compares it against a reference recording.`,

		Example: `  # Record a reference from two inputs
  testbed run --name sim --source inice=ii-*.dat --source icetop=it.dat.gz

  # Run again and compare against the recorded reference
  testbed run --name sim --source inice=ii-*.dat --source icetop=it.dat.gz

  # Inspect a recording
  testbed dump sim-2src.dat --limit 10`,

		SilenceUsage: true,
		Version:      GetVersion(),
	}

	cmd.PersistentFlags().BoolP("verbose", "v", false, "Show component log messages")
	cmd.PersistentFlags().BoolP("quiet", "q", false, "Suppress progress and log output")
	cmd.PersistentFlags().Bool("json", false, "Print results as JSON")

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewReplayCommand())
	cmd.AddCommand(NewCompareCommand())
	cmd.AddCommand(NewDumpCommand())
	cmd.AddCommand(NewVerifyCommand())
	cmd.AddCommand(NewGenerateCommand())
	cmd.AddCommand(NewVersionCommand())

	return cmd
}
