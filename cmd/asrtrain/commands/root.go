package commands

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "asrtrain",
	Short: "Train attention-based speech recognizers",
	Long: `asrtrain trains encoder-decoder speech recognition models with an
optional CTC objective and an optional sub-task on a lower encoder layer.

Data files hold msgpack-encoded utterances with feature frames and
token transcripts.

Usage:
  asrtrain train --config config.yml
  asrtrain decode --run_dir models/job --files test.msgpack`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(decodeCmd)
}
