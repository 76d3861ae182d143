// Package cli holds the tickerflow command tree.
package cli

import (
	"github.com/spf13/cobra"

	appconfig "tickerflow/config"
)

var (
	version    = "dev"
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "tickerflow",
	Short: "Collect the Polygon ticker reference set with resumable checkpoints",
	Long: `tickerflow pages through the Polygon reference tickers endpoint,
checkpointing after every page so an interrupted run resumes where it
stopped, and writes the finished dataset to a file or warehouse table.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", appconfig.DefaultPath, "path to the configuration file")
}

// Execute runs the command selected by os.Args.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion overrides the version reported by the version command.
func SetVersion(v string) {
	if v != "" {
		version = v
	}
}
