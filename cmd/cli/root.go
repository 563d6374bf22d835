package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"suiterunner/cmd/cli/runcmd"
)

var RootCmd = &cobra.Command{
	Use:   "srctl",
	Short: "SuiteRunner - runs test suites and streams their output",
	Long: `SuiteRunner accepts test suite runs, executes them under a concurrency bound and streams
their output live to any number of clients.

Start the server with "srctl run server". The notifier is optional and consumes run events
from redis when the queue is enabled.`,
}

func init() {
	RootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	RootCmd.AddCommand(runcmd.Command)
	RootCmd.AddCommand(migrateCmd)
	RootCmd.AddCommand(suitesCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v", err)
		os.Exit(1)
	}
}
