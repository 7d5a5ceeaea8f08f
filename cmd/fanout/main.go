// Command fanout runs batches of remote automation tasks concurrently and
// summarizes their results.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=..." at build time.
var version = "dev"

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorText("Error:"), err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "fanout",
		Short: "Run many remote automation tasks at once and summarize the results",
		Long: `fanout dispatches a batch of (url, goal) requests to the automation API,
streams every task's progress as it happens, and aggregates the finished
results into a single summary.

Examples:
  fanout run batch.yaml                  # Run a batch and render progress
  fanout run - --json < batch.yaml       # Read the batch from stdin, print JSON
  fanout serve --addr :8080              # Serve the run API over HTTP/SSE
  fanout watch batch.yaml -s "@every 1h" # Re-run a batch on a schedule`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "path to a YAML config file")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format: text or json")

	root.AddCommand(
		newRunCommand(flags),
		newServeCommand(flags),
		newWatchCommand(flags),
		newVersionCommand(),
	)
	return root
}
