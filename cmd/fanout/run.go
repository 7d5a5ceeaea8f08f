package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tinyfish-io/fanout/internal/orchestration"
	"github.com/tinyfish-io/fanout/internal/render"
	"github.com/tinyfish-io/fanout/pkg/config"
)

type runFlags struct {
	query       string
	jsonOutput  bool
	failOnError bool
}

func newRunCommand(global *globalFlags) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run <batch.yaml|->",
		Short: "Run a batch of requests and print the aggregate",
		Long: `Run every request in the batch concurrently, render progress as the tasks
stream, then print the per-task results and the summary.

Ctrl-C cancels the run; tasks that had not finished are reported as cancelled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := config.LoadBatch(args[0])
			if err != nil {
				return err
			}
			if flags.query != "" {
				batch.Query = flags.query
			}

			a, err := newApp(global)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			var observers []orchestration.Observer
			renderer := render.New(out)
			if !flags.jsonOutput {
				observers = append(observers, renderer.Observe)
			}

			agg, err := a.execute(ctx, batch, observers...)
			if err != nil {
				return err
			}

			if flags.jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(agg); err != nil {
					return err
				}
			} else {
				renderer.Aggregate(agg)
			}

			if flags.failOnError && agg.Failed > 0 {
				return fmt.Errorf("%d of %d tasks failed", agg.Failed, agg.Failed+agg.Succeeded)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&flags.query, "query", "q", "", "query passed to the synthesizer (overrides the batch file)")
	cmd.Flags().BoolVar(&flags.jsonOutput, "json", false, "print the aggregate as JSON instead of rendering progress")
	cmd.Flags().BoolVar(&flags.failOnError, "fail-on-error", false, "exit non-zero when any task fails")
	return cmd
}
