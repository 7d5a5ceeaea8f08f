package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyfish-io/fanout/internal/render"
	"github.com/tinyfish-io/fanout/internal/schedule"
	"github.com/tinyfish-io/fanout/pkg/config"
)

type watchFlags struct {
	schedule   string
	policy     string
	timeout    time.Duration
	runOnStart bool
	quiet      bool
}

func newWatchCommand(global *globalFlags) *cobra.Command {
	flags := &watchFlags{}

	cmd := &cobra.Command{
		Use:   "watch <batch.yaml>",
		Short: "Re-run a batch on a cron schedule",
		Long: `Re-run the batch on a cron schedule until interrupted. Each run is
rendered as it finishes and, when redis.addr is set, its snapshots and
aggregate are published for subscribers.

Schedules accept five or six (with seconds) cron fields, or descriptors
such as "@hourly" and "@every 15m".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := config.LoadBatch(args[0])
			if err != nil {
				return err
			}

			a, err := newApp(global)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			job := func(ctx context.Context) error {
				agg, err := a.execute(ctx, batch)
				if err != nil {
					return err
				}
				if !flags.quiet {
					render.New(out).Aggregate(agg)
				}
				if agg.Succeeded == 0 {
					return fmt.Errorf("run %s: all %d tasks failed", agg.RunID, agg.Failed)
				}
				return nil
			}

			sched, err := schedule.New(schedule.Config{
				Schedule:   flags.schedule,
				Policy:     flags.policy,
				Timeout:    flags.timeout,
				RunOnStart: flags.runOnStart,
			}, job, a.logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := sched.Start(ctx); err != nil {
				return err
			}
			<-sched.Done()
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.schedule, "schedule", "s", "", "cron schedule (required)")
	f.StringVar(&flags.policy, "overlap", schedule.PolicySkip, "what to do when a run is still going: skip or delay")
	f.DurationVar(&flags.timeout, "timeout", 0, "bound each scheduled run (0 = no limit beyond task timeouts)")
	f.BoolVar(&flags.runOnStart, "run-on-start", false, "run once immediately")
	f.BoolVar(&flags.quiet, "quiet", false, "do not print aggregates")
	_ = cmd.MarkFlagRequired("schedule")
	return cmd
}
