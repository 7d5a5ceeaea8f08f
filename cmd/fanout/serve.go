package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tinyfish-io/fanout/internal/automation"
	"github.com/tinyfish-io/fanout/internal/server"
	"github.com/tinyfish-io/fanout/pkg/security"
	metrics "github.com/tinyfish-io/fanout/pkg/observability"
)

func newServeCommand(global *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API, health checks and metrics over HTTP",
		Long: `Serve the run API:

  POST   /v1/runs        start a run and stream snapshots as Server-Sent Events
  GET    /v1/runs/{id}   latest snapshot of an active run
  DELETE /v1/runs/{id}   cancel an active run

plus /health, /health/live, /health/ready and /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(global)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr != "" {
				a.cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			checker := a.healthChecker()
			srv := metrics.NewServer(a.cfg.Server.Addr, checker)

			cfg := server.Config{
				Runner:     a.runner,
				Aggregator: a.aggregator,
				Options:    a.orchestratorOptions(),
				Middleware: a.securityMiddleware(),
				Logger:     a.logger,
			}
			if a.publisher != nil {
				cfg.Publisher = a.publisher
			}
			handler := server.New(cfg)
			handler.Register(srv)
			checker.TrackRuns(func() int { return len(handler.Active()) })

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.logger.Info("server listening", "addr", a.cfg.Server.Addr)
				return srv.Start()
			})
			g.Go(func() error {
				<-gctx.Done()
				checker.SetDraining(true)
				a.logger.Info("shutting down server", "active_runs", len(handler.Active()))
				shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
				defer cancel()
				err := srv.Shutdown(shutdownCtx)
				if errors.Is(err, context.DeadlineExceeded) {
					a.logger.Warn("shutdown timed out, cancelling active runs", "active_runs", len(handler.Active()))
					handler.CancelAll()
				}
				return err
			})

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			a.logger.Info("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// securityMiddleware requires one of server.api_keys when any are set and
// applies server.rate_limit per caller.
func (a *app) securityMiddleware() func(http.Handler) http.Handler {
	var auth security.Authenticator = security.NewNoAuthAuthenticator()
	if keys := a.cfg.Server.APIKeys; len(keys) > 0 {
		apiKeys := security.NewAPIKeyAuthenticator()
		for i, k := range keys {
			id := fmt.Sprintf("key-%d", i)
			apiKeys.AddKey(k, &security.Principal{ID: id, Name: id})
		}
		auth = apiKeys
		a.logger.Info("run API requires an API key", "keys", apiKeys.Len())
	} else {
		a.logger.Warn("run API is unauthenticated; set server.api_keys or FANOUT_API_KEYS")
	}

	var limiter *security.RateLimiter
	if a.cfg.Server.RateLimit > 0 {
		limiter = security.NewRateLimiter(a.cfg.Server.RateLimit, a.cfg.Server.RateBurst)
	}
	return security.Middleware(auth, limiter, a.logger)
}

func (a *app) healthChecker() *metrics.HealthChecker {
	checker := metrics.NewHealthChecker(version)
	checker.RegisterCheck(metrics.PingCheck())
	checker.RegisterCheck(&metrics.HealthCheck{
		Name:     "automation_credentials",
		Critical: true,
		CheckFunc: func(context.Context) error {
			if a.cfg.Automation.APIKey == "" {
				return automation.ErrMissingAPIKey
			}
			return nil
		},
	})
	if a.publisher != nil {
		checker.RegisterCheck(metrics.ExternalServiceCheck("redis", a.publisher.Ping))
	}
	return checker
}
