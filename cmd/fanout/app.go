package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/tinyfish-io/fanout/internal/aggregation"
	"github.com/tinyfish-io/fanout/internal/automation"
	"github.com/tinyfish-io/fanout/internal/observability"
	"github.com/tinyfish-io/fanout/internal/orchestration"
	"github.com/tinyfish-io/fanout/internal/publish"
	"github.com/tinyfish-io/fanout/pkg/config"
	metrics "github.com/tinyfish-io/fanout/pkg/observability"
)

var errorText = color.New(color.FgRed, color.Bold).SprintFunc()

// app holds everything a command needs, built once from config.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	runner     automation.Runner
	aggregator *aggregation.Aggregator
	publisher  *publish.RedisPublisher
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flags.configPath != "" {
		cfg, err = config.LoadConfig(flags.configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Logging.Format = flags.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newApp(flags *globalFlags) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	logger := newLogger(os.Stderr, cfg.Logging)
	slog.SetDefault(logger)

	metrics.InitMetrics()
	if err := initTracing(cfg.Observability); err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	synth, err := newSynthesizer(cfg.Synthesis)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		runner: automation.NewClient(automation.Config{
			Endpoint:   cfg.Automation.Endpoint,
			APIKey:     cfg.Automation.APIKey,
			HTTPClient: newHTTPClient(cfg.Automation.ConnectTimeout),
			Logger:     logger,
		}),
		aggregator: aggregation.New(synth,
			aggregation.WithTimeout(cfg.Synthesis.Timeout),
			aggregation.WithLogger(logger),
		),
	}

	if cfg.Redis.Addr != "" {
		pub, err := publish.NewRedisPublisher(publish.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		a.publisher = pub
	}
	return a, nil
}

// initTracing uses the observability section when it enables traces and the
// standard OTEL_* variables otherwise.
func initTracing(cfg config.ObservabilityConfig) error {
	if !cfg.TracesEnabled {
		return observability.InitFromEnv()
	}
	return observability.Init(observability.Config{
		ServiceName:  observability.DefaultServiceName,
		Enabled:      true,
		ExporterType: cfg.Exporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPHeaders:  cfg.OTLPHeaders,
	})
}

// Close releases the publisher and flushes spans.
func (a *app) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("closing publisher", "error", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := observability.Shutdown(ctx); err != nil {
		a.logger.Warn("flushing traces", "error", err)
	}
}

func (a *app) orchestratorOptions() []orchestration.Option {
	return orchestratorOptions(a.cfg.Orchestrator, a.logger)
}

func orchestratorOptions(cfg config.OrchestratorConfig, logger *slog.Logger) []orchestration.Option {
	return []orchestration.Option{
		orchestration.WithMaxConcurrency(cfg.MaxConcurrency),
		orchestration.WithTaskTimeout(cfg.TaskTimeout),
		orchestration.WithDispatchRate(cfg.DispatchRate, cfg.DispatchBurst),
		orchestration.WithLogger(logger),
	}
}

// execute runs one batch to completion and composes its aggregate. The
// returned error is non-nil only for invalid input; per-task failures live
// in the aggregate.
func (a *app) execute(ctx context.Context, batch *config.Batch, observers ...orchestration.Observer) (aggregation.Aggregate, error) {
	opts := a.orchestratorOptions()
	for _, obs := range observers {
		opts = append(opts, orchestration.WithObserver(obs))
	}
	if a.publisher != nil {
		opts = append(opts, orchestration.WithObserver(a.publisher.Observer(context.WithoutCancel(ctx))))
	}

	run, err := orchestration.New(a.runner, opts...).Start(ctx, batch.Requests)
	if err != nil {
		return aggregation.Aggregate{}, err
	}

	// A cancelled ctx still completes the run with every task settled.
	final, _ := run.Result(context.Background())
	agg := a.aggregator.Compose(context.WithoutCancel(ctx), final, batch.Query)

	if a.publisher != nil {
		if err := a.publisher.PublishAggregate(context.WithoutCancel(ctx), agg); err != nil {
			a.logger.Warn("publishing aggregate", "run_id", agg.RunID, "error", err)
		}
	}
	return agg, nil
}

func newSynthesizer(cfg config.SynthesisConfig) (aggregation.Synthesizer, error) {
	switch cfg.Provider {
	case config.ProviderJSON, "":
		return aggregation.JSONSynthesizer{}, nil
	case config.ProviderMajority:
		return aggregation.MajoritySynthesizer{}, nil
	case config.ProviderUnanimous:
		return aggregation.MajoritySynthesizer{Unanimous: true}, nil
	case config.ProviderOpenAI:
		synth, err := aggregation.NewOpenAISynthesizer(aggregation.OpenAIConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		return synth, nil
	default:
		return nil, fmt.Errorf("unknown synthesis provider %q", cfg.Provider)
	}
}

// newHTTPClient bounds connection setup without limiting the stream itself.
func newHTTPClient(connectTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if connectTimeout > 0 {
		transport.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext
		transport.TLSHandshakeTimeout = connectTimeout
		transport.ResponseHeaderTimeout = connectTimeout
	}
	return &http.Client{Transport: transport}
}

func newLogger(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
