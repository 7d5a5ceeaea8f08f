// Package aggregation composes the final output of a finished run: one
// outcome per task in input order, plus an optional summary synthesized from
// the successful results.
package aggregation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tinyfish-io/fanout/internal/observability"
	"github.com/tinyfish-io/fanout/internal/task"
	metrics "github.com/tinyfish-io/fanout/pkg/observability"
)

// NoResultsText is the summary text used whenever nothing could be composed.
const NoResultsText = "no results"

// DefaultSynthesisTimeout bounds one synthesis call.
const DefaultSynthesisTimeout = 90 * time.Second

// TaskOutcome is the aggregate view of one task.
type TaskOutcome struct {
	ID     string          `json:"id"`
	Target string          `json:"target"`
	Status task.Status     `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Summary is the composed artifact. When NoResults is set the other content
// fields are empty; Error explains a degraded synthesis.
type Summary struct {
	NoResults   bool            `json:"no_results"`
	Synthesizer string          `json:"synthesizer,omitempty"`
	Text        string          `json:"text,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// NoResults returns the sentinel summary.
func NoResults() Summary {
	return Summary{NoResults: true, Text: NoResultsText}
}

// Aggregate is the composed output of a run.
type Aggregate struct {
	RunID     string        `json:"run_id"`
	Query     string        `json:"query,omitempty"`
	PerTask   []TaskOutcome `json:"per_task"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Summary   Summary       `json:"summary"`
}

// Successes returns the completed outcomes in input order.
func (a Aggregate) Successes() []TaskOutcome {
	out := make([]TaskOutcome, 0, a.Succeeded)
	for _, o := range a.PerTask {
		if o.Status == task.StatusComplete {
			out = append(out, o)
		}
	}
	return out
}

// SynthesisError reports a failed synthesis call. It never fails an
// aggregate; Compose records it on the summary instead.
type SynthesisError struct {
	Synthesizer string
	Err         error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis with %s failed: %v", e.Synthesizer, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// Aggregator composes aggregates with one synthesizer.
type Aggregator struct {
	synth   Synthesizer
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithTimeout bounds each synthesis call (0 disables the bound).
func WithTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		a.timeout = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New creates an aggregator. A nil synthesizer defaults to JSONSynthesizer.
func New(synth Synthesizer, opts ...Option) *Aggregator {
	if synth == nil {
		synth = JSONSynthesizer{}
	}
	a := &Aggregator{
		synth:   synth,
		timeout: DefaultSynthesisTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "aggregator")
	return a
}

// Outcomes lists every task of rs in input order.
func Outcomes(rs task.RunState) []TaskOutcome {
	states := rs.Ordered()
	out := make([]TaskOutcome, 0, len(states))
	for _, s := range states {
		o := TaskOutcome{
			ID:     s.ID,
			Target: s.Request.Target,
			Status: s.Status,
			Error:  s.Error,
		}
		if s.Status == task.StatusComplete {
			o.Result = append(json.RawMessage(nil), s.Result...)
		}
		out = append(out, o)
	}
	return out
}

// Compose builds the aggregate for rs. It never fails: with no successful
// task, or when synthesis fails, the summary is the NoResults sentinel.
// Synthesis is attempted once.
func (a *Aggregator) Compose(ctx context.Context, rs task.RunState, query string) Aggregate {
	agg := Aggregate{
		RunID:   rs.ID,
		Query:   query,
		PerTask: Outcomes(rs),
	}
	for _, o := range agg.PerTask {
		switch o.Status {
		case task.StatusComplete:
			agg.Succeeded++
		case task.StatusError:
			agg.Failed++
		}
	}

	if agg.Succeeded == 0 {
		agg.Summary = NoResults()
		return agg
	}

	agg.Summary = a.synthesize(ctx, query, agg.Successes())
	return agg
}

func (a *Aggregator) synthesize(ctx context.Context, query string, results []TaskOutcome) Summary {
	name := a.synth.Name()
	ctx, span := observability.StartSpanWithOtel(ctx, "aggregation.synthesize",
		trace.WithAttributes(
			attribute.String("synthesis.synthesizer", name),
			attribute.Int("synthesis.result_count", len(results)),
		),
	)
	defer span.End()

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	start := time.Now()
	summary, err := a.synth.Synthesize(ctx, query, results)
	if err != nil {
		synthErr := &SynthesisError{Synthesizer: name, Err: err}
		metrics.RecordSynthesis(name, "error", time.Since(start))
		span.RecordError(synthErr)
		span.SetStatus(codes.Error, synthErr.Error())
		a.logger.Warn("synthesis failed, using no-results summary", "synthesizer", name, "error", err)

		degraded := NoResults()
		degraded.Synthesizer = name
		degraded.Error = synthErr.Error()
		return degraded
	}

	metrics.RecordSynthesis(name, "ok", time.Since(start))
	summary.Synthesizer = name
	return summary
}
