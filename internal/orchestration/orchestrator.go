// Package orchestration fans a batch of requests out to remote automation
// agents, folds their event streams into one incrementally updated RunState,
// and settles the run once every task is terminal.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/tinyfish-io/fanout/internal/automation"
	"github.com/tinyfish-io/fanout/internal/observability"
	"github.com/tinyfish-io/fanout/internal/task"
	metrics "github.com/tinyfish-io/fanout/pkg/observability"
)

var (
	// ErrInvalidInput is returned by Start for an empty or malformed batch.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAlreadyStarted is returned when Start is called twice on one
	// Orchestrator. Each run needs a fresh instance.
	ErrAlreadyStarted = errors.New("orchestrator already started")
)

// Reasons recorded on tasks the orchestrator terminates itself.
const (
	ReasonEndedWithoutResult = "ended without result"
	ReasonCancelled          = "cancelled"
	ReasonTimedOut           = "timed out"
)

// DefaultTaskTimeout bounds a single remote job.
const DefaultTaskTimeout = 6 * time.Minute

// Observer receives a full RunState copy after every mutation.
type Observer func(task.RunState)

// Orchestrator drives one run. It is single use.
type Orchestrator struct {
	runner         automation.Runner
	maxConcurrency int
	taskTimeout    time.Duration
	limiter        *rate.Limiter
	observers      []Observer
	logger         *slog.Logger
	now            func() time.Time
	idFunc         func(index int, req task.Request) string

	started atomic.Bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxConcurrency caps simultaneously open remote connections (0 = unlimited).
// Tasks waiting for a slot stay pending.
func WithMaxConcurrency(n int) Option {
	return func(o *Orchestrator) {
		o.maxConcurrency = n
	}
}

// WithTaskTimeout sets the per-task deadline (0 disables it).
func WithTaskTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.taskTimeout = d
	}
}

// WithDispatchRate throttles how fast tasks are dispatched.
func WithDispatchRate(perSecond float64, burst int) Option {
	return func(o *Orchestrator) {
		if perSecond <= 0 {
			o.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithObserver registers an observer before the run starts, so it sees the
// very first snapshot.
func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.observers = append(o.observers, fn)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDFunc overrides identity assignment. Identities must be unique within
// the run.
func WithIDFunc(fn func(index int, req task.Request) string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.idFunc = fn
		}
	}
}

// New creates an orchestrator that executes tasks with runner.
func New(runner automation.Runner, opts ...Option) *Orchestrator {
	if runner == nil {
		panic("orchestrator runner cannot be nil")
	}
	o := &Orchestrator{
		runner:      runner,
		taskTimeout: DefaultTaskTimeout,
		logger:      slog.Default(),
		now:         time.Now,
		idFunc: func(index int, _ task.Request) string {
			return fmt.Sprintf("task-%d", index)
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start validates the batch, registers every request in input order and
// launches the tasks. Only invalid input is reported as an error; every
// per-task failure is recorded on that task's state instead. Cancelling ctx
// cancels the run.
func (o *Orchestrator) Start(ctx context.Context, requests []task.Request) (*Run, error) {
	if len(requests) == 0 {
		return nil, fmt.Errorf("%w: no requests", ErrInvalidInput)
	}
	for i, req := range requests {
		if err := req.Validate(); err != nil {
			return nil, fmt.Errorf("%w: request %d: %v", ErrInvalidInput, i, err)
		}
	}
	if !o.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}

	runID := uuid.NewString()
	ctx, span := observability.StartSpanWithOtel(ctx, "orchestration.run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int("run.task_count", len(requests)),
			attribute.Int("run.max_concurrency", o.maxConcurrency),
			attribute.Int64("run.task_timeout_ms", o.taskTimeout.Milliseconds()),
		),
	)

	r := newRun(runID, o, span)
	r.setPhase(task.PhaseDispatching)

	ids := make([]string, len(requests))
	for i, req := range requests {
		id := o.idFunc(i, req)
		if err := r.registry.Register(id, req); err != nil {
			span.RecordError(err)
			span.End()
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		ids[i] = id
	}

	r.setPhase(task.PhaseRunning)
	metrics.RecordRunStarted()
	r.logger.Info("run started", "tasks", len(ids), "max_concurrency", o.maxConcurrency)

	runCtx, cancel := context.WithCancel(ctx)
	r.ctx = runCtx
	r.cancel = cancel

	var sem *semaphore.Weighted
	if o.maxConcurrency > 0 {
		sem = semaphore.NewWeighted(int64(o.maxConcurrency))
	}

	go r.loop(len(ids))
	for i, id := range ids {
		r.tasks.Add(1)
		go r.runTask(runCtx, sem, id, requests[i])
	}

	return r, nil
}
