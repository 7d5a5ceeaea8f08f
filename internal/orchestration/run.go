package orchestration

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/tinyfish-io/fanout/internal/automation"
	"github.com/tinyfish-io/fanout/internal/observability"
	"github.com/tinyfish-io/fanout/internal/task"
	metrics "github.com/tinyfish-io/fanout/pkg/observability"
)

type eventKind int

const (
	eventConnect eventKind = iota
	eventFrame
	eventFinished
)

// event is the only way task goroutines talk to the run loop.
type event struct {
	kind   eventKind
	id     string
	frame  task.Frame
	reason string
}

// Run is the handle for one orchestration run.
//
// All registry mutations and observer callbacks happen on a single loop
// goroutine, so observers see snapshots in mutation order and one task's
// frames are applied in arrival order. Observers must not block on Result.
type Run struct {
	id          string
	registry    *task.Registry
	runner      automation.Runner
	limiter     *rate.Limiter
	taskTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
	span        trace.Span

	ctx    context.Context
	cancel context.CancelFunc

	events   chan event
	done     chan struct{}
	loopDone chan struct{}
	tasks    sync.WaitGroup

	mu        sync.RWMutex
	current   task.RunState
	observers []Observer
}

func newRun(id string, o *Orchestrator, span trace.Span) *Run {
	r := &Run{
		id:          id,
		registry:    task.NewRegistry(o.now),
		runner:      o.runner,
		limiter:     o.limiter,
		taskTimeout: o.taskTimeout,
		logger:      o.logger.With("component", "orchestrator", "run_id", id),
		now:         o.now,
		span:        span,
		events:      make(chan event, 64),
		done:        make(chan struct{}),
		loopDone:    make(chan struct{}),
		observers:   append([]Observer(nil), o.observers...),
		current: task.RunState{
			ID:        id,
			Phase:     task.PhaseIdle,
			Tasks:     map[string]task.State{},
			StartedAt: o.now(),
		},
	}
	return r
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// OnUpdate registers an observer invoked with a full snapshot after every
// subsequent mutation. Register through WithObserver to see the first one.
func (r *Run) OnUpdate(fn Observer) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Snapshot returns the latest consistent RunState.
func (r *Run) Snapshot() task.RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.Clone()
}

// Cancel signals every active task to stop and forces unfinished tasks to
// error("cancelled"). It is safe to call more than once and after completion.
func (r *Run) Cancel() {
	r.cancel()
}

// Done is closed when the run reaches the complete phase.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Result blocks until the run is complete and returns the final snapshot. If
// ctx ends first it returns the latest snapshot and ctx's error.
func (r *Run) Result(ctx context.Context) (task.RunState, error) {
	select {
	case <-r.done:
		return r.Snapshot(), nil
	case <-ctx.Done():
		return r.Snapshot(), ctx.Err()
	}
}

// Wait blocks until every task has reported back to the run loop. A cancelled
// run completes before its tasks finish unwinding, and a runner that ignores
// its context may outlive Wait.
func (r *Run) Wait() {
	<-r.loopDone
}

func (r *Run) setPhase(p task.Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current.Phase = p
	r.current.Tasks = r.registry.Snapshot()
	r.current.Order = r.registry.IDs()
}

// loop owns every registry mutation until all tasks have reported back.
func (r *Run) loop(total int) {
	defer close(r.loopDone)
	defer r.cancel()

	r.notify()

	cancelled := r.ctx.Done()
	finished := 0
	for finished < total {
		select {
		case ev := <-r.events:
			if ev.kind == eventFinished {
				finished++
			}
			if r.apply(ev) {
				r.afterMutation()
			}

		case <-cancelled:
			cancelled = nil
			r.logger.Info("run cancelled")
			for _, id := range r.registry.IDs() {
				if r.settle(id, ReasonCancelled) {
					r.afterMutation()
				}
			}
		}
	}
}

func (r *Run) apply(ev event) bool {
	var (
		s       task.State
		changed bool
		err     error
	)
	switch ev.kind {
	case eventConnect:
		s, changed, err = r.registry.Connect(ev.id)
	case eventFrame:
		metrics.RecordFrame(string(ev.frame.Kind))
		s, changed, err = r.registry.Update(ev.id, ev.frame)
	case eventFinished:
		return r.settle(ev.id, ev.reason)
	}
	if err != nil {
		r.logger.Error("dropping event", "task_id", ev.id, "error", err)
		return false
	}
	if changed && s.Status.Terminal() {
		metrics.RecordTaskFinished(string(s.Status))
	}
	return changed
}

// settle is the one place a terminal failure is synthesized for a task that
// did not reach a terminal state on its own.
func (r *Run) settle(id, reason string) bool {
	s, ok := r.registry.Get(id)
	if !ok || s.Status.Terminal() {
		return false
	}
	if reason == "" {
		reason = ReasonEndedWithoutResult
	}
	next, changed, err := r.registry.Update(id, task.Failure(reason))
	if err != nil {
		return false
	}
	if changed {
		metrics.RecordTaskFinished(string(next.Status))
	}
	return changed
}

func (r *Run) afterMutation() {
	r.mu.Lock()
	r.current.Tasks = r.registry.Snapshot()
	justCompleted := false
	if r.current.Phase != task.PhaseComplete && r.registry.AllTerminal() {
		now := r.now()
		r.current.Phase = task.PhaseComplete
		r.current.CompletedAt = &now
		justCompleted = true
	}
	r.mu.Unlock()

	// Observers see the complete snapshot before Done is closed.
	r.notify()
	if justCompleted {
		r.complete()
	}
}

func (r *Run) complete() {
	snap := r.Snapshot()
	counts := snap.Counts()
	duration := snap.CompletedAt.Sub(snap.StartedAt)

	outcome := "complete"
	if r.ctx.Err() != nil {
		outcome = "cancelled"
	}
	metrics.RecordRunCompleted(outcome, duration)

	r.span.SetAttributes(
		attribute.String("run.outcome", outcome),
		attribute.Int("run.complete_count", counts[task.StatusComplete]),
		attribute.Int("run.error_count", counts[task.StatusError]),
		attribute.Int64("run.duration_ms", duration.Milliseconds()),
	)
	r.span.End()

	r.logger.Info("run complete",
		"outcome", outcome,
		"complete", counts[task.StatusComplete],
		"errors", counts[task.StatusError],
		"duration", duration,
	)
	close(r.done)
}

func (r *Run) notify() {
	r.mu.RLock()
	snap := r.current.Clone()
	observers := append([]Observer(nil), r.observers...)
	r.mu.RUnlock()

	for _, fn := range observers {
		fn(snap.Clone())
	}
}

// runTask executes one request. It never touches the registry directly.
func (r *Run) runTask(ctx context.Context, sem *semaphore.Weighted, id string, req task.Request) {
	defer r.tasks.Done()

	finish := func(reason string) {
		r.events <- event{kind: eventFinished, id: id, reason: reason}
	}

	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			finish(ReasonCancelled)
			return
		}
		defer sem.Release(1)
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			finish(ReasonCancelled)
			return
		}
	}
	if ctx.Err() != nil {
		finish(ReasonCancelled)
		return
	}

	ctx, span := observability.StartSpanWithOtel(ctx, "orchestration.task",
		trace.WithAttributes(
			attribute.String("task.id", id),
			attribute.String("task.target", req.Target),
		),
	)
	defer span.End()

	r.events <- event{kind: eventConnect, id: id}
	metrics.IncActiveTasks()
	defer metrics.DecActiveTasks()

	taskCtx := ctx
	if r.taskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, r.taskTimeout)
		defer cancel()
	}

	start := time.Now()
	result := make(chan error, 1)
	go func() {
		result <- r.runner.Run(taskCtx, req, func(f task.Frame) {
			if taskCtx.Err() != nil {
				return
			}
			select {
			case r.events <- event{kind: eventFrame, id: id, frame: f}:
			case <-taskCtx.Done():
			}
		})
	}()

	// The task settles when taskCtx ends even if the runner never returns.
	var err error
	select {
	case err = <-result:
	case <-taskCtx.Done():
		select {
		case err = <-result:
		default:
		}
	}

	var reason string
	switch {
	case ctx.Err() != nil:
		reason = ReasonCancelled
	case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		reason = ReasonTimedOut
	case err != nil:
		reason = err.Error()
	}

	if reason != "" {
		span.SetStatus(codes.Error, reason)
		r.logger.Warn("task failed", "task_id", id, "target", req.Target, "reason", reason)
	}
	metrics.RecordTaskDuration(time.Since(start))
	finish(reason)
}
