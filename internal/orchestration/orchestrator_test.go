package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyfish-io/fanout/internal/automation"
	"github.com/tinyfish-io/fanout/internal/task"
)

// script is one fake remote job, keyed by request target.
type script func(ctx context.Context, emit func(task.Frame)) error

func scriptedRunner(scripts map[string]script) automation.Runner {
	return automation.RunnerFunc(func(ctx context.Context, req task.Request, onFrame func(task.Frame)) error {
		s, ok := scripts[req.Target]
		if !ok {
			return fmt.Errorf("no script for %s", req.Target)
		}
		return s(ctx, onFrame)
	})
}

func emits(frames ...task.Frame) script {
	return func(ctx context.Context, emit func(task.Frame)) error {
		for _, f := range frames {
			emit(f)
		}
		return nil
	}
}

func blocks(frames ...task.Frame) script {
	return func(ctx context.Context, emit func(task.Frame)) error {
		for _, f := range frames {
			emit(f)
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

func requests(targets ...string) []task.Request {
	out := make([]task.Request, len(targets))
	for i, t := range targets {
		out[i] = task.Request{Target: t, Instruction: "look around"}
	}
	return out
}

// recorder keeps every snapshot an observer receives.
type recorder struct {
	mu    sync.Mutex
	snaps []task.RunState
}

func (r *recorder) observe(rs task.RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, rs)
}

func (r *recorder) all() []task.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]task.RunState(nil), r.snaps...)
}

func result(t *testing.T, run *Run) task.RunState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rs, err := run.Result(ctx)
	require.NoError(t, err, "run did not complete")
	return rs
}

func TestRunEndToEnd(t *testing.T) {
	runner := scriptedRunner(map[string]script{
		"https://a.example": emits(task.Progress("step1"), task.Result(json.RawMessage(`{"found":true}`))),
		"https://b.example": emits(task.Failure("site unreachable")),
		"https://c.example": emits(),
	})

	var rec recorder
	o := New(runner, WithObserver(rec.observe))
	run, err := o.Start(context.Background(), requests("https://a.example", "https://b.example", "https://c.example"))
	require.NoError(t, err)
	rs := result(t, run)
	run.Wait()

	assert.Equal(t, task.PhaseComplete, rs.Phase)
	require.NotNil(t, rs.CompletedAt)
	assert.Equal(t, []string{"task-0", "task-1", "task-2"}, rs.Order)

	a := rs.Tasks["task-0"]
	assert.Equal(t, task.StatusComplete, a.Status)
	assert.Equal(t, []string{"step1"}, a.History)
	assert.JSONEq(t, `{"found":true}`, string(a.Result))
	assert.NotNil(t, a.CompletedAt)

	b := rs.Tasks["task-1"]
	assert.Equal(t, task.StatusError, b.Status)
	assert.Equal(t, "site unreachable", b.Error)

	c := rs.Tasks["task-2"]
	assert.Equal(t, task.StatusError, c.Status)
	assert.Equal(t, ReasonEndedWithoutResult, c.Error)

	snaps := rec.all()
	require.NotEmpty(t, snaps)
	first := snaps[0]
	assert.Equal(t, task.PhaseRunning, first.Phase)
	for _, id := range first.Order {
		assert.Equal(t, task.StatusPending, first.Tasks[id].Status)
	}

	last := snaps[len(snaps)-1]
	assert.Equal(t, task.PhaseComplete, last.Phase)
	for _, s := range snaps[:len(snaps)-1] {
		assert.NotEqual(t, task.PhaseComplete, s.Phase, "only the final snapshot is complete")
	}
}

func TestStartRejectsInvalidInput(t *testing.T) {
	runner := scriptedRunner(nil)

	_, err := New(runner).Start(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = New(runner).Start(context.Background(), []task.Request{{Target: "  "}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	dup := New(runner, WithIDFunc(func(int, task.Request) string { return "same" }))
	_, err = dup.Start(context.Background(), requests("https://a", "https://b"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestStartTwice(t *testing.T) {
	o := New(scriptedRunner(map[string]script{"https://a": emits(task.Result(nil))}))
	run, err := o.Start(context.Background(), requests("https://a"))
	require.NoError(t, err)
	result(t, run)

	_, err = o.Start(context.Background(), requests("https://a"))
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestRunnerErrorBecomesTaskError(t *testing.T) {
	runner := scriptedRunner(map[string]script{
		"https://a": func(context.Context, func(task.Frame)) error {
			return &automation.ConnectionError{Target: "https://a", StatusCode: 503, Err: errors.New("unavailable")}
		},
	})

	run, err := New(runner).Start(context.Background(), requests("https://a"))
	require.NoError(t, err)
	rs := result(t, run)

	s := rs.Tasks["task-0"]
	assert.Equal(t, task.StatusError, s.Status)
	assert.Contains(t, s.Error, "HTTP 503")
}

func TestTerminalFrameWinsOverLaterError(t *testing.T) {
	runner := scriptedRunner(map[string]script{
		"https://a": func(ctx context.Context, emit func(task.Frame)) error {
			emit(task.Result(json.RawMessage(`1`)))
			return errors.New("connection reset")
		},
	})

	run, err := New(runner).Start(context.Background(), requests("https://a"))
	require.NoError(t, err)
	rs := result(t, run)
	assert.Equal(t, task.StatusComplete, rs.Tasks["task-0"].Status)
	assert.Empty(t, rs.Tasks["task-0"].Error)
}

func TestCancelMidRun(t *testing.T) {
	release := make(chan struct{})
	var running atomic.Int32

	waitRunning := func(ctx context.Context, emit func(task.Frame)) error {
		emit(task.Progress("working"))
		running.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}
	finishes := func(ctx context.Context, emit func(task.Frame)) error {
		<-release
		emit(task.Result(json.RawMessage(`"ok"`)))
		return nil
	}

	runner := scriptedRunner(map[string]script{
		"https://0": finishes,
		"https://1": finishes,
		"https://2": waitRunning,
		"https://3": waitRunning,
		"https://4": waitRunning,
	})

	var rec recorder
	run, err := New(runner, WithObserver(rec.observe)).Start(context.Background(),
		requests("https://0", "https://1", "https://2", "https://3", "https://4"))
	require.NoError(t, err)

	close(release)
	require.Eventually(t, func() bool {
		snap := run.Snapshot()
		return snap.Counts()[task.StatusComplete] == 2 && running.Load() == 3 &&
			snap.Counts()[task.StatusRunning] == 3
	}, 5*time.Second, 5*time.Millisecond)

	run.Cancel()
	rs := result(t, run)
	run.Wait()

	assert.Equal(t, task.PhaseComplete, rs.Phase)
	counts := rs.Counts()
	assert.Equal(t, 2, counts[task.StatusComplete])
	assert.Equal(t, 3, counts[task.StatusError])
	for _, id := range []string{"task-2", "task-3", "task-4"} {
		assert.Equal(t, ReasonCancelled, rs.Tasks[id].Error)
		assert.Equal(t, []string{"working"}, rs.Tasks[id].History)
	}

	// Cancelling again is harmless.
	run.Cancel()
	assert.Equal(t, rs.Tasks, run.Snapshot().Tasks)
}

func TestParentContextCancelsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := scriptedRunner(map[string]script{"https://a": blocks(task.Progress("hi"))})

	run, err := New(runner).Start(ctx, requests("https://a"))
	require.NoError(t, err)

	cancel()
	rs := result(t, run)
	assert.Equal(t, ReasonCancelled, rs.Tasks["task-0"].Error)
}

func TestTaskTimeout(t *testing.T) {
	runner := scriptedRunner(map[string]script{
		"https://slow": blocks(task.Progress("waiting")),
		"https://fast": emits(task.Result(json.RawMessage(`true`))),
	})

	run, err := New(runner, WithTaskTimeout(50*time.Millisecond)).Start(context.Background(),
		requests("https://slow", "https://fast"))
	require.NoError(t, err)
	rs := result(t, run)

	assert.Equal(t, task.StatusError, rs.Tasks["task-0"].Status)
	assert.Equal(t, ReasonTimedOut, rs.Tasks["task-0"].Error)
	assert.Equal(t, task.StatusComplete, rs.Tasks["task-1"].Status)
}

func TestTaskTimeoutWithRunnerIgnoringContext(t *testing.T) {
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	runner := scriptedRunner(map[string]script{
		"https://stuck": func(ctx context.Context, emit func(task.Frame)) error {
			emit(task.Progress("waiting"))
			<-stuck
			emit(task.Progress("too late"))
			return nil
		},
	})

	run, err := New(runner, WithTaskTimeout(50*time.Millisecond)).Start(context.Background(),
		requests("https://stuck"))
	require.NoError(t, err)
	rs := result(t, run)

	assert.Equal(t, task.PhaseComplete, rs.Phase)
	assert.Equal(t, task.StatusError, rs.Tasks["task-0"].Status)
	assert.Equal(t, ReasonTimedOut, rs.Tasks["task-0"].Error)
	assert.Equal(t, []string{"waiting"}, rs.Tasks["task-0"].History)
}

func TestCancelWithRunnerIgnoringContext(t *testing.T) {
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	runner := scriptedRunner(map[string]script{
		"https://stuck": func(ctx context.Context, emit func(task.Frame)) error {
			<-stuck
			return nil
		},
	})

	run, err := New(runner).Start(context.Background(), requests("https://stuck"))
	require.NoError(t, err)
	run.Cancel()
	rs := result(t, run)

	assert.Equal(t, ReasonCancelled, rs.Tasks["task-0"].Error)
}

func TestBoundedConcurrency(t *testing.T) {
	var active, peak atomic.Int32
	job := func(ctx context.Context, emit func(task.Frame)) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer active.Add(-1)

		emit(task.Progress("go"))
		time.Sleep(10 * time.Millisecond)
		emit(task.Result(json.RawMessage(`{"n":1}`)))
		return nil
	}

	scripts := map[string]script{}
	targets := make([]string, 8)
	for i := range targets {
		targets[i] = fmt.Sprintf("https://%d", i)
		scripts[targets[i]] = job
	}

	var rec recorder
	bounded, err := New(scriptedRunner(scripts), WithMaxConcurrency(2), WithObserver(rec.observe)).
		Start(context.Background(), requests(targets...))
	require.NoError(t, err)
	got := result(t, bounded)
	bounded.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))

	// Tasks waiting for a slot remain pending.
	for _, snap := range rec.all() {
		inFlight := snap.Counts()[task.StatusConnecting] + snap.Counts()[task.StatusRunning]
		assert.LessOrEqual(t, inFlight, 2)
	}

	unbounded, err := New(scriptedRunner(scripts)).Start(context.Background(), requests(targets...))
	require.NoError(t, err)
	want := result(t, unbounded)

	assert.Equal(t, stripTimes(want), stripTimes(got))
}

func TestOrderIndependence(t *testing.T) {
	delayed := func(d time.Duration, frames ...task.Frame) script {
		return func(ctx context.Context, emit func(task.Frame)) error {
			time.Sleep(d)
			for _, f := range frames {
				emit(f)
			}
			return nil
		}
	}

	build := func(slowFirst bool) task.RunState {
		d0, d1 := time.Duration(0), 30*time.Millisecond
		if slowFirst {
			d0, d1 = d1, d0
		}
		runner := scriptedRunner(map[string]script{
			"https://a": delayed(d0, task.Progress("a1"), task.Result(json.RawMessage(`"a"`))),
			"https://b": delayed(d1, task.Preview("https://live/b"), task.Failure("b failed")),
		})
		run, err := New(runner).Start(context.Background(), requests("https://a", "https://b"))
		require.NoError(t, err)
		return result(t, run)
	}

	assert.Equal(t, stripTimes(build(false)), stripTimes(build(true)))
}

func TestObserverSeesMonotonicStatus(t *testing.T) {
	runner := scriptedRunner(map[string]script{
		"https://a": emits(task.Preview("https://live/a"), task.Progress("one"), task.Progress("two"), task.Result(nil)),
		"https://b": emits(task.Progress("x"), task.Failure("")),
		"https://c": emits(task.Preview("https://live/c")),
	})

	var rec recorder
	run, err := New(runner, WithObserver(rec.observe)).Start(context.Background(),
		requests("https://a", "https://b", "https://c"))
	require.NoError(t, err)
	rs := result(t, run)

	seen := map[string]task.Status{}
	for _, snap := range rec.all() {
		for id, s := range snap.Tasks {
			prev, ok := seen[id]
			if ok && prev != s.Status {
				assert.True(t, prev.Precedes(s.Status), "%s moved %s -> %s", id, prev, s.Status)
			}
			seen[id] = s.Status
		}
	}

	assert.Equal(t, "null", string(rs.Tasks["task-0"].Result))
	assert.Empty(t, rs.Tasks["task-0"].Preview)
	assert.Equal(t, "unknown error", rs.Tasks["task-1"].Error)
	assert.Equal(t, ReasonEndedWithoutResult, rs.Tasks["task-2"].Error)
}

func TestOnUpdateAndDone(t *testing.T) {
	gate := make(chan struct{})
	runner := scriptedRunner(map[string]script{
		"https://a": func(ctx context.Context, emit func(task.Frame)) error {
			<-gate
			emit(task.Result(json.RawMessage(`1`)))
			return nil
		},
	})

	run, err := New(runner).Start(context.Background(), requests("https://a"))
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID())

	var rec recorder
	run.OnUpdate(rec.observe)
	run.OnUpdate(nil)
	close(gate)

	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not complete")
	}

	snaps := rec.all()
	require.NotEmpty(t, snaps)
	assert.Equal(t, task.PhaseComplete, snaps[len(snaps)-1].Phase)
}

func TestResultHonoursContext(t *testing.T) {
	runner := scriptedRunner(map[string]script{"https://a": blocks()})
	run, err := New(runner).Start(context.Background(), requests("https://a"))
	require.NoError(t, err)
	defer func() {
		run.Cancel()
		run.Wait()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	rs, err := run.Result(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, task.PhaseRunning, rs.Phase)
}

func TestDispatchRate(t *testing.T) {
	runner := scriptedRunner(map[string]script{
		"https://a": emits(task.Result(nil)),
		"https://b": emits(task.Result(nil)),
		"https://c": emits(task.Result(nil)),
	})

	start := time.Now()
	run, err := New(runner, WithDispatchRate(20, 1)).Start(context.Background(),
		requests("https://a", "https://b", "https://c"))
	require.NoError(t, err)
	rs := result(t, run)

	assert.Equal(t, 3, rs.Counts()[task.StatusComplete])
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

// stripTimes drops wall-clock fields so runs can be compared structurally.
func stripTimes(rs task.RunState) map[string]task.State {
	out := make(map[string]task.State, len(rs.Tasks))
	for id, s := range rs.Tasks {
		s.StartedAt = time.Time{}
		s.CompletedAt = nil
		out[id] = s
	}
	return out
}
