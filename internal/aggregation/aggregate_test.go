package aggregation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinyfish-io/fanout/internal/task"
)

type MockSynthesizer struct {
	mock.Mock
}

func (m *MockSynthesizer) Name() string { return "mock" }

func (m *MockSynthesizer) Synthesize(ctx context.Context, query string, results []TaskOutcome) (Summary, error) {
	args := m.Called(ctx, query, results)
	return args.Get(0).(Summary), args.Error(1)
}

func finishedRun() task.RunState {
	now := time.Now()
	a := task.NewState("task-0", task.Request{Target: "https://a.example"}, now)
	a, _ = task.Apply(a, task.Progress("step1"), now)
	a, _ = task.Apply(a, task.Result(json.RawMessage(`{"found":true}`)), now)

	b := task.NewState("task-1", task.Request{Target: "https://b.example"}, now)
	b, _ = task.Apply(b, task.Failure("site unreachable"), now)

	c := task.NewState("task-2", task.Request{Target: "https://c.example"}, now)
	c, _ = task.Apply(c, task.Failure("ended without result"), now)

	return task.RunState{
		ID:    "run-1",
		Phase: task.PhaseComplete,
		Order: []string{"task-0", "task-1", "task-2"},
		Tasks: map[string]task.State{"task-0": a, "task-1": b, "task-2": c},
	}
}

func TestComposeEndToEnd(t *testing.T) {
	agg := New(nil).Compose(context.Background(), finishedRun(), "is it in stock?")

	require.Len(t, agg.PerTask, 3)
	assert.Equal(t, "task-0", agg.PerTask[0].ID)
	assert.Equal(t, task.StatusComplete, agg.PerTask[0].Status)
	assert.Equal(t, "site unreachable", agg.PerTask[1].Error)
	assert.Equal(t, "ended without result", agg.PerTask[2].Error)
	assert.Empty(t, agg.PerTask[1].Result)
	assert.Equal(t, 1, agg.Succeeded)
	assert.Equal(t, 2, agg.Failed)

	assert.False(t, agg.Summary.NoResults)
	assert.Equal(t, "json", agg.Summary.Synthesizer)
	assert.JSONEq(t, `[{"id":"task-0","target":"https://a.example","result":{"found":true}}]`, string(agg.Summary.Content))
}

func TestComposeOnlySuccessesReachSynthesizer(t *testing.T) {
	synth := new(MockSynthesizer)
	synth.On("Synthesize", mock.Anything, "q", mock.MatchedBy(func(rs []TaskOutcome) bool {
		return len(rs) == 1 && rs[0].ID == "task-0"
	})).Return(Summary{Text: "found at a"}, nil).Once()

	agg := New(synth).Compose(context.Background(), finishedRun(), "q")

	synth.AssertExpectations(t)
	assert.Equal(t, "found at a", agg.Summary.Text)
	assert.Equal(t, "mock", agg.Summary.Synthesizer)
}

func TestComposeNoResults(t *testing.T) {
	rs := finishedRun()
	delete(rs.Tasks, "task-0")
	rs.Order = rs.Order[1:]

	synth := new(MockSynthesizer)
	agg := New(synth).Compose(context.Background(), rs, "q")

	synth.AssertNotCalled(t, "Synthesize", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, NoResults(), agg.Summary)
	assert.Len(t, agg.PerTask, 2)
}

func TestComposeSynthesisFailureDegrades(t *testing.T) {
	synth := new(MockSynthesizer)
	synth.On("Synthesize", mock.Anything, "q", mock.Anything).
		Return(Summary{}, errors.New("rate limited")).Once()

	agg := New(synth).Compose(context.Background(), finishedRun(), "q")

	synth.AssertNumberOfCalls(t, "Synthesize", 1)
	assert.True(t, agg.Summary.NoResults)
	assert.Equal(t, NoResultsText, agg.Summary.Text)
	assert.Contains(t, agg.Summary.Error, "rate limited")
	assert.Len(t, agg.PerTask, 3)
}

func TestComposeSynthesisTimeout(t *testing.T) {
	synth := new(MockSynthesizer)
	synth.On("Synthesize", mock.Anything, "", mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(Summary{}, context.DeadlineExceeded)

	agg := New(synth, WithTimeout(20*time.Millisecond)).Compose(context.Background(), finishedRun(), "")
	assert.True(t, agg.Summary.NoResults)
	assert.Contains(t, agg.Summary.Error, "deadline exceeded")
}

func TestSynthesisErrorUnwraps(t *testing.T) {
	err := error(&SynthesisError{Synthesizer: "openai", Err: context.Canceled})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "synthesis with openai failed: context canceled", err.Error())
}

func TestOutcomesFollowInputOrder(t *testing.T) {
	rs := finishedRun()
	rs.Order = []string{"task-2", "task-0", "task-1"}

	var ids []string
	for _, o := range Outcomes(rs) {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []string{"task-2", "task-0", "task-1"}, ids)
}

func TestJSONSynthesizerText(t *testing.T) {
	s, err := JSONSynthesizer{}.Synthesize(context.Background(), "", []TaskOutcome{
		{ID: "a", Target: "t", Result: json.RawMessage(`1`)},
		{ID: "b", Target: "u", Result: json.RawMessage(`2`)},
	})
	require.NoError(t, err)
	assert.Equal(t, "2 results", s.Text)
}
