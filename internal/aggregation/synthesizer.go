package aggregation

import (
	"context"
	"encoding/json"
	"fmt"
)

// Synthesizer composes a summary from the successful results of a run, in
// input order, and the caller's original query.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, query string, results []TaskOutcome) (Summary, error)
}

// JSONSynthesizer is the deterministic default: it collects the successful
// results into one ordered JSON document without any external call.
type JSONSynthesizer struct{}

func (JSONSynthesizer) Name() string { return "json" }

type jsonEntry struct {
	ID     string          `json:"id"`
	Target string          `json:"target"`
	Result json.RawMessage `json:"result"`
}

func (JSONSynthesizer) Synthesize(_ context.Context, _ string, results []TaskOutcome) (Summary, error) {
	entries := make([]jsonEntry, len(results))
	for i, r := range results {
		entries[i] = jsonEntry{ID: r.ID, Target: r.Target, Result: r.Result}
	}

	doc, err := json.Marshal(entries)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to encode results: %w", err)
	}

	noun := "results"
	if len(results) == 1 {
		noun = "result"
	}
	return Summary{
		Text:    fmt.Sprintf("%d %s", len(results), noun),
		Content: doc,
	}, nil
}
