package aggregation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// MajoritySynthesizer picks the result most targets agree on. It suits runs
// that ask several sites the same question. Results are compared after
// canonicalizing JSON, so key order and string case or spacing do not count
// as disagreement.
type MajoritySynthesizer struct {
	// Unanimous makes any disagreement a synthesis failure.
	Unanimous bool
}

func (m MajoritySynthesizer) Name() string {
	if m.Unanimous {
		return "unanimous"
	}
	return "majority"
}

// Vote is the tally for one distinct result.
type Vote struct {
	Result  json.RawMessage `json:"result"`
	Sources []string        `json:"sources"`
}

// Synthesize implements Synthesizer. Ties go to the result seen first in
// input order.
func (m MajoritySynthesizer) Synthesize(_ context.Context, _ string, results []TaskOutcome) (Summary, error) {
	if len(results) == 0 {
		return Summary{}, fmt.Errorf("no inputs to vote on")
	}

	votes := tally(results)
	winner := votes[0]
	for _, v := range votes[1:] {
		if len(v.Sources) > len(winner.Sources) {
			winner = v
		}
	}

	if m.Unanimous && len(votes) > 1 {
		return Summary{}, fmt.Errorf("unanimous vote failed: %d different results across %d sources", len(votes), len(results))
	}

	doc, err := json.Marshal(struct {
		Selected  json.RawMessage `json:"selected"`
		Agreement float64         `json:"agreement"`
		Votes     []Vote          `json:"votes"`
	}{
		Selected:  winner.Result,
		Agreement: float64(len(winner.Sources)) / float64(len(results)),
		Votes:     votes,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("failed to encode vote: %w", err)
	}

	return Summary{
		Text: fmt.Sprintf("%d/%d sources agreed. Sources: %s",
			len(winner.Sources), len(results), strings.Join(winner.Sources, ", ")),
		Content: doc,
	}, nil
}

// tally groups results by canonical form, keeping first-seen order.
func tally(results []TaskOutcome) []Vote {
	var votes []Vote
	index := make(map[string]int)
	for _, r := range results {
		key := canonical(r.Result)
		i, ok := index[key]
		if !ok {
			i = len(votes)
			index[key] = i
			votes = append(votes, Vote{Result: r.Result})
		}
		votes[i].Sources = append(votes[i].Sources, r.Target)
	}
	return votes
}

// canonical re-encodes a payload with sorted keys and normalized strings.
func canonical(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return normalizeContent(string(raw))
	}
	out, err := json.Marshal(normalizeValue(v))
	if err != nil {
		return normalizeContent(string(raw))
	}
	return string(out)
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return normalizeContent(t)
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeValue(val)
		}
		return t
	default:
		return v
	}
}

// normalizeContent trims, lowercases and collapses whitespace.
func normalizeContent(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}
