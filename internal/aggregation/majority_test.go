package aggregation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func outcomes(results ...string) []TaskOutcome {
	out := make([]TaskOutcome, len(results))
	for i, r := range results {
		out[i] = TaskOutcome{ID: string(rune('a' + i)), Target: "site-" + string(rune('a'+i)), Result: json.RawMessage(r)}
	}
	return out
}

func TestMajoritySynthesizer(t *testing.T) {
	tests := []struct {
		name      string
		results   []TaskOutcome
		selected  string
		agreement float64
	}{
		{"single", outcomes(`{"in_stock":true}`), `{"in_stock":true}`, 1},
		{"clear majority", outcomes(`"Yes"`, `"no"`, `" yes "`), `"Yes"`, 2.0 / 3},
		{"key order ignored", outcomes(`{"a":1,"b":2}`, `{"b":2,"a":1}`, `{"a":3}`), `{"a":1,"b":2}`, 2.0 / 3},
		{"tie goes to first", outcomes(`1`, `2`), `1`, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := MajoritySynthesizer{}.Synthesize(context.Background(), "", tt.results)
			require.NoError(t, err)

			var doc struct {
				Selected  json.RawMessage `json:"selected"`
				Agreement float64         `json:"agreement"`
			}
			require.NoError(t, json.Unmarshal(s.Content, &doc))
			assert.JSONEq(t, tt.selected, string(doc.Selected))
			assert.InDelta(t, tt.agreement, doc.Agreement, 1e-9)
		})
	}
}

func TestMajoritySynthesizerText(t *testing.T) {
	s, err := MajoritySynthesizer{}.Synthesize(context.Background(), "", outcomes(`"x"`, `"X"`, `"y"`))
	require.NoError(t, err)
	assert.Equal(t, "2/3 sources agreed. Sources: site-a, site-b", s.Text)
}

func TestUnanimousSynthesizer(t *testing.T) {
	u := MajoritySynthesizer{Unanimous: true}
	assert.Equal(t, "unanimous", u.Name())

	_, err := u.Synthesize(context.Background(), "", outcomes(`"x"`, `"y"`))
	assert.ErrorContains(t, err, "unanimous vote failed")

	_, err = u.Synthesize(context.Background(), "", outcomes(`"x"`, `"x "`))
	assert.NoError(t, err)
}

func TestMajorityNoInputs(t *testing.T) {
	_, err := MajoritySynthesizer{}.Synthesize(context.Background(), "", nil)
	assert.Error(t, err)
}
