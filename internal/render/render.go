// Package render prints run progress and results for terminal users.
package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/tinyfish-io/fanout/internal/aggregation"
	"github.com/tinyfish-io/fanout/internal/task"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// maxResultWidth truncates result payloads in the summary table.
const maxResultWidth = 120

// Renderer writes one line per observed change. It is safe to use as a run
// observer.
type Renderer struct {
	w io.Writer

	mu      sync.Mutex
	status  map[string]task.Status
	history map[string]int
	preview map[string]string
}

func New(w io.Writer) *Renderer {
	return &Renderer{
		w:       w,
		status:  make(map[string]task.Status),
		history: make(map[string]int),
		preview: make(map[string]string),
	}
}

// Observe prints what changed since the previous snapshot.
func (r *Renderer) Observe(rs task.RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range rs.Ordered() {
		label := fmt.Sprintf("%s %s", bold(s.ID), gray(s.Request.Target))

		for _, msg := range s.History[min(r.history[s.ID], len(s.History)):] {
			fmt.Fprintf(r.w, "%s %s %s\n", cyan("…"), label, msg)
		}
		r.history[s.ID] = len(s.History)

		if s.Preview != "" && s.Preview != r.preview[s.ID] {
			fmt.Fprintf(r.w, "%s %s live preview %s\n", cyan("◉"), label, s.Preview)
		}
		r.preview[s.ID] = s.Preview

		if prev, seen := r.status[s.ID]; seen && prev == s.Status {
			continue
		}
		r.status[s.ID] = s.Status

		switch s.Status {
		case task.StatusComplete:
			fmt.Fprintf(r.w, "%s %s complete\n", green("✓"), label)
		case task.StatusError:
			fmt.Fprintf(r.w, "%s %s %s\n", red("✗"), label, s.Error)
		case task.StatusConnecting:
			fmt.Fprintf(r.w, "%s %s connecting\n", yellow("→"), label)
		}
	}
}

// Aggregate prints the per-task table and the summary.
func (r *Renderer) Aggregate(agg aggregation.Aggregate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintf(r.w, "\n%s %d succeeded, %d failed\n", bold("Run "+agg.RunID), agg.Succeeded, agg.Failed)
	for _, o := range agg.PerTask {
		switch o.Status {
		case task.StatusComplete:
			fmt.Fprintf(r.w, "  %s %-8s %s %s\n", green("✓"), o.ID, o.Target, gray(truncate(compact(o.Result), maxResultWidth)))
		default:
			fmt.Fprintf(r.w, "  %s %-8s %s %s\n", red("✗"), o.ID, o.Target, o.Error)
		}
	}

	s := agg.Summary
	switch {
	case s.NoResults && s.Error != "":
		fmt.Fprintf(r.w, "\n%s %s (%s)\n", yellow("Summary:"), s.Text, s.Error)
	case s.NoResults:
		fmt.Fprintf(r.w, "\n%s %s\n", yellow("Summary:"), s.Text)
	default:
		fmt.Fprintf(r.w, "\n%s %s\n", bold("Summary ("+s.Synthesizer+"):"), s.Text)
		if len(s.Content) > 0 && !strings.Contains(s.Text, string(s.Content)) {
			fmt.Fprintln(r.w, indent(s.Content))
		}
	}
}

func compact(raw json.RawMessage) string {
	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		return string(raw)
	}
	return b.String()
}

func indent(raw json.RawMessage) string {
	var b bytes.Buffer
	if err := json.Indent(&b, raw, "", "  "); err != nil {
		return string(raw)
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
