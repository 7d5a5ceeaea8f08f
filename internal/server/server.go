// Package server relays orchestration runs to HTTP clients as server-sent
// events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/tinyfish-io/fanout/internal/aggregation"
	"github.com/tinyfish-io/fanout/internal/automation"
	"github.com/tinyfish-io/fanout/internal/orchestration"
	"github.com/tinyfish-io/fanout/internal/task"
)

// SSE event names.
const (
	EventStarted   = "started"
	EventSnapshot  = "snapshot"
	EventAggregate = "aggregate"
)

const (
	maxBodyBytes   = 1 << 20
	snapshotBuffer = 64
)

// RunRequest is the body of POST /v1/runs.
type RunRequest struct {
	Query    string         `json:"query"`
	Requests []task.Request `json:"requests"`
}

// Publisher mirrors runs to other processes.
type Publisher interface {
	Observer(ctx context.Context) func(task.RunState)
	PublishAggregate(ctx context.Context, agg aggregation.Aggregate) error
}

// Config configures a Handler.
type Config struct {
	Runner     automation.Runner
	Aggregator *aggregation.Aggregator
	// Options are applied to every run's orchestrator.
	Options   []orchestration.Option
	Publisher Publisher
	// Middleware wraps every route, for authentication and rate limiting.
	Middleware func(http.Handler) http.Handler
	Logger     *slog.Logger
}

// Handler serves the run API.
type Handler struct {
	runner     automation.Runner
	aggregator *aggregation.Aggregator
	options    []orchestration.Option
	publisher  Publisher
	middleware func(http.Handler) http.Handler
	logger     *slog.Logger

	mu   sync.RWMutex
	runs map[string]*orchestration.Run
}

// New creates a Handler.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	agg := cfg.Aggregator
	if agg == nil {
		agg = aggregation.New(nil, aggregation.WithLogger(logger))
	}
	return &Handler{
		runner:     cfg.Runner,
		aggregator: agg,
		options:    cfg.Options,
		publisher:  cfg.Publisher,
		middleware: cfg.Middleware,
		logger:     logger.With("component", "server"),
		runs:       make(map[string]*orchestration.Run),
	}
}

// Mux is satisfied by *http.ServeMux and the observability server.
type Mux interface {
	Handle(pattern string, handler http.Handler)
}

// Register mounts the run API on mux.
func (h *Handler) Register(mux Mux) {
	mux.Handle("POST /v1/runs", h.wrap(h.handleStartRun))
	mux.Handle("GET /v1/runs/{id}", h.wrap(h.handleGetRun))
	mux.Handle("DELETE /v1/runs/{id}", h.wrap(h.handleCancelRun))
}

func (h *Handler) wrap(fn http.HandlerFunc) http.Handler {
	if h.middleware == nil {
		return fn
	}
	return h.middleware(fn)
}

// Active returns the IDs of runs still streaming.
func (h *Handler) Active() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.runs))
	for id := range h.runs {
		ids = append(ids, id)
	}
	return ids
}

// handleStartRun starts a run and streams it until the aggregate is sent.
// The run is cancelled if the client goes away.
func (h *Handler) handleStartRun(w http.ResponseWriter, r *http.Request) {
	req, err := parseRunRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("streaming not supported")
		h.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	snapshots := make(chan task.RunState, snapshotBuffer)
	opts := append([]orchestration.Option{
		orchestration.WithLogger(h.logger),
		orchestration.WithObserver(func(rs task.RunState) {
			select {
			case snapshots <- rs:
			default:
				// The client is behind; the final snapshot is sent from Done.
			}
		}),
	}, h.options...)
	if h.publisher != nil {
		opts = append(opts, orchestration.WithObserver(h.publisher.Observer(context.WithoutCancel(ctx))))
	}

	run, err := orchestration.New(h.runner, opts...).Start(ctx, req.Requests)
	if errors.Is(err, orchestration.ErrInvalidInput) {
		h.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to start run", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.track(run)
	defer h.untrack(run.ID())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Run-ID", run.ID())

	h.writeSSEEvent(w, EventStarted, map[string]string{"run_id": run.ID()})
	flusher.Flush()

	for {
		select {
		case rs := <-snapshots:
			if rs.Phase == task.PhaseComplete {
				continue
			}
			h.writeSSEEvent(w, EventSnapshot, rs)
			flusher.Flush()

		case <-run.Done():
			final := run.Snapshot()
			h.writeSSEEvent(w, EventSnapshot, final)

			agg := h.aggregator.Compose(ctx, final, req.Query)
			h.writeSSEEvent(w, EventAggregate, agg)
			flusher.Flush()

			if h.publisher != nil {
				if err := h.publisher.PublishAggregate(context.WithoutCancel(ctx), agg); err != nil {
					h.logger.Warn("failed to publish aggregate", "run_id", run.ID(), "error", err)
				}
			}
			return

		case <-ctx.Done():
			h.logger.Info("client disconnected, run cancelled", "run_id", run.ID())
			return
		}
	}
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookup(r.PathValue("id"))
	if !ok {
		h.sendJSONError(w, http.StatusNotFound, "run not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(run.Snapshot())
}

func (h *Handler) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookup(r.PathValue("id"))
	if !ok {
		h.sendJSONError(w, http.StatusNotFound, "run not found")
		return
	}
	run.Cancel()
	w.WriteHeader(http.StatusAccepted)
}

// CancelAll cancels every active run. Their streams still end with the
// final snapshot and aggregate.
func (h *Handler) CancelAll() {
	h.mu.RLock()
	runs := make([]*orchestration.Run, 0, len(h.runs))
	for _, run := range h.runs {
		runs = append(runs, run)
	}
	h.mu.RUnlock()

	for _, run := range runs {
		run.Cancel()
	}
}

func (h *Handler) track(run *orchestration.Run) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs[run.ID()] = run
}

func (h *Handler) untrack(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.runs, id)
}

func (h *Handler) lookup(id string) (*orchestration.Run, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	run, ok := h.runs[id]
	return run, ok
}

// writeSSEEvent writes one named event with a JSON data line.
func (h *Handler) writeSSEEvent(w io.Writer, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal SSE data", "event", event, "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSONError writes a JSON error response.
func (h *Handler) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// parseRunRequest decodes and validates a RunRequest.
func parseRunRequest(r io.Reader) (*RunRequest, error) {
	var req RunRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if len(req.Requests) == 0 {
		return nil, errors.New("requests is required")
	}
	return &req, nil
}
