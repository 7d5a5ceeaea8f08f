package observability

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Server exposes health, metrics and any application routes mounted with
// Handle on one listener.
type Server struct {
	mux        *http.ServeMux
	httpServer *http.Server
}

// NewServer creates a server with health and metrics endpoints registered.
func NewServer(addr string, checker *HealthChecker) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", checker.HealthHandler())
	mux.HandleFunc("GET /health/live", LivenessHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadinessHandler())
	mux.Handle("GET /metrics", MetricsHandler())

	return &Server{
		mux: mux,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			// No WriteTimeout: run streams stay open for minutes.
			IdleTimeout: 120 * time.Second,
		},
	}
}

// Handle mounts an application route. The handler's request count and
// latency are recorded under pattern.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, Instrument(pattern, h))
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens until Shutdown is called. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Instrument wraps h with HTTP request metrics.
func Instrument(path string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		RecordHTTPRequest(r.Method, path, strconv.Itoa(rec.status), time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming handlers working behind the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
