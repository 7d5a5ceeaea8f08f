// Package automation dispatches one job to a remote web-automation agent and
// relays the frames of its event stream.
package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tinyfish-io/fanout/internal/stream"
	"github.com/tinyfish-io/fanout/internal/task"
)

const (
	// DefaultEndpoint is the hosted automation API.
	DefaultEndpoint = "https://agent.tinyfish.ai/v1/automation/run-sse"

	readBufferSize = 32 * 1024
	maxErrorBody   = 512
)

// Runner executes one remote job, invoking onFrame synchronously for every
// decoded frame in arrival order. It returns nil when the stream ends, and an
// error when the connection cannot be established or breaks mid-flight.
type Runner interface {
	Run(ctx context.Context, req task.Request, onFrame func(task.Frame)) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req task.Request, onFrame func(task.Frame)) error

func (f RunnerFunc) Run(ctx context.Context, req task.Request, onFrame func(task.Frame)) error {
	return f(ctx, req, onFrame)
}

// ConnectionError reports that a job's stream could not be opened or read.
type ConnectionError struct {
	Target     string
	StatusCode int
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("automation request for %s failed: HTTP %d: %v", e.Target, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("automation request for %s failed: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ErrMissingAPIKey is returned when the client has no credentials.
var ErrMissingAPIKey = errors.New("automation API key is not configured")

// Config configures a Client.
type Config struct {
	Endpoint string
	APIKey   string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the automation API over HTTP.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	parser   *stream.Parser
	logger   *slog.Logger
}

// NewClient creates a client. The HTTP client carries no overall timeout;
// long-running streams are bounded by the caller's context instead.
func NewClient(cfg Config) *Client {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		http:     httpClient,
		parser:   stream.NewParser(stream.DefaultAliases),
		logger:   logger.With("component", "automation"),
	}
}

// Body builds the outbound JSON document. Options are merged at the top
// level but never override url or goal.
func Body(req task.Request) map[string]any {
	body := make(map[string]any, len(req.Options)+2)
	for k, v := range req.Options {
		body[k] = v
	}
	body["url"] = req.Target
	body["goal"] = req.Instruction
	return body
}

// Run implements Runner.
func (c *Client) Run(ctx context.Context, req task.Request, onFrame func(task.Frame)) error {
	if c.apiKey == "" {
		return &ConnectionError{Target: req.Target, Err: ErrMissingAPIKey}
	}

	payload, err := json.Marshal(Body(req))
	if err != nil {
		return fmt.Errorf("failed to marshal automation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return &ConnectionError{Target: req.Target, Err: err}
	}
	httpReq.Header.Set("X-API-Key", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ConnectionError{Target: req.Target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(snippet))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &ConnectionError{Target: req.Target, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}

	c.logger.Debug("stream opened", "target", req.Target, "latency", time.Since(start))

	return c.consume(ctx, req.Target, resp.Body, onFrame)
}

// consume reads the body until EOF, error or cancellation. Closing the body
// from a watcher goroutine unblocks a Read stuck on a silent connection.
func (c *Client) consume(ctx context.Context, target string, body io.ReadCloser, onFrame func(task.Frame)) error {
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()

	dec := stream.NewDecoder()
	buf := make([]byte, readBufferSize)
	emit := func(payloads []string) bool {
		for _, p := range payloads {
			if ctx.Err() != nil {
				return false
			}
			for _, f := range c.parser.Frames(p) {
				onFrame(f)
			}
		}
		return true
	}

	for {
		n, err := body.Read(buf)
		if n > 0 {
			if !emit(dec.Feed(buf[:n])) {
				return ctx.Err()
			}
		}
		if errors.Is(err, io.EOF) {
			emit(dec.Flush())
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &ConnectionError{Target: target, Err: err}
		}
	}
}
