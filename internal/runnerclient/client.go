// Package runnerclient issues submit, pull, terminate and probe calls against
// one runner. It never decides liveness and never mutates a Job.
package runnerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"jobsupervisor/internal/job"
	"jobsupervisor/internal/protocol"
	"jobsupervisor/pkg/backoff"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	maxResponseBytes = 32 << 20
	maxErrorBody     = 512
)

// Client talks to a single runner in one dialect.
type Client struct {
	baseURL       string
	http          *http.Client
	codec         protocol.Codec
	submitRetries int
	backoff       *backoff.Policy
	now           func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSubmitRetries sets how many times a transient submit failure is retried.
func WithSubmitRetries(n int) Option {
	return func(c *Client) { c.submitRetries = n }
}

// WithBackoff sets the delay between submit retries.
func WithBackoff(p *backoff.Policy) Option {
	return func(c *Client) { c.backoff = p }
}

// WithClock sets the clock used to stamp poll receipt.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a client for the runner at baseURL.
func New(baseURL string, dialect job.Dialect, opts ...Option) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		http:          &http.Client{Timeout: 30 * time.Second},
		codec:         protocol.For(dialect),
		submitRetries: 3,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dialect returns the dialect the client speaks.
func (c *Client) Dialect() job.Dialect {
	return c.codec.Dialect()
}

// WithDialect returns a copy of the client speaking d.
func (c *Client) WithDialect(d job.Dialect) *Client {
	cp := *c
	cp.codec = protocol.For(d)
	return &cp
}

// Healthcheck returns the runner's service name and version.
func (c *Client) Healthcheck(ctx context.Context) (*protocol.HealthcheckResponse, error) {
	data, err := c.do(ctx, "healthcheck", http.MethodGet, protocol.PathHealthcheck, nil)
	if err != nil {
		return nil, err
	}
	var resp protocol.HealthcheckResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &protocol.Error{Dialect: c.Dialect(), Op: "healthcheck.decode", Err: err}
	}
	return &resp, nil
}

// Detect probes the runner version and returns a client in the matching dialect.
func (c *Client) Detect(ctx context.Context, minCurrentVersion string) (*Client, string, error) {
	hc, err := c.Healthcheck(ctx)
	if err != nil {
		return nil, "", err
	}
	return c.WithDialect(protocol.DetectDialect(hc.Version, minCurrentVersion)), hc.Version, nil
}

// Submit delivers the envelope for a task. A 409 means the runner already
// holds the task and is treated as an ack, so retries are safe.
func (c *Client) Submit(ctx context.Context, taskID string, env *job.Envelope) error {
	body := c.codec.EncodeSubmit(taskID, env)
	logger := slog.With("runnerUrl", c.baseURL, "taskId", taskID, "dialect", c.Dialect())

	var err error
	for attempt := 0; attempt <= c.submitRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff.Delay(attempt)
			logger.Warn("Retrying submit", "attempt", attempt, "delay", delay, "error", err)
			if err := backoff.Sleep(ctx, delay); err != nil {
				return err
			}
		}

		_, err = c.do(ctx, "submit", http.MethodPost, protocol.PathSubmit, body)
		if err == nil || IsConflict(err) {
			return nil
		}
		if !IsTransient(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

// Pull fetches events at or after since (unix ms) and decodes them.
func (c *Client) Pull(ctx context.Context, since int64) (*job.PollResult, error) {
	data, err := c.do(ctx, "pull", http.MethodGet, c.codec.PullPath(since), nil)
	if err != nil {
		return nil, err
	}
	return c.codec.DecodePull(data, c.now())
}

// Terminate asks the runner to stop the task.
func (c *Client) Terminate(ctx context.Context, req job.TerminateRequest) error {
	path, body := c.codec.EncodeTerminate(req)
	_, err := c.do(ctx, "terminate", http.MethodPost, path, body)
	return err
}

// Metrics returns a resource usage sample.
func (c *Client) Metrics(ctx context.Context) (*job.Metrics, error) {
	data, err := c.do(ctx, "metrics", http.MethodGet, protocol.PathMetrics, nil)
	if err != nil {
		return nil, err
	}
	var m job.Metrics
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &protocol.Error{Dialect: c.Dialect(), Op: "metrics.decode", Err: err}
	}
	return &m, nil
}

// Task returns the runner-side task record.
func (c *Client) Task(ctx context.Context) (*protocol.TaskInfo, error) {
	data, err := c.do(ctx, "task", http.MethodGet, protocol.PathTask, nil)
	if err != nil {
		return nil, err
	}
	var info protocol.TaskInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, &protocol.Error{Dialect: c.Dialect(), Op: "task.decode", Err: err}
	}
	return &info, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("runner %s: marshal: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("runner %s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransientError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	if retryableStatus(resp.StatusCode) {
		return nil, &TransientError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", truncate(data))}
	}
	return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: truncate(data)}
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}
