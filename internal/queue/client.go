package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"worker/internal/domain"
	"worker/internal/infra"
)

// Options configures the job queue client.
type Options struct {
	BaseURL        string
	AuthKey        string
	WorkerName     string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls against the remote job queue: pop at most one
// job, submit finished generations, cancel a failed job with a reason.
type Client struct {
	baseURL    string
	authKey    string
	workerName string
	httpClient *http.Client
	logger     *infra.Logger
}

// NewClient constructs a client with sane defaults and injected
// dependencies.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("queue: base url is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		discard := infra.Logger(zerolog.New(io.Discard))
		logger = &discard
	}
	return &Client{
		baseURL:    baseURL,
		authKey:    strings.TrimSpace(opts.AuthKey),
		workerName: opts.WorkerName,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Pop requests at most one job. A nil job with a nil error means the queue
// is empty.
func (c *Client) Pop(ctx context.Context) (*domain.Job, error) {
	raw, status, err := c.post(ctx, "/pop", map[string]any{"worker": c.workerName})
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil, nil
	}
	job, err := domain.DecodeJob(raw)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	c.logger.Debug().Str("job_id", job.ID).Str("model", job.ModelID).Msg("queue: popped job")
	return job, nil
}

// Submit reports finished generations for a job.
func (c *Client) Submit(ctx context.Context, jobID string, generations []domain.Generation) error {
	_, _, err := c.post(ctx, "/submit", map[string]any{
		"id":          jobID,
		"generations": generations,
	})
	return err
}

// Cancel reports a terminal failure for a job. The reason travels with the
// cancellation so the upstream record carries a meaningful message.
func (c *Client) Cancel(ctx context.Context, jobID, reason string) error {
	_, _, err := c.post(ctx, "/cancel", map[string]any{
		"id":     jobID,
		"reason": reason,
	})
	return err
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("queue: encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("queue: build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.authKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("queue: %s: %w", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("queue: read %s response: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		return nil, resp.StatusCode, fmt.Errorf("queue: %s status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, resp.StatusCode, nil
}
