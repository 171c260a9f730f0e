package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"worker/internal/infra"
	"worker/internal/workflow"
)

// Status is the lifecycle state of a submitted execution.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether the status ends the execution's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// Execution is the handle for one submitted graph, driven only by polling.
type Execution struct {
	PromptID    string
	SubmittedAt time.Time
	Status      Status
	EngineError string
}

// Options configures the engine HTTP client.
type Options struct {
	BaseURL        string
	ClientID       string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	PollRetries    int
	RequestTimeout time.Duration
}

// Client talks to the generation engine's HTTP API: submit a compiled
// graph, poll its history to a terminal state, fetch produced files.
type Client struct {
	baseURL     string
	clientID    string
	httpClient  *http.Client
	logger      *infra.Logger
	pollRetries int
}

// NewClient constructs a client with sane defaults and injected
// dependencies.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8188"
	}
	clientID := strings.TrimSpace(opts.ClientID)
	if clientID == "" {
		clientID = uuid.NewString()
	}
	retries := opts.PollRetries
	if retries <= 0 {
		retries = 5
	}
	logger := opts.Logger
	if logger == nil {
		discard := infra.Logger(zerolog.New(io.Discard))
		logger = &discard
	}
	return &Client{
		baseURL:     baseURL,
		clientID:    clientID,
		httpClient:  httpClient,
		logger:      logger,
		pollRetries: retries,
	}
}

type submitRequest struct {
	Prompt   workflow.Graph `json:"prompt"`
	ClientID string         `json:"client_id"`
}

type submitResponse struct {
	PromptID string         `json:"prompt_id"`
	Error    *engineError   `json:"error"`
	NodeErrs map[string]any `json:"node_errors"`
}

type engineError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Details string `json:"details"`
}

func (e *engineError) String() string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{e.Type, e.Message, e.Details} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ": ")
}

// Submit posts the compiled graph and returns the engine's prompt id.
func (c *Client) Submit(ctx context.Context, graph workflow.Graph) (string, error) {
	body, err := json.Marshal(submitRequest{Prompt: graph, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("engine: encode prompt: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("engine: build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("engine: submit: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("engine: read submit response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var decoded submitResponse
		if err := json.Unmarshal(raw, &decoded); err == nil && decoded.Error != nil {
			return "", fmt.Errorf("engine: submit rejected: %s", decoded.Error.String())
		}
		return "", fmt.Errorf("engine: submit status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var decoded submitResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("engine: decode submit response: %w", err)
	}
	if decoded.PromptID == "" {
		return "", fmt.Errorf("engine: submit returned no prompt id")
	}
	c.logger.Debug().Str("prompt_id", decoded.PromptID).Msg("engine: graph submitted")
	return decoded.PromptID, nil
}

// historyEntry mirrors one /history/{id} record. A terminal record carries
// either per-node outputs or an error.
type historyEntry struct {
	Outputs map[string]nodeOutput `json:"outputs"`
	Status  struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
	Error *engineError `json:"error"`
}

type nodeOutput struct {
	Images []outputFile `json:"images"`
	Gifs   []outputFile `json:"gifs"`
	Videos []outputFile `json:"videos"`
}

type outputFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

func (e *historyEntry) failed() bool {
	return e.Error != nil || e.Status.StatusStr == "error"
}

func (e *historyEntry) failureMessage() string {
	if msg := e.Error.String(); msg != "" {
		return msg
	}
	return "execution failed"
}

// history fetches the record for a prompt id. A false second return means
// the engine has no terminal record yet.
func (c *Client) history(ctx context.Context, promptID string) (*historyEntry, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, false, fmt.Errorf("engine: build history request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("engine: history: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("engine: read history: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("engine: history status %d", resp.StatusCode)
	}
	var byID map[string]historyEntry
	if err := json.Unmarshal(raw, &byID); err != nil {
		return nil, false, fmt.Errorf("engine: decode history: %w", err)
	}
	entry, ok := byID[promptID]
	if !ok {
		return nil, false, nil
	}
	return &entry, true, nil
}

// Poll drives the execution to a terminal state with a fixed-interval loop
// bounded by the overall timeout. Transient errors are retried a bounded
// number of times at the same interval; exhausting them, like exhausting
// the deadline, yields TimedOut rather than Failed so the same compiled
// graph stays eligible for a retry submission.
func (c *Client) Poll(ctx context.Context, promptID string, interval, timeout time.Duration) (Execution, error) {
	exec := Execution{PromptID: promptID, SubmittedAt: time.Now(), Status: StatusQueued}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			exec.Status = StatusTimedOut
			return exec, ctx.Err()
		case <-deadline.C:
			exec.Status = StatusTimedOut
			return exec, nil
		case <-ticker.C:
		}

		entry, found, err := c.history(ctx, promptID)
		if err != nil {
			failures++
			c.logger.Debug().Err(err).Int("failures", failures).Str("prompt_id", promptID).Msg("engine: poll error")
			if failures > c.pollRetries {
				exec.Status = StatusTimedOut
				return exec, nil
			}
			continue
		}
		failures = 0
		if !found {
			exec.Status = StatusRunning
			continue
		}
		if entry.failed() {
			exec.Status = StatusFailed
			exec.EngineError = entry.failureMessage()
			return exec, nil
		}
		exec.Status = StatusCompleted
		return exec, nil
	}
}

// Cancel asks the engine to interrupt the execution. Best effort only; the
// engine-side work is not guaranteed to stop.
func (c *Client) Cancel(ctx context.Context, promptID string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/interrupt", nil)
	if err != nil {
		return
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("prompt_id", promptID).Msg("engine: cancel failed")
		return
	}
	resp.Body.Close()
	c.logger.Info().Str("prompt_id", promptID).Msg("engine: cancel requested")
}

// Healthy probes the engine's liveness endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 300
}

// view downloads one produced file from the engine.
func (c *Client) view(ctx context.Context, file outputFile) ([]byte, error) {
	query := url.Values{}
	query.Set("filename", file.Filename)
	query.Set("subfolder", file.Subfolder)
	query.Set("type", file.Type)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("engine: build view request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine: view %s: %w", file.Filename, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("engine: view %s: status %d", file.Filename, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("engine: view %s: %w", file.Filename, err)
	}
	return data, nil
}
