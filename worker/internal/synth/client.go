package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"revoice/worker/internal/config"

	"go.uber.org/zap"
)

// Sentinel errors used by callers to distinguish retryable failures
// from ones that will never succeed.
var (
	// ErrUnavailable marks transient failures: network errors, 5xx responses.
	ErrUnavailable = errors.New("synthesis service unavailable")
	// ErrInvalidRequest marks requests the service rejected outright.
	ErrInvalidRequest = errors.New("invalid synthesis request")
	// ErrTaskNotFound is returned when the service no longer knows the task.
	ErrTaskNotFound = errors.New("synthesis task not found")
)

// Client handles synthesis service API calls.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// SynthesisRequest represents an asynchronous synthesis request.
type SynthesisRequest struct {
	Text            string `json:"text"`
	VoiceSample     string `json:"voice_sample"`
	Quality         string `json:"quality,omitempty"`
	PreserveAccent  bool   `json:"preserve_accent"`
	PreserveEmotion bool   `json:"preserve_emotion"`
}

// TaskStatus represents the service-side state of a synthesis task.
type TaskStatus struct {
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	OutputPath string `json:"output_path,omitempty"`
	Error      string `json:"error,omitempty"`
}

// submitResponse is the acknowledgement returned by POST /synthesize.
type submitResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// NewClient creates a new synthesis client.
func NewClient(cfg config.SynthConfig, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger,
	}
}

// Submit enqueues a synthesis request and returns the task id assigned by
// the service. The service processes the request asynchronously; callers
// poll Status until the task reaches a terminal state.
func (c *Client) Submit(ctx context.Context, req SynthesisRequest) (string, error) {
	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/synthesize", c.baseURL)
	resp, err := c.do(ctx, "POST", url, bodyBytes)
	if err != nil {
		return "", fmt.Errorf("failed to call synthesis API: %w", err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return "", err
	}

	var ack submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if ack.TaskID == "" {
		return "", fmt.Errorf("synthesis API returned empty task id")
	}

	c.logger.Debug("synthesis task submitted", zap.String("synth_task_id", ack.TaskID))
	return ack.TaskID, nil
}

// Status fetches the current state of a synthesis task.
func (c *Client) Status(ctx context.Context, taskID string) (*TaskStatus, error) {
	url := fmt.Sprintf("%s/status/%s", c.baseURL, taskID)
	resp, err := c.do(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call synthesis API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}
	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	var status TaskStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &status, nil
}

// FetchResult downloads the synthesized audio for a completed task.
// outputPath is the path reported by Status; relative paths are resolved
// against the service base URL.
func (c *Client) FetchResult(ctx context.Context, outputPath string) (io.ReadCloser, error) {
	if outputPath == "" {
		return nil, fmt.Errorf("empty output path: %w", ErrInvalidRequest)
	}

	url := outputPath
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = c.baseURL + "/" + strings.TrimLeft(outputPath, "/")
	}

	resp, err := c.do(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download audio: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("result %s: %w", outputPath, ErrTaskNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to download audio: status %d: %w", resp.StatusCode, ErrUnavailable)
	}

	return resp.Body, nil
}

// Remove deletes a task and its result on the service side. Removing an
// unknown task is not an error.
func (c *Client) Remove(ctx context.Context, taskID string) error {
	url := fmt.Sprintf("%s/tasks/%s", c.baseURL, taskID)
	resp, err := c.do(ctx, "DELETE", url, nil)
	if err != nil {
		return fmt.Errorf("failed to call synthesis API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return c.checkStatus(resp)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrUnavailable)
	}
	return resp, nil
}

// checkStatus maps non-200 responses onto the sentinel errors.
func (c *Client) checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("synthesis API returned status %d: %s: %w", resp.StatusCode, msg, ErrUnavailable)
	}
	return fmt.Errorf("synthesis API returned status %d: %s: %w", resp.StatusCode, msg, ErrInvalidRequest)
}
