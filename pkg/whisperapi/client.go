// Package whisperapi is an HTTP client for remote transcription servers that
// expose the asynchronous job API (POST /transcribe, GET /status/:jobId,
// GET /queue-estimate, GET /completed-jobs, GET /health).
//
// Every failure is returned as a typed error so callers can choose a retry
// policy with errors.As instead of inspecting message text:
//
//   - [*NetworkError]: no HTTP response was received
//   - [*HTTPStatusError]: a non-2xx response without special meaning
//   - [*JobNotFoundError]: GET /status answered 404
//
// [*JobFailedError] and [*TimeoutError] are produced by callers that poll.
//
// Usage:
//
//	c := whisperapi.New(whisperapi.WithUploadTimeout(30 * time.Second))
//	up, err := c.Upload(ctx, "http://whisper-a:8000", whisperapi.UploadRequest{...})
//	st, err := c.Status(ctx, "http://whisper-a:8000", string(up.JobID))
package whisperapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultUploadTimeout = 30 * time.Second
	defaultStatusTimeout = 10 * time.Second
	defaultCheckTimeout  = 10 * time.Second

	// maxErrorBody bounds how much of an error response is read.
	maxErrorBody = 4 << 10
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Per-call timeouts are
// still applied through the request context.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithUploadTimeout bounds a single POST /transcribe call. Defaults to 30s.
func WithUploadTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.uploadTimeout = d
		}
	}
}

// WithStatusTimeout bounds a single status or recovery lookup. Defaults to 10s.
func WithStatusTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.statusTimeout = d
		}
	}
}

// WithCheckTimeout bounds health and queue-estimate checks. Defaults to 10s.
func WithCheckTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.checkTimeout = d
		}
	}
}

// Client talks to any number of transcription servers; the server base URL is
// passed on every call. It is safe for concurrent use.
type Client struct {
	httpClient    *http.Client
	uploadTimeout time.Duration
	statusTimeout time.Duration
	checkTimeout  time.Duration
}

// New creates a Client with the given options applied over the defaults.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient:    &http.Client{},
		uploadTimeout: defaultUploadTimeout,
		statusTimeout: defaultStatusTimeout,
		checkTimeout:  defaultCheckTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Upload submits audio as multipart/form-data to POST /transcribe and returns
// the server-assigned job ID.
func (c *Client) Upload(ctx context.Context, serverURL string, req UploadRequest) (*UploadResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	name := req.Filename
	if name == "" {
		name = "audio.wav"
	}
	fw, err := mw.CreateFormFile("audio", name)
	if err != nil {
		return nil, fmt.Errorf("whisperapi: create form file: %w", err)
	}
	if _, err := fw.Write(req.Audio); err != nil {
		return nil, fmt.Errorf("whisperapi: write audio data: %w", err)
	}

	fields := [][2]string{
		{"language", req.Language},
		{"translate", strconv.FormatBool(req.Translate)},
		{"wordTimestamps", strconv.FormatBool(req.WordTimestamps)},
		{"cleanup", strconv.FormatBool(req.Cleanup)},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("whisperapi: write %s field: %w", f[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("whisperapi: close multipart writer: %w", err)
	}

	var out UploadResponse
	if err := c.do(ctx, "upload", http.MethodPost, serverURL, "/transcribe", &body, mw.FormDataContentType(), c.uploadTimeout, &out); err != nil {
		return nil, err
	}
	if out.JobID == "" {
		return nil, &HTTPStatusError{Op: "upload", URL: serverURL, StatusCode: http.StatusOK, Message: "response carried no jobId"}
	}
	return &out, nil
}

// Status fetches GET /status/:jobId. A 404 is reported as [*JobNotFoundError].
func (c *Client) Status(ctx context.Context, serverURL, jobID string) (*StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, "status", http.MethodGet, serverURL, "/status/"+url.PathEscape(jobID), nil, "", c.statusTimeout, &out)
	if err != nil {
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, &JobNotFoundError{ServerURL: serverURL, JobID: jobID}
		}
		return nil, err
	}
	return &out, nil
}

// Health calls GET /health; any 2xx answer is healthy.
func (c *Client) Health(ctx context.Context, serverURL string) error {
	return c.do(ctx, "health", http.MethodGet, serverURL, "/health", nil, "", c.checkTimeout, nil)
}

// QueueEstimate fetches the server's current load from GET /queue-estimate.
func (c *Client) QueueEstimate(ctx context.Context, serverURL string) (*QueueEstimate, error) {
	var out QueueEstimate
	if err := c.do(ctx, "queue-estimate", http.MethodGet, serverURL, "/queue-estimate", nil, "", c.checkTimeout, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompletedJobs lists the server's recently finished jobs. It is the recovery
// source when a single-job status lookup no longer knows an ID.
func (c *Client) CompletedJobs(ctx context.Context, serverURL string) ([]CompletedJob, error) {
	var out completedJobsResponse
	if err := c.do(ctx, "completed-jobs", http.MethodGet, serverURL, "/completed-jobs", nil, "", c.statusTimeout, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// AllStatus returns the raw body of GET /all-status.
func (c *Client) AllStatus(ctx context.Context, serverURL string) (json.RawMessage, error) {
	return c.raw(ctx, "all-status", serverURL, "/all-status")
}

// ModelInfo returns the raw body of GET /model-info.
func (c *Client) ModelInfo(ctx context.Context, serverURL string) (json.RawMessage, error) {
	return c.raw(ctx, "model-info", serverURL, "/model-info")
}

// SystemReport returns the raw body of GET /system-report.
func (c *Client) SystemReport(ctx context.Context, serverURL string) (json.RawMessage, error) {
	return c.raw(ctx, "system-report", serverURL, "/system-report")
}

func (c *Client) raw(ctx context.Context, op, serverURL, path string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, op, http.MethodGet, serverURL, path, nil, "", c.checkTimeout, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// do performs one request bounded by timeout and decodes a 2xx JSON body into
// out (when non-nil). Failures are mapped onto the package's error types.
func (c *Client) do(ctx context.Context, op, method, serverURL, path string, body io.Reader, contentType string, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := strings.TrimRight(serverURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("whisperapi: create %s request: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: op, URL: serverURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &HTTPStatusError{Op: op, URL: serverURL, StatusCode: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil {
			statusErr.Code = eb.Code
			statusErr.Message = eb.Error
		} else {
			statusErr.Message = strings.TrimSpace(string(data))
		}
		return statusErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return &NetworkError{Op: op, URL: serverURL, Err: err}
		}
		return fmt.Errorf("whisperapi: decode %s response: %w", op, err)
	}
	return nil
}
