package whisperapi

import (
	"errors"
	"fmt"
	"time"
)

// NetworkError reports a transport-level failure: the request never produced
// an HTTP response (connection refused, DNS failure, per-request timeout).
type NetworkError struct {
	Op  string
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("whisperapi: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPStatusError reports a non-2xx response that carries no more specific
// meaning. Code holds the server's machine-readable error code when present.
type HTTPStatusError struct {
	Op         string
	URL        string
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPStatusError) Error() string {
	msg := fmt.Sprintf("whisperapi: %s %s: HTTP %d", e.Op, e.URL, e.StatusCode)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// JobNotFoundError is returned when a server answers 404 for a remote job ID.
// Lost is set by the dispatcher once the not-found budget is exhausted.
type JobNotFoundError struct {
	ServerURL string
	JobID     string
	Lost      bool
}

func (e *JobNotFoundError) Error() string {
	if e.Lost {
		return fmt.Sprintf("whisperapi: job %s lost on %s", e.JobID, e.ServerURL)
	}
	return fmt.Sprintf("whisperapi: job %s not found on %s", e.JobID, e.ServerURL)
}

// JobFailedError is returned when the server reports the job as failed.
type JobFailedError struct {
	ServerURL string
	JobID     string
	Reason    string
}

func (e *JobFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("whisperapi: job %s failed on %s", e.JobID, e.ServerURL)
	}
	return fmt.Sprintf("whisperapi: job %s failed on %s: %s", e.JobID, e.ServerURL, e.Reason)
}

// TimeoutError is returned when a job did not reach a terminal status within
// the overall wait budget. The remote job may still be running.
type TimeoutError struct {
	ServerURL string
	JobID     string
	Elapsed   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("whisperapi: job %s on %s timed out after %s", e.JobID, e.ServerURL, e.Elapsed.Round(time.Second))
}

// IsRetryable reports whether err is worth retrying on the same or another
// server. Job failures reported by the server and overall timeouts are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		netErr    *NetworkError
		statusErr *HTTPStatusError
		notFound  *JobNotFoundError
	)
	switch {
	case errors.As(err, &netErr), errors.As(err, &notFound):
		return true
	case errors.As(err, &statusErr):
		return statusErr.StatusCode == 429 || statusErr.StatusCode >= 500
	}
	return false
}
