package whisperapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Remote job statuses reported by GET /status/:jobId.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// JobID is a remote job identifier. Servers encode it either as a JSON string
// or as a bare number; both decode to the same textual form.
type JobID string

// UnmarshalJSON accepts a JSON string or number.
func (id *JobID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = JobID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("whisperapi: job id must be string or number: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("whisperapi: invalid numeric job id %q", n)
	}
	*id = JobID(n.String())
	return nil
}

// UploadRequest carries one audio payload and its transcription parameters.
// Audio is held in memory so the same request can be re-sent on failover.
type UploadRequest struct {
	Filename       string
	Audio          []byte
	Language       string
	Translate      bool
	WordTimestamps bool
	Cleanup        bool
}

// UploadResponse is the body returned by POST /transcribe.
type UploadResponse struct {
	JobID             JobID   `json:"jobId"`
	EstimatedWaitTime float64 `json:"estimatedWaitTime"`
}

// Segment is one timed span of a transcript.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// ResultMetadata describes the transcribed audio.
type ResultMetadata struct {
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

// Result is a finished transcription as reported by a server.
type Result struct {
	Text           string         `json:"text"`
	Metadata       ResultMetadata `json:"metadata"`
	Segments       []Segment      `json:"segments,omitempty"`
	ProcessingTime float64        `json:"processingTime"`
}

// StatusResponse is the body returned by GET /status/:jobId.
type StatusResponse struct {
	Status string  `json:"status"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// QueueEstimate is the load snapshot returned by GET /queue-estimate.
type QueueEstimate struct {
	QueueLength           int     `json:"queueLength"`
	ActiveJobs            int     `json:"activeJobs"`
	AvailableWorkers      int     `json:"availableWorkers"`
	TotalWorkers          int     `json:"totalWorkers"`
	AverageProcessingTime float64 `json:"averageProcessingTime"`
	EstimatedWaitTime     float64 `json:"estimatedWaitTime"`
}

// CompletedJob is one entry of GET /completed-jobs.
type CompletedJob struct {
	JobID  JobID   `json:"jobId"`
	Status string  `json:"status"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

type completedJobsResponse struct {
	Jobs []CompletedJob `json:"jobs"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
