package whisperapi_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/voxcap/pkg/whisperapi"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestUpload_SendsMultipartAndDecodesNumericJobID(t *testing.T) {
	var got struct {
		filename, language, translate, wordTimestamps, cleanup string
		audio                                                  []byte
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/transcribe" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, hdr, err := r.FormFile("audio")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		got.audio, _ = io.ReadAll(f)
		got.filename = hdr.Filename
		got.language = r.FormValue("language")
		got.translate = r.FormValue("translate")
		got.wordTimestamps = r.FormValue("wordTimestamps")
		got.cleanup = r.FormValue("cleanup")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jobId": 42, "estimatedWaitTime": 3.5}`)
	}))
	defer srv.Close()

	c := whisperapi.New()
	resp, err := c.Upload(context.Background(), srv.URL, whisperapi.UploadRequest{
		Filename: "clip.wav",
		Audio:    []byte("RIFFdata"),
		Language: "de",
		Cleanup:  true,
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if resp.JobID != "42" {
		t.Errorf("JobID = %q, want %q", resp.JobID, "42")
	}
	if resp.EstimatedWaitTime != 3.5 {
		t.Errorf("EstimatedWaitTime = %v, want 3.5", resp.EstimatedWaitTime)
	}
	if string(got.audio) != "RIFFdata" {
		t.Errorf("audio = %q, want %q", got.audio, "RIFFdata")
	}
	if got.filename != "clip.wav" {
		t.Errorf("filename = %q, want clip.wav", got.filename)
	}
	if got.language != "de" || got.translate != "false" || got.wordTimestamps != "false" || got.cleanup != "true" {
		t.Errorf("fields = %+v", got)
	}
}

func TestUpload_MissingJobIDIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"estimatedWaitTime": 1})
	}))
	defer srv.Close()

	_, err := whisperapi.New().Upload(context.Background(), srv.URL, whisperapi.UploadRequest{Audio: []byte("x")})
	var statusErr *whisperapi.HTTPStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err = %v, want *HTTPStatusError", err)
	}
}

func TestStatus_NotFoundIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Job not found", "code": "JOB_NOT_FOUND"})
	}))
	defer srv.Close()

	_, err := whisperapi.New().Status(context.Background(), srv.URL, "abc")
	var nf *whisperapi.JobNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want *JobNotFoundError", err)
	}
	if nf.JobID != "abc" || nf.ServerURL != srv.URL {
		t.Errorf("JobNotFoundError = %+v", nf)
	}
	if !whisperapi.IsRetryable(err) {
		t.Error("not-found should be retryable")
	}
}

func TestStatus_DecodesCompletedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status/7" {
			http.Error(w, "bad path", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "completed",
			"result": map[string]any{
				"text":           "hello",
				"metadata":       map[string]any{"language": "en", "duration": 2.5},
				"segments":       []map[string]any{{"start": 0, "end": 2.5, "text": "hello"}},
				"processingTime": 1.25,
			},
		})
	}))
	defer srv.Close()

	st, err := whisperapi.New().Status(context.Background(), srv.URL, "7")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Status != whisperapi.StatusCompleted {
		t.Fatalf("Status = %q", st.Status)
	}
	if st.Result == nil || st.Result.Text != "hello" || st.Result.Metadata.Duration != 2.5 || len(st.Result.Segments) != 1 {
		t.Errorf("Result = %+v", st.Result)
	}
}

func TestStatus_ServerErrorIsRetryableStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "queue full", "code": "BACKPRESSURE"})
	}))
	defer srv.Close()

	_, err := whisperapi.New().Status(context.Background(), srv.URL, "1")
	var statusErr *whisperapi.HTTPStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err = %v, want *HTTPStatusError", err)
	}
	if statusErr.StatusCode != http.StatusServiceUnavailable || statusErr.Code != "BACKPRESSURE" || statusErr.Message != "queue full" {
		t.Errorf("HTTPStatusError = %+v", statusErr)
	}
	if !whisperapi.IsRetryable(err) {
		t.Error("503 should be retryable")
	}
}

func TestHealth_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	err := whisperapi.New(whisperapi.WithCheckTimeout(time.Second)).Health(context.Background(), addr)
	var netErr *whisperapi.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("err = %v, want *NetworkError", err)
	}
	if netErr.Op != "health" {
		t.Errorf("Op = %q, want health", netErr.Op)
	}
}

func TestHealth_TimeoutIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	err := whisperapi.New(whisperapi.WithCheckTimeout(50*time.Millisecond)).Health(context.Background(), srv.URL)
	var netErr *whisperapi.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("err = %v, want *NetworkError", err)
	}
}

func TestQueueEstimateAndCompletedJobs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/queue-estimate":
			writeJSON(w, http.StatusOK, map[string]any{
				"queueLength": 4, "activeJobs": 2, "availableWorkers": 1,
				"totalWorkers": 3, "averageProcessingTime": 12.5, "estimatedWaitTime": 40,
			})
		case "/completed-jobs":
			writeJSON(w, http.StatusOK, map[string]any{"jobs": []map[string]any{
				{"jobId": "abcdef123456", "status": "completed", "result": map[string]any{"text": "hi"}},
				{"jobId": 99, "status": "failed", "error": "decoder crashed"},
			}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := whisperapi.New()
	qe, err := c.QueueEstimate(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("QueueEstimate: %v", err)
	}
	want := whisperapi.QueueEstimate{QueueLength: 4, ActiveJobs: 2, AvailableWorkers: 1, TotalWorkers: 3, AverageProcessingTime: 12.5, EstimatedWaitTime: 40}
	if *qe != want {
		t.Errorf("QueueEstimate = %+v, want %+v", *qe, want)
	}

	jobs, err := c.CompletedJobs(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("CompletedJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("len(jobs) = %d, want 2", len(jobs))
	}
	if jobs[0].JobID != "abcdef123456" || jobs[0].Result == nil || jobs[0].Result.Text != "hi" {
		t.Errorf("jobs[0] = %+v", jobs[0])
	}
	if jobs[1].JobID != "99" || jobs[1].Error != "decoder crashed" {
		t.Errorf("jobs[1] = %+v", jobs[1])
	}
}

func TestRawInfoEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/all-status":
			writeJSON(w, http.StatusOK, map[string]any{"jobs": []string{"a"}})
		case "/model-info":
			writeJSON(w, http.StatusOK, map[string]any{"model": "large-v3"})
		case "/system-report":
			writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": "gpu gone"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := whisperapi.New()
	ctx := context.Background()
	tests := []struct {
		name    string
		call    func(context.Context, string) (json.RawMessage, error)
		wantKey string
		wantErr int
	}{
		{"all status", c.AllStatus, "jobs", 0},
		{"model info", c.ModelInfo, "model", 0},
		{"system report", c.SystemReport, "", http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := tc.call(ctx, srv.URL)
			if tc.wantErr != 0 {
				var se *whisperapi.HTTPStatusError
				if !errors.As(err, &se) || se.StatusCode != tc.wantErr {
					t.Fatalf("err = %v, want status %d", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("call: %v", err)
			}
			var body map[string]any
			if err := json.Unmarshal(raw, &body); err != nil {
				t.Fatalf("decode %s: %v", raw, err)
			}
			if _, ok := body[tc.wantKey]; !ok {
				t.Errorf("body = %s, want key %q", raw, tc.wantKey)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", &whisperapi.NetworkError{Op: "upload", Err: errors.New("connection refused")}, true},
		{"wrapped network", fmt.Errorf("attempt: %w", &whisperapi.NetworkError{Err: io.EOF}), true},
		{"not found", &whisperapi.JobNotFoundError{JobID: "1"}, true},
		{"429", &whisperapi.HTTPStatusError{StatusCode: http.StatusTooManyRequests}, true},
		{"502", &whisperapi.HTTPStatusError{StatusCode: http.StatusBadGateway}, true},
		{"400", &whisperapi.HTTPStatusError{StatusCode: http.StatusBadRequest}, false},
		{"job failed", &whisperapi.JobFailedError{JobID: "1"}, false},
		{"timeout", &whisperapi.TimeoutError{JobID: "1"}, false},
		{"plain", errors.New("something"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := whisperapi.IsRetryable(tc.err); got != tc.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestEncodeWAV_Header(t *testing.T) {
	pcm := make([]byte, 320)
	wav := whisperapi.EncodeWAV(pcm, 16000, 1)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Errorf("bad chunk ids: %q %q %q", wav[0:4], wav[8:12], wav[36:40])
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 16000 {
		t.Errorf("sample rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != uint32(len(pcm)) {
		t.Errorf("data size = %d, want %d", got, len(pcm))
	}
}
