// Package dispatch sends transcription work to a pool of remote whisper
// servers and sees each request through to a transcript.
//
// [Dispatcher.Transcribe] creates a local job, picks the best available
// server, uploads, polls until the remote job finishes and fails over to the
// next server when an attempt goes wrong. All bookkeeping goes through
// [jobs.Manager]; the dispatcher holds no shared state of its own.
//
// Failure handling per attempt:
//
//   - upload error: the server is charged a failure and put in backoff
//   - status "failed": the attempt fails, the job moves to retrying
//   - status 404: /completed-jobs is searched; if the job is not there the
//     lookup is retried with a growing wait and finally reported lost
//   - wait budget exceeded: the job fails with a [*whisperapi.TimeoutError]
//     and no further server is tried
//
// Errors that [whisperapi.IsRetryable] rejects also exclude the server for the
// rest of the call; retryable ones leave it to the registry's backoff window.
// The job's own retry budget does not end the call. Only an exhausted attempt
// budget reaches the caller as an error wrapping [ErrAllServersFailed].
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxcap/internal/archive"
	"github.com/MrWong99/voxcap/internal/jobs"
	"github.com/MrWong99/voxcap/internal/observe"
	"github.com/MrWong99/voxcap/pkg/whisperapi"
)

var (
	// ErrAllServersFailed is wrapped by the error Transcribe returns when no
	// server produced a transcript within the attempt budget.
	ErrAllServersFailed = errors.New("dispatch: all servers failed")

	// ErrNoServers is returned when no server is registered at all.
	ErrNoServers = errors.New("dispatch: no servers registered")
)

// MinPostSubmitDelay is the shortest wait between an accepted upload and the
// first status lookup.
const MinPostSubmitDelay = 1500 * time.Millisecond

// recoveryPrefixLen is how many leading characters of a remote job ID are
// compared when searching /completed-jobs. Servers have been seen to report
// shortened IDs there; a prefix match may in rare cases pick a different job.
const recoveryPrefixLen = 8

// APIClient is the part of the whisper HTTP client the dispatcher needs.
// *whisperapi.Client satisfies it.
type APIClient interface {
	Upload(ctx context.Context, serverURL string, req whisperapi.UploadRequest) (*whisperapi.UploadResponse, error)
	Status(ctx context.Context, serverURL, jobID string) (*whisperapi.StatusResponse, error)
	CompletedJobs(ctx context.Context, serverURL string) ([]whisperapi.CompletedJob, error)
}

// Config holds the dispatch tunables.
type Config struct {
	// MaxWait bounds how long one attempt waits for its remote job.
	MaxWait time.Duration

	// PostSubmitDelay is slept after a successful upload before the first
	// status lookup. Values below [MinPostSubmitDelay] are raised to it.
	PostSubmitDelay time.Duration

	// ProcessingPollInterval replaces the adaptive interval while the remote
	// job reports "processing".
	ProcessingPollInterval time.Duration

	// NotFoundRetries is how many consecutive 404 status answers are tolerated
	// before the remote job is declared lost.
	NotFoundRetries int

	// MaxNotFoundWait caps the linearly growing wait between 404 retries.
	MaxNotFoundWait time.Duration

	// Upload form flags.
	Translate      bool
	WordTimestamps bool
	Cleanup        bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxWait:                30 * time.Minute,
		PostSubmitDelay:        MinPostSubmitDelay,
		ProcessingPollInterval: 1500 * time.Millisecond,
		NotFoundRetries:        15,
		MaxNotFoundWait:        10 * time.Second,
		Cleanup:                true,
	}
}

// Result is a finished transcription.
type Result struct {
	Text           string               `json:"text"`
	Language       string               `json:"language"`
	Duration       float64              `json:"duration"`
	ProcessingTime float64              `json:"processingTime"`
	ServerURL      string               `json:"serverUrl"`
	JobID          string               `json:"jobId"`
	RemoteJobID    string               `json:"remoteJobId"`
	Segments       []whisperapi.Segment `json:"segments,omitempty"`
}

// Option is a functional option for [New].
type Option func(*Dispatcher)

// WithConfig replaces [DefaultConfig]. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) {
		def := DefaultConfig()
		if cfg.MaxWait <= 0 {
			cfg.MaxWait = def.MaxWait
		}
		cfg.PostSubmitDelay = max(cfg.PostSubmitDelay, MinPostSubmitDelay)
		if cfg.ProcessingPollInterval <= 0 {
			cfg.ProcessingPollInterval = def.ProcessingPollInterval
		}
		if cfg.NotFoundRetries <= 0 {
			cfg.NotFoundRetries = def.NotFoundRetries
		}
		if cfg.MaxNotFoundWait <= 0 {
			cfg.MaxNotFoundWait = def.MaxNotFoundWait
		}
		d.cfg = cfg
	}
}

// WithSink archives every successful transcript to s.
func WithSink(s archive.Sink) Option {
	return func(d *Dispatcher) { d.sink = s }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithClock replaces the time source used for the wait budget. Intended for
// tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithSleep replaces the context-aware sleep used between polls. Intended
// for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) {
		if sleep != nil {
			d.sleep = sleep
		}
	}
}

// Dispatcher runs transcriptions against the servers known to a
// [jobs.Manager]. It is safe for concurrent use; every Transcribe call runs
// independently.
type Dispatcher struct {
	manager *jobs.Manager
	client  APIClient
	cfg     Config
	sink    archive.Sink
	metrics *observe.Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a Dispatcher.
func New(manager *jobs.Manager, client APIClient, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		manager: manager,
		client:  client,
		cfg:     DefaultConfig(),
		now:     time.Now,
		sleep:   sleepCtx,
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// Transcribe uploads src to the best available server and returns its
// transcript, failing over to other servers as needed.
func (d *Dispatcher) Transcribe(ctx context.Context, src Source, language string) (*Result, error) {
	ctx, span := observe.StartSpan(ctx, "dispatch.Transcribe",
		trace.WithAttributes(attribute.String("audio", src.Name())))
	defer span.End()

	start := d.now()
	outcome := "error"
	d.metrics.ActiveJobs.Add(ctx, 1)
	defer func() {
		d.metrics.ActiveJobs.Add(ctx, -1)
		d.metrics.TranscribeDuration.Record(ctx, d.now().Sub(start).Seconds(),
			metric.WithAttributes(attribute.String("status", outcome)))
	}()

	res, err := d.transcribe(ctx, src, language)
	if err != nil {
		observe.FailSpan(span, err)
		return nil, err
	}
	outcome = "ok"
	return res, nil
}

func (d *Dispatcher) transcribe(ctx context.Context, src Source, language string) (*Result, error) {
	audio, err := src.ReadAll()
	if err != nil {
		return nil, err
	}
	serverCount := d.manager.ServerCount()
	if serverCount == 0 {
		return nil, ErrNoServers
	}

	job := d.manager.CreateJob(src.Name(), language, 0)
	ctx = observe.WithJobID(ctx, job.ID)
	log := observe.Logger(ctx)
	log.Info("dispatch: transcription started", "audio", src.Name(), "bytes", len(audio))

	req := whisperapi.UploadRequest{
		Filename:       filepath.Base(src.Name()),
		Audio:          audio,
		Language:       language,
		Translate:      d.cfg.Translate,
		WordTimestamps: d.cfg.WordTimestamps,
		Cleanup:        d.cfg.Cleanup,
	}

	maxAttempts := 2 * serverCount
	tried := make(map[string]bool)
	used := make(map[string]bool)
	resetDone := false
	attempts := 0
	var lastErr error

	for attempts < maxAttempts {
		if err := ctx.Err(); err != nil {
			d.abandon(job.ID, err)
			return nil, err
		}

		server, ok := d.manager.SelectServer(tried)
		if !ok {
			// A tried server may have recovered since; give the pool one
			// more pass.
			if !resetDone && len(tried) > 0 {
				resetDone = true
				clear(tried)
				continue
			}
			break
		}

		if attempts > 0 {
			d.metrics.DispatchFailovers.Add(ctx, 1)
		}
		attempts++
		used[server] = true

		res, err := d.attempt(ctx, job.ID, server, req)
		if err == nil {
			log.Info("dispatch: transcription completed",
				"server", server, "attempts", attempts, "remote_job_id", res.RemoteJobID)
			res.JobID = job.ID
			if res.Language == "" {
				res.Language = language
			}
			d.archive(ctx, job.ID, src.Name(), res)
			return res, nil
		}

		lastErr = err
		if !whisperapi.IsRetryable(err) {
			tried[server] = true
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			d.abandon(job.ID, ctxErr)
			return nil, ctxErr
		}
		var timeout *whisperapi.TimeoutError
		if errors.As(err, &timeout) {
			log.Error("dispatch: gave up waiting for remote job", "server", server, "err", err)
			if ferr := d.manager.MarkPermanentlyFailed(job.ID, err.Error()); ferr != nil {
				log.Warn("dispatch: failed to record timeout", "err", ferr)
			}
			return nil, err
		}
		log.Warn("dispatch: attempt failed",
			"server", server, "attempt", attempts, "max_attempts", maxAttempts,
			"retryable", !tried[server], "err", err)
	}

	if lastErr == nil {
		lastErr = errors.New("no available server")
	}
	summary := fmt.Sprintf("all servers failed after %d attempts on %d servers: %v", attempts, len(used), lastErr)
	if j, ok := d.manager.Job(job.ID); ok && !j.State.IsTerminal() {
		if err := d.manager.MarkPermanentlyFailed(job.ID, summary); err != nil {
			log.Warn("dispatch: failed to record job failure", "err", err)
		}
	}
	log.Error("dispatch: transcription failed", "attempts", attempts, "servers", len(used), "err", lastErr)
	return nil, fmt.Errorf("%w: tried %d servers: %w", ErrAllServersFailed, len(used), lastErr)
}

// attempt runs one upload-and-wait cycle against server.
func (d *Dispatcher) attempt(ctx context.Context, jobID, server string, req whisperapi.UploadRequest) (*Result, error) {
	ctx, span := observe.StartSpan(ctx, "dispatch.attempt",
		trace.WithAttributes(attribute.String("server", server)))
	defer span.End()

	up, err := d.client.Upload(ctx, server, req)
	if err != nil {
		if ctx.Err() == nil {
			d.manager.MarkServerFailure(server, err.Error())
			d.metrics.RecordServerFailure(ctx, server)
		}
		d.metrics.RecordAttempt(ctx, server, "upload_error")
		observe.FailSpan(span, err)
		return nil, err
	}
	remoteID := string(up.JobID)
	if err := d.manager.MarkSubmitted(jobID, server, remoteID); err != nil {
		return nil, err
	}
	observe.Logger(ctx).Debug("dispatch: job submitted",
		"server", server, "remote_job_id", remoteID,
		"estimated_wait", up.EstimatedWaitTime)

	if err := d.sleep(ctx, d.cfg.PostSubmitDelay); err != nil {
		return nil, err
	}

	remote, err := d.waitForCompletion(ctx, jobID, server, remoteID)
	if err != nil {
		var timeout *whisperapi.TimeoutError
		if ctx.Err() == nil && !errors.As(err, &timeout) {
			if ferr := d.manager.MarkAttemptFailed(jobID, err.Error()); ferr != nil {
				observe.Logger(ctx).Warn("dispatch: failed to record attempt failure", "err", ferr)
			}
			d.metrics.RecordServerFailure(ctx, server)
		}
		d.metrics.RecordAttempt(ctx, server, attemptStatus(err))
		observe.FailSpan(span, err)
		return nil, err
	}

	res := &Result{
		Text:           remote.Text,
		Language:       remote.Metadata.Language,
		Duration:       remote.Metadata.Duration,
		ProcessingTime: remote.ProcessingTime,
		ServerURL:      server,
		RemoteJobID:    remoteID,
		Segments:       remote.Segments,
	}
	if err := d.manager.MarkCompleted(jobID, jobs.Result{
		Text:           res.Text,
		Language:       res.Language,
		Duration:       res.Duration,
		ProcessingTime: res.ProcessingTime,
	}); err != nil {
		observe.Logger(ctx).Warn("dispatch: failed to record completion", "err", err)
	}
	d.metrics.RecordAttempt(ctx, server, "ok")
	return res, nil
}

// waitForCompletion polls the remote job until it reaches a terminal status,
// disappears for good or exceeds the wait budget.
func (d *Dispatcher) waitForCompletion(ctx context.Context, jobID, server, remoteID string) (*whisperapi.Result, error) {
	log := observe.Logger(ctx).With("server", server, "remote_job_id", remoteID)
	start := d.now()
	notFound := 0

	for {
		if elapsed := d.now().Sub(start); elapsed >= d.cfg.MaxWait {
			return nil, &whisperapi.TimeoutError{ServerURL: server, JobID: remoteID, Elapsed: elapsed}
		}

		st, err := d.client.Status(ctx, server, remoteID)
		var nf *whisperapi.JobNotFoundError
		switch {
		case errors.As(err, &nf):
			res, rerr := d.recoverCompleted(ctx, server, remoteID)
			if rerr != nil {
				return nil, rerr
			}
			if res != nil {
				log.Info("dispatch: recovered result from completed jobs")
				return res, nil
			}
			notFound++
			if notFound > d.cfg.NotFoundRetries {
				return nil, &whisperapi.JobNotFoundError{ServerURL: server, JobID: remoteID, Lost: true}
			}
			wait := min(time.Duration(2*notFound)*time.Second, d.cfg.MaxNotFoundWait)
			log.Debug("dispatch: remote job not visible yet", "attempt", notFound, "wait", wait)
			if err := d.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		case err != nil:
			return nil, err
		}
		notFound = 0

		interval := d.manager.PollInterval(server)
		switch st.Status {
		case whisperapi.StatusCompleted:
			if st.Result == nil {
				return &whisperapi.Result{}, nil
			}
			return st.Result, nil
		case whisperapi.StatusFailed:
			return nil, &whisperapi.JobFailedError{ServerURL: server, JobID: remoteID, Reason: st.Error}
		case whisperapi.StatusProcessing:
			if err := d.manager.MarkProcessing(jobID); err != nil {
				log.Warn("dispatch: failed to record processing", "err", err)
			}
			interval = d.cfg.ProcessingPollInterval
		}

		if err := d.sleep(ctx, interval); err != nil {
			return nil, err
		}
	}
}

// recoverCompleted searches the server's completed-jobs list for remoteID. It
// returns (nil, nil) when the job is not listed or the list is unavailable.
func (d *Dispatcher) recoverCompleted(ctx context.Context, server, remoteID string) (*whisperapi.Result, error) {
	list, err := d.client.CompletedJobs(ctx, server)
	if err != nil {
		observe.Logger(ctx).Debug("dispatch: completed-jobs lookup failed", "server", server, "err", err)
		return nil, nil
	}
	for _, cj := range list {
		if !matchJobID(string(cj.JobID), remoteID) {
			continue
		}
		switch {
		case cj.Status == whisperapi.StatusFailed:
			return nil, &whisperapi.JobFailedError{ServerURL: server, JobID: remoteID, Reason: cj.Error}
		case cj.Status == whisperapi.StatusCompleted || cj.Result != nil:
			if cj.Result == nil {
				return &whisperapi.Result{}, nil
			}
			return cj.Result, nil
		}
	}
	return nil, nil
}

// matchJobID reports whether a listed job ID refers to want: equal, or equal
// in the first recoveryPrefixLen characters.
func matchJobID(listed, want string) bool {
	if listed == want {
		return true
	}
	return len(listed) >= recoveryPrefixLen && len(want) >= recoveryPrefixLen &&
		listed[:recoveryPrefixLen] == want[:recoveryPrefixLen]
}

// abandon fails the job after the caller went away.
func (d *Dispatcher) abandon(jobID string, cause error) {
	j, ok := d.manager.Job(jobID)
	if !ok || j.State.IsTerminal() {
		return
	}
	_ = d.manager.Abandon(jobID, "cancelled: "+cause.Error())
}

func (d *Dispatcher) archive(ctx context.Context, jobID, audioPath string, res *Result) {
	if d.sink == nil {
		return
	}
	err := d.sink.Store(ctx, archive.Transcript{
		JobID:          jobID,
		RemoteJobID:    res.RemoteJobID,
		ServerURL:      res.ServerURL,
		AudioPath:      audioPath,
		Language:       res.Language,
		Text:           res.Text,
		Duration:       res.Duration,
		ProcessingTime: res.ProcessingTime,
		Segments:       res.Segments,
		CreatedAt:      d.now().UTC(),
	})
	if err != nil {
		observe.Logger(ctx).Warn("dispatch: failed to archive transcript", "err", err)
	}
}

func attemptStatus(err error) string {
	var (
		failed   *whisperapi.JobFailedError
		notFound *whisperapi.JobNotFoundError
		timeout  *whisperapi.TimeoutError
	)
	switch {
	case errors.As(err, &failed):
		return "job_failed"
	case errors.As(err, &notFound):
		return "job_lost"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "status_error"
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
