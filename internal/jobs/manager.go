// Package jobs owns the lifecycle of transcription jobs and the health view of
// the remote servers they are sent to.
//
// [Manager] keeps jobs and server health in memory under a single mutex and
// mirrors the complete state to a JSON document after every mutation (see
// [FileStore]). Network calls never happen while the mutex is held; callers
// such as the dispatcher and the health-check loop report outcomes through the
// manager's methods.
//
// State machine (initial: pending; terminal: completed, failed):
//
//	pending    -> submitted            (MarkSubmitted)
//	submitted  -> processing           (MarkProcessing)
//	submitted  |
//	processing -> completed            (MarkCompleted)
//	           -> retrying             (MarkFailed, retries left)
//	           -> failed               (MarkFailed, retries exhausted)
//	retrying   -> submitted            (MarkSubmitted, re-submission)
//	any non-terminal -> failed         (MarkPermanentlyFailed)
package jobs

import (
	"cmp"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxcap/internal/observe"
	"github.com/MrWong99/voxcap/internal/resilience"
)

var (
	// ErrJobNotFound is returned when a job ID is unknown to the manager.
	ErrJobNotFound = errors.New("jobs: job not found")

	// ErrInvalidTransition is returned when a lifecycle call does not match
	// the job's current state.
	ErrInvalidTransition = errors.New("jobs: invalid state transition")
)

const (
	minPollInterval     = 2 * time.Second
	maxPollInterval     = 15 * time.Second
	unknownPollInterval = 3 * time.Second
)

// Option is a functional option for [NewManager].
type Option func(*Manager)

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMaxRetries sets the retry budget given to new jobs. Defaults to
// [DefaultMaxRetries].
func WithMaxRetries(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.maxRetries = n
		}
	}
}

// WithMetrics sets the metrics sink used by the health-check loop. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) {
		if met != nil {
			m.metrics = met
		}
	}
}

// Manager is the authoritative store of jobs and server health. It is safe for
// concurrent use.
type Manager struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	registry *resilience.Registry
	counters Counters

	store      *FileStore
	now        func() time.Time
	maxRetries int
	metrics    *observe.Metrics
}

// NewManager creates a Manager persisting to statePath and loads any existing
// state from it. An empty statePath keeps all state in memory. A missing
// state file starts empty; an unreadable one is logged and discarded.
func NewManager(statePath string, opts ...Option) *Manager {
	m := &Manager{
		jobs:       make(map[string]*Job),
		now:        time.Now,
		maxRetries: DefaultMaxRetries,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	m.registry = resilience.NewRegistry(m.now)

	if statePath != "" {
		m.store = NewFileStore(statePath)
		m.load()
	}
	return m
}

// load restores state from the file store. Must only be called from NewManager.
func (m *Manager) load() {
	doc, err := m.store.Load()
	if err != nil {
		slog.Error("jobs: discarding unreadable state, starting empty",
			"path", m.store.Path(), "err", err)
		return
	}
	if doc == nil {
		slog.Debug("jobs: no state file, starting empty", "path", m.store.Path())
		return
	}

	for i := range doc.Jobs {
		j := doc.Jobs[i]
		if j.ID == "" || !j.State.IsValid() {
			slog.Warn("jobs: skipping invalid job record", "job_id", j.ID, "state", j.State)
			continue
		}
		m.jobs[j.ID] = &j
	}
	m.registry.Restore(doc.Servers)
	m.counters = doc.Stats

	slog.Info("jobs: state restored",
		"path", m.store.Path(),
		"jobs", len(m.jobs),
		"servers", m.registry.Len(),
	)
}

// persistLocked writes the full document. Write failures are logged, not
// returned: the in-memory state stays authoritative. Must be called with m.mu
// held.
func (m *Manager) persistLocked() {
	if m.store == nil {
		return
	}
	if err := m.store.Save(m.documentLocked()); err != nil {
		slog.Error("jobs: failed to persist state", "path", m.store.Path(), "err", err)
	}
}

// documentLocked builds the persisted document. Must be called with m.mu held.
func (m *Manager) documentLocked() *Document {
	doc := &Document{
		Jobs:    make([]Job, 0, len(m.jobs)),
		Servers: m.registry.Snapshot(),
		Stats:   m.counters,
		SavedAt: m.now().UTC(),
	}
	for _, j := range m.jobs {
		doc.Jobs = append(doc.Jobs, j.clone())
	}
	sortByCreated(doc.Jobs)
	return doc
}

// getLocked returns the stored job. Must be called with m.mu held.
func (m *Manager) getLocked(id string) (*Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// ─── Job lifecycle ──────────────────────────────────────────────────────────

// CreateJob registers a new pending job and returns a copy of it.
func (m *Manager) CreateJob(audioPath, language string, priority int) Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	j := &Job{
		ID:         uuid.NewString(),
		AudioPath:  audioPath,
		State:      StatePending,
		CreatedAt:  m.now().UTC(),
		MaxRetries: m.maxRetries,
		Language:   language,
		Priority:   priority,
	}
	m.jobs[j.ID] = j
	m.counters.TotalJobs++
	m.persistLocked()
	return j.clone()
}

// MarkSubmitted records that the job was accepted by serverURL under
// remoteID. Valid from pending and retrying.
func (m *Manager) MarkSubmitted(id, serverURL, remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if err := validateTransition(j.State, StateSubmitted); err != nil {
		return err
	}
	j.State = StateSubmitted
	j.ServerURL = serverURL
	j.RemoteJobID = remoteID
	j.SubmittedAt = m.now().UTC()
	j.NextRetryAt = time.Time{}
	m.persistLocked()
	return nil
}

// MarkProcessing records that the server started working on the job. Calling
// it on a job that is already processing is a no-op.
func (m *Manager) MarkProcessing(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if j.State == StateProcessing {
		return nil
	}
	if err := validateTransition(j.State, StateProcessing); err != nil {
		return err
	}
	j.State = StateProcessing
	m.persistLocked()
	return nil
}

// MarkCompleted stores the result, moves the job to completed and records a
// success for the job's server.
func (m *Manager) MarkCompleted(id string, res Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if err := validateTransition(j.State, StateCompleted); err != nil {
		return err
	}
	j.State = StateCompleted
	j.CompletedAt = m.now().UTC()
	j.Result = &res
	j.LastError = ""
	m.counters.CompletedJobs++
	m.counters.TotalProcessingTime += res.ProcessingTime
	if j.ServerURL != "" {
		m.registry.MarkSuccess(j.ServerURL)
	}
	m.persistLocked()
	return nil
}

// MarkFailed records a failed attempt. A submitted or processing job with
// retry budget left moves to retrying with NextRetryAt set; otherwise the job
// fails permanently. The job's server, if any, is charged with a failure.
// ServerURL and RemoteJobID keep naming the last submission.
// It returns the job's new state.
func (m *Manager) MarkFailed(id, errText string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.getLocked(id)
	if err != nil {
		return "", err
	}
	if j.State.IsTerminal() {
		return j.State, validateTransition(j.State, StateFailed)
	}

	m.chargeServerLocked(j, errText)
	j.LastError = errText

	inFlight := j.State == StateSubmitted || j.State == StateProcessing
	if inFlight && j.RetryCount < j.MaxRetries {
		m.retryLocked(j)
	} else {
		m.failLocked(j)
	}
	m.persistLocked()
	return j.State, nil
}

// MarkAttemptFailed records that one submission of a job failed while its
// owner is still failing over to other servers. The server is charged and
// the job moves to retrying regardless of its retry budget; the owner
// decides when the job fails for good.
func (m *Manager) MarkAttemptFailed(id, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if err := validateTransition(j.State, StateRetrying); err != nil {
		return err
	}
	m.chargeServerLocked(j, errText)
	j.LastError = errText
	m.retryLocked(j)
	m.persistLocked()
	return nil
}

// MarkPermanentlyFailed fails the job regardless of its retry budget.
func (m *Manager) MarkPermanentlyFailed(id, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if err := validateTransition(j.State, StateFailed); err != nil {
		return err
	}
	m.chargeServerLocked(j, errText)
	j.LastError = errText
	m.failLocked(j)
	m.persistLocked()
	return nil
}

// Abandon fails a job whose caller went away. No server is charged.
func (m *Manager) Abandon(id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if err := validateTransition(j.State, StateFailed); err != nil {
		return err
	}
	j.LastError = reason
	m.failLocked(j)
	m.persistLocked()
	return nil
}

// chargeServerLocked records a server failure for the submission j is
// waiting on. Retrying jobs were charged when they left their server.
// Must be called with m.mu held.
func (m *Manager) chargeServerLocked(j *Job, errText string) {
	if j.ServerURL == "" || (j.State != StateSubmitted && j.State != StateProcessing) {
		return
	}
	backoff := m.registry.MarkFailure(j.ServerURL, errText)
	slog.Debug("jobs: server charged with job failure",
		"server", j.ServerURL, "job_id", j.ID, "backoff", backoff)
}

// retryLocked moves j to retrying. Must be called with m.mu held.
func (m *Manager) retryLocked(j *Job) {
	j.RetryCount++
	j.State = StateRetrying
	j.NextRetryAt = m.now().UTC().Add(resilience.Backoff(j.RetryCount))
	m.counters.RetriedJobs++
}

// failLocked moves j to failed. Must be called with m.mu held.
func (m *Manager) failLocked(j *Job) {
	j.State = StateFailed
	j.CompletedAt = m.now().UTC()
	j.NextRetryAt = time.Time{}
	m.counters.FailedJobs++
}

// ─── Job queries ────────────────────────────────────────────────────────────

// Job returns a copy of the job with the given ID.
func (m *Manager) Job(id string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.clone(), true
}

// PendingJobs returns pending jobs plus retrying jobs whose NextRetryAt has
// passed, highest priority first, then oldest first.
func (m *Manager) PendingJobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []Job
	for _, j := range m.jobs {
		switch {
		case j.State == StatePending:
		case j.State == StateRetrying && !j.NextRetryAt.After(now):
		default:
			continue
		}
		out = append(out, j.clone())
	}
	slices.SortFunc(out, func(a, b Job) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// InProgressJobs returns submitted and processing jobs, oldest first.
func (m *Manager) InProgressJobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Job
	for _, j := range m.jobs {
		if j.State == StateSubmitted || j.State == StateProcessing {
			out = append(out, j.clone())
		}
	}
	sortByCreated(out)
	return out
}

// Jobs returns copies of all jobs, oldest first.
func (m *Manager) Jobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.clone())
	}
	sortByCreated(out)
	return out
}

// CleanupOldJobs removes completed and failed jobs that finished more than
// maxAge ago and returns how many were removed.
func (m *Manager) CleanupOldJobs(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxAge)
	removed := 0
	for id, j := range m.jobs {
		if !j.State.IsTerminal() {
			continue
		}
		finished := j.CompletedAt
		if finished.IsZero() {
			finished = j.CreatedAt
		}
		if finished.Before(cutoff) {
			delete(m.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		m.persistLocked()
		slog.Info("jobs: cleaned up old jobs", "removed", removed, "max_age", maxAge)
	}
	return removed
}

func sortByCreated(js []Job) {
	slices.SortFunc(js, func(a, b Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// ─── Servers ────────────────────────────────────────────────────────────────

// RegisterServer adds a server endpoint. Registering a known URL is a no-op.
// It reports whether the URL was new.
func (m *Manager) RegisterServer(url string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	added := m.registry.Register(url)
	if added {
		m.persistLocked()
		slog.Info("jobs: server registered", "server", url)
	}
	return added
}

// MarkServerSuccess records a successful interaction with url.
func (m *Manager) MarkServerSuccess(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.registry.MarkSuccess(url)
	m.persistLocked()
}

// MarkServerFailure records a failed interaction with url and returns the
// backoff now applied to it.
func (m *Manager) MarkServerFailure(url, errText string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	backoff := m.registry.MarkFailure(url, errText)
	m.persistLocked()
	return backoff
}

// UpdateServerLoad stores a load report for url; it counts as a success.
func (m *Manager) UpdateServerLoad(url string, load resilience.LoadSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.registry.UpdateLoad(url, load)
	m.persistLocked()
}

// ServerURLs returns every registered server in registration order.
func (m *Manager) ServerURLs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.URLs()
}

// ServerCount returns the number of registered servers.
func (m *Manager) ServerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.Len()
}

// HealthyServers returns every server that is healthy and outside backoff.
func (m *Manager) HealthyServers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.HealthyURLs()
}

// SelectServer picks the best available server not in exclude.
func (m *Manager) SelectServer(exclude map[string]bool) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := slices.DeleteFunc(m.registry.HealthyURLs(), func(u string) bool {
		return exclude[u]
	})
	return resilience.SelectBest(m.registry, candidates)
}

// ServerStatus returns copies of all server health records.
func (m *Manager) ServerStatus() []resilience.ServerHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.Snapshot()
}

// PollInterval returns how long to wait between status polls against url,
// derived from its last load report:
//
//	2s base
//	+2s if queueLength > 10, else +1s if queueLength > 5
//	+2s if activeJobs >= totalWorkers
//	+3s if avgProcessingTime > 60, else +1.5s if > 30
//
// clamped to [2s, 15s]. Unknown servers get 3s.
func (m *Manager) PollInterval(url string) time.Duration {
	m.mu.Lock()
	h, ok := m.registry.Get(url)
	m.mu.Unlock()

	if !ok {
		return unknownPollInterval
	}
	return pollInterval(h.LoadSnapshot)
}

func pollInterval(load resilience.LoadSnapshot) time.Duration {
	secs := 2.0
	switch {
	case load.QueueLength > 10:
		secs += 2
	case load.QueueLength > 5:
		secs += 1
	}
	if load.ActiveJobs >= load.TotalWorkers {
		secs += 2
	}
	switch {
	case load.AvgProcessingTime > 60:
		secs += 3
	case load.AvgProcessingTime > 30:
		secs += 1.5
	}
	d := time.Duration(secs * float64(time.Second))
	return min(max(d, minPollInterval), maxPollInterval)
}

// ─── Statistics ─────────────────────────────────────────────────────────────

// Stats is a point-in-time summary of the manager.
type Stats struct {
	Counters

	ByState           map[State]int `json:"byState"`
	ServersTotal      int           `json:"serversTotal"`
	ServersAvailable  int           `json:"serversAvailable"`
	AvgProcessingTime float64       `json:"avgProcessingTime"`
	SuccessRate       float64       `json:"successRate"`
}

// Stats returns aggregate counters plus derived figures.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Counters:         m.counters,
		ByState:          make(map[State]int),
		ServersTotal:     m.registry.Len(),
		ServersAvailable: len(m.registry.HealthyURLs()),
	}
	for _, j := range m.jobs {
		s.ByState[j.State]++
	}
	if m.counters.CompletedJobs > 0 {
		s.AvgProcessingTime = m.counters.TotalProcessingTime / float64(m.counters.CompletedJobs)
	}
	if finished := m.counters.CompletedJobs + m.counters.FailedJobs; finished > 0 {
		s.SuccessRate = float64(m.counters.CompletedJobs) / float64(finished)
	}
	return s
}
