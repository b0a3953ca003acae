// Package resilience tracks the health of remote transcription servers and
// chooses where to send the next job.
//
// The central type is [Registry], one [ServerHealth] record per server URL.
// Consecutive failures push a server into an exponential backoff window and,
// from [UnhealthyThreshold] failures on, mark it unhealthy; a single success
// restores it. [SelectBest] picks the least loaded available server.
//
// Registry is NOT safe for concurrent use on its own. It is designed to be
// embedded in a larger state document whose owner serialises all access with
// one mutex, so that job state and server health are always observed from the
// same logical instant.
package resilience

import (
	"slices"
	"time"
)

const (
	// UnhealthyThreshold is the number of consecutive failures at which a
	// server is marked unhealthy.
	UnhealthyThreshold = 3

	// BaseBackoff is the backoff after the first consecutive failure.
	BaseBackoff = 30 * time.Second

	// MaxBackoff caps the exponential backoff window.
	MaxBackoff = 600 * time.Second
)

// LoadSnapshot is the most recent load report of a server.
type LoadSnapshot struct {
	QueueLength       int     `json:"queueLength"`
	ActiveJobs        int     `json:"activeJobs"`
	AvailableWorkers  int     `json:"availableWorkers"`
	TotalWorkers      int     `json:"totalWorkers"`
	AvgProcessingTime float64 `json:"avgProcessingTime"`
}

// ServerHealth is the persisted health record of one server endpoint. Zero
// timestamps mean "never happened".
type ServerHealth struct {
	URL                 string    `json:"url"`
	IsHealthy           bool      `json:"isHealthy"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	FailureCount        int       `json:"failureCount"`
	LastCheck           time.Time `json:"lastCheck,omitzero"`
	LastSuccess         time.Time `json:"lastSuccess,omitzero"`
	LastFailure         time.Time `json:"lastFailure,omitzero"`
	LastError           string    `json:"lastError,omitempty"`
	BackoffUntil        time.Time `json:"backoffUntil,omitzero"`

	LoadSnapshot
}

// Backoff returns the exclusion window after n consecutive failures:
// min(30s * 2^(n-1), 600s). It returns 0 for n <= 0.
func Backoff(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	// 30s * 2^5 already exceeds the cap.
	if n > 6 {
		return MaxBackoff
	}
	return min(BaseBackoff<<(n-1), MaxBackoff)
}

// Registry holds one [ServerHealth] per URL in registration order.
type Registry struct {
	servers map[string]*ServerHealth
	order   []string
	now     func() time.Time
}

// NewRegistry creates an empty registry. now supplies the current time; nil
// means [time.Now].
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		servers: make(map[string]*ServerHealth),
		now:     now,
	}
}

// Register adds url with a default healthy record. Re-registering an existing
// URL is a no-op. It reports whether the URL was new.
func (r *Registry) Register(url string) bool {
	if _, ok := r.servers[url]; ok {
		return false
	}
	r.servers[url] = &ServerHealth{URL: url, IsHealthy: true}
	r.order = append(r.order, url)
	return true
}

// lookup returns the record for url, registering it first if needed.
func (r *Registry) lookup(url string) *ServerHealth {
	if _, ok := r.servers[url]; !ok {
		r.Register(url)
	}
	return r.servers[url]
}

// MarkSuccess restores url to healthy and clears its backoff.
func (r *Registry) MarkSuccess(url string) {
	h := r.lookup(url)
	now := r.now()
	h.IsHealthy = true
	h.ConsecutiveFailures = 0
	h.BackoffUntil = time.Time{}
	h.LastSuccess = now
	h.LastCheck = now
}

// MarkFailure records a failure of url, starts a backoff window and demotes
// the server once it reaches [UnhealthyThreshold] consecutive failures. It
// returns the backoff applied.
func (r *Registry) MarkFailure(url, errText string) time.Duration {
	h := r.lookup(url)
	now := r.now()
	h.FailureCount++
	h.ConsecutiveFailures++
	h.LastFailure = now
	h.LastCheck = now
	h.LastError = errText

	backoff := Backoff(h.ConsecutiveFailures)
	h.BackoffUntil = now.Add(backoff)
	if h.ConsecutiveFailures >= UnhealthyThreshold {
		h.IsHealthy = false
	}
	return backoff
}

// UpdateLoad stores a fresh load snapshot. A successful load report counts as
// a health success.
func (r *Registry) UpdateLoad(url string, load LoadSnapshot) {
	h := r.lookup(url)
	h.LoadSnapshot = load
	r.MarkSuccess(url)
}

// IsAvailable reports whether url is healthy and outside its backoff window.
// Unknown URLs are not available.
func (r *Registry) IsAvailable(url string) bool {
	h, ok := r.servers[url]
	if !ok {
		return false
	}
	return h.IsHealthy && (h.BackoffUntil.IsZero() || !r.now().Before(h.BackoffUntil))
}

// HealthyURLs returns every available URL in registration order.
func (r *Registry) HealthyURLs() []string {
	out := make([]string, 0, len(r.order))
	for _, url := range r.order {
		if r.IsAvailable(url) {
			out = append(out, url)
		}
	}
	return out
}

// URLs returns all registered URLs in registration order.
func (r *Registry) URLs() []string {
	return slices.Clone(r.order)
}

// Len returns the number of registered servers.
func (r *Registry) Len() int { return len(r.order) }

// Get returns a copy of the record for url.
func (r *Registry) Get(url string) (ServerHealth, bool) {
	h, ok := r.servers[url]
	if !ok {
		return ServerHealth{}, false
	}
	return *h, true
}

// Snapshot returns copies of all records in registration order.
func (r *Registry) Snapshot() []ServerHealth {
	out := make([]ServerHealth, 0, len(r.order))
	for _, url := range r.order {
		out = append(out, *r.servers[url])
	}
	return out
}

// Restore replaces the registry content with records, typically loaded from
// disk. Duplicate URLs keep the first record. The healthy flag is recomputed
// from the failure streak so the demotion rule holds for any input.
func (r *Registry) Restore(records []ServerHealth) {
	r.servers = make(map[string]*ServerHealth, len(records))
	r.order = r.order[:0]
	for _, rec := range records {
		if rec.URL == "" {
			continue
		}
		if _, dup := r.servers[rec.URL]; dup {
			continue
		}
		rec.IsHealthy = rec.ConsecutiveFailures < UnhealthyThreshold
		h := rec
		r.servers[rec.URL] = &h
		r.order = append(r.order, rec.URL)
	}
}
