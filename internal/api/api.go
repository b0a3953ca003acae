// Package api serves a small JSON API over the dispatcher's job and server
// bookkeeping, plus a synchronous transcription endpoint.
//
// Routes:
//
//	GET  /api/stats
//	GET  /api/servers
//	GET  /api/servers/info/{kind}?server=URL   kind: all-status, model-info, system-report
//	GET  /api/jobs/pending
//	GET  /api/jobs/in-progress
//	GET  /api/jobs/{id}
//	POST /api/jobs/cleanup?max_age_hours=N
//	POST /api/transcribe            multipart: audio, language
//	GET  /api/transcripts?limit=N   only when an archive is configured
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/MrWong99/voxcap/internal/archive"
	"github.com/MrWong99/voxcap/internal/dispatch"
	"github.com/MrWong99/voxcap/internal/jobs"
	"github.com/MrWong99/voxcap/internal/observe"
	"github.com/MrWong99/voxcap/pkg/whisperapi"
)

const (
	defaultCleanupAge = 24 * time.Hour
	maxUploadBytes    = 512 << 20
	defaultListLimit  = 50
)

// Transcriber runs one transcription to completion. *dispatch.Dispatcher
// satisfies it.
type Transcriber interface {
	Transcribe(ctx context.Context, src dispatch.Source, language string) (*dispatch.Result, error)
}

// ServerInfo fetches the informational documents a whisper server
// publishes. *whisperapi.Client satisfies it.
type ServerInfo interface {
	AllStatus(ctx context.Context, serverURL string) (json.RawMessage, error)
	ModelInfo(ctx context.Context, serverURL string) (json.RawMessage, error)
	SystemReport(ctx context.Context, serverURL string) (json.RawMessage, error)
}

// Option configures a [Handler].
type Option func(*Handler)

// WithTranscripts enables GET /api/transcripts backed by l.
func WithTranscripts(l archive.Lister) Option {
	return func(h *Handler) { h.transcripts = l }
}

// WithServerInfo enables GET /api/servers/info/{kind} backed by si.
func WithServerInfo(si ServerInfo) Option {
	return func(h *Handler) { h.info = si }
}

// Handler serves the /api routes.
type Handler struct {
	manager     *jobs.Manager
	transcriber Transcriber
	transcripts archive.Lister
	info        ServerInfo
}

// New creates a Handler. transcriber may be nil, in which case
// POST /api/transcribe answers 503.
func New(manager *jobs.Manager, transcriber Transcriber, opts ...Option) *Handler {
	h := &Handler{manager: manager, transcriber: transcriber}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds all routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/stats", h.stats)
	mux.HandleFunc("GET /api/servers", h.servers)
	mux.HandleFunc("GET /api/servers/info/{kind}", h.serverInfo)
	mux.HandleFunc("GET /api/jobs/pending", h.pendingJobs)
	mux.HandleFunc("GET /api/jobs/in-progress", h.inProgressJobs)
	mux.HandleFunc("GET /api/jobs/{id}", h.job)
	mux.HandleFunc("POST /api/jobs/cleanup", h.cleanup)
	mux.HandleFunc("POST /api/transcribe", h.transcribe)
	mux.HandleFunc("GET /api/transcripts", h.recentTranscripts)
}

// ── Read endpoints ──────────────────────────────────────────────────────────

// serverView is a server record with its computed poll interval.
type serverView struct {
	URL                 string    `json:"url"`
	Available           bool      `json:"available"`
	IsHealthy           bool      `json:"isHealthy"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	FailureCount        int       `json:"failureCount"`
	LastSuccess         time.Time `json:"lastSuccess,omitzero"`
	LastError           string    `json:"lastError,omitempty"`
	BackoffUntil        time.Time `json:"backoffUntil,omitzero"`
	QueueLength         int       `json:"queueLength"`
	ActiveJobs          int       `json:"activeJobs"`
	AvailableWorkers    int       `json:"availableWorkers"`
	TotalWorkers        int       `json:"totalWorkers"`
	PollIntervalSeconds float64   `json:"pollIntervalSeconds"`
}

func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Stats())
}

func (h *Handler) servers(w http.ResponseWriter, _ *http.Request) {
	available := make(map[string]bool)
	for _, u := range h.manager.HealthyServers() {
		available[u] = true
	}
	records := h.manager.ServerStatus()
	out := make([]serverView, 0, len(records))
	for _, s := range records {
		out = append(out, serverView{
			URL:                 s.URL,
			Available:           available[s.URL],
			IsHealthy:           s.IsHealthy,
			ConsecutiveFailures: s.ConsecutiveFailures,
			FailureCount:        s.FailureCount,
			LastSuccess:         s.LastSuccess,
			LastError:           s.LastError,
			BackoffUntil:        s.BackoffUntil,
			QueueLength:         s.QueueLength,
			ActiveJobs:          s.ActiveJobs,
			AvailableWorkers:    s.AvailableWorkers,
			TotalWorkers:        s.TotalWorkers,
			PollIntervalSeconds: h.manager.PollInterval(s.URL).Seconds(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// serverInfo relays one informational document of a registered server.
func (h *Handler) serverInfo(w http.ResponseWriter, r *http.Request) {
	if h.info == nil {
		writeError(w, http.StatusNotFound, errors.New("server info not configured"))
		return
	}
	var fetch func(context.Context, string) (json.RawMessage, error)
	switch kind := r.PathValue("kind"); kind {
	case "all-status":
		fetch = h.info.AllStatus
	case "model-info":
		fetch = h.info.ModelInfo
	case "system-report":
		fetch = h.info.SystemReport
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown info kind %q", kind))
		return
	}

	server := r.URL.Query().Get("server")
	if !slices.Contains(h.manager.ServerURLs(), server) {
		writeError(w, http.StatusNotFound, fmt.Errorf("server %q is not registered", server))
		return
	}
	doc, err := fetch(r.Context(), server)
	if err != nil {
		observe.Logger(r.Context()).Warn("api: server info", "server", server, "err", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) pendingJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.PendingJobs())
}

func (h *Handler) inProgressJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.InProgressJobs())
}

func (h *Handler) job(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	j, ok := h.manager.Job(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handler) recentTranscripts(w http.ResponseWriter, r *http.Request) {
	if h.transcripts == nil {
		writeError(w, http.StatusNotFound, errors.New("transcript archive not configured"))
		return
	}
	limit, err := intParam(r, "limit", defaultListLimit)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", r.URL.Query().Get("limit")))
		return
	}
	list, err := h.transcripts.Recent(r.Context(), limit)
	if err != nil {
		observe.Logger(r.Context()).Error("api: list transcripts", "err", err)
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// ── Mutating endpoints ──────────────────────────────────────────────────────

func (h *Handler) cleanup(w http.ResponseWriter, r *http.Request) {
	maxAge := defaultCleanupAge
	if v := r.URL.Query().Get("max_age_hours"); v != "" {
		hours, err := strconv.ParseFloat(v, 64)
		if err != nil || hours < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid max_age_hours %q", v))
			return
		}
		maxAge = time.Duration(hours * float64(time.Hour))
	}
	removed := h.manager.CleanupOldJobs(maxAge)
	observe.Logger(r.Context()).Info("api: cleaned up jobs", "removed", removed, "max_age", maxAge)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (h *Handler) transcribe(w http.ResponseWriter, r *http.Request) {
	if h.transcriber == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("transcription disabled"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("audio: %w", err))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read audio: %w", err))
		return
	}

	res, err := h.transcriber.Transcribe(r.Context(), dispatch.Bytes(header.Filename, data), r.FormValue("language"))
	if err != nil {
		status := statusFor(err)
		observe.Logger(r.Context()).Log(r.Context(), levelFor(status), "api: transcription failed",
			"audio", header.Filename, "status", status, "err", err)
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// statusFor maps a dispatch error to an HTTP status code.
func statusFor(err error) int {
	var timeout *whisperapi.TimeoutError
	switch {
	case errors.Is(err, context.Canceled):
		return 499
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, dispatch.ErrNoServers):
		return http.StatusServiceUnavailable
	case errors.Is(err, dispatch.ErrAllServersFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func levelFor(status int) slog.Level {
	if status >= http.StatusInternalServerError {
		return slog.LevelError
	}
	return slog.LevelWarn
}

// ── Helpers ─────────────────────────────────────────────────────────────────

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
