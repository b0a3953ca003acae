package jobs

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxcap/internal/observe"
	"github.com/MrWong99/voxcap/internal/resilience"
	"github.com/MrWong99/voxcap/pkg/whisperapi"
)

// DefaultHealthCheckInterval is the period of [Manager.RunHealthChecks] when
// none is given.
const DefaultHealthCheckInterval = 60 * time.Second

// maxConcurrentChecks bounds the fan-out of one health-check pass.
const maxConcurrentChecks = 8

// HealthClient is the subset of the whisper client used for health checks.
// *whisperapi.Client satisfies it.
type HealthClient interface {
	Health(ctx context.Context, serverURL string) error
	QueueEstimate(ctx context.Context, serverURL string) (*whisperapi.QueueEstimate, error)
}

// RunHealthChecks checks every registered server immediately and then every
// interval until ctx is cancelled. It always returns ctx.Err().
func (m *Manager) RunHealthChecks(ctx context.Context, p HealthClient, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}
	slog.Info("jobs: health checks started", "interval", interval)

	m.CheckServers(ctx, p)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("jobs: health checks stopped")
			return ctx.Err()
		case <-ticker.C:
			m.CheckServers(ctx, p)
		}
	}
}

// CheckServers runs one health-check pass over all registered servers concurrently.
// A server passes when /health succeeds and /queue-estimate returns a load
// report; the report is stored and counts as a success. Any failure is
// charged to the server. Checks run without holding the manager lock.
func (m *Manager) CheckServers(ctx context.Context, p HealthClient) {
	ctx, span := observe.StartSpan(ctx, "jobs.healthcheck")
	defer span.End()

	urls := m.ServerURLs()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentChecks)
	for _, url := range urls {
		g.Go(func() error {
			m.checkServer(gctx, p, url)
			return nil
		})
	}
	_ = g.Wait()

	observe.Logger(ctx).Debug("jobs: health check pass done",
		"servers", len(urls),
		"available", len(m.HealthyServers()),
	)
}

func (m *Manager) checkServer(ctx context.Context, p HealthClient, url string) {
	start := time.Now()
	status := "ok"
	defer func() {
		m.metrics.RecordHealthCheck(ctx, url, status, time.Since(start).Seconds())
	}()

	if err := p.Health(ctx, url); err != nil {
		status = "error"
		m.checkFailed(ctx, url, err)
		return
	}
	est, err := p.QueueEstimate(ctx, url)
	if err != nil {
		status = "error"
		m.checkFailed(ctx, url, err)
		return
	}
	m.UpdateServerLoad(url, resilience.LoadSnapshot{
		QueueLength:       est.QueueLength,
		ActiveJobs:        est.ActiveJobs,
		AvailableWorkers:  est.AvailableWorkers,
		TotalWorkers:      est.TotalWorkers,
		AvgProcessingTime: est.AverageProcessingTime,
	})
}

func (m *Manager) checkFailed(ctx context.Context, url string, err error) {
	if ctx.Err() != nil {
		// Shutting down; not the server's fault.
		return
	}
	backoff := m.MarkServerFailure(url, err.Error())
	m.metrics.RecordServerFailure(ctx, url)
	observe.Logger(ctx).Warn("jobs: server health check failed",
		"server", url, "err", err, "backoff", backoff)
}
