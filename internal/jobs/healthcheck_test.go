package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxcap/pkg/whisperapi"
)

// fakeHealthClient answers health checks from a per-URL table.
type fakeHealthClient struct {
	mu      sync.Mutex
	healthy map[string]bool
	load    map[string]whisperapi.QueueEstimate
	calls   int
}

func (p *fakeHealthClient) Health(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if !p.healthy[url] {
		return errors.New("connection refused")
	}
	return nil
}

func (p *fakeHealthClient) QueueEstimate(_ context.Context, url string) (*whisperapi.QueueEstimate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	est, ok := p.load[url]
	if !ok {
		return nil, errors.New("no estimate")
	}
	return &est, nil
}

func TestCheckServers_UpdatesHealthAndLoad(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.RegisterServer("http://up")
	m.RegisterServer("http://down")
	m.RegisterServer("http://noload")
	m.MarkServerFailure("http://up", "earlier")

	p := &fakeHealthClient{
		healthy: map[string]bool{"http://up": true, "http://noload": true},
		load: map[string]whisperapi.QueueEstimate{
			"http://up": {QueueLength: 3, ActiveJobs: 1, AvailableWorkers: 1, TotalWorkers: 2, AverageProcessingTime: 12},
		},
	}
	m.CheckServers(context.Background(), p)

	byURL := map[string]int{}
	st := m.ServerStatus()
	for i, h := range st {
		byURL[h.URL] = i
	}

	up := st[byURL["http://up"]]
	if up.ConsecutiveFailures != 0 || up.QueueLength != 3 || up.AvgProcessingTime != 12 {
		t.Errorf("up = %+v", up)
	}
	if down := st[byURL["http://down"]]; down.ConsecutiveFailures != 1 || down.LastError != "connection refused" {
		t.Errorf("down = %+v", down)
	}
	if noload := st[byURL["http://noload"]]; noload.ConsecutiveFailures != 1 {
		t.Errorf("noload = %+v, want failure for missing estimate", noload)
	}
	if got := m.HealthyServers(); len(got) != 1 || got[0] != "http://up" {
		t.Errorf("HealthyServers = %v", got)
	}
}

func TestCheckServers_RecoversDemotedServer(t *testing.T) {
	m, _, _ := newTestManager(t)
	for range 3 {
		m.MarkServerFailure("http://a", "down")
	}
	if len(m.HealthyServers()) != 0 {
		t.Fatal("server still available after 3 failures")
	}

	p := &fakeHealthClient{
		healthy: map[string]bool{"http://a": true},
		load:    map[string]whisperapi.QueueEstimate{"http://a": {TotalWorkers: 1, AvailableWorkers: 1}},
	}
	m.CheckServers(context.Background(), p)

	if got := m.HealthyServers(); len(got) != 1 {
		t.Errorf("server not recovered by successful check: %v", got)
	}
}

func TestCheckServers_AgainstHTTPServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/health":
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		case "/queue-estimate":
			_ = json.NewEncoder(w).Encode(whisperapi.QueueEstimate{QueueLength: 7, TotalWorkers: 3})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	m, _, _ := newTestManager(t)
	m.RegisterServer(srv.URL)
	m.CheckServers(context.Background(), whisperapi.New(whisperapi.WithCheckTimeout(2*time.Second)))

	st := m.ServerStatus()
	if st[0].QueueLength != 7 || st[0].TotalWorkers != 3 || !st[0].IsHealthy {
		t.Errorf("status = %+v", st[0])
	}
}

func TestRunHealthChecks_StopsOnCancel(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.RegisterServer("http://a")
	p := &fakeHealthClient{healthy: map[string]bool{}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.RunHealthChecks(ctx, p, 10*time.Millisecond) }()

	deadline := time.After(2 * time.Second)
	for {
		p.mu.Lock()
		calls := p.calls
		p.mu.Unlock()
		if calls >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d check passes before deadline", calls)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("RunHealthChecks = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunHealthChecks did not stop")
	}
}
