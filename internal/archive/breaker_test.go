package archive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errDown = errors.New("connection refused")

// memorySink records stored transcripts and fails while fail is set.
type memorySink struct {
	mu    sync.Mutex
	fail  bool
	calls int
	got   []Transcript
}

func (s *memorySink) Store(_ context.Context, t Transcript) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail {
		return errDown
	}
	s.got = append(s.got, t)
	return nil
}

func (s *memorySink) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newGuarded(inner Sink) (*GuardedSink, *clock) {
	clk := &clock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	return Guard(inner, GuardConfig{MaxFailures: 2, Cooldown: time.Minute, Now: clk.Now}), clk
}

func TestGuard_ForwardsWhenClosed(t *testing.T) {
	inner := &memorySink{}
	g, _ := newGuarded(inner)

	if err := g.Store(context.Background(), Transcript{JobID: "a", Text: "hi"}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if len(inner.got) != 1 || inner.got[0].JobID != "a" {
		t.Errorf("inner got %+v", inner.got)
	}
	if g.State() != "closed" {
		t.Errorf("state = %s, want closed", g.State())
	}
}

func TestGuard_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &memorySink{fail: true}
	g, _ := newGuarded(inner)
	ctx := context.Background()

	for range 2 {
		if err := g.Store(ctx, Transcript{}); !errors.Is(err, errDown) {
			t.Fatalf("Store = %v, want inner error", err)
		}
	}
	if g.State() != "open" {
		t.Fatalf("state = %s, want open", g.State())
	}
	if err := g.Store(ctx, Transcript{}); !errors.Is(err, ErrSinkUnavailable) {
		t.Errorf("Store while open = %v, want ErrSinkUnavailable", err)
	}
	if inner.calls != 2 {
		t.Errorf("inner calls = %d, want 2", inner.calls)
	}
}

func TestGuard_HalfOpenTrial(t *testing.T) {
	inner := &memorySink{fail: true}
	g, clk := newGuarded(inner)
	ctx := context.Background()
	_ = g.Store(ctx, Transcript{})
	_ = g.Store(ctx, Transcript{})

	clk.Advance(time.Minute)
	if g.State() != "half-open" {
		t.Fatalf("state = %s, want half-open", g.State())
	}

	// Failed trial re-opens immediately.
	if err := g.Store(ctx, Transcript{}); !errors.Is(err, errDown) {
		t.Fatalf("trial = %v", err)
	}
	if g.State() != "open" {
		t.Fatalf("state after failed trial = %s, want open", g.State())
	}

	clk.Advance(time.Minute)
	inner.setFail(false)
	if err := g.Store(ctx, Transcript{JobID: "b"}); err != nil {
		t.Fatalf("successful trial = %v", err)
	}
	if g.State() != "closed" {
		t.Errorf("state after good trial = %s, want closed", g.State())
	}
}

func TestGuard_SuccessResetsFailureCount(t *testing.T) {
	inner := &memorySink{}
	g, _ := newGuarded(inner)
	ctx := context.Background()

	inner.setFail(true)
	_ = g.Store(ctx, Transcript{})
	inner.setFail(false)
	_ = g.Store(ctx, Transcript{})
	inner.setFail(true)
	_ = g.Store(ctx, Transcript{})

	if g.State() != "closed" {
		t.Errorf("state = %s, want closed (failures were not consecutive)", g.State())
	}
}

func TestGuard_RecentRequiresLister(t *testing.T) {
	g, _ := newGuarded(&memorySink{})
	if _, err := g.Recent(context.Background(), 10); err == nil {
		t.Error("Recent on non-listing sink returned nil error")
	}
}
