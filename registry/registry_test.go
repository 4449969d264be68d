package registry

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/askcontinue/askcontinue-core/logger"
	"github.com/askcontinue/askcontinue-core/metrics"
)

func TestMain(m *testing.M) {
	logger.Reset()
	logger.Init(os.DevNull)

	code := m.Run()

	logger.Reset()
	os.Exit(code)
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCreate(t *testing.T) {
	r := New()

	rec, err := r.Create("req-1", "build finished", TransportRPCSSE, WithRound(3), WithContext("sess-9"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.State != StatePending || rec.Round != 3 || rec.TransportContext != "sess-9" {
		t.Errorf("unexpected record %+v", rec)
	}

	if _, err := r.Create("req-1", "again", TransportFile); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("duplicate create err = %v, want ErrDuplicateID", err)
	}

	gen, err := r.Create("", "no id", TransportFile)
	if err != nil {
		t.Fatal(err)
	}
	if gen.ID == "" {
		t.Error("empty id should be generated")
	}
}

func TestCreate_ResolvedIDIsStillDuplicate(t *testing.T) {
	r := New()
	if _, err := r.Create("a", "s", TransportFile); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve("a", Decision{Action: ActionEnd}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create("a", "s", TransportFile); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("err = %v, want ErrDuplicateID", err)
	}
}

func TestCreate_ReplacesExpired(t *testing.T) {
	r := New()
	if _, err := r.Create("a", "old", TransportFile); err != nil {
		t.Fatal(err)
	}
	r.Expire("a")

	rec, err := r.Create("a", "new", TransportFile)
	if err != nil {
		t.Fatalf("Create over expired: %v", err)
	}
	if rec.Summary != "new" || rec.State != StatePending {
		t.Errorf("got %+v", rec)
	}
}

func TestResolve_ExactlyOnce(t *testing.T) {
	r := New()
	if _, err := r.Create("x", "s", TransportRPCSync); err != nil {
		t.Fatal(err)
	}

	rec, err := r.Resolve("x", Decision{Action: ActionContinue, Feedback: "first"})
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if rec.State != StateResolved || rec.Decision.Feedback != "first" {
		t.Errorf("got %+v", rec)
	}

	if _, err := r.Resolve("x", Decision{Action: ActionEnd, Feedback: "second"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Resolve err = %v, want ErrNotFound", err)
	}

	got, _ := r.Get("x")
	if got.Decision.Feedback != "first" {
		t.Errorf("second resolve overwrote decision: %q", got.Decision.Feedback)
	}
}

func TestResolve_Concurrent(t *testing.T) {
	for round := range 50 {
		r := New()
		if _, err := r.Create("race", "s", TransportFile); err != nil {
			t.Fatal(err)
		}

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, err := r.Resolve("race", Decision{Action: ActionContinue}); err == nil {
					wins.Add(1)
				} else if !errors.Is(err, ErrNotFound) {
					t.Errorf("goroutine %d: unexpected error %v", i, err)
				}
			}(i)
		}
		wg.Wait()

		if wins.Load() != 1 {
			t.Fatalf("round %d: %d resolves succeeded, want 1", round, wins.Load())
		}
	}
}

func TestResolve_Unknown(t *testing.T) {
	r := New()
	if _, err := r.Resolve("ghost", Decision{Action: ActionEnd}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestExpire(t *testing.T) {
	var hooked []string
	r := New(WithExpireHook(func(rec Record) { hooked = append(hooked, rec.ID) }))
	if _, err := r.Create("e", "s", TransportFile); err != nil {
		t.Fatal(err)
	}

	if !r.Expire("e") {
		t.Error("first Expire should transition")
	}
	if r.Expire("e") {
		t.Error("second Expire should be a no-op")
	}
	if r.Expire("missing") {
		t.Error("Expire of unknown id should be a no-op")
	}

	if _, err := r.Resolve("e", Decision{Action: ActionContinue}); !errors.Is(err, ErrNotFound) {
		t.Errorf("late decision err = %v, want ErrNotFound", err)
	}
	rec, _ := r.Get("e")
	if rec.State != StateExpired {
		t.Errorf("State = %v, want expired", rec.State)
	}
	if len(hooked) != 1 {
		t.Errorf("expire hook ran %d times, want 1", len(hooked))
	}
}

func TestWait(t *testing.T) {
	r := New()
	if _, err := r.Create("w", "s", TransportRPCSSE); err != nil {
		t.Fatal(err)
	}

	got := make(chan Decision, 1)
	go func() {
		d, err := r.Wait(context.Background(), "w")
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		got <- d
	}()

	time.Sleep(10 * time.Millisecond)
	if _, err := r.Resolve("w", Decision{Action: ActionContinue, Feedback: "next task"}); err != nil {
		t.Fatal(err)
	}

	select {
	case d := <-got:
		if d.Feedback != "next task" {
			t.Errorf("Feedback = %q", d.Feedback)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Resolve")
	}
}

func TestWait_AlreadyResolved(t *testing.T) {
	r := New()
	if _, err := r.Create("w", "s", TransportRPCSync); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve("w", Decision{Action: ActionEnd}); err != nil {
		t.Fatal(err)
	}
	d, err := r.Wait(context.Background(), "w")
	if err != nil || d.Action != ActionEnd {
		t.Errorf("Wait = %+v, %v", d, err)
	}
}

func TestWait_Expired(t *testing.T) {
	r := New()
	if _, err := r.Create("w", "s", TransportRPCSync); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		r.Expire("w")
	}()
	if _, err := r.Wait(context.Background(), "w"); !errors.Is(err, ErrExpired) {
		t.Errorf("err = %v, want ErrExpired", err)
	}
}

func TestWait_ContextCancelKeepsPending(t *testing.T) {
	r := New()
	if _, err := r.Create("w", "s", TransportRPCSSE); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Wait(ctx, "w"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}

	rec, _ := r.Get("w")
	if rec.State != StatePending {
		t.Errorf("State = %v, want pending after caller disconnect", rec.State)
	}
	if _, err := r.Resolve("w", Decision{Action: ActionContinue}); err != nil {
		t.Errorf("record should still be resolvable: %v", err)
	}
}

func TestWait_Unknown(t *testing.T) {
	if _, err := New().Wait(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSweep(t *testing.T) {
	clock := newFakeClock()
	r := New(WithExpiry(10*time.Minute), WithClock(clock.Now))

	if _, err := r.Create("old", "s", TransportFile); err != nil {
		t.Fatal(err)
	}
	clock.Advance(6 * time.Minute)
	if _, err := r.Create("young", "s", TransportFile); err != nil {
		t.Fatal(err)
	}
	clock.Advance(5 * time.Minute)

	if n := r.Sweep(); n != 1 {
		t.Errorf("Sweep expired %d, want 1", n)
	}
	if rec, _ := r.Get("old"); rec.State != StateExpired {
		t.Errorf("old state = %v", rec.State)
	}
	if rec, _ := r.Get("young"); rec.State != StatePending {
		t.Errorf("young state = %v", rec.State)
	}

	// Finished records are forgotten after another expiry window.
	clock.Advance(11 * time.Minute)
	r.Sweep()
	if _, ok := r.Get("old"); ok {
		t.Error("expired record should be purged")
	}
}

func TestResolve_OverdueIsDropped(t *testing.T) {
	clock := newFakeClock()
	r := New(WithExpiry(time.Minute), WithClock(clock.Now))
	if _, err := r.Create("late", "s", TransportRPCSync); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Minute)

	if _, err := r.Resolve("late", Decision{Action: ActionContinue}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if rec, _ := r.Get("late"); rec.State != StateExpired {
		t.Errorf("State = %v, want expired", rec.State)
	}
}

func TestCreate_SweepsOpportunistically(t *testing.T) {
	clock := newFakeClock()
	r := New(WithExpiry(time.Minute), WithClock(clock.Now))
	if _, err := r.Create("a", "s", TransportFile); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := r.Create("b", "s", TransportFile); err != nil {
		t.Fatal(err)
	}
	if rec, _ := r.Get("a"); rec.State != StateExpired {
		t.Errorf("Create should expire overdue records, a is %v", rec.State)
	}
}

func TestPendingAndLatest(t *testing.T) {
	r := New()
	if _, ok := r.Latest(); ok {
		t.Error("Latest on empty registry should report false")
	}

	for _, id := range []string{"one", "two", "three"} {
		if _, err := r.Create(id, id, TransportFile); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.Resolve("three", Decision{Action: ActionEnd}); err != nil {
		t.Fatal(err)
	}

	pending := r.Pending()
	if len(pending) != 2 || pending[0].ID != "one" || pending[1].ID != "two" {
		t.Errorf("Pending = %+v", pending)
	}
	latest, ok := r.Latest()
	if !ok || latest.ID != "two" {
		t.Errorf("Latest = %+v, %v", latest, ok)
	}
}

func TestRun(t *testing.T) {
	clock := newFakeClock()
	r := New(WithExpiry(time.Minute), WithClock(clock.Now))
	if _, err := r.Create("a", "s", TransportFile); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, 5*time.Millisecond) }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if rec, _ := r.Get("a"); rec.State == StateExpired {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
	if rec, _ := r.Get("a"); rec.State != StateExpired {
		t.Error("Run should sweep overdue records")
	}
}

func TestMetrics(t *testing.T) {
	c := metrics.NewCollector()
	r := New(WithMetrics(c))

	if _, err := r.Create("a", "s", TransportFile); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create("b", "s", TransportFile); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve("a", Decision{Action: ActionContinue}); err != nil {
		t.Fatal(err)
	}
	r.Resolve("a", Decision{Action: ActionContinue})

	const pendingGauge = `
# HELP askcontinue_pending_requests Requests currently awaiting a decision
# TYPE askcontinue_pending_requests gauge
askcontinue_pending_requests 1
`
	if err := testutil.GatherAndCompare(c.Registry(), strings.NewReader(pendingGauge), "askcontinue_pending_requests"); err != nil {
		t.Error(err)
	}
	const races = `
# HELP askcontinue_resolve_races_total Resolve calls that lost to an earlier resolve or expiry
# TYPE askcontinue_resolve_races_total counter
askcontinue_resolve_races_total 1
`
	if err := testutil.GatherAndCompare(c.Registry(), strings.NewReader(races), "askcontinue_resolve_races_total"); err != nil {
		t.Error(err)
	}
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		in      string
		want    Action
		wantErr bool
	}{
		{"continue", ActionContinue, false},
		{" END ", ActionEnd, false},
		{"Cancel", ActionCancel, false},
		{"timeout", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseAction(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseAction(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestStateString(t *testing.T) {
	if StatePending.String() != "pending" || StateResolved.String() != "resolved" || StateExpired.String() != "expired" {
		t.Error("unexpected state names")
	}
}
