package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errDown = errors.New("destination down")

func failing(context.Context) error    { return errDown }
func succeeding(context.Context) error { return nil }

func testConfig() Config {
	return Config{
		FailureThreshold:         3,
		ResetTimeout:             50 * time.Millisecond,
		HalfOpenSuccessThreshold: 2,
	}
}

func tripped(t *testing.T, cfg Config) *Breaker {
	t.Helper()
	b := newBreaker("agent-1", cfg)
	for i := 0; i < cfg.FailureThreshold; i++ {
		if err := b.Execute(context.Background(), failing); !errors.Is(err, errDown) {
			t.Fatalf("failure %d: got %v", i, err)
		}
	}
	if b.State() != Open {
		t.Fatalf("breaker not open after %d failures, state=%s", cfg.FailureThreshold, b.State())
	}
	return b
}

func TestOpensAtFailureThreshold(t *testing.T) {
	b := newBreaker("agent-1", testConfig())

	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), failing)
		if b.State() != Closed {
			t.Fatalf("opened after %d failures, threshold is 3", i+1)
		}
	}
	_ = b.Execute(context.Background(), failing)
	if b.State() != Open {
		t.Fatal("breaker must open at the threshold")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := newBreaker("agent-1", testConfig())

	_ = b.Execute(context.Background(), failing)
	_ = b.Execute(context.Background(), failing)
	_ = b.Execute(context.Background(), succeeding)
	_ = b.Execute(context.Background(), failing)
	_ = b.Execute(context.Background(), failing)

	if b.State() != Closed {
		t.Fatal("non-consecutive failures must not open the breaker")
	}
}

func TestOpenRejectsWithoutInvoking(t *testing.T) {
	b := tripped(t, testConfig())

	invoked := false
	err := b.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})

	if invoked {
		t.Fatal("open breaker must not invoke the operation")
	}
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("got %v, want ErrOpen", err)
	}
	var coe *CircuitOpenError
	if !errors.As(err, &coe) {
		t.Fatalf("got %T, want CircuitOpenError", err)
	}
	if coe.RetryAfter <= 0 {
		t.Error("rejection must carry a positive retry hint")
	}
}

func TestHalfOpenAfterResetTimeout(t *testing.T) {
	cfg := testConfig()
	b := tripped(t, cfg)

	time.Sleep(cfg.ResetTimeout + 10*time.Millisecond)

	// The first call after the reset timeout is the half-open trial.
	if err := b.Execute(context.Background(), succeeding); err != nil {
		t.Fatalf("trial call: %v", err)
	}
	if b.State() != HalfOpen {
		t.Fatalf("state %s after one trial success, want HALF_OPEN", b.State())
	}

	if err := b.Execute(context.Background(), succeeding); err != nil {
		t.Fatalf("second trial call: %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("state %s after %d successes, want CLOSED", b.State(), cfg.HalfOpenSuccessThreshold)
	}
}

func TestHalfOpenFailureReopensImmediately(t *testing.T) {
	cfg := testConfig()
	b := tripped(t, cfg)

	time.Sleep(cfg.ResetTimeout + 10*time.Millisecond)

	if err := b.Execute(context.Background(), failing); !errors.Is(err, errDown) {
		t.Fatalf("trial failure: %v", err)
	}
	if b.State() != Open {
		t.Fatalf("a single half-open failure must reopen, state=%s", b.State())
	}

	// And it rejects again without running anything.
	if err := b.Execute(context.Background(), succeeding); !errors.Is(err, ErrOpen) {
		t.Fatalf("got %v, want ErrOpen after reopen", err)
	}
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 1
	cfg.CallTimeout = 20 * time.Millisecond
	b := newBreaker("agent-1", cfg)

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond) // well past the call timeout
		return nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if b.State() != Open {
		t.Fatal("timeout must count toward the failure threshold")
	}
}

func TestReset(t *testing.T) {
	b := tripped(t, testConfig())
	b.Reset()
	if b.State() != Closed {
		t.Fatal("reset must close the breaker")
	}
	if err := b.Execute(context.Background(), succeeding); err != nil {
		t.Fatalf("call after reset: %v", err)
	}
}

func TestSnapshot(t *testing.T) {
	b := newBreaker("agent-1", testConfig())
	_ = b.Execute(context.Background(), failing)

	s := b.Snapshot()
	if s.Destination != "agent-1" || s.State != "CLOSED" || s.FailureCount != 1 {
		t.Errorf("unexpected snapshot: %+v", s)
	}
	if s.LastFailureTime.IsZero() {
		t.Error("snapshot must record the last failure time")
	}
}

func TestRegistryLazyPerDestination(t *testing.T) {
	r := NewRegistry(testConfig())
	defer r.Close()

	a := r.Get("agent-a")
	if a != r.Get("agent-a") {
		t.Fatal("same key must return the same breaker")
	}
	if a == r.Get("agent-b") {
		t.Fatal("different keys must get independent breakers")
	}

	// Tripping one destination leaves the other closed.
	for i := 0; i < 3; i++ {
		_ = a.Execute(context.Background(), failing)
	}
	if a.State() != Open {
		t.Fatal("agent-a breaker should be open")
	}
	if r.Get("agent-b").State() != Closed {
		t.Fatal("agent-b breaker must be unaffected")
	}

	stats := r.Stats()
	if len(stats) != 2 {
		t.Fatalf("stats for %d breakers, want 2", len(stats))
	}
}

func TestRegistryMonitorFreesStuckOpen(t *testing.T) {
	cfg := Config{
		FailureThreshold:         1,
		ResetTimeout:             20 * time.Millisecond,
		HalfOpenSuccessThreshold: 1,
	}
	r := NewRegistry(cfg)
	defer r.Close()

	b := r.Get("agent-a")
	_ = b.Execute(context.Background(), failing)
	if b.State() != Open {
		t.Fatal("breaker should be open")
	}

	// No traffic arrives; the monitor alone must free the breaker once it
	// has been open longer than stuckOpenFactor times the reset timeout.
	// The monitor ticks once per second, so allow a couple of ticks.
	deadline := time.Now().Add(3 * time.Second)
	for b.State() != HalfOpen {
		if time.Now().After(deadline) {
			t.Fatalf("breaker still %s, monitor never forced a trial", b.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
