package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/rivalapexmediation/auctiontracker/internal/upstream"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func connectionErrorCall() (upstream.ErrorType, error) {
	return upstream.ConnectionError, errors.New("boom")
}

func successCall() (upstream.ErrorType, error) {
	return "", nil
}

func TestOpensAfterFailureThreshold(t *testing.T) {
	clk := newFakeClock()
	b := New(WithClock(clk))

	for i := 0; i < 4; i++ {
		if _, err := b.Do(connectionErrorCall); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
		if b.Snapshot().State != Closed {
			t.Fatalf("call %d: expected still closed", i)
		}
	}

	// 5th consecutive failure reaches the threshold and opens the breaker.
	if _, err := b.Do(connectionErrorCall); err == nil {
		t.Fatal("expected error on 5th failure")
	}
	if b.Snapshot().State != Open {
		t.Fatal("expected breaker open after 5 consecutive failures")
	}

	// 6th call returns CIRCUIT_OPEN without invoking the upstream.
	called := false
	et, err := b.Do(func() (upstream.ErrorType, error) {
		called = true
		return "", nil
	})
	if called {
		t.Fatal("upstream must not be invoked while circuit is open")
	}
	if et != upstream.CircuitOpen {
		t.Fatalf("expected CIRCUIT_OPEN, got %s", et)
	}
}

func TestRecoversThroughHalfOpen(t *testing.T) {
	clk := newFakeClock()
	b := New(WithClock(clk))

	for i := 0; i < 5; i++ {
		_, _ = b.Do(connectionErrorCall)
	}
	if b.Snapshot().State != Open {
		t.Fatal("expected open")
	}

	clk.Advance(60 * time.Second)

	// First call after openTimeout is allowed through (half-open probe).
	if _, err := b.Do(successCall); err != nil {
		t.Fatalf("expected probe to succeed: %v", err)
	}
	if b.Snapshot().State != HalfOpen {
		t.Fatal("expected half_open after first probe success")
	}

	// Second success closes the breaker.
	if _, err := b.Do(successCall); err != nil {
		t.Fatalf("expected second probe to succeed: %v", err)
	}
	snap := b.Snapshot()
	if snap.State != Closed {
		t.Fatal("expected closed after two half-open successes")
	}
	if snap.SuccessfulRecoveries != 1 {
		t.Fatalf("expected 1 recovery, got %d", snap.SuccessfulRecoveries)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clk := newFakeClock()
	b := New(WithClock(clk))
	for i := 0; i < 5; i++ {
		_, _ = b.Do(connectionErrorCall)
	}
	clk.Advance(60 * time.Second)

	_, _ = b.Do(connectionErrorCall)
	if b.Snapshot().State != Open {
		t.Fatal("expected re-open after half-open probe failure")
	}
}

func TestBusinessOutcomesDoNotCountAsFailures(t *testing.T) {
	clk := newFakeClock()
	b := New(WithClock(clk))

	for i := 0; i < 10; i++ {
		_, _ = b.Do(func() (upstream.ErrorType, error) {
			return upstream.BidTooLow, errors.New("too low")
		})
	}
	if b.Snapshot().State != Closed {
		t.Fatal("business outcomes must never trip the breaker")
	}
}

func TestDisabledIsPassThrough(t *testing.T) {
	b := New()
	b.SetEnabled(false)
	for i := 0; i < 10; i++ {
		_, _ = b.Do(connectionErrorCall)
	}
	snap := b.Snapshot()
	if snap.State != Closed {
		t.Fatal("disabled breaker must never open")
	}
	if snap.Enabled {
		t.Fatal("expected Enabled=false to be reported")
	}
}

func TestForceOpenAndForceClose(t *testing.T) {
	b := New()
	b.ForceOpen()
	if b.Snapshot().State != Open {
		t.Fatal("expected forced open")
	}
	b.ForceClose()
	if b.Snapshot().State != Closed {
		t.Fatal("expected forced close")
	}
}

func TestResetMetricsKeepsState(t *testing.T) {
	b := New()
	_, _ = b.Do(connectionErrorCall)
	b.ForceOpen()
	b.ResetMetrics()
	snap := b.Snapshot()
	if snap.TotalRequests != 0 || snap.FailedRequests != 0 {
		t.Fatal("expected counters reset")
	}
	if snap.State != Open {
		t.Fatal("ResetMetrics must not change state")
	}
}
