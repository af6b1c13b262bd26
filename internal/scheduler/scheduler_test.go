package scheduler

import (
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (c *fakeClock) Now() time.Time        { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestIntervalTable(t *testing.T) {
	cases := []struct {
		remaining time.Duration
		want      time.Duration
	}{
		{10 * time.Second, 2 * time.Second},
		{29 * time.Second, 2 * time.Second},
		{45 * time.Second, 3 * time.Second},
		{200 * time.Second, 5 * time.Second},
		{500 * time.Second, 10 * time.Second},
		{3600 * time.Second, 6 * time.Second},
	}
	for _, c := range cases {
		if got := Interval(c.remaining); got != c.want {
			t.Errorf("Interval(%s) = %s, want %s", c.remaining, got, c.want)
		}
	}
}

func TestBackoffIntervalDoublesAndCaps(t *testing.T) {
	base := 6 * time.Second
	if got := BackoffInterval(base, 0); got != 6*time.Second {
		t.Fatalf("no backoff: got %s", got)
	}
	if got := BackoffInterval(base, 1); got != 12*time.Second {
		t.Fatalf("1 error: got %s", got)
	}
	if got := BackoffInterval(base, 2); got != 24*time.Second {
		t.Fatalf("2 errors: got %s", got)
	}
	if got := BackoffInterval(base, 10); got != 60*time.Second {
		t.Fatalf("many errors must cap at 60s, got %s", got)
	}
}

func TestUpsertThenDueReleasesWhenTimeArrives(t *testing.T) {
	clk := newFakeClock()
	s := New().WithClock(clk)

	s.Upsert("a1", 500*time.Second, true, 0) // interval 10s

	if due := s.Due(); len(due) != 0 {
		t.Fatalf("expected nothing due yet, got %v", due)
	}

	clk.Advance(10 * time.Second)
	due := s.Due()
	if len(due) != 1 || due[0] != "a1" {
		t.Fatalf("expected a1 due, got %v", due)
	}
}

func TestUpsertReplacesExistingEntry(t *testing.T) {
	clk := newFakeClock()
	s := New().WithClock(clk)

	s.Upsert("a1", 500*time.Second, true, 0) // 10s interval
	if s.Len() != 1 {
		t.Fatalf("expected 1 scheduled, got %d", s.Len())
	}

	s.Upsert("a1", 10*time.Second, true, 0) // now due in 2s, replacing the old entry
	if s.Len() != 1 {
		t.Fatalf("expected replace not duplicate, got %d", s.Len())
	}

	clk.Advance(2 * time.Second)
	due := s.Due()
	if len(due) != 1 || due[0] != "a1" {
		t.Fatalf("expected a1 due after replace, got %v", due)
	}
}

func TestRemoveDropsAuction(t *testing.T) {
	clk := newFakeClock()
	s := New().WithClock(clk)
	s.Upsert("a1", 10*time.Second, true, 0)
	s.Remove("a1")

	clk.Advance(5 * time.Second)
	if due := s.Due(); len(due) != 0 {
		t.Fatalf("expected nothing due after remove, got %v", due)
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", s.Len())
	}
}

func TestGlobalRateCapDoesNotDropOnlyDelays(t *testing.T) {
	clk := newFakeClock()
	s := New().WithClock(clk).WithRateCap(2)

	for i := 0; i < 5; i++ {
		s.Upsert(string(rune('a'+i)), 10*time.Second, true, 0)
	}
	clk.Advance(2 * time.Second)

	first := s.Due()
	if len(first) != 2 {
		t.Fatalf("expected exactly 2 released under cap, got %d", len(first))
	}
	if s.Len() != 3 {
		t.Fatalf("expected remaining 3 still scheduled, got %d", s.Len())
	}

	// Roll the window over; the rest must still be released, not dropped,
	// at most 2 per window.
	clk.Advance(time.Second)
	second := s.Due()
	if len(second) != 2 {
		t.Fatalf("expected 2 more released in next window, got %d", len(second))
	}
	clk.Advance(time.Second)
	third := s.Due()
	if len(third) != 1 {
		t.Fatalf("expected the last 1 released in the window after, got %d", len(third))
	}
}

func TestLegacyModeReleasesIndependentlyOfPriority(t *testing.T) {
	clk := newFakeClock()
	s := New().WithClock(clk).WithLegacyMode()

	// Legacy mode has no urgency tie-break: same nextPoll releases in
	// auctionID order, unlike queue mode's winning-first tie-break.
	s.Upsert("winning", 10*time.Second, true, 0)
	s.Upsert("losing", 10*time.Second, false, 0)

	clk.Advance(2 * time.Second)
	due := s.Due()
	if len(due) != 2 || due[0] != "losing" || due[1] != "winning" {
		t.Fatalf("expected alphabetical release in legacy mode, got %v", due)
	}
}

func TestLegacyModeRespectsRateCap(t *testing.T) {
	clk := newFakeClock()
	s := New().WithClock(clk).WithRateCap(1).WithLegacyMode()

	s.Upsert("a1", 10*time.Second, true, 0)
	s.Upsert("a2", 10*time.Second, true, 0)
	clk.Advance(2 * time.Second)

	first := s.Due()
	if len(first) != 1 {
		t.Fatalf("expected exactly 1 released under cap, got %d", len(first))
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 auction still pending, got %d", s.Len())
	}

	clk.Advance(time.Second)
	second := s.Due()
	if len(second) != 1 {
		t.Fatalf("expected the remaining auction released next window, got %d", len(second))
	}
}

func TestLegacyModeRemoveDropsAuction(t *testing.T) {
	clk := newFakeClock()
	s := New().WithClock(clk).WithLegacyMode()
	s.Upsert("a1", 10*time.Second, true, 0)
	s.Remove("a1")

	clk.Advance(5 * time.Second)
	if due := s.Due(); len(due) != 0 {
		t.Fatalf("expected nothing due after remove, got %v", due)
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty schedule, got %d", s.Len())
	}
}

func TestUpsertFixedIntervalIgnoresGraduatedTable(t *testing.T) {
	clk := newFakeClock()
	s := New().WithClock(clk)

	// timeRemaining alone would give a 2s interval (Interval table); the
	// fixed safety-net interval should win instead.
	s.UpsertFixedInterval("a1", 30*time.Second, 10*time.Second, true, 0)

	clk.Advance(2 * time.Second)
	if due := s.Due(); len(due) != 0 {
		t.Fatalf("expected nothing due at graduated-table interval, got %v", due)
	}

	clk.Advance(28 * time.Second)
	due := s.Due()
	if len(due) != 1 || due[0] != "a1" {
		t.Fatalf("expected a1 due at the fixed interval, got %v", due)
	}
}

func TestLosingAuctionsPrioritizedOnTie(t *testing.T) {
	clk := newFakeClock()
	s := New().WithClock(clk).WithRateCap(1)

	// Same nextPoll for both; losing auction should sort first (more urgent).
	s.Upsert("winning", 10*time.Second, true, 0)
	s.Upsert("losing", 10*time.Second, false, 0)

	clk.Advance(2 * time.Second)
	due := s.Due()
	if len(due) != 1 || due[0] != "losing" {
		t.Fatalf("expected losing auction prioritized first, got %v", due)
	}
}
