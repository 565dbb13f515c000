package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New(threshold, open)
	b.now = clk.Now
	return b, clk
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("ledger")
	b.RecordFailure("ledger")
	if !b.Allow("ledger") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("ledger")
	if b.Allow("ledger") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("ledger") != StateOpen {
		t.Fatalf("expected open, got %v", b.State("ledger"))
	}
	if !b.Allow("oracle") {
		t.Fatal("other keys must be unaffected")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)

	b.RecordFailure("ledger")
	if b.Allow("ledger") {
		t.Fatal("should be open")
	}

	clk.Advance(time.Minute)
	if !b.Allow("ledger") {
		t.Fatal("should admit one probe")
	}
	if b.Allow("ledger") {
		t.Fatal("second caller must wait for the probe")
	}

	b.RecordSuccess("ledger")
	if b.State("ledger") != StateClosed {
		t.Fatalf("expected closed after successful probe, got %v", b.State("ledger"))
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)

	b.RecordFailure("ledger")
	clk.Advance(time.Minute)
	b.Allow("ledger")
	b.RecordFailure("ledger")

	if b.State("ledger") != StateOpen {
		t.Fatalf("expected open, got %v", b.State("ledger"))
	}
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	boom := errors.New("rpc down")

	calls := 0
	fail := func() error { calls++; return boom }

	for i := 0; i < 2; i++ {
		if err := b.Execute("ledger", nil, fail); !errors.Is(err, boom) {
			t.Fatalf("expected rpc error, got %v", err)
		}
	}
	err := b.Execute("ledger", nil, fail)
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("fn must not run while open, ran %d times", calls)
	}
}

func TestBreaker_ExecuteIgnoresNonTrippingErrors(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	caller := errors.New("bad input")

	_ = b.Execute("oracle", func(err error) bool { return !errors.Is(err, caller) }, func() error { return caller })
	if b.State("oracle") != StateClosed {
		t.Fatalf("caller errors must not trip the circuit, got %v", b.State("oracle"))
	}
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)

	got := make(chan State, 1)
	b.OnTransition(func(_ string, _, to State) { got <- to })
	b.RecordFailure("ledger")

	select {
	case s := <-got:
		if s != StateOpen {
			t.Fatalf("expected open, got %v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("callback not fired")
	}
}

func TestBreaker_Snapshot(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure("ledger")
	b.RecordFailure("oracle")
	b.RecordSuccess("oracle")

	snap := b.Snapshot()
	if snap["ledger"] != "open" {
		t.Fatalf("ledger: %q", snap["ledger"])
	}
	if snap["oracle"] != "open" {
		// success while open does not close; only a half-open probe does
		t.Fatalf("oracle: %q", snap["oracle"])
	}
}
