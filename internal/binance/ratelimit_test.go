package binance

import (
	"context"
	"testing"
	"time"

	"github.com/quantex/tradelink/config"
	"github.com/quantex/tradelink/errs"
)

func testLimits() config.RateLimits {
	return config.RateLimits{
		RequestWeightPerMinute: 100,
		OrdersPerTenSeconds:    5,
		OrderSubmitPerSecond:   10,
	}
}

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time          { return c.now }
func (c *stepClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestGovernorNeverExceedsCeiling(t *testing.T) {
	clock := &stepClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	g := NewGovernor(testLimits(), clock.Now)

	granted := 0
	for i := 0; i < 30; i++ {
		if g.TryAcquire(ClassRequestWeight, 10).Granted {
			granted++
		}
	}
	if granted != 10 {
		t.Fatalf("granted %d acquisitions of cost 10 against ceiling 100", granted)
	}
	if got := g.Utilization(ClassRequestWeight); got != 1.0 {
		t.Fatalf("utilization = %f, want 1.0", got)
	}
}

func TestGovernorReportsWaitUntilWindowRollover(t *testing.T) {
	clock := &stepClock{now: time.Date(2024, 6, 1, 12, 0, 30, 0, time.UTC)}
	g := NewGovernor(testLimits(), clock.Now)

	if !g.TryAcquire(ClassRequestWeight, 100).Granted {
		t.Fatalf("first acquisition should drain the budget")
	}
	decision := g.TryAcquire(ClassRequestWeight, 1)
	if decision.Granted {
		t.Fatalf("expected denial while budget exhausted")
	}
	// Mid-window at :30, the minute window resets at 12:01:00.
	if decision.Wait != 30*time.Second {
		t.Fatalf("wait = %s, want 30s", decision.Wait)
	}
}

func TestGovernorWindowRolloverRestoresCeiling(t *testing.T) {
	clock := &stepClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	g := NewGovernor(testLimits(), clock.Now)

	g.TryAcquire(ClassRequestWeight, 100)
	clock.Advance(time.Minute)
	if !g.TryAcquire(ClassRequestWeight, 100).Granted {
		t.Fatalf("expected full budget after rollover")
	}
}

func TestGovernorResyncDrainsBudget(t *testing.T) {
	clock := &stepClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	g := NewGovernor(testLimits(), clock.Now)

	if !g.TryAcquire(ClassRequestWeight, 1).Granted {
		t.Fatalf("expected grant with fresh budget")
	}
	g.Resync(ClassRequestWeight)
	if g.TryAcquire(ClassRequestWeight, 1).Granted {
		t.Fatalf("expected denial after resync")
	}
	clock.Advance(time.Minute)
	if !g.TryAcquire(ClassRequestWeight, 1).Granted {
		t.Fatalf("resync must not outlive the window")
	}
}

func TestAcquireRejectsCostAboveCeiling(t *testing.T) {
	clock := &stepClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	g := NewGovernor(testLimits(), clock.Now)

	// A cost above the ceiling fits in no window; waiting would never end.
	err := g.Acquire(context.Background(), ClassRequestWeight, 101)
	if err == nil {
		t.Fatalf("expected rejection for cost above ceiling")
	}
	if errs.CodeOf(err) != errs.CodeValidation {
		t.Fatalf("code = %s, want validation", errs.CodeOf(err))
	}
	// The budget is untouched by the rejected request.
	if got := g.Utilization(ClassRequestWeight); got != 0 {
		t.Fatalf("utilization = %f, want 0", got)
	}
}

func TestGovernorOrderClassIndependent(t *testing.T) {
	clock := &stepClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	g := NewGovernor(testLimits(), clock.Now)

	for i := 0; i < 5; i++ {
		if !g.TryAcquire(ClassOrders, 1).Granted {
			t.Fatalf("order %d denied below ceiling", i)
		}
	}
	if g.TryAcquire(ClassOrders, 1).Granted {
		t.Fatalf("sixth order should exceed the 10s ceiling")
	}
	// The request-weight bucket is untouched.
	if !g.TryAcquire(ClassRequestWeight, 1).Granted {
		t.Fatalf("request weight bucket should be independent")
	}
	clock.Advance(10 * time.Second)
	if !g.TryAcquire(ClassOrders, 1).Granted {
		t.Fatalf("order budget should reset after its own window")
	}
}
