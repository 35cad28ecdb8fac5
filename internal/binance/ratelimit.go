package binance

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/quantex/tradelink/config"
	"github.com/quantex/tradelink/errs"
	"github.com/quantex/tradelink/internal/observability"
	"github.com/quantex/tradelink/internal/telemetry"
)

// WeightClass names an exchange-defined rate-limit bucket.
type WeightClass string

const (
	// ClassRequestWeight is the per-minute request weight bucket.
	ClassRequestWeight WeightClass = "request_weight"
	// ClassOrders is the per-ten-second order count bucket.
	ClassOrders WeightClass = "orders"
)

// Fraction of a budget consumed before a near-exhaustion warning is emitted.
const nearExhaustionThreshold = 0.8

// Decision reports the outcome of a budget acquisition attempt.
type Decision struct {
	Granted bool
	Wait    time.Duration
}

type budget struct {
	ceiling     int
	window      time.Duration
	used        int
	windowStart time.Time
	warned      bool
}

// Governor tracks consumed capacity per weight class and gates outgoing
// requests. Counters are mutex-guarded: the client may be driven from
// several goroutines.
type Governor struct {
	mu      sync.Mutex
	clock   func() time.Time
	budgets map[WeightClass]*budget

	orderPacer *rate.Limiter
	metrics    *telemetry.SessionMetrics
}

// NewGovernor builds a governor from the configured ceilings. Windows are
// aligned to wall-clock boundaries the way the exchange accounts them.
func NewGovernor(limits config.RateLimits, clock func() time.Time) *Governor {
	if clock == nil {
		clock = time.Now
	}
	pacerRate := limits.OrderSubmitPerSecond
	if pacerRate <= 0 {
		pacerRate = 10
	}
	return &Governor{
		clock: clock,
		budgets: map[WeightClass]*budget{
			ClassRequestWeight: {
				ceiling:     limits.RequestWeightPerMinute,
				window:      time.Minute,
				used:        0,
				windowStart: time.Time{},
				warned:      false,
			},
			ClassOrders: {
				ceiling:     limits.OrdersPerTenSeconds,
				window:      10 * time.Second,
				used:        0,
				windowStart: time.Time{},
				warned:      false,
			},
		},
		orderPacer: rate.NewLimiter(rate.Limit(pacerRate), 1),
		metrics:    nil,
	}
}

// SetMetrics attaches session metrics for budget utilization reporting.
func (g *Governor) SetMetrics(m *telemetry.SessionMetrics) {
	g.mu.Lock()
	g.metrics = m
	g.mu.Unlock()
}

func (b *budget) roll(now time.Time) {
	start := now.Truncate(b.window)
	if start.After(b.windowStart) {
		b.windowStart = start
		b.used = 0
		b.warned = false
	}
}

// TryAcquire consumes cost from the class budget when it fits, or reports
// how long the caller must wait for the next window. The budget is never
// driven below zero.
func (g *Governor) TryAcquire(class WeightClass, cost int) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.budgets[class]
	if !ok {
		return Decision{Granted: true, Wait: 0}
	}
	now := g.clock()
	b.roll(now)

	if b.used+cost > b.ceiling {
		wait := b.windowStart.Add(b.window).Sub(now)
		if wait < 0 {
			wait = 0
		}
		return Decision{Granted: false, Wait: wait}
	}
	b.used += cost

	utilization := float64(b.used) / float64(b.ceiling)
	if g.metrics != nil {
		g.metrics.RecordRateBudget(context.Background(), string(class), utilization)
	}
	if utilization >= nearExhaustionThreshold && !b.warned {
		b.warned = true
		observability.Log().Warn("rate budget near exhaustion",
			observability.F("class", string(class)),
			observability.F("used", b.used),
			observability.F("ceiling", b.ceiling))
	}
	return Decision{Granted: true, Wait: 0}
}

// ceiling reports the configured ceiling for class, or -1 when the class is
// not tracked.
func (g *Governor) ceiling(class WeightClass) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.budgets[class]
	if !ok {
		return -1
	}
	return b.ceiling
}

// Acquire blocks until cost fits in the class budget or the context ends.
// A cost larger than the class ceiling can never be granted and is rejected
// outright.
func (g *Governor) Acquire(ctx context.Context, class WeightClass, cost int) error {
	if ceil := g.ceiling(class); ceil >= 0 && cost > ceil {
		return errs.New("governor.acquire", errs.CodeValidation,
			errs.WithMessage("cost exceeds the budget ceiling"))
	}
	for {
		decision := g.TryAcquire(class, cost)
		if decision.Granted {
			return nil
		}
		timer := time.NewTimer(decision.Wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errs.New("governor.acquire", errs.CodeTransport,
				errs.WithMessage("context cancelled while waiting for rate budget"),
				errs.WithCause(ctx.Err()))
		case <-timer.C:
		}
	}
}

// Resync zeroes the remaining budget for the current window. Called when the
// exchange reports a rate-limit rejection so local accounting defers to the
// server even when it disagreed.
func (g *Governor) Resync(class WeightClass) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.budgets[class]
	if !ok {
		return
	}
	b.roll(g.clock())
	b.used = b.ceiling
}

// Utilization reports the consumed fraction of the class budget.
func (g *Governor) Utilization(class WeightClass) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.budgets[class]
	if !ok {
		return 0
	}
	b.roll(g.clock())
	if b.ceiling <= 0 {
		return 1
	}
	return float64(b.used) / float64(b.ceiling)
}

// PaceOrder enforces the per-second order submission rate.
func (g *Governor) PaceOrder(ctx context.Context) error {
	if err := g.orderPacer.Wait(ctx); err != nil {
		return errs.New("governor.pace_order", errs.CodeTransport,
			errs.WithMessage("order pacing interrupted"), errs.WithCause(err))
	}
	return nil
}
