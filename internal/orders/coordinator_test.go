package orders

import (
	"testing"
	"time"

	"github.com/quantex/tradelink/errs"
	"github.com/quantex/tradelink/internal/binance"
	"github.com/quantex/tradelink/internal/fixed"
)

func report(clientID string, marker int64, status binance.OrderStatus, filled string) binance.ExecutionReport {
	return binance.ExecutionReport{
		Symbol:        "BTCUSDT",
		ClientOrderID: clientID,
		OrderID:       42,
		Side:          binance.SideBuy,
		Type:          binance.OrderTypeLimit,
		Status:        status,
		Quantity:      fixed.MustParse("0.001"),
		Price:         fixed.MustParse("50000"),
		FilledQty:     fixed.MustParse(filled),
		Time:          time.UnixMilli(marker).UTC(),
	}
}

func placementAck(clientID string) binance.OrderAck {
	return binance.OrderAck{
		Symbol:        "BTCUSDT",
		OrderID:       42,
		ClientOrderID: clientID,
		Side:          binance.SideBuy,
		Type:          binance.OrderTypeLimit,
		Price:         fixed.MustParse("50000"),
		OrigQty:       fixed.MustParse("0.001"),
		ExecutedQty:   fixed.Decimal{},
		Status:        binance.OrderStatusNew,
	}
}

func TestMergeAppliesOnlyStrictlyNewerMarkers(t *testing.T) {
	c := New()
	for _, marker := range []int64{1, 3, 2, 5} {
		_, _ = c.ApplyReport(report("ord-1", marker, binance.OrderStatusPartiallyFilled, "0.0001"))
	}
	order, ok := c.Get("ord-1")
	if !ok {
		t.Fatalf("order not tracked")
	}
	if order.Sequence != 5 {
		t.Fatalf("sequence = %d, want 5", order.Sequence)
	}
	if c.StaleCount() != 1 {
		t.Fatalf("stale count = %d, want 1 (marker 2 after 3)", c.StaleCount())
	}
}

func TestMergeCumulativeFillNeverRegresses(t *testing.T) {
	c := New()
	fills := []string{"0.001", "0.0015", "0.001"}
	for i, filled := range fills {
		_, _ = c.ApplyReport(report("ord-2", int64(i+1), binance.OrderStatusPartiallyFilled, filled))
	}
	order, _ := c.Get("ord-2")
	want := fixed.MustParse("0.0015")
	if !order.FilledQty.Equal(want) {
		t.Fatalf("filled = %s, want 0.0015", order.FilledQty)
	}
	// The third update carried a newer marker, so it applied without
	// shrinking the fill.
	if order.Sequence != 3 {
		t.Fatalf("sequence = %d", order.Sequence)
	}
}

func TestMergeStatusOnlyMovesForward(t *testing.T) {
	c := New()
	_, _ = c.ApplyReport(report("ord-3", 1, binance.OrderStatusPartiallyFilled, "0.0005"))
	_, err := c.ApplyReport(report("ord-3", 2, binance.OrderStatusNew, "0.0005"))
	if err != nil {
		t.Fatalf("newer marker with same fill should still apply: %v", err)
	}
	order, _ := c.Get("ord-3")
	if order.Status != StatusPartiallyFilled {
		t.Fatalf("status regressed to %s", order.Status)
	}
	if order.Sequence != 2 {
		t.Fatalf("sequence = %d", order.Sequence)
	}
}

func TestTerminalStateAbsorbsFurtherUpdates(t *testing.T) {
	c := New()
	_, _ = c.ApplyReport(report("ord-4", 1, binance.OrderStatusFilled, "0.001"))
	_, err := c.ApplyReport(report("ord-4", 2, binance.OrderStatusCanceled, "0.001"))
	if errs.CodeOf(err) != errs.CodeStaleUpdate {
		t.Fatalf("err = %v, want stale_update", err)
	}
	order, _ := c.Get("ord-4")
	if order.Status != StatusFilled {
		t.Fatalf("status = %s, want FILLED to absorb", order.Status)
	}
}

func TestLimitBuyLifecycle(t *testing.T) {
	c := New()
	seeded := c.Track(placementAck("ord-5"))
	if seeded.Status != StatusNew {
		t.Fatalf("seed status = %s", seeded.Status)
	}

	base := seeded.Sequence + 1_000_000
	if _, err := c.ApplyReport(report("ord-5", base+1, binance.OrderStatusPartiallyFilled, "0.0005")); err != nil {
		t.Fatalf("partial fill error = %v", err)
	}
	order, _ := c.Get("ord-5")
	if order.Status != StatusPartiallyFilled || !order.FilledQty.Equal(fixed.MustParse("0.0005")) {
		t.Fatalf("after partial: %+v", order)
	}

	if _, err := c.ApplyReport(report("ord-5", base+2, binance.OrderStatusFilled, "0.001")); err != nil {
		t.Fatalf("fill error = %v", err)
	}
	order, _ = c.Get("ord-5")
	if order.Status != StatusFilled || !order.FilledQty.Equal(fixed.MustParse("0.001")) {
		t.Fatalf("after fill: %+v", order)
	}

	// Anything after the terminal state is discarded.
	before := c.StaleCount()
	_, err := c.ApplyReport(report("ord-5", base+3, binance.OrderStatusFilled, "0.001"))
	if errs.CodeOf(err) != errs.CodeStaleUpdate {
		t.Fatalf("post-terminal err = %v", err)
	}
	if c.StaleCount() != before+1 {
		t.Fatalf("stale count = %d", c.StaleCount())
	}
}

func TestQueryByExchangeOrderID(t *testing.T) {
	c := New()
	c.Track(placementAck("ord-6"))
	order, ok := c.GetByOrderID(42)
	if !ok || order.ClientOrderID != "ord-6" {
		t.Fatalf("lookup by order id = %+v, %v", order, ok)
	}
}

func TestApplyAckOutranksEarlierStreamEvents(t *testing.T) {
	c := New()
	_, _ = c.ApplyReport(report("ord-7", 1_700_000_000_000, binance.OrderStatusNew, "0"))

	ack := placementAck("ord-7")
	ack.Status = binance.OrderStatusCanceled
	merged, err := c.ApplyAck(ack)
	if err != nil {
		t.Fatalf("ApplyAck error = %v", err)
	}
	if merged.Status != StatusCanceled {
		t.Fatalf("status = %s", merged.Status)
	}
	if merged.Sequence <= 1_700_000_000_000 {
		t.Fatalf("locally assigned marker %d must outrank prior stream marker", merged.Sequence)
	}
}

func TestApplyAckThatDoesNotAdvanceIsStale(t *testing.T) {
	c := New()
	_, _ = c.ApplyReport(report("ord-8", 10, binance.OrderStatusPartiallyFilled, "0.0005"))

	ack := placementAck("ord-8")
	ack.Status = binance.OrderStatusNew
	ack.ExecutedQty = fixed.Decimal{}
	merged, err := c.ApplyAck(ack)
	if err != nil {
		t.Fatalf("ApplyAck error = %v", err)
	}
	// The ack applied (newer marker) but could not regress fill or status.
	if merged.Status != StatusPartiallyFilled {
		t.Fatalf("status = %s", merged.Status)
	}
	if !merged.FilledQty.Equal(fixed.MustParse("0.0005")) {
		t.Fatalf("filled = %s", merged.FilledQty)
	}
}

func TestNotificationsNeverBlock(t *testing.T) {
	c := New(WithNotificationBuffer(1))
	c.Track(placementAck("ord-9"))
	// Buffer full; the next change must not block.
	done := make(chan struct{})
	go func() {
		_, _ = c.ApplyReport(report("ord-9", 1_800_000_000_000, binance.OrderStatusPartiallyFilled, "0.0005"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("notification send blocked")
	}

	// The live map still reflects the change the channel dropped.
	order, _ := c.Get("ord-9")
	if order.Status != StatusPartiallyFilled {
		t.Fatalf("status = %s", order.Status)
	}
}

func TestStreamFirstSightingSeedsOrder(t *testing.T) {
	c := New()
	_, err := c.ApplyReport(report("ord-10", 5, binance.OrderStatusNew, "0"))
	if err != nil {
		t.Fatalf("first sighting error = %v", err)
	}
	order, ok := c.Get("ord-10")
	if !ok || order.Symbol != "BTCUSDT" || order.Sequence != 5 {
		t.Fatalf("seeded order = %+v", order)
	}
}
