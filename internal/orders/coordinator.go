// Package orders tracks order lifecycles by merging REST acknowledgements
// with user-stream execution reports into one consistent view.
package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quantex/tradelink/errs"
	"github.com/quantex/tradelink/internal/binance"
	"github.com/quantex/tradelink/internal/fixed"
	"github.com/quantex/tradelink/internal/observability"
	"github.com/quantex/tradelink/internal/telemetry"
)

// Status is the coordinator's view of an order's lifecycle phase.
type Status string

const (
	StatusNew             Status = "NEW"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusPendingCancel   Status = "PENDING_CANCEL"
	StatusFilled          Status = "FILLED"
	StatusCanceled        Status = "CANCELED"
	StatusRejected        Status = "REJECTED"
	StatusExpired         Status = "EXPIRED"
)

// statusRank orders lifecycle phases; transitions never move backward.
func statusRank(s Status) int {
	switch s {
	case StatusNew:
		return 1
	case StatusPartiallyFilled:
		return 2
	case StatusPendingCancel:
		return 3
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return 4
	default:
		return 0
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

func statusFromExchange(s binance.OrderStatus) Status { return Status(s) }

// Order is an immutable snapshot of one tracked order.
type Order struct {
	Symbol        string
	ClientOrderID string
	OrderID       int64
	Side          binance.Side
	Type          binance.OrderType
	Price         fixed.Decimal
	Quantity      fixed.Decimal
	Status        Status
	FilledQty     fixed.Decimal
	QuoteQty      fixed.Decimal
	Sequence      int64
	UpdatedAt     time.Time
}

// Update is one normalized state observation, from either transport.
type Update struct {
	OrderID   int64
	Status    Status
	FilledQty fixed.Decimal
	QuoteQty  fixed.Decimal
	Sequence  int64
	At        time.Time
}

// Coordinator owns the per-order state machines. REST placement seeds an
// order; stream execution reports and REST query or cancel responses update
// it through the same merge path.
type Coordinator struct {
	mu         sync.RWMutex
	byClientID map[string]Order
	clientByID map[int64]string
	seq        int64
	staleCount int64

	notifications chan Order
	metrics       *telemetry.SessionMetrics
}

// Option customises coordinator construction.
type Option func(*Coordinator)

// WithMetrics attaches session metrics for stale-update accounting.
func WithMetrics(m *telemetry.SessionMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithNotificationBuffer sizes the change notification channel.
func WithNotificationBuffer(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.notifications = make(chan Order, n)
		}
	}
}

// New builds an empty coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		byClientID:    make(map[string]Order),
		clientByID:    make(map[int64]string),
		notifications: make(chan Order, 64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Notifications returns the change feed. Sends never block: when the
// consumer lags, notifications are dropped in favor of the live maps.
func (c *Coordinator) Notifications() <-chan Order {
	return c.notifications
}

// nextSeqLocked returns a marker strictly above everything seen so far, so
// REST responses applied now cannot be outranked by already-applied stream
// events.
func (c *Coordinator) nextSeqLocked(floor int64) int64 {
	if floor > c.seq {
		c.seq = floor
	}
	c.seq++
	return c.seq
}

// Track seeds tracking from an order placement acknowledgement.
func (c *Coordinator) Track(ack binance.OrderAck) Order {
	c.mu.Lock()
	defer c.mu.Unlock()

	order := Order{
		Symbol:        ack.Symbol,
		ClientOrderID: ack.ClientOrderID,
		OrderID:       ack.OrderID,
		Side:          ack.Side,
		Type:          ack.Type,
		Price:         ack.Price,
		Quantity:      ack.OrigQty,
		Status:        statusFromExchange(ack.Status),
		FilledQty:     ack.ExecutedQty,
		QuoteQty:      ack.CummulativeQuoteQty,
		Sequence:      c.nextSeqLocked(0),
		UpdatedAt:     time.Now().UTC(),
	}
	if existing, ok := c.byClientID[order.ClientOrderID]; ok {
		// Placement raced a stream event; fold the ack in instead of
		// resetting the machine.
		merged, applied := merge(existing, Update{
			OrderID:   order.OrderID,
			Status:    order.Status,
			FilledQty: order.FilledQty,
			QuoteQty:  order.QuoteQty,
			Sequence:  order.Sequence,
			At:        order.UpdatedAt,
		})
		if !applied {
			c.recordStaleLocked()
			return existing
		}
		order = merged
	}
	c.storeLocked(order)
	c.notify(order)
	return order
}

// ApplyReport folds a stream execution report into the tracked state. The
// event time in milliseconds serves as the sequence marker.
func (c *Coordinator) ApplyReport(report binance.ExecutionReport) (Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	clientID := report.ClientOrderID
	if report.OrigClientID != "" {
		// Cancel reports carry the original id in C and the cancel id in c.
		clientID = report.OrigClientID
	}
	current, ok := c.lookupLocked(clientID, report.OrderID)
	if !ok {
		// First sighting via the stream; seed from the report itself.
		current = Order{
			Symbol:        report.Symbol,
			ClientOrderID: clientID,
			OrderID:       report.OrderID,
			Side:          report.Side,
			Type:          report.Type,
			Price:         report.Price,
			Quantity:      report.Quantity,
			Status:        statusFromExchange(report.Status),
			FilledQty:     report.FilledQty,
			QuoteQty:      report.QuoteQty,
			Sequence:      report.Time.UnixMilli(),
			UpdatedAt:     report.Time,
		}
		if report.Time.UnixMilli() > c.seq {
			c.seq = report.Time.UnixMilli()
		}
		c.storeLocked(current)
		c.notify(current)
		return current, nil
	}

	merged, applied := merge(current, Update{
		OrderID:   report.OrderID,
		Status:    statusFromExchange(report.Status),
		FilledQty: report.FilledQty,
		QuoteQty:  report.QuoteQty,
		Sequence:  report.Time.UnixMilli(),
		At:        report.Time,
	})
	if !applied {
		c.recordStaleLocked()
		return current, errs.New("orders.apply_report", errs.CodeStaleUpdate,
			errs.WithMessage("execution report older than tracked state"))
	}
	if merged.Sequence > c.seq {
		c.seq = merged.Sequence
	}
	c.storeLocked(merged)
	c.notify(merged)
	return merged, nil
}

// ApplyAck folds a REST query or cancel response into the tracked state. The
// marker is assigned locally at application time.
func (c *Coordinator) ApplyAck(ack binance.OrderAck) (Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	clientID := ack.ClientOrderID
	if ack.OrigClientOrderID != "" {
		// Cancel responses put the original id in origClientOrderId.
		clientID = ack.OrigClientOrderID
	}
	current, ok := c.lookupLocked(clientID, ack.OrderID)
	if !ok {
		return c.trackAckLocked(ack), nil
	}
	merged, applied := merge(current, Update{
		OrderID:   ack.OrderID,
		Status:    statusFromExchange(ack.Status),
		FilledQty: ack.ExecutedQty,
		QuoteQty:  ack.CummulativeQuoteQty,
		Sequence:  c.nextSeqLocked(current.Sequence),
		At:        time.Now().UTC(),
	})
	if !applied {
		c.recordStaleLocked()
		return current, errs.New("orders.apply_ack", errs.CodeStaleUpdate,
			errs.WithMessage("acknowledgement does not advance tracked state"))
	}
	c.storeLocked(merged)
	c.notify(merged)
	return merged, nil
}

func (c *Coordinator) trackAckLocked(ack binance.OrderAck) Order {
	order := Order{
		Symbol:        ack.Symbol,
		ClientOrderID: ack.ClientOrderID,
		OrderID:       ack.OrderID,
		Side:          ack.Side,
		Type:          ack.Type,
		Price:         ack.Price,
		Quantity:      ack.OrigQty,
		Status:        statusFromExchange(ack.Status),
		FilledQty:     ack.ExecutedQty,
		QuoteQty:      ack.CummulativeQuoteQty,
		Sequence:      c.nextSeqLocked(0),
		UpdatedAt:     time.Now().UTC(),
	}
	c.storeLocked(order)
	c.notify(order)
	return order
}

// merge folds incoming into current. It is total: any two inputs produce a
// deterministic result. An update applies only when its marker is strictly
// newer, or equally new while advancing fill or status. Terminal states
// absorb everything that follows, and cumulative fill never regresses.
func merge(current Order, incoming Update) (Order, bool) {
	if current.Status.Terminal() {
		return current, false
	}
	if incoming.Sequence < current.Sequence {
		return current, false
	}
	advances := incoming.FilledQty.Cmp(current.FilledQty) > 0 ||
		statusRank(incoming.Status) > statusRank(current.Status)
	if incoming.Sequence == current.Sequence && !advances {
		return current, false
	}

	next := current
	next.Sequence = incoming.Sequence
	next.UpdatedAt = incoming.At
	if incoming.OrderID != 0 {
		next.OrderID = incoming.OrderID
	}
	next.FilledQty = fixed.Maximum(current.FilledQty, incoming.FilledQty)
	next.QuoteQty = fixed.Maximum(current.QuoteQty, incoming.QuoteQty)
	if statusRank(incoming.Status) >= statusRank(current.Status) {
		next.Status = incoming.Status
	}
	return next, true
}

func (c *Coordinator) lookupLocked(clientID string, orderID int64) (Order, bool) {
	if clientID != "" {
		if order, ok := c.byClientID[clientID]; ok {
			return order, true
		}
	}
	if orderID != 0 {
		if mapped, ok := c.clientByID[orderID]; ok {
			if order, ok := c.byClientID[mapped]; ok {
				return order, true
			}
		}
	}
	return Order{}, false
}

func (c *Coordinator) storeLocked(order Order) {
	c.byClientID[order.ClientOrderID] = order
	if order.OrderID != 0 {
		c.clientByID[order.OrderID] = order.ClientOrderID
	}
}

func (c *Coordinator) recordStaleLocked() {
	c.staleCount++
	if c.metrics != nil {
		c.metrics.RecordStaleUpdate(context.Background())
	}
}

func (c *Coordinator) notify(order Order) {
	select {
	case c.notifications <- order:
	default:
		observability.Log().Debug("order notification dropped",
			observability.F("clientOrderId", order.ClientOrderID))
	}
}

// Get returns the snapshot for a client order id.
func (c *Coordinator) Get(clientOrderID string) (Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	order, ok := c.byClientID[clientOrderID]
	return order, ok
}

// GetByOrderID returns the snapshot for an exchange order id.
func (c *Coordinator) GetByOrderID(orderID int64) (Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookupLocked("", orderID)
}

// Orders returns snapshots of every tracked order, sorted by client id.
func (c *Coordinator) Orders() []Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Order, 0, len(c.byClientID))
	for _, order := range c.byClientID {
		out = append(out, order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientOrderID < out[j].ClientOrderID })
	return out
}

// StaleCount reports how many updates were discarded as stale.
func (c *Coordinator) StaleCount() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.staleCount
}
