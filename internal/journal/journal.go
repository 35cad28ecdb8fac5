// Package journal persists order-state transitions to Postgres as an
// append-only event log.
package journal

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantex/tradelink/errs"
	"github.com/quantex/tradelink/internal/fixed"
	"github.com/quantex/tradelink/internal/orders"
)

const appendEventSQL = `
INSERT INTO order_events (
    client_order_id,
    order_id,
    symbol,
    side,
    order_type,
    price,
    quantity,
    filled_qty,
    quote_qty,
    status,
    sequence,
    updated_at
)
VALUES (
    @client_order_id,
    @order_id,
    @symbol,
    @side,
    @order_type,
    @price,
    @quantity,
    @filled_qty,
    @quote_qty,
    @status,
    @sequence,
    @updated_at
);
`

const recentEventsSQL = `
SELECT
    client_order_id,
    order_id,
    symbol,
    side,
    order_type,
    COALESCE(price::text, '0'),
    COALESCE(quantity::text, '0'),
    filled_qty::text,
    quote_qty::text,
    status,
    sequence,
    updated_at,
    recorded_at
FROM order_events
WHERE client_order_id = $1
ORDER BY sequence DESC, id DESC
LIMIT $2
`

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// Event is one persisted order-state transition.
type Event struct {
	ClientOrderID string
	OrderID       int64
	Symbol        string
	Side          string
	Type          string
	Price         fixed.Decimal
	Quantity      fixed.Decimal
	FilledQty     fixed.Decimal
	QuoteQty      fixed.Decimal
	Status        string
	Sequence      int64
	UpdatedAt     time.Time
	RecordedAt    time.Time
}

// Journal appends order transitions to the order_events table.
type Journal struct {
	pool *pgxpool.Pool
}

// Open connects a pool for the configured DSN.
func Open(ctx context.Context, dsn string) (*Journal, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errs.New("journal.open", errs.CodeConfiguration,
			errs.WithMessage("journal dsn required"))
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errs.New("journal.open", errs.CodeConfiguration,
			errs.WithMessage("parse journal dsn"), errs.WithCause(err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.New("journal.open", errs.CodeTransport,
			errs.WithMessage("ping journal database"), errs.WithCause(err))
	}
	return &Journal{pool: pool}, nil
}

// NewJournal wraps an existing pool.
func NewJournal(pool *pgxpool.Pool) *Journal {
	return &Journal{pool: pool}
}

// Close releases the connection pool.
func (j *Journal) Close() {
	if j.pool != nil {
		j.pool.Close()
	}
}

// Append writes one transition. Events are never updated or deleted.
func (j *Journal) Append(ctx context.Context, order orders.Order) error {
	if j.pool == nil {
		return errs.New("journal.append", errs.CodeConfiguration,
			errs.WithMessage("nil pool"))
	}
	if strings.TrimSpace(order.ClientOrderID) == "" {
		return errs.New("journal.append", errs.CodeValidation,
			errs.WithMessage("client order id required"))
	}
	args := pgx.NamedArgs{
		"client_order_id": order.ClientOrderID,
		"order_id":        order.OrderID,
		"symbol":          order.Symbol,
		"side":            string(order.Side),
		"order_type":      string(order.Type),
		"price":           order.Price.String(),
		"quantity":        order.Quantity.String(),
		"filled_qty":      order.FilledQty.String(),
		"quote_qty":       order.QuoteQty.String(),
		"status":          string(order.Status),
		"sequence":        order.Sequence,
		"updated_at":      order.UpdatedAt,
	}
	if _, err := j.pool.Exec(ctx, appendEventSQL, args); err != nil {
		return errs.New("journal.append", errs.CodeTransport,
			errs.WithMessage("insert order event"), errs.WithCause(err))
	}
	return nil
}

// Recent returns the latest transitions for one client order id, newest
// first.
func (j *Journal) Recent(ctx context.Context, clientOrderID string, limit int) ([]Event, error) {
	if j.pool == nil {
		return nil, errs.New("journal.recent", errs.CodeConfiguration,
			errs.WithMessage("nil pool"))
	}
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	rows, err := j.pool.Query(ctx, recentEventsSQL, clientOrderID, limit)
	if err != nil {
		return nil, errs.New("journal.recent", errs.CodeTransport,
			errs.WithMessage("query order events"), errs.WithCause(err))
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		var price, quantity, filledQty, quoteQty string
		if err := rows.Scan(
			&event.ClientOrderID,
			&event.OrderID,
			&event.Symbol,
			&event.Side,
			&event.Type,
			&price,
			&quantity,
			&filledQty,
			&quoteQty,
			&event.Status,
			&event.Sequence,
			&event.UpdatedAt,
			&event.RecordedAt,
		); err != nil {
			return nil, errs.New("journal.recent", errs.CodeProtocol,
				errs.WithMessage("scan order event"), errs.WithCause(err))
		}
		event.Price, err = fixed.Parse(price)
		if err != nil {
			return nil, err
		}
		event.Quantity, err = fixed.Parse(quantity)
		if err != nil {
			return nil, err
		}
		event.FilledQty, err = fixed.Parse(filledQty)
		if err != nil {
			return nil, err
		}
		event.QuoteQty, err = fixed.Parse(quoteQty)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New("journal.recent", errs.CodeTransport,
			errs.WithMessage("iterate order events"), errs.WithCause(err))
	}
	return events, nil
}
