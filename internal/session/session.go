// Package session assembles the connectivity layer: REST client, rate
// governor, stream multiplexers, listen-key lease, order coordinator, and
// the optional order journal, under one lifecycle.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/quantex/tradelink/config"
	"github.com/quantex/tradelink/errs"
	"github.com/quantex/tradelink/internal/binance"
	"github.com/quantex/tradelink/internal/idgen"
	"github.com/quantex/tradelink/internal/journal"
	"github.com/quantex/tradelink/internal/observability"
	"github.com/quantex/tradelink/internal/orders"
	"github.com/quantex/tradelink/internal/telemetry"
	"github.com/quantex/tradelink/lib/async"
)

const (
	notifyWorkers = 2
	notifyQueue   = 256
)

// Session owns every connectivity component for one exchange account. All
// state lives on the struct; nothing package-global survives Close.
type Session struct {
	cfg      config.Settings
	client   *binance.Client
	governor *binance.Governor
	market   *binance.StreamMux
	user     *binance.StreamMux
	lease    *binance.Lease
	tracker  *orders.Coordinator
	journal  *journal.Journal
	pool     *async.Pool
	metrics  *telemetry.SessionMetrics
	ids      *idgen.Generator

	marketHandler func([]byte)

	balancesMu sync.RWMutex
	balances   map[string]binance.EventBalance

	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// Option customises session construction.
type Option func(*Session)

// WithMetrics attaches session metrics.
func WithMetrics(m *telemetry.SessionMetrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithJournal attaches an order journal fed from the coordinator's
// notification feed.
func WithJournal(j *journal.Journal) Option {
	return func(s *Session) { s.journal = j }
}

// WithMarketHandler sets the consumer for raw market-stream frames.
func WithMarketHandler(handler func([]byte)) Option {
	return func(s *Session) { s.marketHandler = handler }
}

// WithClient overrides the REST client, for tests.
func WithClient(client *binance.Client) Option {
	return func(s *Session) { s.client = client }
}

// New builds an unstarted session from settings.
func New(cfg config.Settings, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		cfg:      cfg,
		ids:      idgen.New(cfg.ClientOrderPrefix),
		balances: make(map[string]binance.EventBalance),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.client == nil {
		governor := binance.NewGovernor(cfg.RateLimits, nil)
		client, err := binance.NewClient(cfg, governor, binance.WithMetrics(s.metrics))
		if err != nil {
			return nil, err
		}
		s.client = client
	}
	s.governor = s.client.Governor()
	if s.metrics != nil {
		s.governor.SetMetrics(s.metrics)
	}
	s.tracker = orders.New(orders.WithMetrics(s.metrics))

	pool, err := async.NewPool(notifyWorkers, notifyQueue)
	if err != nil {
		return nil, err
	}
	s.pool = pool
	return s, nil
}

// Client exposes the REST client for direct market-data calls.
func (s *Session) Client() *binance.Client { return s.client }

// Orders exposes the order coordinator.
func (s *Session) Orders() *orders.Coordinator { return s.tracker }

// Start connects the market stream and, when credentials are configured,
// the lease-bound user stream. Safe to call once.
func (s *Session) Start(ctx context.Context) error {
	if s.started {
		return errs.New("session.start", errs.CodeValidation,
			errs.WithMessage("session already started"))
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	wsURL := s.cfg.Endpoints().StreamURL + "/ws"
	s.market = binance.NewStreamMux(wsURL, s.handleMarketFrame, binance.WithMuxMetrics(s.metrics))
	if err := s.market.Start(runCtx); err != nil {
		cancel()
		return err
	}

	if s.cfg.Credentials.Valid() {
		if err := s.startUserStream(runCtx, wsURL); err != nil {
			s.market.Close()
			cancel()
			return err
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fanOutNotifications(runCtx)
	}()
	return nil
}

func (s *Session) startUserStream(ctx context.Context, wsURL string) error {
	s.lease = binance.NewLease(s.client, binance.WithLeaseMetrics(s.metrics))
	if err := s.lease.Start(ctx); err != nil {
		return err
	}
	s.user = binance.NewStreamMux(wsURL, s.handleUserFrame, binance.WithMuxMetrics(s.metrics))
	if err := s.user.Start(ctx); err != nil {
		_ = s.lease.Stop(ctx)
		return err
	}
	if err := s.user.Subscribe(binance.UserStream(s.lease.Key())); err != nil {
		s.user.Close()
		_ = s.lease.Stop(ctx)
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.followLeaseRotations(ctx)
	}()
	return nil
}

// followLeaseRotations moves the user-stream subscription to replacement
// listen keys as the lease rotates them.
func (s *Session) followLeaseRotations(ctx context.Context) {
	current := s.lease.Key()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-s.lease.Rotations():
			if !ok {
				return
			}
			if err := s.user.Unsubscribe(binance.UserStream(current)); err != nil {
				observability.Log().Warn("unsubscribe stale listen key",
					observability.F("error", err.Error()))
			}
			if err := s.user.Subscribe(binance.UserStream(next)); err != nil {
				observability.Log().Error("subscribe rotated listen key",
					observability.F("error", err.Error()))
			}
			current = next
		}
	}
}

// fanOutNotifications feeds the journal from the coordinator change feed
// through the bounded pool so a slow database never stalls order processing.
func (s *Session) fanOutNotifications(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case order, ok := <-s.tracker.Notifications():
			if !ok {
				return
			}
			if s.journal == nil {
				continue
			}
			captured := order
			err := s.pool.Submit(ctx, func(taskCtx context.Context) error {
				return s.journal.Append(taskCtx, captured)
			})
			if err != nil {
				observability.Log().Warn("journal fan-out refused",
					observability.F("clientOrderId", captured.ClientOrderID),
					observability.F("error", err.Error()))
			}
		}
	}
}

func (s *Session) handleMarketFrame(data []byte) {
	if s.marketHandler != nil {
		s.marketHandler(data)
	}
}

func (s *Session) handleUserFrame(data []byte) {
	event, err := binance.ParseUserEvent(data)
	if err != nil {
		// Unknown or malformed frames are dropped; the stream itself stays up.
		observability.Log().Debug("user frame dropped",
			observability.F("error", err.Error()))
		return
	}
	switch typed := event.(type) {
	case binance.ExecutionReport:
		if s.metrics != nil {
			s.metrics.RecordExecReport(context.Background(), typed.Symbol)
		}
		if _, err := s.tracker.ApplyReport(typed); err != nil {
			observability.Log().Debug("stale execution report discarded",
				observability.F("clientOrderId", typed.ClientOrderID))
		}
	case binance.AccountPosition:
		s.balancesMu.Lock()
		for _, balance := range typed.Balances {
			s.balances[balance.Asset] = balance
		}
		s.balancesMu.Unlock()
	case binance.BalanceUpdate:
		observability.Log().Info("balance update",
			observability.F("asset", typed.Asset),
			observability.F("delta", typed.Delta.String()))
	}
}

// Balance returns the latest streamed balance for an asset.
func (s *Session) Balance(asset string) (binance.EventBalance, bool) {
	s.balancesMu.RLock()
	defer s.balancesMu.RUnlock()
	balance, ok := s.balances[asset]
	return balance, ok
}

// SubscribeMarket adds market streams to the public multiplexer.
func (s *Session) SubscribeMarket(streams ...string) error {
	if s.market == nil {
		return errs.New("session.subscribe", errs.CodeValidation,
			errs.WithMessage("session not started"))
	}
	return s.market.Subscribe(streams...)
}

// PlaceOrder submits an order and seeds lifecycle tracking. A client order
// id is minted when the request does not carry one.
func (s *Session) PlaceOrder(ctx context.Context, req binance.OrderRequest) (orders.Order, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = s.ids.NewClientOrderID()
	}
	start := time.Now()
	ack, err := s.client.PlaceOrder(ctx, req)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordOrderRejected(ctx, req.Symbol, string(errs.CodeOf(err)))
		}
		return orders.Order{}, err
	}
	if s.metrics != nil {
		s.metrics.RecordOrderAckLatency(ctx, ack.Symbol, time.Since(start))
	}
	return s.tracker.Track(ack), nil
}

// CancelOrder cancels by client order id and folds the response into
// tracking.
func (s *Session) CancelOrder(ctx context.Context, symbol, clientOrderID string) (orders.Order, error) {
	ack, err := s.client.CancelOrder(ctx, symbol, 0, clientOrderID)
	if err != nil {
		return orders.Order{}, err
	}
	merged, err := s.tracker.ApplyAck(ack)
	if err != nil && errs.CodeOf(err) == errs.CodeStaleUpdate {
		// The stream already reported a newer state; the snapshot wins.
		return merged, nil
	}
	return merged, err
}

// QueryOrder refreshes one order from REST and folds the response into
// tracking.
func (s *Session) QueryOrder(ctx context.Context, symbol, clientOrderID string) (orders.Order, error) {
	ack, err := s.client.QueryOrder(ctx, symbol, 0, clientOrderID)
	if err != nil {
		return orders.Order{}, err
	}
	merged, err := s.tracker.ApplyAck(ack)
	if err != nil && errs.CodeOf(err) == errs.CodeStaleUpdate {
		return merged, nil
	}
	return merged, err
}

// Order returns the tracked snapshot for a client order id.
func (s *Session) Order(clientOrderID string) (orders.Order, bool) {
	return s.tracker.Get(clientOrderID)
}

// Close tears the session down: lease released best-effort, streams closed,
// notification fan-out drained, credentials zeroed.
func (s *Session) Close(ctx context.Context) error {
	if !s.started {
		return nil
	}
	var firstErr error
	if s.lease != nil {
		if err := s.lease.Stop(ctx); err != nil {
			observability.Log().Warn("lease release failed",
				observability.F("error", err.Error()))
			firstErr = err
		}
	}
	if s.user != nil {
		s.user.Close()
	}
	if s.market != nil {
		s.market.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if err := s.pool.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.journal != nil {
		s.journal.Close()
	}
	s.cfg.Credentials.Zero()
	return firstErr
}
