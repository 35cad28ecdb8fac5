package binance

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/quantex/tradelink/config"
	"github.com/quantex/tradelink/errs"
	"github.com/quantex/tradelink/internal/observability"
	"github.com/quantex/tradelink/internal/telemetry"
)

// Request weights per endpoint, as published by the exchange.
const (
	weightPing         = 1
	weightServerTime   = 1
	weightExchangeInfo = 20
	weightTicker24h    = 2
	weightPriceTicker  = 2
	weightDepth        = 5
	weightKlines       = 2
	weightTrades       = 25
	weightAggTrades    = 2
	weightAccount      = 20
	weightPlaceOrder   = 1
	weightCancelOrder  = 1
	weightQueryOrder   = 4
	weightOpenOrders   = 6
	weightMyTrades     = 20
	weightListenKey    = 2
)

const (
	defaultMaxAttempts = 4
	rateLimitCooldown  = 2 * time.Second
)

// Client executes signed, rate-governed requests against the exchange REST
// API and parses responses into typed records.
type Client struct {
	baseURL  string
	http     *http.Client
	signer   *Signer
	governor *Governor
	clock    func() time.Time
	metrics  *telemetry.SessionMetrics

	maxAttempts int

	cooldownMu    sync.Mutex
	cooldownUntil time.Time
}

// ClientOption customises client construction.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP transport.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithMetrics attaches session metrics.
func WithMetrics(m *telemetry.SessionMetrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithMaxAttempts bounds the retry loop for transient failures.
func WithMaxAttempts(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// NewClient builds a REST client from session settings. A client without
// credentials serves public endpoints; private operations fail with a
// configuration error before any network call.
func NewClient(cfg config.Settings, governor *Governor, opts ...ClientOption) (*Client, error) {
	if governor == nil {
		governor = NewGovernor(cfg.RateLimits, nil)
	}
	c := &Client{
		baseURL:       strings.TrimRight(cfg.Endpoints().RESTBase, "/"),
		http:          &http.Client{Timeout: cfg.HTTPTimeout.Std()},
		signer:        nil,
		governor:      governor,
		clock:         time.Now,
		metrics:       nil,
		maxAttempts:   defaultMaxAttempts,
		cooldownMu:    sync.Mutex{},
		cooldownUntil: time.Time{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if cfg.Credentials.Valid() {
		signer, err := NewSigner(cfg.Credentials, cfg.RecvWindow.Std(), c.clock)
		if err != nil {
			return nil, err
		}
		c.signer = signer
	}
	return c, nil
}

// Governor exposes the rate governor shared with the session.
func (c *Client) Governor() *Governor { return c.governor }

// auth selects how a request is authenticated.
type auth int

const (
	authNone auth = iota
	authKey       // API key header only
	authSigned    // API key header plus signed query
)

// Ping probes connectivity to the REST API.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "rest.ping", http.MethodGet, "/api/v3/ping", nil, authNone, weightPing, &struct{}{})
}

// ServerTime returns the exchange clock.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var resp serverTimeResponse
	if err := c.do(ctx, "rest.server_time", http.MethodGet, "/api/v3/time", nil, authNone, weightServerTime, &resp); err != nil {
		return time.Time{}, err
	}
	return resp.ServerTime.Time(), nil
}

// ExchangeInfo returns exchange metadata for all symbols.
func (c *Client) ExchangeInfo(ctx context.Context) (ExchangeInfo, error) {
	var resp ExchangeInfo
	err := c.do(ctx, "rest.exchange_info", http.MethodGet, "/api/v3/exchangeInfo", nil, authNone, weightExchangeInfo, &resp)
	return resp, err
}

// Ticker24h returns rolling 24-hour statistics for one symbol.
func (c *Client) Ticker24h(ctx context.Context, symbol string) (Ticker24h, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	var resp Ticker24h
	err := c.do(ctx, "rest.ticker_24h", http.MethodGet, "/api/v3/ticker/24hr", params, authNone, weightTicker24h, &resp)
	return resp, err
}

// PriceTicker returns the latest price for one symbol.
func (c *Client) PriceTicker(ctx context.Context, symbol string) (PriceTicker, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	var resp PriceTicker
	err := c.do(ctx, "rest.price_ticker", http.MethodGet, "/api/v3/ticker/price", params, authNone, weightPriceTicker, &resp)
	return resp, err
}

// Depth returns a full order-book snapshot.
func (c *Client) Depth(ctx context.Context, symbol string, limit int) (OrderBook, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp OrderBook
	err := c.do(ctx, "rest.depth", http.MethodGet, "/api/v3/depth", params, authNone, weightDepth, &resp)
	return resp, err
}

// Klines returns candlesticks for the symbol and interval.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp []Kline
	err := c.do(ctx, "rest.klines", http.MethodGet, "/api/v3/klines", params, authNone, weightKlines, &resp)
	return resp, err
}

// RecentTrades returns the most recent public trades.
func (c *Client) RecentTrades(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp []Trade
	err := c.do(ctx, "rest.recent_trades", http.MethodGet, "/api/v3/trades", params, authNone, weightTrades, &resp)
	return resp, err
}

// AggTrades returns recent aggregate trades for one symbol.
func (c *Client) AggTrades(ctx context.Context, symbol string, limit int) ([]AggTrade, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp []AggTrade
	err := c.do(ctx, "rest.agg_trades", http.MethodGet, "/api/v3/aggTrades", params, authNone, weightAggTrades, &resp)
	return resp, err
}

// Account returns the account snapshot including balances.
func (c *Client) Account(ctx context.Context) (AccountInfo, error) {
	var resp AccountInfo
	err := c.do(ctx, "rest.account", http.MethodGet, "/api/v3/account", nil, authSigned, weightAccount, &resp)
	return resp, err
}

func orderParams(req OrderRequest) url.Values {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(req.Symbol))
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Quantity.String())
	if req.Type == OrderTypeLimit {
		params.Set("price", req.Price.String())
		tif := req.TimeInForce
		if tif == "" {
			tif = TimeInForceGTC
		}
		params.Set("timeInForce", string(tif))
	} else if req.TimeInForce != "" {
		params.Set("timeInForce", string(req.TimeInForce))
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	params.Set("newOrderRespType", "FULL")
	return params
}

// PlaceOrder submits a new order and returns the exchange acknowledgement.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if err := req.Validate(); err != nil {
		return OrderAck{}, errs.New("rest.place_order", errs.CodeValidation,
			errs.WithMessage(err.Error()))
	}
	if err := c.governor.PaceOrder(ctx); err != nil {
		return OrderAck{}, err
	}
	if err := c.governor.Acquire(ctx, ClassOrders, 1); err != nil {
		return OrderAck{}, err
	}
	var resp OrderAck
	err := c.do(ctx, "rest.place_order", http.MethodPost, "/api/v3/order", orderParams(req), authSigned, weightPlaceOrder, &resp)
	if err != nil {
		return OrderAck{}, err
	}
	if c.metrics != nil {
		c.metrics.RecordOrderSubmitted(ctx, resp.Symbol)
	}
	return resp, nil
}

// TestOrder validates an order without placing it.
func (c *Client) TestOrder(ctx context.Context, req OrderRequest) error {
	if err := req.Validate(); err != nil {
		return errs.New("rest.test_order", errs.CodeValidation, errs.WithMessage(err.Error()))
	}
	return c.do(ctx, "rest.test_order", http.MethodPost, "/api/v3/order/test", orderParams(req), authSigned, weightPlaceOrder, &struct{}{})
}

// CancelOrder cancels an open order by exchange id or client order id.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64, clientOrderID string) (OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	if orderID > 0 {
		params.Set("orderId", strconv.FormatInt(orderID, 10))
	} else if clientOrderID != "" {
		params.Set("origClientOrderId", clientOrderID)
	} else {
		return OrderAck{}, errs.New("rest.cancel_order", errs.CodeValidation,
			errs.WithMessage("order id or client order id required"))
	}
	var resp OrderAck
	err := c.do(ctx, "rest.cancel_order", http.MethodDelete, "/api/v3/order", params, authSigned, weightCancelOrder, &resp)
	return resp, err
}

// QueryOrder fetches the current state of one order.
func (c *Client) QueryOrder(ctx context.Context, symbol string, orderID int64, clientOrderID string) (OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	if orderID > 0 {
		params.Set("orderId", strconv.FormatInt(orderID, 10))
	} else if clientOrderID != "" {
		params.Set("origClientOrderId", clientOrderID)
	} else {
		return OrderAck{}, errs.New("rest.query_order", errs.CodeValidation,
			errs.WithMessage("order id or client order id required"))
	}
	var resp OrderAck
	err := c.do(ctx, "rest.query_order", http.MethodGet, "/api/v3/order", params, authSigned, weightQueryOrder, &resp)
	return resp, err
}

// OpenOrders lists open orders, optionally scoped to one symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]OrderAck, error) {
	params := url.Values{}
	if strings.TrimSpace(symbol) != "" {
		params.Set("symbol", strings.ToUpper(symbol))
	}
	var resp []OrderAck
	err := c.do(ctx, "rest.open_orders", http.MethodGet, "/api/v3/openOrders", params, authSigned, weightOpenOrders, &resp)
	return resp, err
}

// MyTrades returns the caller's trade history for one symbol.
func (c *Client) MyTrades(ctx context.Context, symbol string, limit int) ([]AccountTrade, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp []AccountTrade
	err := c.do(ctx, "rest.my_trades", http.MethodGet, "/api/v3/myTrades", params, authSigned, weightMyTrades, &resp)
	return resp, err
}

// CreateListenKey opens a user-data-stream lease.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	var resp listenKeyResponse
	if err := c.do(ctx, "rest.create_listen_key", http.MethodPost, "/api/v3/userDataStream", nil, authKey, weightListenKey, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.ListenKey) == "" {
		return "", errs.New("rest.create_listen_key", errs.CodeProtocol,
			errs.WithMessage("empty listen key in response"))
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the lease validity horizon.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	if strings.TrimSpace(listenKey) == "" {
		return errs.New("rest.keepalive_listen_key", errs.CodeValidation,
			errs.WithMessage("listen key required"))
	}
	params := url.Values{}
	params.Set("listenKey", listenKey)
	return c.do(ctx, "rest.keepalive_listen_key", http.MethodPut, "/api/v3/userDataStream", params, authKey, weightListenKey, &struct{}{})
}

// CloseListenKey invalidates the lease.
func (c *Client) CloseListenKey(ctx context.Context, listenKey string) error {
	if strings.TrimSpace(listenKey) == "" {
		return errs.New("rest.close_listen_key", errs.CodeValidation,
			errs.WithMessage("listen key required"))
	}
	params := url.Values{}
	params.Set("listenKey", listenKey)
	return c.do(ctx, "rest.close_listen_key", http.MethodDelete, "/api/v3/userDataStream", params, authKey, weightListenKey, &struct{}{})
}

// do executes one governed request with retries for transient failures.
// Signed requests are re-signed on every attempt so the timestamp stays
// inside the receive window.
func (c *Client) do(ctx context.Context, op, method, path string, params url.Values, authMode auth, weight int, out any) error {
	if authMode != authNone && c.signer == nil {
		return errs.New(op, errs.CodeConfiguration,
			errs.WithMessage("operation requires api credentials"))
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if err := c.awaitCooldown(ctx); err != nil {
			return err
		}
		// Every attempt spends server-side weight, so the budget is
		// charged per attempt, not per logical call.
		if err := c.governor.Acquire(ctx, ClassRequestWeight, weight); err != nil {
			return err
		}
		err := c.attempt(ctx, op, method, path, cloneValues(params), authMode, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errs.CodeOf(err).Retryable() {
			return err
		}
		if code := errs.CodeOf(err); code == errs.CodeRateLimited {
			// Cooldown was armed by the attempt; loop re-checks it.
			continue
		}
		sleep := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return errs.New(op, errs.CodeTransport,
				errs.WithMessage("cancelled during retry backoff"), errs.WithCause(ctx.Err()))
		case <-time.After(sleep):
		}
	}
	return lastErr
}

func (c *Client) attempt(ctx context.Context, op, method, path string, params url.Values, authMode auth, out any) error {
	if params == nil {
		params = url.Values{}
	}

	var query string
	switch authMode {
	case authSigned:
		query = c.signer.Sign(params).Query
	default:
		query = params.Encode()
	}

	endpoint := c.baseURL + path
	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete || authMode != authSigned {
		if query != "" {
			endpoint += "?" + query
		}
	} else {
		body = strings.NewReader(query)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return errs.New(op, errs.CodeValidation,
			errs.WithMessage("build request"), errs.WithCause(err))
	}
	if authMode != authNone {
		req.Header.Set("X-MBX-APIKEY", c.signer.APIKey())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.New(op, errs.CodeTransport,
			errs.WithMessage("execute request"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errs.New(op, errs.CodeTransport,
			errs.WithMessage("read response"), errs.WithCause(err))
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return c.classifyFailure(op, resp, raw)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.New(op, errs.CodeProtocol,
			errs.WithMessage("response failed schema validation"),
			errs.WithRawMessage(truncate(string(raw), 512)),
			errs.WithCause(err))
	}
	return nil
}

func (c *Client) classifyFailure(op string, resp *http.Response, raw []byte) error {
	var exchangeErr apiError
	_ = json.Unmarshal(raw, &exchangeErr)
	rawCode := ""
	if exchangeErr.Code != 0 {
		rawCode = strconv.FormatInt(exchangeErr.Code, 10)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418:
		c.governor.Resync(ClassRequestWeight)
		c.armCooldown(retryAfter(resp))
		observability.Log().Warn("exchange rate limit hit",
			observability.F("op", op),
			observability.F("status", resp.StatusCode))
		return errs.New(op, errs.CodeRateLimited,
			errs.WithHTTP(resp.StatusCode),
			errs.WithRawCode(rawCode),
			errs.WithRawMessage(exchangeErr.Msg))
	case resp.StatusCode >= http.StatusInternalServerError:
		return errs.New(op, errs.CodeTransport,
			errs.WithHTTP(resp.StatusCode),
			errs.WithRawCode(rawCode),
			errs.WithRawMessage(exchangeErr.Msg))
	default:
		return errs.New(op, errs.CodeProtocol,
			errs.WithHTTP(resp.StatusCode),
			errs.WithRawCode(rawCode),
			errs.WithRawMessage(defaultIfEmpty(exchangeErr.Msg, truncate(string(raw), 512))))
	}
}

func (c *Client) armCooldown(d time.Duration) {
	if d <= 0 {
		d = rateLimitCooldown
	}
	c.cooldownMu.Lock()
	until := c.clock().Add(d)
	if until.After(c.cooldownUntil) {
		c.cooldownUntil = until
	}
	c.cooldownMu.Unlock()
}

func (c *Client) awaitCooldown(ctx context.Context) error {
	c.cooldownMu.Lock()
	wait := c.cooldownUntil.Sub(c.clock())
	c.cooldownMu.Unlock()
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errs.New("rest.cooldown", errs.CodeTransport,
			errs.WithMessage("cancelled during rate-limit cooldown"), errs.WithCause(ctx.Err()))
	case <-timer.C:
		return nil
	}
}

func retryAfter(resp *http.Response) time.Duration {
	header := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func cloneValues(params url.Values) url.Values {
	if params == nil {
		return url.Values{}
	}
	out := make(url.Values, len(params))
	for k, vs := range params {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func defaultIfEmpty(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}
