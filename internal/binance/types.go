package binance

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quantex/tradelink/internal/fixed"
)

// Side is an order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide maps wire text onto the closed side vocabulary.
func ParseSide(input string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	default:
		return "", fmt.Errorf("binance: unsupported side %q", input)
	}
}

// OrderType enumerates supported order types.
type OrderType string

const (
	OrderTypeLimit           OrderType = "LIMIT"
	OrderTypeMarket          OrderType = "MARKET"
	OrderTypeStopLoss        OrderType = "STOP_LOSS"
	OrderTypeStopLossLimit   OrderType = "STOP_LOSS_LIMIT"
	OrderTypeTakeProfit      OrderType = "TAKE_PROFIT"
	OrderTypeTakeProfitLimit OrderType = "TAKE_PROFIT_LIMIT"
	OrderTypeLimitMaker      OrderType = "LIMIT_MAKER"
)

// TimeInForce enumerates supported order lifetimes.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// OrderStatus enumerates the exchange order lifecycle vocabulary.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusPendingCancel   OrderStatus = "PENDING_CANCEL"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// flexTimestamp tolerates both numeric and quoted millisecond timestamps;
// some endpoints are inconsistent about which they emit.
type flexTimestamp int64

func (ts *flexTimestamp) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*ts = 0
		return nil
	}
	if trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"' {
		inner := bytes.TrimSpace(trimmed[1 : len(trimmed)-1])
		if len(inner) == 0 {
			*ts = 0
			return nil
		}
		trimmed = inner
	}
	v, err := strconv.ParseInt(string(trimmed), 10, 64)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", string(data), err)
	}
	*ts = flexTimestamp(v)
	return nil
}

func (ts flexTimestamp) Time() time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ts)).UTC()
}

type apiError struct {
	Code int64  `json:"code"`
	Msg  string `json:"msg"`
}

type serverTimeResponse struct {
	ServerTime flexTimestamp `json:"serverTime"`
}

// ExchangeInfo describes the tradable universe.
type ExchangeInfo struct {
	Timezone   string          `json:"timezone"`
	ServerTime flexTimestamp   `json:"serverTime"`
	Symbols    []SymbolInfo    `json:"symbols"`
	RateLimits []RateLimitInfo `json:"rateLimits"`
}

// RateLimitInfo echoes the exchange's advertised ceilings.
type RateLimitInfo struct {
	RateLimitType string `json:"rateLimitType"`
	Interval      string `json:"interval"`
	IntervalNum   int    `json:"intervalNum"`
	Limit         int    `json:"limit"`
}

// SymbolInfo describes one tradable symbol.
type SymbolInfo struct {
	Symbol             string         `json:"symbol"`
	Status             string         `json:"status"`
	BaseAsset          string         `json:"baseAsset"`
	QuoteAsset         string         `json:"quoteAsset"`
	BaseAssetPrecision int            `json:"baseAssetPrecision"`
	QuotePrecision     int            `json:"quoteAssetPrecision"`
	OrderTypes         []string       `json:"orderTypes"`
	Filters            []SymbolFilter `json:"filters"`
}

// SymbolFilter carries per-symbol trading constraints.
type SymbolFilter struct {
	FilterType  string `json:"filterType"`
	MinPrice    string `json:"minPrice"`
	MaxPrice    string `json:"maxPrice"`
	TickSize    string `json:"tickSize"`
	MinQty      string `json:"minQty"`
	MaxQty      string `json:"maxQty"`
	StepSize    string `json:"stepSize"`
	MinNotional string `json:"minNotional"`
}

// Ticker24h is the rolling 24-hour price statistics for one symbol.
type Ticker24h struct {
	Symbol             string        `json:"symbol"`
	PriceChange        fixed.Decimal `json:"priceChange"`
	PriceChangePercent string        `json:"priceChangePercent"`
	WeightedAvgPrice   fixed.Decimal `json:"weightedAvgPrice"`
	LastPrice          fixed.Decimal `json:"lastPrice"`
	OpenPrice          fixed.Decimal `json:"openPrice"`
	HighPrice          fixed.Decimal `json:"highPrice"`
	LowPrice           fixed.Decimal `json:"lowPrice"`
	Volume             fixed.Decimal `json:"volume"`
	QuoteVolume        fixed.Decimal `json:"quoteVolume"`
	OpenTime           flexTimestamp `json:"openTime"`
	CloseTime          flexTimestamp `json:"closeTime"`
	TradeCount         int64         `json:"count"`
}

// PriceTicker is the latest price for one symbol.
type PriceTicker struct {
	Symbol string        `json:"symbol"`
	Price  fixed.Decimal `json:"price"`
}

// PriceLevel is one side entry of the order book.
type PriceLevel struct {
	Price    fixed.Decimal
	Quantity fixed.Decimal
}

// UnmarshalJSON decodes the exchange's ["price","qty"] pair form.
func (l *PriceLevel) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("decode price level: %w", err)
	}
	price, err := fixed.Parse(pair[0])
	if err != nil {
		return fmt.Errorf("parse level price %q: %w", pair[0], err)
	}
	qty, err := fixed.Parse(pair[1])
	if err != nil {
		return fmt.Errorf("parse level quantity %q: %w", pair[1], err)
	}
	l.Price = price
	l.Quantity = qty
	return nil
}

// OrderBook is a full-depth snapshot.
type OrderBook struct {
	LastUpdateID int64        `json:"lastUpdateId"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
}

// Trade is one public trade record.
type Trade struct {
	ID           int64         `json:"id"`
	Price        fixed.Decimal `json:"price"`
	Quantity     fixed.Decimal `json:"qty"`
	QuoteQty     fixed.Decimal `json:"quoteQty"`
	Time         flexTimestamp `json:"time"`
	IsBuyerMaker bool          `json:"isBuyerMaker"`
}

// AggTrade is one aggregate trade: fills of the same taker order at the
// same price compressed into a single record.
type AggTrade struct {
	ID           int64         `json:"a"`
	Price        fixed.Decimal `json:"p"`
	Quantity     fixed.Decimal `json:"q"`
	FirstTradeID int64         `json:"f"`
	LastTradeID  int64         `json:"l"`
	Time         flexTimestamp `json:"T"`
	IsBuyerMaker bool          `json:"m"`
}

// Kline is one candlestick. The wire format is a positional array.
type Kline struct {
	OpenTime    time.Time
	Open        fixed.Decimal
	High        fixed.Decimal
	Low         fixed.Decimal
	Close       fixed.Decimal
	Volume      fixed.Decimal
	CloseTime   time.Time
	QuoteVolume fixed.Decimal
	TradeCount  int64
}

// UnmarshalJSON decodes the positional kline array.
func (k *Kline) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode kline: %w", err)
	}
	if len(raw) < 9 {
		return fmt.Errorf("kline array has %d elements, want at least 9", len(raw))
	}
	var openTime, closeTime int64
	if err := json.Unmarshal(raw[0], &openTime); err != nil {
		return fmt.Errorf("kline open time: %w", err)
	}
	if err := json.Unmarshal(raw[6], &closeTime); err != nil {
		return fmt.Errorf("kline close time: %w", err)
	}
	var count int64
	if err := json.Unmarshal(raw[8], &count); err != nil {
		return fmt.Errorf("kline trade count: %w", err)
	}
	fields := map[int]*fixed.Decimal{
		1: &k.Open, 2: &k.High, 3: &k.Low, 4: &k.Close, 5: &k.Volume, 7: &k.QuoteVolume,
	}
	for idx, dst := range fields {
		var s string
		if err := json.Unmarshal(raw[idx], &s); err != nil {
			return fmt.Errorf("kline field %d: %w", idx, err)
		}
		v, err := fixed.Parse(s)
		if err != nil {
			return fmt.Errorf("kline field %d value %q: %w", idx, s, err)
		}
		*dst = v
	}
	k.OpenTime = time.UnixMilli(openTime).UTC()
	k.CloseTime = time.UnixMilli(closeTime).UTC()
	k.TradeCount = count
	return nil
}

// Balance is one asset balance.
type Balance struct {
	Asset  string        `json:"asset"`
	Free   fixed.Decimal `json:"free"`
	Locked fixed.Decimal `json:"locked"`
}

// AccountInfo is the account snapshot returned by the account endpoint.
type AccountInfo struct {
	MakerCommission int64         `json:"makerCommission"`
	TakerCommission int64         `json:"takerCommission"`
	CanTrade        bool          `json:"canTrade"`
	CanWithdraw     bool          `json:"canWithdraw"`
	CanDeposit      bool          `json:"canDeposit"`
	UpdateTime      flexTimestamp `json:"updateTime"`
	AccountType     string        `json:"accountType"`
	Balances        []Balance     `json:"balances"`
}

// OrderFill is one fill attached to a FULL order response.
type OrderFill struct {
	Price           fixed.Decimal `json:"price"`
	Quantity        fixed.Decimal `json:"qty"`
	Commission      fixed.Decimal `json:"commission"`
	CommissionAsset string        `json:"commissionAsset"`
	TradeID         int64         `json:"tradeId"`
}

// OrderAck is the exchange response to order placement, cancel, and query.
type OrderAck struct {
	Symbol              string        `json:"symbol"`
	OrderID             int64         `json:"orderId"`
	ClientOrderID       string        `json:"clientOrderId"`
	OrigClientOrderID   string        `json:"origClientOrderId"`
	TransactTime        flexTimestamp `json:"transactTime"`
	UpdateTime          flexTimestamp `json:"updateTime"`
	Price               fixed.Decimal `json:"price"`
	OrigQty             fixed.Decimal `json:"origQty"`
	ExecutedQty         fixed.Decimal `json:"executedQty"`
	CummulativeQuoteQty fixed.Decimal `json:"cummulativeQuoteQty"`
	Status              OrderStatus   `json:"status"`
	TimeInForce         TimeInForce   `json:"timeInForce"`
	Type                OrderType     `json:"type"`
	Side                Side          `json:"side"`
	Fills               []OrderFill   `json:"fills"`
}

// AccountTrade is one fill from the caller's trade history.
type AccountTrade struct {
	Symbol          string        `json:"symbol"`
	ID              int64         `json:"id"`
	OrderID         int64         `json:"orderId"`
	Price           fixed.Decimal `json:"price"`
	Quantity        fixed.Decimal `json:"qty"`
	QuoteQty        fixed.Decimal `json:"quoteQty"`
	Commission      fixed.Decimal `json:"commission"`
	CommissionAsset string        `json:"commissionAsset"`
	Time            flexTimestamp `json:"time"`
	IsBuyer         bool          `json:"isBuyer"`
	IsMaker         bool          `json:"isMaker"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// OrderRequest carries the parameters of one order placement.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	TimeInForce   TimeInForce
	Quantity      fixed.Decimal
	Price         fixed.Decimal
	ClientOrderID string
}

// Validate rejects malformed requests before transmission.
func (r OrderRequest) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return fmt.Errorf("binance: symbol required")
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("binance: invalid side %q", r.Side)
	}
	if r.Quantity.Sign() <= 0 {
		return fmt.Errorf("binance: quantity must be positive")
	}
	if r.Type == OrderTypeLimit && r.Price.Sign() <= 0 {
		return fmt.Errorf("binance: limit order requires positive price")
	}
	return nil
}
