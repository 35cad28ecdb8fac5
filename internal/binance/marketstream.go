package binance

import (
	"bytes"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quantex/tradelink/errs"
	"github.com/quantex/tradelink/internal/fixed"
)

// MarketEvent is a decoded public market-data event. The variant set is
// closed: TradeEvent, DepthUpdate, KlineEvent, and TickerEvent.
type MarketEvent interface {
	EventTime() time.Time
	marketEvent()
}

// TradeEvent is one executed public trade.
type TradeEvent struct {
	Symbol       string
	TradeID      int64
	Price        fixed.Decimal
	Quantity     fixed.Decimal
	TradeTime    time.Time
	IsBuyerMaker bool
	Time         time.Time
}

func (e TradeEvent) EventTime() time.Time { return e.Time }
func (TradeEvent) marketEvent()           {}

// DepthUpdate is an incremental order-book diff. FirstUpdateID and
// FinalUpdateID let consumers detect gaps against a REST snapshot.
type DepthUpdate struct {
	Symbol        string
	FirstUpdateID int64
	FinalUpdateID int64
	Bids          []PriceLevel
	Asks          []PriceLevel
	Time          time.Time
}

func (e DepthUpdate) EventTime() time.Time { return e.Time }
func (DepthUpdate) marketEvent()           {}

// KlineEvent carries the current candlestick for a symbol and interval.
// Closed reports whether the candle's interval has ended.
type KlineEvent struct {
	Symbol     string
	Interval   string
	OpenTime   time.Time
	CloseTime  time.Time
	Open       fixed.Decimal
	High       fixed.Decimal
	Low        fixed.Decimal
	Close      fixed.Decimal
	Volume     fixed.Decimal
	TradeCount int64
	Closed     bool
	Time       time.Time
}

func (e KlineEvent) EventTime() time.Time { return e.Time }
func (KlineEvent) marketEvent()           {}

// TickerEvent is the rolling 24-hour statistics push for one symbol.
type TickerEvent struct {
	Symbol           string
	PriceChange      fixed.Decimal
	WeightedAvgPrice fixed.Decimal
	LastPrice        fixed.Decimal
	OpenPrice        fixed.Decimal
	HighPrice        fixed.Decimal
	LowPrice         fixed.Decimal
	Volume           fixed.Decimal
	QuoteVolume      fixed.Decimal
	TradeCount       int64
	Time             time.Time
}

func (e TickerEvent) EventTime() time.Time { return e.Time }
func (TickerEvent) marketEvent()           {}

type wireTradeEvent struct {
	EventTime    flexTimestamp `json:"E"`
	Symbol       string        `json:"s"`
	TradeID      int64         `json:"t"`
	Price        fixed.Decimal `json:"p"`
	Quantity     fixed.Decimal `json:"q"`
	TradeTime    flexTimestamp `json:"T"`
	IsBuyerMaker bool          `json:"m"`
}

type wireDepthUpdate struct {
	EventTime     flexTimestamp `json:"E"`
	Symbol        string        `json:"s"`
	FirstUpdateID int64         `json:"U"`
	FinalUpdateID int64         `json:"u"`
	Bids          []PriceLevel  `json:"b"`
	Asks          []PriceLevel  `json:"a"`
}

type wireKlineEvent struct {
	EventTime flexTimestamp `json:"E"`
	Symbol    string        `json:"s"`
	Kline     struct {
		OpenTime   flexTimestamp `json:"t"`
		CloseTime  flexTimestamp `json:"T"`
		Interval   string        `json:"i"`
		Open       fixed.Decimal `json:"o"`
		Close      fixed.Decimal `json:"c"`
		High       fixed.Decimal `json:"h"`
		Low        fixed.Decimal `json:"l"`
		Volume     fixed.Decimal `json:"v"`
		TradeCount int64         `json:"n"`
		Closed     bool          `json:"x"`
	} `json:"k"`
}

type wireTickerEvent struct {
	EventTime        flexTimestamp `json:"E"`
	Symbol           string        `json:"s"`
	PriceChange      fixed.Decimal `json:"p"`
	WeightedAvgPrice fixed.Decimal `json:"w"`
	LastPrice        fixed.Decimal `json:"c"`
	OpenPrice        fixed.Decimal `json:"o"`
	HighPrice        fixed.Decimal `json:"h"`
	LowPrice         fixed.Decimal `json:"l"`
	Volume           fixed.Decimal `json:"v"`
	QuoteVolume      fixed.Decimal `json:"q"`
	TradeCount       int64         `json:"n"`
}

// ErrUnknownMarketEvent marks frames with an event type outside the closed
// variant set; the consumer drops these without failing the stream.
var ErrUnknownMarketEvent = errs.New("marketstream.parse", errs.CodeProtocol,
	errs.WithMessage("unknown market event type"))

// ParseMarketEvent decodes one market-data frame into its typed variant.
// Frames wrapped in a combined-stream envelope are unwrapped first.
func ParseMarketEvent(data []byte) (MarketEvent, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errs.New("marketstream.parse", errs.CodeProtocol,
			errs.WithMessage("frame failed schema validation"), errs.WithCause(err))
	}
	if len(env.Data) > 0 && !bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
		data = env.Data
		env.Type = ""
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, errs.New("marketstream.parse", errs.CodeProtocol,
				errs.WithMessage("envelope payload failed schema validation"), errs.WithCause(err))
		}
	}

	switch env.Type {
	case "trade":
		var wire wireTradeEvent
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, errs.New("marketstream.parse", errs.CodeProtocol,
				errs.WithMessage("trade event failed schema validation"), errs.WithCause(err))
		}
		return TradeEvent{
			Symbol:       wire.Symbol,
			TradeID:      wire.TradeID,
			Price:        wire.Price,
			Quantity:     wire.Quantity,
			TradeTime:    wire.TradeTime.Time(),
			IsBuyerMaker: wire.IsBuyerMaker,
			Time:         wire.EventTime.Time(),
		}, nil
	case "depthUpdate":
		var wire wireDepthUpdate
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, errs.New("marketstream.parse", errs.CodeProtocol,
				errs.WithMessage("depth update failed schema validation"), errs.WithCause(err))
		}
		return DepthUpdate{
			Symbol:        wire.Symbol,
			FirstUpdateID: wire.FirstUpdateID,
			FinalUpdateID: wire.FinalUpdateID,
			Bids:          wire.Bids,
			Asks:          wire.Asks,
			Time:          wire.EventTime.Time(),
		}, nil
	case "kline":
		var wire wireKlineEvent
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, errs.New("marketstream.parse", errs.CodeProtocol,
				errs.WithMessage("kline event failed schema validation"), errs.WithCause(err))
		}
		return KlineEvent{
			Symbol:     wire.Symbol,
			Interval:   wire.Kline.Interval,
			OpenTime:   wire.Kline.OpenTime.Time(),
			CloseTime:  wire.Kline.CloseTime.Time(),
			Open:       wire.Kline.Open,
			High:       wire.Kline.High,
			Low:        wire.Kline.Low,
			Close:      wire.Kline.Close,
			Volume:     wire.Kline.Volume,
			TradeCount: wire.Kline.TradeCount,
			Closed:     wire.Kline.Closed,
			Time:       wire.EventTime.Time(),
		}, nil
	case "24hrTicker":
		var wire wireTickerEvent
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, errs.New("marketstream.parse", errs.CodeProtocol,
				errs.WithMessage("ticker event failed schema validation"), errs.WithCause(err))
		}
		return TickerEvent{
			Symbol:           wire.Symbol,
			PriceChange:      wire.PriceChange,
			WeightedAvgPrice: wire.WeightedAvgPrice,
			LastPrice:        wire.LastPrice,
			OpenPrice:        wire.OpenPrice,
			HighPrice:        wire.HighPrice,
			LowPrice:         wire.LowPrice,
			Volume:           wire.Volume,
			QuoteVolume:      wire.QuoteVolume,
			TradeCount:       wire.TradeCount,
			Time:             wire.EventTime.Time(),
		}, nil
	default:
		return nil, ErrUnknownMarketEvent
	}
}
