package binance

import (
	"bytes"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quantex/tradelink/errs"
	"github.com/quantex/tradelink/internal/fixed"
)

// UserEvent is a decoded private account event. The variant set is closed:
// ExecutionReport, AccountPosition, and BalanceUpdate.
type UserEvent interface {
	EventTime() time.Time
	userEvent()
}

// ExecutionReport describes one order state transition pushed by the
// exchange. The sequence marker orders reports against REST snapshots.
type ExecutionReport struct {
	Symbol          string
	ClientOrderID   string
	OrigClientID    string
	OrderID         int64
	TradeID         int64
	Side            Side
	Type            OrderType
	TimeInForce     TimeInForce
	Status          OrderStatus
	ExecType        string
	RejectReason    string
	Quantity        fixed.Decimal
	Price           fixed.Decimal
	LastFilledQty   fixed.Decimal
	LastFilledPrice fixed.Decimal
	FilledQty       fixed.Decimal
	QuoteQty        fixed.Decimal
	Commission      fixed.Decimal
	CommissionAsset string
	IsMaker         bool
	Time            time.Time
	TransactTime    time.Time
	Sequence        int64
}

func (e ExecutionReport) EventTime() time.Time { return e.Time }
func (ExecutionReport) userEvent()             {}

// EventBalance is one asset line inside an account position event.
type EventBalance struct {
	Asset  string
	Free   fixed.Decimal
	Locked fixed.Decimal
}

// AccountPosition is a full balance snapshot for the assets that changed.
type AccountPosition struct {
	Time       time.Time
	UpdateTime time.Time
	Balances   []EventBalance
}

func (e AccountPosition) EventTime() time.Time { return e.Time }
func (AccountPosition) userEvent()             {}

// BalanceUpdate reports a single-asset delta outside of trading, such as a
// deposit or withdrawal.
type BalanceUpdate struct {
	Time      time.Time
	Asset     string
	Delta     fixed.Decimal
	ClearTime time.Time
}

func (e BalanceUpdate) EventTime() time.Time { return e.Time }
func (BalanceUpdate) userEvent()             {}

// Wire shapes use the exchange's single-letter keys.
type wireExecutionReport struct {
	EventTime       flexTimestamp `json:"E"`
	Symbol          string        `json:"s"`
	ClientOrderID   string        `json:"c"`
	Side            string        `json:"S"`
	OrderType       string        `json:"o"`
	TimeInForce     string        `json:"f"`
	Quantity        fixed.Decimal `json:"q"`
	Price           fixed.Decimal `json:"p"`
	ExecType        string        `json:"x"`
	Status          string        `json:"X"`
	RejectReason    string        `json:"r"`
	OrderID         int64         `json:"i"`
	LastFilledQty   fixed.Decimal `json:"l"`
	FilledQty       fixed.Decimal `json:"z"`
	LastFilledPrice fixed.Decimal `json:"L"`
	Commission      fixed.Decimal `json:"n"`
	CommissionAsset string        `json:"N"`
	TransactTime    flexTimestamp `json:"T"`
	TradeID         int64         `json:"t"`
	IsMaker         bool          `json:"m"`
	OrigClientID    string        `json:"C"`
	QuoteQty        fixed.Decimal `json:"Z"`
	Sequence        int64         `json:"g"`
}

type wireAccountPosition struct {
	EventTime  flexTimestamp `json:"E"`
	UpdateTime flexTimestamp `json:"u"`
	Balances   []struct {
		Asset  string        `json:"a"`
		Free   fixed.Decimal `json:"f"`
		Locked fixed.Decimal `json:"l"`
	} `json:"B"`
}

type wireBalanceUpdate struct {
	EventTime flexTimestamp `json:"E"`
	Asset     string        `json:"a"`
	Delta     fixed.Decimal `json:"d"`
	ClearTime flexTimestamp `json:"T"`
}

type eventEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	Type   string          `json:"e"`
}

// ErrUnknownEvent marks frames with an event type outside the closed
// variant set; the consumer drops these without failing the stream.
var ErrUnknownEvent = errs.New("userstream.parse", errs.CodeProtocol,
	errs.WithMessage("unknown user event type"))

// ParseUserEvent decodes one user-data frame into its typed variant. Frames
// wrapped in a combined-stream envelope are unwrapped first.
func ParseUserEvent(data []byte) (UserEvent, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errs.New("userstream.parse", errs.CodeProtocol,
			errs.WithMessage("frame failed schema validation"), errs.WithCause(err))
	}
	if len(env.Data) > 0 && !bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
		data = env.Data
		env.Type = ""
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, errs.New("userstream.parse", errs.CodeProtocol,
				errs.WithMessage("envelope payload failed schema validation"), errs.WithCause(err))
		}
	}

	switch env.Type {
	case "executionReport":
		var wire wireExecutionReport
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, errs.New("userstream.parse", errs.CodeProtocol,
				errs.WithMessage("execution report failed schema validation"), errs.WithCause(err))
		}
		return executionReportFromWire(wire), nil
	case "outboundAccountPosition":
		var wire wireAccountPosition
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, errs.New("userstream.parse", errs.CodeProtocol,
				errs.WithMessage("account position failed schema validation"), errs.WithCause(err))
		}
		position := AccountPosition{
			Time:       wire.EventTime.Time(),
			UpdateTime: wire.UpdateTime.Time(),
			Balances:   make([]EventBalance, 0, len(wire.Balances)),
		}
		for _, b := range wire.Balances {
			position.Balances = append(position.Balances, EventBalance{
				Asset:  b.Asset,
				Free:   b.Free,
				Locked: b.Locked,
			})
		}
		return position, nil
	case "balanceUpdate":
		var wire wireBalanceUpdate
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, errs.New("userstream.parse", errs.CodeProtocol,
				errs.WithMessage("balance update failed schema validation"), errs.WithCause(err))
		}
		return BalanceUpdate{
			Time:      wire.EventTime.Time(),
			Asset:     wire.Asset,
			Delta:     wire.Delta,
			ClearTime: wire.ClearTime.Time(),
		}, nil
	default:
		return nil, ErrUnknownEvent
	}
}

func executionReportFromWire(wire wireExecutionReport) ExecutionReport {
	return ExecutionReport{
		Symbol:          wire.Symbol,
		ClientOrderID:   wire.ClientOrderID,
		OrigClientID:    wire.OrigClientID,
		OrderID:         wire.OrderID,
		TradeID:         wire.TradeID,
		Side:            Side(wire.Side),
		Type:            OrderType(wire.OrderType),
		TimeInForce:     TimeInForce(wire.TimeInForce),
		Status:          OrderStatus(wire.Status),
		ExecType:        wire.ExecType,
		RejectReason:    wire.RejectReason,
		Quantity:        wire.Quantity,
		Price:           wire.Price,
		LastFilledQty:   wire.LastFilledQty,
		LastFilledPrice: wire.LastFilledPrice,
		FilledQty:       wire.FilledQty,
		QuoteQty:        wire.QuoteQty,
		Commission:      wire.Commission,
		CommissionAsset: wire.CommissionAsset,
		IsMaker:         wire.IsMaker,
		Time:            wire.EventTime.Time(),
		TransactTime:    wire.TransactTime.Time(),
		Sequence:        wire.Sequence,
	}
}
