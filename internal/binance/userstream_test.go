package binance

import (
	"errors"
	"testing"

	"github.com/quantex/tradelink/errs"
	"github.com/quantex/tradelink/internal/fixed"
)

const execReportFrame = `{
	"e":"executionReport","E":1499405658658,"s":"ETHBTC","c":"TLK-mUvoqJxFIILMdfAW5iGSOW",
	"S":"BUY","o":"LIMIT","f":"GTC","q":"1.00000000","p":"0.10264410",
	"x":"TRADE","X":"PARTIALLY_FILLED","r":"NONE","i":4293153,
	"l":"0.40000000","z":"0.40000000","L":"0.10264410",
	"n":"0.00004000","N":"BTC","T":1499405658657,"t":77,
	"m":false,"C":"","Z":"0.04105764","g":-1
}`

func TestParseExecutionReport(t *testing.T) {
	event, err := ParseUserEvent([]byte(execReportFrame))
	if err != nil {
		t.Fatalf("ParseUserEvent error = %v", err)
	}
	report, ok := event.(ExecutionReport)
	if !ok {
		t.Fatalf("event type = %T", event)
	}
	if report.Symbol != "ETHBTC" || report.OrderID != 4293153 {
		t.Fatalf("report = %+v", report)
	}
	if report.Status != OrderStatusPartiallyFilled {
		t.Fatalf("status = %s", report.Status)
	}
	if report.Side != SideBuy || report.Type != OrderTypeLimit {
		t.Fatalf("side/type = %s/%s", report.Side, report.Type)
	}
	if got := report.FilledQty.String(); got != "0.4" {
		t.Fatalf("filled qty = %s", got)
	}
	if got := report.LastFilledPrice.String(); got != "0.1026441" {
		t.Fatalf("last filled price = %s", got)
	}
	if report.CommissionAsset != "BTC" {
		t.Fatalf("commission asset = %s", report.CommissionAsset)
	}
	if report.Time.UnixMilli() != 1499405658658 {
		t.Fatalf("event time = %d", report.Time.UnixMilli())
	}
	if report.IsMaker {
		t.Fatalf("maker flag = %v", report.IsMaker)
	}
}

func TestParseAccountPosition(t *testing.T) {
	frame := `{
		"e":"outboundAccountPosition","E":1564034571105,"u":1564034571073,
		"B":[{"a":"ETH","f":"10000.000000","l":"0.000000"},{"a":"BTC","f":"1.5","l":"0.25"}]
	}`
	event, err := ParseUserEvent([]byte(frame))
	if err != nil {
		t.Fatalf("ParseUserEvent error = %v", err)
	}
	position, ok := event.(AccountPosition)
	if !ok {
		t.Fatalf("event type = %T", event)
	}
	if len(position.Balances) != 2 {
		t.Fatalf("balances = %+v", position.Balances)
	}
	if position.Balances[1].Asset != "BTC" {
		t.Fatalf("asset = %s", position.Balances[1].Asset)
	}
	want := fixed.MustParse("0.25")
	if !position.Balances[1].Locked.Equal(want) {
		t.Fatalf("locked = %s", position.Balances[1].Locked)
	}
	if position.UpdateTime.UnixMilli() != 1564034571073 {
		t.Fatalf("update time = %d", position.UpdateTime.UnixMilli())
	}
}

func TestParseBalanceUpdate(t *testing.T) {
	frame := `{"e":"balanceUpdate","E":1573200697110,"a":"BTC","d":"100.00000000","T":1573200697068}`
	event, err := ParseUserEvent([]byte(frame))
	if err != nil {
		t.Fatalf("ParseUserEvent error = %v", err)
	}
	update, ok := event.(BalanceUpdate)
	if !ok {
		t.Fatalf("event type = %T", event)
	}
	if update.Asset != "BTC" {
		t.Fatalf("asset = %s", update.Asset)
	}
	if update.Delta.String() != "100" {
		t.Fatalf("delta = %s", update.Delta)
	}
	if update.ClearTime.UnixMilli() != 1573200697068 {
		t.Fatalf("clear time = %d", update.ClearTime.UnixMilli())
	}
}

func TestParseUnwrapsCombinedStreamEnvelope(t *testing.T) {
	frame := `{"stream":"abc123","data":` + execReportFrame + `}`
	event, err := ParseUserEvent([]byte(frame))
	if err != nil {
		t.Fatalf("ParseUserEvent error = %v", err)
	}
	if _, ok := event.(ExecutionReport); !ok {
		t.Fatalf("event type = %T", event)
	}
}

func TestParseUnknownEventType(t *testing.T) {
	_, err := ParseUserEvent([]byte(`{"e":"listStatus","E":1}`))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("err = %v, want ErrUnknownEvent", err)
	}
}

func TestParseMalformedFrameIsProtocolError(t *testing.T) {
	_, err := ParseUserEvent([]byte(`{"e":"executionReport",`))
	if errs.CodeOf(err) != errs.CodeProtocol {
		t.Fatalf("code = %s", errs.CodeOf(err))
	}
}
