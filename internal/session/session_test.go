package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/quantex/tradelink/config"
	"github.com/quantex/tradelink/errs"
	"github.com/quantex/tradelink/internal/binance"
	"github.com/quantex/tradelink/internal/fixed"
	"github.com/quantex/tradelink/internal/orders"
)

func testSettings(restURL, streamURL string, creds config.Credentials) config.Settings {
	cfg := config.Default()
	cfg.Credentials = creds
	cfg.EndpointOverrides = &config.Endpoints{
		RESTBase:  restURL,
		StreamURL: streamURL,
	}
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Environment = "staging"
	if _, err := New(cfg); errs.CodeOf(err) != errs.CodeConfiguration {
		t.Fatalf("code = %s", errs.CodeOf(err))
	}
}

func TestPlaceOrderWithoutCredentialsFails(t *testing.T) {
	s, err := New(testSettings("http://unused", "ws://unused", config.Credentials{}))
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	qty := fixed.MustParse("0.001")
	price := fixed.MustParse("50000")
	_, err = s.PlaceOrder(context.Background(), binance.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     binance.SideBuy,
		Type:     binance.OrderTypeLimit,
		Quantity: qty,
		Price:    price,
	})
	if errs.CodeOf(err) != errs.CodeConfiguration {
		t.Fatalf("code = %s, want configuration", errs.CodeOf(err))
	}
}

func TestUserFrameUpdatesTracking(t *testing.T) {
	s, err := New(testSettings("http://unused", "ws://unused", config.Credentials{}))
	if err != nil {
		t.Fatalf("New error = %v", err)
	}

	s.handleUserFrame([]byte(`{
		"e":"executionReport","E":1499405658658,"s":"BTCUSDT","c":"TLK-abc",
		"S":"BUY","o":"LIMIT","f":"GTC","q":"0.001","p":"50000",
		"x":"TRADE","X":"PARTIALLY_FILLED","r":"NONE","i":7,
		"l":"0.0005","z":"0.0005","L":"50000","T":1499405658657,"t":1,"m":true}`))

	order, ok := s.Order("TLK-abc")
	if !ok {
		t.Fatalf("order not tracked from stream frame")
	}
	if order.Status != orders.StatusPartiallyFilled {
		t.Fatalf("status = %s", order.Status)
	}
	if !order.FilledQty.Equal(fixed.MustParse("0.0005")) {
		t.Fatalf("filled = %s", order.FilledQty)
	}
}

func TestUserFrameUpdatesBalances(t *testing.T) {
	s, err := New(testSettings("http://unused", "ws://unused", config.Credentials{}))
	if err != nil {
		t.Fatalf("New error = %v", err)
	}

	s.handleUserFrame([]byte(`{
		"e":"outboundAccountPosition","E":1,"u":1,
		"B":[{"a":"BTC","f":"1.5","l":"0.25"}]}`))

	balance, ok := s.Balance("BTC")
	if !ok {
		t.Fatalf("balance not tracked")
	}
	if !balance.Free.Equal(fixed.MustParse("1.5")) {
		t.Fatalf("free = %s", balance.Free)
	}
}

func TestMalformedUserFrameIsDropped(t *testing.T) {
	s, err := New(testSettings("http://unused", "ws://unused", config.Credentials{}))
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	s.handleUserFrame([]byte(`{"e":"executionReport",`))
	s.handleUserFrame([]byte(`{"e":"listStatus","E":1}`))
	if got := len(s.tracker.Orders()); got != 0 {
		t.Fatalf("orders tracked from bad frames = %d", got)
	}
}

// sessionStreamServer is a minimal websocket endpoint that records
// SUBSCRIBE parameters.
type sessionStreamServer struct {
	mu     sync.Mutex
	params []string
	server *httptest.Server
}

func newSessionStreamServer(t *testing.T) *sessionStreamServer {
	t.Helper()
	ss := &sessionStreamServer{}
	ss.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := context.Background()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var req struct {
				Method string   `json:"method"`
				Params []string `json:"params"`
				ID     uint64   `json:"id"`
			}
			if err := json.Unmarshal(data, &req); err != nil || req.ID == 0 {
				continue
			}
			ss.mu.Lock()
			ss.params = append(ss.params, req.Params...)
			ss.mu.Unlock()
			ack, _ := json.Marshal(map[string]any{"result": nil, "id": req.ID})
			_ = conn.Write(ctx, websocket.MessageText, ack)
		}
	}))
	t.Cleanup(ss.server.Close)
	return ss
}

func (ss *sessionStreamServer) subscribed() []string {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	out := make([]string, len(ss.params))
	copy(out, ss.params)
	return out
}

func TestStartBindsUserStreamToListenKey(t *testing.T) {
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/userDataStream" {
			t.Errorf("path = %s", r.URL.Path)
		}
		switch r.Method {
		case http.MethodPost:
			_, _ = w.Write([]byte(`{"listenKey":"lk-test-1"}`))
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer rest.Close()
	stream := newSessionStreamServer(t)
	streamURL := "ws" + strings.TrimPrefix(stream.server.URL, "http")

	creds := config.Credentials{APIKey: "k", APISecret: "s"}
	s, err := New(testSettings(rest.URL, streamURL, creds))
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	defer func() { _ = s.Close(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, param := range stream.subscribed() {
			if param == "lk-test-1" {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("user stream never subscribed listen key; saw %v", stream.subscribed())
}

func TestSubscribeMarketRequiresStart(t *testing.T) {
	s, err := New(testSettings("http://unused", "ws://unused", config.Credentials{}))
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	if err := s.SubscribeMarket("btcusdt@trade"); errs.CodeOf(err) != errs.CodeValidation {
		t.Fatalf("code = %s", errs.CodeOf(err))
	}
}
