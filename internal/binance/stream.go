package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/quantex/tradelink/errs"
	"github.com/quantex/tradelink/internal/observability"
	"github.com/quantex/tradelink/internal/telemetry"
)

const (
	// The exchange caps control frames (SUBSCRIBE/UNSUBSCRIBE, PING) at
	// 5 per second per connection.
	controlMessageInterval = 250 * time.Millisecond
	maxStreamsPerRequest   = 100

	pingInterval         = 30 * time.Second
	pingTimeout          = 5 * time.Second
	controlWriteTimeout  = 5 * time.Second
	maxReconnectInterval = 30 * time.Second
	streamReadLimit      = 2 * 1024 * 1024
	startupTimeout       = 10 * time.Second
)

// StreamState names a phase of the multiplexer connection lifecycle.
type StreamState string

const (
	StateDisconnected StreamState = "disconnected"
	StateConnecting   StreamState = "connecting"
	StateConnected    StreamState = "connected"
	// StateDegraded flags a live connection whose keep-alive has failed;
	// teardown and redial follow immediately.
	StateDegraded     StreamState = "degraded"
	StateReconnecting StreamState = "reconnecting"
	StateClosed       StreamState = "closed"
)

// StateChange is emitted on every lifecycle transition. Err is set when the
// transition was caused by a failure.
type StateChange struct {
	State StreamState
	At    time.Time
	Err   error
}

// Stream name constructors for the market streams the exchange publishes.
func TradeStream(symbol string) string  { return strings.ToLower(symbol) + "@trade" }
func TickerStream(symbol string) string { return strings.ToLower(symbol) + "@ticker" }
func DepthStream(symbol string) string  { return strings.ToLower(symbol) + "@depth" }
func KlineStream(symbol, interval string) string {
	return strings.ToLower(symbol) + "@kline_" + interval
}

// UserStream returns the stream name carrying private account events for a
// listen key.
func UserStream(listenKey string) string { return listenKey }

// StreamMux multiplexes market and user streams over one websocket
// connection. Subscriptions are remembered across reconnects and replayed
// after each successful dial, so callers observe a logically continuous
// stream interrupted only by gaps.
type StreamMux struct {
	url    string
	ctx    context.Context
	cancel context.CancelFunc

	conn     *websocket.Conn
	connMu   sync.RWMutex
	msgIDGen atomic.Uint64

	subscriptions map[string]struct{}
	subsMu        sync.Mutex

	handler func([]byte)

	state      StreamState
	stateMu    sync.Mutex
	stateCh    chan StateChange
	everDialed bool

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	controlMu       sync.Mutex
	lastControlSend time.Time

	metrics *telemetry.SessionMetrics
}

type controlRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type controlResponse struct {
	Result *json.RawMessage `json:"result"`
	ID     uint64           `json:"id"`
	Error  *controlError    `json:"error,omitempty"`
}

type controlError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// MuxOption customises multiplexer construction.
type MuxOption func(*StreamMux)

// WithMuxMetrics attaches session metrics for reconnect accounting.
func WithMuxMetrics(m *telemetry.SessionMetrics) MuxOption {
	return func(mux *StreamMux) { mux.metrics = m }
}

// NewStreamMux builds a multiplexer for the given websocket URL. Frames that
// are not control responses are passed to handler; a nil handler drops them.
func NewStreamMux(url string, handler func([]byte), opts ...MuxOption) *StreamMux {
	mux := &StreamMux{
		url:           url,
		subscriptions: make(map[string]struct{}),
		handler:       handler,
		state:         StateDisconnected,
		stateCh:       make(chan StateChange, 16),
		ready:         make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mux)
		}
	}
	return mux
}

// Start dials in the background and waits for the first successful
// connection. After Start returns, reconnection is automatic until Close.
func (mux *StreamMux) Start(ctx context.Context) error {
	mux.ctx, mux.cancel = context.WithCancel(ctx)
	go func() {
		defer close(mux.done)
		mux.run()
	}()

	select {
	case <-mux.ready:
		return nil
	case <-time.After(startupTimeout):
		mux.cancel()
		return errs.New("stream.start", errs.CodeTransport,
			errs.WithMessage("timeout waiting for websocket connection"))
	case <-mux.ctx.Done():
		return errs.New("stream.start", errs.CodeTransport,
			errs.WithMessage("cancelled during initial dial"), errs.WithCause(mux.ctx.Err()))
	}
}

// Close tears the connection down and ends reconnection. Idempotent.
func (mux *StreamMux) Close() {
	if mux.cancel == nil {
		return
	}
	mux.cancel()
	mux.connMu.Lock()
	if mux.conn != nil {
		_ = mux.conn.Close(websocket.StatusNormalClosure, "shutdown")
		mux.conn = nil
	}
	mux.connMu.Unlock()
	<-mux.done
	mux.setState(StateClosed, nil)
}

// State reports the current lifecycle phase.
func (mux *StreamMux) State() StreamState {
	mux.stateMu.Lock()
	defer mux.stateMu.Unlock()
	return mux.state
}

// StateChanges returns the transition notification channel. Notifications
// are dropped rather than blocking the connection loop when the consumer
// lags.
func (mux *StreamMux) StateChanges() <-chan StateChange {
	return mux.stateCh
}

// Subscribe registers streams and sends SUBSCRIBE for the ones not already
// active. The registration survives reconnects.
func (mux *StreamMux) Subscribe(streams ...string) error {
	if len(streams) == 0 {
		return nil
	}
	mux.subsMu.Lock()
	fresh := make([]string, 0, len(streams))
	for _, stream := range streams {
		if _, exists := mux.subscriptions[stream]; !exists {
			mux.subscriptions[stream] = struct{}{}
			fresh = append(fresh, stream)
		}
	}
	mux.subsMu.Unlock()
	if len(fresh) == 0 {
		return nil
	}
	return mux.sendControl(mux.ctx, "SUBSCRIBE", fresh)
}

// Unsubscribe removes streams from the replay set and sends UNSUBSCRIBE for
// the ones that were active.
func (mux *StreamMux) Unsubscribe(streams ...string) error {
	if len(streams) == 0 {
		return nil
	}
	mux.subsMu.Lock()
	active := make([]string, 0, len(streams))
	for _, stream := range streams {
		if _, exists := mux.subscriptions[stream]; exists {
			delete(mux.subscriptions, stream)
			active = append(active, stream)
		}
	}
	mux.subsMu.Unlock()
	if len(active) == 0 {
		return nil
	}
	return mux.sendControl(mux.ctx, "UNSUBSCRIBE", active)
}

// Subscriptions returns the replay set in sorted order.
func (mux *StreamMux) Subscriptions() []string {
	mux.subsMu.Lock()
	defer mux.subsMu.Unlock()
	out := make([]string, 0, len(mux.subscriptions))
	for stream := range mux.subscriptions {
		out = append(out, stream)
	}
	sort.Strings(out)
	return out
}

func (mux *StreamMux) setState(state StreamState, err error) {
	mux.stateMu.Lock()
	if mux.state == StateClosed {
		mux.stateMu.Unlock()
		return
	}
	mux.state = state
	mux.stateMu.Unlock()

	change := StateChange{State: state, At: time.Now().UTC(), Err: err}
	select {
	case mux.stateCh <- change:
	default:
	}
}

// run keeps one websocket session alive until the context ends. Each pass
// dials, replays the subscription set, and runs reader and pinger goroutines
// that cancel each other on failure.
func (mux *StreamMux) run() {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxReconnectInterval

	for {
		select {
		case <-mux.ctx.Done():
			return
		default:
		}

		if mux.everDialed {
			mux.setState(StateReconnecting, nil)
		} else {
			mux.setState(StateConnecting, nil)
		}
		mux.everDialed = true

		conn, _, err := websocket.Dial(mux.ctx, mux.url, nil)
		if err != nil {
			if mux.metrics != nil {
				mux.metrics.RecordReconnect(mux.ctx, "error")
			}
			mux.setState(StateDisconnected, errs.New("stream.dial", errs.CodeTransport,
				errs.WithMessage("dial "+mux.url), errs.WithCause(err)))
			if !mux.sleep(bo.NextBackOff()) {
				return
			}
			continue
		}

		if mux.metrics != nil {
			mux.metrics.RecordReconnect(mux.ctx, "success")
		}
		conn.SetReadLimit(streamReadLimit)

		mux.connMu.Lock()
		mux.conn = conn
		mux.connMu.Unlock()

		mux.controlMu.Lock()
		mux.lastControlSend = time.Time{}
		mux.controlMu.Unlock()

		mux.readyOnce.Do(func() { close(mux.ready) })
		bo.Reset()
		mux.setState(StateConnected, nil)

		if err := mux.replaySubscriptions(); err != nil {
			observability.Log().Warn("subscription replay failed",
				observability.F("error", err.Error()))
		}

		connCtx, connCancel := context.WithCancel(mux.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			errCh <- mux.readLoop(connCtx, conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- mux.pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()

		mux.connMu.Lock()
		if mux.conn == conn {
			mux.conn = nil
		}
		mux.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()
		close(errCh)

		sessionErr := firstErr
		for e := range errCh {
			if sessionErr == nil || errors.Is(sessionErr, context.Canceled) {
				sessionErr = e
			}
		}
		if sessionErr != nil && !errors.Is(sessionErr, context.Canceled) && !errors.Is(sessionErr, context.DeadlineExceeded) {
			observability.Log().Warn("stream session ended",
				observability.F("error", sessionErr.Error()))
			mux.setState(StateDisconnected, sessionErr)
		} else {
			mux.setState(StateDisconnected, nil)
		}

		if !mux.sleep(bo.NextBackOff()) {
			return
		}
	}
}

func (mux *StreamMux) sleep(d time.Duration) bool {
	if d <= 0 || d == backoff.Stop {
		d = maxReconnectInterval
	}
	select {
	case <-mux.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (mux *StreamMux) replaySubscriptions() error {
	streams := mux.Subscriptions()
	if len(streams) == 0 {
		return nil
	}
	return mux.sendControl(mux.ctx, "SUBSCRIBE", streams)
}

// sendControl writes SUBSCRIBE/UNSUBSCRIBE requests in chunks, pacing each
// write to stay under the exchange control-frame budget.
func (mux *StreamMux) sendControl(ctx context.Context, method string, streams []string) error {
	if len(streams) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for _, chunk := range chunkStreams(streams, maxStreamsPerRequest) {
		req := controlRequest{
			Method: method,
			Params: chunk,
			ID:     mux.msgIDGen.Add(1),
		}
		data, err := json.Marshal(req)
		if err != nil {
			return errs.New("stream.control", errs.CodeValidation,
				errs.WithMessage("marshal "+method+" request"), errs.WithCause(err))
		}

		mux.controlMu.Lock()
		if err := mux.waitControlWindowLocked(ctx); err != nil {
			mux.controlMu.Unlock()
			return err
		}

		mux.connMu.RLock()
		conn := mux.conn
		mux.connMu.RUnlock()
		if conn == nil {
			// Not connected; the replay set carries the intent and the
			// next session will send it.
			mux.controlMu.Unlock()
			return nil
		}

		writeCtx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			mux.controlMu.Unlock()
			return errs.New("stream.control", errs.CodeTransport,
				errs.WithMessage("write "+method+" request"), errs.WithCause(err))
		}
		mux.lastControlSend = time.Now()
		mux.controlMu.Unlock()

		observability.Log().Debug("stream control sent",
			observability.F("method", method),
			observability.F("streams", len(chunk)))
	}
	return nil
}

func chunkStreams(streams []string, size int) [][]string {
	if len(streams) == 0 {
		return nil
	}
	if size <= 0 || len(streams) <= size {
		snapshot := make([]string, len(streams))
		copy(snapshot, streams)
		return [][]string{snapshot}
	}
	chunks := make([][]string, 0, (len(streams)+size-1)/size)
	for start := 0; start < len(streams); start += size {
		end := start + size
		if end > len(streams) {
			end = len(streams)
		}
		chunk := make([]string, end-start)
		copy(chunk, streams[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}

func (mux *StreamMux) waitControlWindowLocked(ctx context.Context) error {
	if mux.lastControlSend.IsZero() {
		return nil
	}
	wait := time.Until(mux.lastControlSend.Add(controlMessageInterval))
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errs.New("stream.control", errs.CodeTransport,
			errs.WithMessage("cancelled while pacing control frames"), errs.WithCause(ctx.Err()))
	}
}

// markDegraded reports a connection that is still open but has missed its
// keep-alive. The caller tears the session down right after.
func (mux *StreamMux) markDegraded(err error) {
	mux.setState(StateDegraded, err)
}

func (mux *StreamMux) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			mux.controlMu.Lock()
			if err := mux.waitControlWindowLocked(ctx); err != nil {
				mux.controlMu.Unlock()
				return context.Canceled
			}
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				mux.controlMu.Unlock()
				if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
					return context.Canceled
				}
				if status := websocket.CloseStatus(err); status != -1 {
					mux.markDegraded(err)
					return fmt.Errorf("ping: remote closed with status %d", status)
				}
				mux.markDegraded(err)
				return fmt.Errorf("ping: %w", err)
			}
			mux.lastControlSend = time.Now()
			mux.controlMu.Unlock()
		}
	}
}

// readLoop consumes frames until the connection fails. Control responses
// are matched by their request id; everything else goes to the handler.
func (mux *StreamMux) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return context.Canceled
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}

		var resp controlResponse
		if err := json.Unmarshal(data, &resp); err == nil && resp.ID > 0 {
			if resp.Error != nil {
				observability.Log().Warn("stream control rejected",
					observability.F("id", resp.ID),
					observability.F("code", resp.Error.Code),
					observability.F("msg", resp.Error.Msg))
			}
			continue
		}

		if mux.handler != nil {
			mux.handler(data)
		}
	}
}
