package binance

import (
	"context"
	"sync"
	"time"

	"github.com/quantex/tradelink/errs"
	"github.com/quantex/tradelink/internal/observability"
	"github.com/quantex/tradelink/internal/telemetry"
)

const (
	// The exchange invalidates a listen key 60 minutes after its last
	// keepalive; renewing at 25 minutes leaves two chances per horizon.
	leaseRenewInterval = 25 * time.Minute
	// After a failed renewal the loop retries on a short fuse instead of
	// waiting out the full interval.
	leaseRetryInterval = time.Minute
)

// LeaseClient is the subset of the REST client the lease manager needs.
type LeaseClient interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error
}

// Lease owns a user-data-stream listen key: it acquires one, renews it
// before the validity horizon, and rotates to a fresh key when renewal
// fails. Rotations are announced so the stream consumer can resubscribe.
type Lease struct {
	client        LeaseClient
	renewInterval time.Duration
	retryInterval time.Duration
	metrics       *telemetry.SessionMetrics

	mu  sync.Mutex
	key string

	rotations chan string
	cancel    context.CancelFunc
	done      chan struct{}
}

// LeaseOption customises lease construction.
type LeaseOption func(*Lease)

// WithRenewInterval overrides the renewal cadence.
func WithRenewInterval(d time.Duration) LeaseOption {
	return func(l *Lease) {
		if d > 0 {
			l.renewInterval = d
		}
	}
}

// WithRetryInterval overrides the post-failure retry cadence.
func WithRetryInterval(d time.Duration) LeaseOption {
	return func(l *Lease) {
		if d > 0 {
			l.retryInterval = d
		}
	}
}

// WithLeaseMetrics attaches session metrics for renewal accounting.
func WithLeaseMetrics(m *telemetry.SessionMetrics) LeaseOption {
	return func(l *Lease) { l.metrics = m }
}

// NewLease builds a lease manager over the given client.
func NewLease(client LeaseClient, opts ...LeaseOption) *Lease {
	l := &Lease{
		client:        client,
		renewInterval: leaseRenewInterval,
		retryInterval: leaseRetryInterval,
		rotations:     make(chan string, 4),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Start acquires the initial listen key and launches the renewal loop. The
// acquired key is available through Key immediately after Start returns.
func (l *Lease) Start(ctx context.Context) error {
	key, err := l.client.CreateListenKey(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.key = key
	l.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go func() {
		defer close(l.done)
		l.renewLoop(loopCtx)
	}()
	return nil
}

// Key returns the current listen key.
func (l *Lease) Key() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.key
}

// Rotations announces replacement keys issued after renewal failures. The
// consumer must resubscribe its user stream under the new key.
func (l *Lease) Rotations() <-chan string {
	return l.rotations
}

// Stop ends renewal and invalidates the key at the exchange. Safe to call
// once after Start.
func (l *Lease) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
	key := l.Key()
	if key == "" {
		return nil
	}
	l.mu.Lock()
	l.key = ""
	l.mu.Unlock()
	return l.client.CloseListenKey(ctx, key)
}

func (l *Lease) renewLoop(ctx context.Context) {
	interval := l.renewInterval
	for {
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		key := l.Key()
		if key == "" {
			return
		}
		err := l.client.KeepAliveListenKey(ctx, key)
		if l.metrics != nil {
			outcome := "success"
			if err != nil {
				outcome = "error"
			}
			l.metrics.RecordLeaseRenewal(ctx, outcome)
		}
		if err == nil {
			interval = l.renewInterval
			continue
		}
		if ctx.Err() != nil {
			return
		}

		observability.Log().Warn("listen key renewal failed",
			observability.F("error", err.Error()))
		if l.rotate(ctx) {
			interval = l.renewInterval
		} else {
			interval = l.retryInterval
		}
	}
}

// rotate replaces the expired key with a fresh one and announces it.
func (l *Lease) rotate(ctx context.Context) bool {
	key, err := l.client.CreateListenKey(ctx)
	if err != nil {
		observability.Log().Error("listen key rotation failed",
			observability.F("error", errs.New("lease.rotate", errs.CodeLeaseExpired,
				errs.WithMessage("could not replace expired listen key"),
				errs.WithCause(err)).Error()))
		return false
	}
	l.mu.Lock()
	l.key = key
	l.mu.Unlock()
	select {
	case l.rotations <- key:
	default:
		observability.Log().Warn("listen key rotation dropped; consumer lagging")
	}
	return true
}
