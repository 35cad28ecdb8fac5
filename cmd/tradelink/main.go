// Command tradelink runs an exchange connectivity session: REST client,
// market streams, and the lease-bound user stream with order tracking.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/quantex/tradelink/config"
	"github.com/quantex/tradelink/internal/binance"
	"github.com/quantex/tradelink/internal/journal"
	"github.com/quantex/tradelink/internal/observability"
	"github.com/quantex/tradelink/internal/session"
	"github.com/quantex/tradelink/internal/telemetry"
)

const (
	defaultConfigPath = "config/tradelink.yaml"
	defaultLogDir     = "logs"
	shutdownTimeout   = 30 * time.Second
	statsInterval     = time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", defaultConfigPath, "path to configuration file")
		symbols    = flag.String("symbols", "", "comma-separated symbols to stream trades for")
		logDir     = flag.String("log-dir", defaultLogDir, "directory for rotated log files")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, fromFile, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	observability.SetLogger(observability.NewRotatingLogger(*logDir, cfg.LogLevel))
	log := observability.Log()
	if !fromFile {
		log.Info("configuration file not found, using defaults",
			observability.F("path", *configPath))
	}
	log.Info("configuration initialised",
		observability.F("environment", string(cfg.Environment)),
		observability.F("authenticated", cfg.Credentials.Valid()))

	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Environment = string(cfg.Environment)
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	metrics := telemetry.NewSessionMetrics(string(cfg.Environment))

	opts := []session.Option{
		session.WithMetrics(metrics),
		session.WithMarketHandler(logMarketFrame),
	}
	if cfg.Journal.DSN != "" {
		store, err := journal.Open(ctx, cfg.Journal.DSN)
		if err != nil {
			return fmt.Errorf("open order journal: %w", err)
		}
		opts = append(opts, session.WithJournal(store))
		log.Info("order journal enabled")
	}

	sess, err := session.New(cfg, opts...)
	if err != nil {
		return err
	}
	if err := sess.Start(ctx); err != nil {
		return err
	}
	log.Info("session started")

	if streams := tradeStreams(*symbols); len(streams) > 0 {
		if err := sess.SubscribeMarket(streams...); err != nil {
			return err
		}
		log.Info("market streams subscribed",
			observability.F("streams", strings.Join(streams, ",")))
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				governor := sess.Client().Governor()
				log.Info("rate budget",
					observability.F("requestWeight", governor.Utilization(binance.ClassRequestWeight)),
					observability.F("orders", governor.Utilization(binance.ClassOrders)),
					observability.F("staleUpdates", sess.Orders().StaleCount()))
			}
		}
	})

	log.Info("tradelink running; awaiting shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	lifecycle.Wait()
	if err := sess.Close(shutdownCtx); err != nil {
		log.Warn("session close", observability.F("error", err.Error()))
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.Warn("telemetry shutdown", observability.F("error", err.Error()))
	}
	log.Info("shutdown complete")
	return nil
}

func logMarketFrame(frame []byte) {
	event, err := binance.ParseMarketEvent(frame)
	if err != nil {
		return
	}
	switch typed := event.(type) {
	case binance.TradeEvent:
		observability.Log().Debug("trade",
			observability.F("symbol", typed.Symbol),
			observability.F("price", typed.Price.String()),
			observability.F("qty", typed.Quantity.String()))
	case binance.TickerEvent:
		observability.Log().Debug("ticker",
			observability.F("symbol", typed.Symbol),
			observability.F("last", typed.LastPrice.String()))
	}
}

func tradeStreams(symbols string) []string {
	var streams []string
	for _, symbol := range strings.Split(symbols, ",") {
		symbol = strings.TrimSpace(symbol)
		if symbol == "" {
			continue
		}
		streams = append(streams, binance.TradeStream(symbol))
	}
	return streams
}
