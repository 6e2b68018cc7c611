// cmd/apigateway runs the public HTTP surface: read endpoints over the
// live store, a websocket republisher filtered by pair/timeframe, and a
// trigger for an isolated backtest replay.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"candlestream/internal/aggregator"
	"candlestream/internal/backtestdriver"
	"candlestream/internal/bus"
	"candlestream/internal/config"
	"candlestream/internal/exchange"
	"candlestream/internal/gateway"
	"candlestream/internal/indicator"
	"candlestream/internal/logger"
	"candlestream/internal/metrics"
	"candlestream/internal/position"
	"candlestream/internal/store/pg"
	"candlestream/internal/store/sqlite"
	"candlestream/internal/strategy"
)

func main() {
	log := logger.Init("apigateway", slog.LevelInfo)
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st, err := pg.New(ctx, cfg.LiveDBURL)
	if err != nil {
		log.Error("connect live store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	b, err := bus.NewRedis(cfg.BusURL, log)
	if err != nil {
		log.Error("connect bus", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	health.SetBusConnected(true)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	hub := gateway.NewHub(b, log, false)
	hub.Run(ctx)

	signer, err := exchange.NewSigner(cfg.ExchangeKeyName, cfg.ExchangePrivateKeyPEM)
	if err != nil {
		log.Error("parse exchange key", "error", err)
		os.Exit(1)
	}
	candleSource := exchange.NewCoinbaseREST(restURLFromEnv(), signer)

	// trigger spins up an isolated copy of C4-C7 plus the C8 driver, all
	// scoped to this one request's sqlite store and in-process bus, so a
	// replay never touches the live pipeline or another replay in flight.
	trigger := func(ctx context.Context, pair string, start, end time.Time) error {
		btStore, err := sqlite.New(cfg.BacktestDBURL)
		if err != nil {
			return err
		}
		defer btStore.Close()

		btBus := bus.NewMemory(4096, nil, log)
		defer btBus.Close()

		agg := aggregator.New(btStore, btBus, aggregator.DefaultTimeframes(), prom, log, true)
		fvg := indicator.NewFVG(btStore, btBus, prom, true)
		swing := indicator.NewSwing(btStore, btBus, prom, true)
		indEngine := indicator.NewEngine(btBus, fvg, swing, log, true)
		algoAB := strategy.NewAlgoAB(btBus, prom, log, true)
		combo := strategy.NewCombo(btBus, prom, log, true)
		manager := position.NewManager(btStore, btBus, prom, log, true)
		feeder := position.NewFeeder(btStore, btBus, prom, true)

		runCtx, runCancel := context.WithCancel(ctx)
		defer runCancel()
		for _, run := range []func(context.Context) error{
			agg.Run, indEngine.Run, algoAB.Run, combo.Run, manager.Run, feeder.Run,
		} {
			run := run
			go func() {
				if err := run(runCtx); err != nil && runCtx.Err() == nil {
					log.Error("backtest component stopped", "error", err)
				}
			}()
		}

		driver := backtestdriver.New(btStore, btBus, candleSource, prom, log, 0)
		return driver.Run(ctx, pair, start, end, "ONE_MINUTE")
	}

	router := gateway.Router(st, hub, trigger)
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		log.Info("apigateway listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
		}
	}()

	<-sigCh
	log.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)
}

func restURLFromEnv() string {
	if v := os.Getenv("EXCHANGE_REST_URL"); v != "" {
		return v
	}
	return "https://api.coinbase.com"
}
