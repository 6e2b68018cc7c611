// cmd/backtest runs C8: it replays a historical pair/range through its own
// isolated copy of C4–C7 (aggregator, indicator engine, both strategies,
// position manager and feeder) against the SQLite backtest store and an
// in-process bus, all topics under the "backtest-" namespace, so a replay
// never touches the live pipeline. Grounded on the teacher's cmd/backtest
// (flag-driven standalone replay process) generalized from its SQLite
// candle reader to exchange.CandleSource + backtestdriver.Driver.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"candlestream/internal/aggregator"
	"candlestream/internal/backtestdriver"
	"candlestream/internal/bus"
	"candlestream/internal/config"
	"candlestream/internal/exchange"
	"candlestream/internal/indicator"
	"candlestream/internal/logger"
	"candlestream/internal/metrics"
	"candlestream/internal/position"
	"candlestream/internal/store/sqlite"
	"candlestream/internal/strategy"
)

func main() {
	log := logger.Init("backtest", slog.LevelInfo)
	cfg := config.Load()

	pair := flag.String("pair", "BTC-USD", "Trading pair to replay")
	startFlag := flag.Int64("start", 0, "Unix timestamp to start replay from")
	endFlag := flag.Int64("end", 0, "Unix timestamp to end replay at")
	granularity := flag.String("granularity", "ONE_MINUTE", "Exchange candle granularity to request")
	flag.Parse()

	if *startFlag == 0 || *endFlag == 0 {
		log.Error("start and end are required")
		os.Exit(1)
	}
	start := time.Unix(*startFlag, 0).UTC()
	end := time.Unix(*endFlag, 0).UTC()

	st, err := sqlite.New(cfg.BacktestDBURL)
	if err != nil {
		log.Error("open backtest store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	b := bus.NewMemory(4096, nil, log)
	defer b.Close()

	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()
	health.SetBusConnected(true)

	signer, err := exchange.NewSigner(cfg.ExchangeKeyName, cfg.ExchangePrivateKeyPEM)
	if err != nil {
		log.Error("parse exchange key", "error", err)
		os.Exit(1)
	}
	candles := exchange.NewCoinbaseREST(restURLFromEnv(), signer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	agg := aggregator.New(st, b, aggregator.DefaultTimeframes(), prom, log, true)
	fvg := indicator.NewFVG(st, b, prom, true)
	swing := indicator.NewSwing(st, b, prom, true)
	indEngine := indicator.NewEngine(b, fvg, swing, log, true)
	algoAB := strategy.NewAlgoAB(b, prom, log, true)
	combo := strategy.NewCombo(b, prom, log, true)
	manager := position.NewManager(st, b, prom, log, true)
	feeder := position.NewFeeder(st, b, prom, true)

	for _, run := range []func(context.Context) error{
		agg.Run, indEngine.Run, algoAB.Run, combo.Run, manager.Run, feeder.Run,
	} {
		run := run
		go func() {
			if err := run(ctx); err != nil && ctx.Err() == nil {
				log.Error("backtest component stopped", "error", err)
			}
		}()
	}

	driver := backtestdriver.New(st, b, candles, prom, log, 0)
	log.Info("backtest starting", "pair", *pair, "start", start, "end", end)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := driver.Run(ctx, *pair, start, end, *granularity); err != nil {
			log.Error("backtest replay failed", "error", err)
		}
	}()

	select {
	case <-done:
		log.Info("backtest replay complete")
	case <-sigCh:
		log.Info("shutdown signal received")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)
}

func restURLFromEnv() string {
	if v := os.Getenv("EXCHANGE_REST_URL"); v != "" {
		return v
	}
	return "https://api.coinbase.com"
}
