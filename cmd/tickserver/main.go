// cmd/tickserver is the exchange-facing ingest process: it holds the
// exchange.TickerSource connection and republishes every normalized tick
// onto the bus's "ticker" topic for mdengine to consume. No aggregation or
// persistence happens here, matching spec.md §6's process boundary (the
// exchange boundary is a separate OS process from C4).
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"candlestream/internal/bus"
	"candlestream/internal/config"
	"candlestream/internal/exchange"
	"candlestream/internal/logger"
	"candlestream/internal/metrics"
	"candlestream/internal/model"
)

func main() {
	log := logger.Init("tickserver", slog.LevelInfo)
	cfg := config.Load()

	signer, err := exchange.NewSigner(cfg.ExchangeKeyName, cfg.ExchangePrivateKeyPEM)
	if err != nil {
		log.Error("parse exchange key", "error", err)
		os.Exit(1)
	}

	b, err := bus.NewRedis(cfg.BusURL, log)
	if err != nil {
		log.Error("connect bus", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	pairs := cfg.ParsePairs()
	src := exchange.NewCoinbaseWS(wsURLFromEnv(), pairs, signer)

	tickCh := make(chan model.TickerMessage, 4096)
	go func() {
		if err := src.Stream(ctx, tickCh); err != nil && ctx.Err() == nil {
			log.Error("ticker stream ended", "error", err)
		}
	}()

	health.SetBusConnected(true)
	log.Info("tickserver ready", "pairs", pairs)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case tick, ok := <-tickCh:
				if !ok {
					return
				}
				payload, err := json.Marshal(tick)
				if err != nil {
					log.Error("marshal tick", "error", err)
					continue
				}
				if err := b.Publish(ctx, bus.TopicTicker, payload); err != nil {
					log.Error("publish tick", "error", err)
					continue
				}
				prom.BusPublishTotal.WithLabelValues(bus.TopicTicker).Inc()
				health.SetLastTickerTime(tick.Time)
			}
		}
	}()

	<-sigCh
	log.Info("shutdown signal received")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)
}

func wsURLFromEnv() string {
	if v := os.Getenv("EXCHANGE_WS_URL"); v != "" {
		return v
	}
	return "wss://advanced-trade-ws.coinbase.com"
}
