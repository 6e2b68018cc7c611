// cmd/indengine runs C5, the indicator engine (FVG and swing detection),
// against the live Postgres store and the production bus namespace.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"candlestream/internal/bus"
	"candlestream/internal/config"
	"candlestream/internal/indicator"
	"candlestream/internal/logger"
	"candlestream/internal/metrics"
	"candlestream/internal/store/pg"
)

func main() {
	log := logger.Init("indengine", slog.LevelInfo)
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

	fvg := indicator.NewFVG(st, b, prom, false)
	swing := indicator.NewSwing(st, b, prom, false)
	engine := indicator.NewEngine(b, fvg, swing, log, false)
	log.Info("indengine ready")

	go func() {
		if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("indicator engine stopped", "error", err)
		}
	}()

	<-sigCh
	log.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)
}
