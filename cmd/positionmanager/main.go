// cmd/positionmanager runs C7: the candle-driven fill/TP/SL lifecycle
// (Manager) and the fvg_close-driven trade feeder (Feeder), against the
// live Postgres store and the production bus namespace.
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
	"candlestream/internal/logger"
	"candlestream/internal/metrics"
	"candlestream/internal/position"
	"candlestream/internal/store/pg"
)

func main() {
	log := logger.Init("positionmanager", slog.LevelInfo)
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

	manager := position.NewManager(st, b, prom, log, false)
	feeder := position.NewFeeder(st, b, prom, false)
	log.Info("positionmanager ready")

	go func() {
		if err := manager.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("position manager stopped", "error", err)
		}
	}()
	go func() {
		if err := feeder.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("trade feeder stopped", "error", err)
		}
	}()

	<-sigCh
	log.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)
}
