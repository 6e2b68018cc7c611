// cmd/strategyengine runs C6, both strategies: Strategy A (AlgoAB, the
// most-recent-FVG buffer) and Strategy B (Combo, the hierarchical state
// machine). Each consumes its own bus subscriptions independently, so
// both run as separate goroutines inside one process rather than one
// process each — neither holds exclusive state the other needs, and
// spec.md §6 groups them under a single "strategyengine" process.
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
	"candlestream/internal/strategy"
)

func main() {
	log := logger.Init("strategyengine", slog.LevelInfo)
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

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

	algoAB := strategy.NewAlgoAB(b, prom, log, false)
	combo := strategy.NewCombo(b, prom, log, false)
	log.Info("strategyengine ready")

	go func() {
		if err := algoAB.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("algo_a_b stopped", "error", err)
		}
	}()
	go func() {
		if err := combo.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("combo stopped", "error", err)
		}
	}()

	<-sigCh
	log.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)
}
