package metrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector shared across the pipeline's
// processes. NewMetrics registers the whole set, so every cmd/* binary
// exposes all of them, including those it never updates.
type Metrics struct {
	TickersTotal    prometheus.Counter
	CandlesTotal    *prometheus.CounterVec // labels: timeframe
	CandleCloseDur  prometheus.Histogram

	// Bus (internal/bus)
	BusPublishTotal   *prometheus.CounterVec // labels: topic
	BusDropsTotal     *prometheus.CounterVec // labels: topic
	BusBacklog        *prometheus.GaugeVec   // labels: topic

	// Store round trips (internal/store)
	StoreWriteDur *prometheus.HistogramVec // labels: store, op
	StoreErrors   *prometheus.CounterVec   // labels: store, op

	// Indicators (internal/indicator)
	FVGsOpenedTotal   prometheus.Counter
	FVGsClosedTotal   prometheus.Counter
	SwingsOpenedTotal prometheus.Counter
	SwingsClosedTotal prometheus.Counter

	// Strategy (internal/strategy)
	StrategyTransitionsTotal *prometheus.CounterVec // labels: strategy, from, to
	TradesOpenedTotal        *prometheus.CounterVec // labels: strategy

	// Position manager (internal/position)
	TradesFilledTotal prometheus.Counter
	TradesClosedTotal *prometheus.CounterVec // labels: outcome (tp|sl)

	// Ring buffer overflow (registered; no component increments it)
	RingBufOverflow prometheus.Counter
}

// NewMetrics registers and returns the full metrics tree.
func NewMetrics() *Metrics {
	m := &Metrics{
		TickersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlestream_tickers_total",
			Help: "Total normalized ticker messages received from exchange adapters",
		}),
		CandlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlestream_candles_total",
			Help: "Total candles upserted, by timeframe",
		}, []string{"timeframe"}),
		CandleCloseDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "candlestream_candle_close_duration_seconds",
			Help:    "Time spent running the close pipeline (indicators + strategy dispatch) per candle",
			Buckets: prometheus.DefBuckets,
		}),

		BusPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlestream_bus_publish_total",
			Help: "Total messages published per bus topic",
		}, []string{"topic"}),
		BusDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlestream_bus_drops_total",
			Help: "Messages dropped (oldest evicted) per bus topic due to a full subscriber buffer",
		}, []string{"topic"}),
		BusBacklog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "candlestream_bus_backlog",
			Help: "Current number of buffered messages per bus topic",
		}, []string{"topic"}),

		StoreWriteDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "candlestream_store_op_duration_seconds",
			Help:    "Store round-trip latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"store", "op"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlestream_store_errors_total",
			Help: "Store operation errors",
		}, []string{"store", "op"}),

		FVGsOpenedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlestream_fvgs_opened_total",
			Help: "Total fair-value gaps created",
		}),
		FVGsClosedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlestream_fvgs_closed_total",
			Help: "Total fair-value gaps closed",
		}),
		SwingsOpenedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlestream_swings_opened_total",
			Help: "Total swing pivots created",
		}),
		SwingsClosedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlestream_swings_closed_total",
			Help: "Total swing pivots closed",
		}),

		StrategyTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlestream_strategy_transitions_total",
			Help: "Strategy state machine transitions",
		}, []string{"strategy", "from", "to"}),
		TradesOpenedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlestream_trades_opened_total",
			Help: "Trades opened, by originating strategy",
		}, []string{"strategy"}),

		TradesFilledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlestream_trades_filled_total",
			Help: "Trades that transitioned from pending to filled",
		}),
		TradesClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlestream_trades_closed_total",
			Help: "Trades closed, by outcome",
		}, []string{"outcome"}),

		RingBufOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlestream_ringbuf_overflow_total",
			Help: "Ring buffer evictions across all bus topics",
		}),
	}

	prometheus.MustRegister(
		m.TickersTotal,
		m.CandlesTotal,
		m.CandleCloseDur,
		m.BusPublishTotal,
		m.BusDropsTotal,
		m.BusBacklog,
		m.StoreWriteDur,
		m.StoreErrors,
		m.FVGsOpenedTotal,
		m.FVGsClosedTotal,
		m.SwingsOpenedTotal,
		m.SwingsClosedTotal,
		m.StrategyTransitionsTotal,
		m.TradesOpenedTotal,
		m.TradesFilledTotal,
		m.TradesClosedTotal,
		m.RingBufOverflow,
	)

	return m
}

// HealthStatus tracks process-level liveness for the /healthz endpoint.
// Only what a process actually reports is tracked here: bus connectivity
// (set once at startup by every cmd/*) and the last ticker time (set by
// tickserver alone). There is no store liveness field because no process
// ever probes its store's connection pool; adding one back requires a
// real periodic checker wired into cmd/*, not a permanently-zero field.
type HealthStatus struct {
	mu sync.RWMutex

	BusConnected   bool      `json:"bus_connected"`
	LastTickerTime time.Time `json:"last_ticker_time"`
	StartedAt      time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetBusConnected(v bool) {
	h.mu.Lock()
	h.BusConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickerTime(t time.Time) {
	h.mu.Lock()
	h.LastTickerTime = t
	h.mu.Unlock()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.BusConnected {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	}

	tickerAge := ""
	if !h.LastTickerTime.IsZero() {
		tickerAge = time.Since(h.LastTickerTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status         string `json:"status"`
		Uptime         string `json:"uptime"`
		BusConnected   bool   `json:"bus_connected"`
		LastTickerTime string `json:"last_ticker_time"`
		TickerAge      string `json:"ticker_age"`
	}{
		Status:         overallStatus,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		BusConnected:   h.BusConnected,
		LastTickerTime: h.LastTickerTime.Format(time.RFC3339),
		TickerAge:      tickerAge,
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
