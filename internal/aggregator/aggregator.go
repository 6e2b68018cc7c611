// Package aggregator implements C4, the tick→candle aggregator: every
// normalized ticker is folded into the candle bucket its timestamp falls
// into, for each configured timeframe, via an idempotent upsert against
// store.Store. Grounded on the teacher's internal/marketdata/agg.Aggregator
// (single consumer loop, per-key state, mutex-free processing once the
// per-key conflict resolution moves into the store) but reworked from
// in-memory OHLC bucketing into store-backed upsert semantics, since
// spec.md §4.2 delegates per-key atomicity to "the datastore's conflict
// policy" rather than an in-process map.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"candlestream/internal/bus"
	"candlestream/internal/metrics"
	"candlestream/internal/model"
	"candlestream/internal/store"
)

// DefaultTimeframes is the configured set T_candles from spec.md §4.2.
func DefaultTimeframes() []model.Timeframe {
	return []model.Timeframe{
		model.MustTimeframe("1m"),
		model.MustTimeframe("5m"),
		model.MustTimeframe("15m"),
		model.MustTimeframe("1h"),
		model.MustTimeframe("4h"),
		model.MustTimeframe("1D"),
		model.MustTimeframe("1W"),
	}
}

// Aggregator consumes ticker events and maintains the candle store.
type Aggregator struct {
	store      store.Store
	bus        bus.Bus
	timeframes []model.Timeframe
	metrics    *metrics.Metrics
	log        *slog.Logger
	backtest   bool
}

// New creates an Aggregator. backtest selects the "backtest-" topic prefix
// for both its ticker subscription and its candle/candle_close publishes,
// so a replay run (C8) never touches the live pipeline's topics.
func New(st store.Store, b bus.Bus, timeframes []model.Timeframe, m *metrics.Metrics, log *slog.Logger, backtest bool) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{store: st, bus: b, timeframes: timeframes, metrics: m, log: log, backtest: backtest}
}

func (a *Aggregator) topic(name string) string {
	if a.backtest {
		return bus.BacktestTopic(name)
	}
	return name
}

// Run subscribes to the ticker topic and processes messages until ctx is
// done or the subscription channel closes. Multiple Aggregator instances
// (or a worker pool calling ProcessTicker concurrently) may run against the
// same store: per-key upserts commute under the store's conflict policy.
func (a *Aggregator) Run(ctx context.Context) error {
	ch, cancel := a.bus.Subscribe(ctx, a.topic(bus.TopicTicker))
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var t model.TickerMessage
			if err := json.Unmarshal(msg.Payload, &t); err != nil {
				a.log.Error("aggregator: malformed ticker message", "error", err)
				continue
			}
			if err := a.ProcessTicker(ctx, t); err != nil {
				a.log.Error("aggregator: process ticker", "pair", t.Pair, "error", err)
			}
		}
	}
}

// ProcessTicker folds t into every configured timeframe's candle bucket.
func (a *Aggregator) ProcessTicker(ctx context.Context, t model.TickerMessage) error {
	if a.metrics != nil {
		a.metrics.TickersTotal.Inc()
	}
	for _, tf := range a.timeframes {
		if err := a.processTimeframe(ctx, t, tf); err != nil {
			return fmt.Errorf("aggregator: %s/%s: %w", t.Pair, tf, err)
		}
	}
	return nil
}

func (a *Aggregator) processTimeframe(ctx context.Context, t model.TickerMessage, tf model.Timeframe) error {
	openTime, sizeMs, err := tf.OpenAndSize(t.Time)
	if err != nil {
		return err
	}

	// Candle-close detection must happen before the upsert: once this tick
	// lands, a candle at openTime exists and the window is no longer "new".
	_, exists, err := a.store.GetCandle(ctx, t.Pair, tf, openTime)
	if err != nil {
		return fmt.Errorf("get candle: %w", err)
	}
	if !exists {
		prev, ok, err := a.store.PreviousCandle(ctx, t.Pair, tf, openTime)
		if err != nil {
			return fmt.Errorf("previous candle: %w", err)
		}
		if ok {
			if err := a.publish(ctx, bus.TopicCandleClose, prev); err != nil {
				return err
			}
		}
	}

	candle := model.Candle{
		Envelope:     model.Envelope{Pair: t.Pair, Timeframe: tf},
		OpenTime:     openTime,
		Open:         t.Price,
		High:         t.Price,
		Low:          t.Price,
		Close:        t.Price,
		SizeInMillis: sizeMs,
	}
	upserted, err := a.store.UpsertCandle(ctx, candle)
	if err != nil {
		return fmt.Errorf("upsert candle: %w", err)
	}
	if a.metrics != nil {
		a.metrics.CandlesTotal.WithLabelValues(tf.String()).Inc()
	}
	return a.publish(ctx, bus.TopicCandle, upserted)
}

func (a *Aggregator) publish(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	full := a.topic(topic)
	if err := a.bus.Publish(ctx, full, payload); err != nil {
		return fmt.Errorf("publish %s: %w", full, err)
	}
	if a.metrics != nil {
		a.metrics.BusPublishTotal.WithLabelValues(full).Inc()
	}
	return nil
}
