// Package backtestdriver implements C8: it pulls historical candles from
// an exchange.CandleSource, synthesizes them into ticker events the same
// way the live pipeline would have seen them tick-by-tick, and replays
// those onto the "backtest-" topic namespace against the isolated backtest
// store, per spec.md §2 ("C8 reuses C4–C7 by prefixing all topic names
// with backtest- and pointing persistence at the backtest store").
//
// Grounded on original_source/rest/src/router/backtesting.rs's backtest
// handler (300-minute REST paging window, one synthesized ticker per
// open/low/high/close of each historical bar, a fixed inter-tick sleep)
// and on the teacher's internal/marketdata/replay.Replayer for the Go
// pacing-loop shape (a fixed inter-tick delay with context cancellation).
package backtestdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"candlestream/internal/bus"
	"candlestream/internal/exchange"
	"candlestream/internal/metrics"
	"candlestream/internal/model"
	"candlestream/internal/store"

	"github.com/shopspring/decimal"
)

// restPageWindow matches the original's 300-minute REST paging window: the
// exchange's candles endpoint caps how many bars one request may span, so
// a long backtest range is pulled in consecutive pages.
const restPageWindow = 300 * time.Minute

// Driver runs a backtest replay: Reset the backtest store, page historical
// candles from CandleSource, and publish one synthesized ticker per
// open/low/high/close price onto the backtest- namespace.
type Driver struct {
	store    store.Store
	bus      bus.Bus
	candles  exchange.CandleSource
	metrics  *metrics.Metrics
	log      *slog.Logger
	tickGap  time.Duration
	pageSize time.Duration
}

// New builds a backtest driver. tickGap is the pacing delay between
// synthesized ticks (5ms in the original; 0 disables pacing for fast
// offline replays).
func New(st store.Store, b bus.Bus, src exchange.CandleSource, m *metrics.Metrics, log *slog.Logger, tickGap time.Duration) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{store: st, bus: b, candles: src, metrics: m, log: log, tickGap: tickGap, pageSize: restPageWindow}
}

// Run resets the isolated backtest store, then replays [start, end) for
// pair by fetching successive REST pages and publishing each bar's
// open/low/high/close as a synthesized ticker on "backtest-ticker", in
// chronological order, until ctx is done or the range is exhausted.
func (d *Driver) Run(ctx context.Context, pair string, start, end time.Time, granularity string) error {
	if err := d.store.Reset(ctx); err != nil {
		return fmt.Errorf("backtestdriver: reset store: %w", err)
	}

	emitted := 0
	for cursor := start; cursor.Before(end); cursor = cursor.Add(d.pageSize) {
		pageEnd := cursor.Add(d.pageSize)
		if pageEnd.After(end) {
			pageEnd = end
		}

		bars, err := d.candles.Candles(ctx, pair, cursor, pageEnd, granularity)
		if err != nil {
			return fmt.Errorf("backtestdriver: fetch candles %s..%s: %w", cursor, pageEnd, err)
		}

		for _, bar := range bars {
			if err := d.emitBar(ctx, pair, bar); err != nil {
				return err
			}
			emitted += 4
		}
	}

	d.log.Info("backtestdriver: replay complete", "pair", pair, "start", start, "end", end, "ticks_emitted", emitted)
	return nil
}

// emitBar publishes the four synthesized ticks a single historical bar
// expands into -- open, low, high, close, in that order -- matching the
// original's [open, low, high, close] iteration exactly.
func (d *Driver) emitBar(ctx context.Context, pair string, bar exchange.RawCandle) error {
	for _, price := range [4]decimal.Decimal{bar.Open, bar.Low, bar.High, bar.Close} {
		msg := model.TickerMessage{Pair: pair, Price: price, Time: bar.Start}
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("backtestdriver: marshal ticker: %w", err)
		}

		topic := bus.BacktestTopic(bus.TopicTicker)
		if err := d.bus.Publish(ctx, topic, payload); err != nil {
			return fmt.Errorf("backtestdriver: publish ticker: %w", err)
		}
		if d.metrics != nil {
			d.metrics.BusPublishTotal.WithLabelValues(topic).Inc()
		}

		if d.tickGap > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.tickGap):
			}
		}
	}
	return nil
}
