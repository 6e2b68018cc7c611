// Package position implements C7, the position manager: it drives a
// trade's pending -> filled -> closed(tp|sl) lifecycle from candle closes,
// and (per spec.md §4.6) feeds new trades from fvg_close events. Grounded
// on original_source/position-manager/src/candle.rs's handle_candle (three
// ordered UPDATE statements: fill, then take-profit, then stop-loss) and
// strategy/src/fvg_close.rs's handle_fvg_close (trade construction from the
// closing gap's far/near edges).
package position

import (
	"context"
	"encoding/json"
	"log/slog"

	"candlestream/internal/bus"
	"candlestream/internal/metrics"
	"candlestream/internal/model"
	"candlestream/internal/store"
)

// Manager subscribes to candle and drives trade fills/closes, per
// spec.md §4.6. Ordering within one candle is fixed: fills first, then
// take-profit closes, then stop-loss closes, matching the original's three
// sequential diesel::update calls and the conservative assumption that
// limit fills occur before the bar resolves its intrabar P/L.
type Manager struct {
	store    store.Store
	bus      bus.Bus
	metrics  *metrics.Metrics
	log      *slog.Logger
	backtest bool
}

// NewManager builds the position manager.
func NewManager(st store.Store, b bus.Bus, m *metrics.Metrics, log *slog.Logger, backtest bool) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: st, bus: b, metrics: m, log: log, backtest: backtest}
}

func (p *Manager) topic(name string) string {
	if p.backtest {
		return bus.BacktestTopic(name)
	}
	return name
}

// Run subscribes to candle and processes each one until ctx is done or the
// subscription closes.
func (p *Manager) Run(ctx context.Context) error {
	ch, cancel := p.bus.Subscribe(ctx, p.topic(bus.TopicCandle))
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var c model.Candle
			if err := json.Unmarshal(msg.Payload, &c); err != nil {
				p.log.Error("position: malformed candle payload", "error", err)
				continue
			}
			if err := p.Process(ctx, c); err != nil {
				p.log.Error("position: process candle", "pair", c.Pair, "timeframe", c.Timeframe, "error", err)
			}
		}
	}
}

// Process applies one candle's fill/TP/SL transitions, in that order.
func (p *Manager) Process(ctx context.Context, c model.Candle) error {
	filled, err := p.store.FillPendingTrades(ctx, c.Pair, c.Timeframe, c)
	if err != nil {
		return err
	}
	for _, t := range filled {
		if p.metrics != nil {
			p.metrics.TradesFilledTotal.Inc()
		}
		if err := p.publish(ctx, bus.TopicTrade, t); err != nil {
			return err
		}
	}

	tpClosed, err := p.store.CloseTakeProfitTrades(ctx, c.Pair, c.Timeframe, c)
	if err != nil {
		return err
	}
	for _, t := range tpClosed {
		if p.metrics != nil {
			p.metrics.TradesClosedTotal.WithLabelValues("tp").Inc()
		}
		if err := p.publish(ctx, bus.TopicTrade, t); err != nil {
			return err
		}
	}

	slClosed, err := p.store.CloseStopLossTrades(ctx, c.Pair, c.Timeframe, c)
	if err != nil {
		return err
	}
	for _, t := range slClosed {
		if p.metrics != nil {
			p.metrics.TradesClosedTotal.WithLabelValues("sl").Inc()
		}
		if err := p.publish(ctx, bus.TopicTrade, t); err != nil {
			return err
		}
	}
	return nil
}

func (p *Manager) publish(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	full := p.topic(topic)
	if err := p.bus.Publish(ctx, full, payload); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.BusPublishTotal.WithLabelValues(full).Inc()
	}
	return nil
}
