// Package indicator implements C5, the indicator engine: FVG (fair-value
// gap) and swing-pivot detection and lifecycle closing, both triggered by
// candle_close events. Grounded on original_source/indicators/src/
// candle_close.rs's dispatch loop ("subscribe to candle_close, parse a
// Candle, call .process on each indicator") and main.rs's pubsub loop, kept
// as a closed capability set per spec.md §9 Design Notes ("Dynamic dispatch
// over indicators: abstract behind a capability set {process(candle)} ...
// keep the set closed, do not provide plugin loading").
package indicator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"candlestream/internal/bus"
	"candlestream/internal/metrics"
	"candlestream/internal/model"
)

// CandleCloseHandler is the capability every indicator exposes: react to a
// single closed candle. Kept intentionally narrow, mirroring the original's
// `CandleCloseIndicator` trait.
type CandleCloseHandler interface {
	Process(ctx context.Context, candle model.Candle) error
}

// Engine subscribes to candle_close and dispatches every event to its fixed
// set of handlers in order, matching original_source's handle_candle_close.
type Engine struct {
	b        bus.Bus
	handlers []CandleCloseHandler
	log      *slog.Logger
	backtest bool
}

// NewEngine builds the indicator engine with the FVG and swing handlers
// wired in, the only two indicators this system defines.
func NewEngine(b bus.Bus, fvg *FVG, swing *Swing, log *slog.Logger, backtest bool) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{b: b, handlers: []CandleCloseHandler{fvg, swing}, log: log, backtest: backtest}
}

func (e *Engine) topic(name string) string {
	if e.backtest {
		return bus.BacktestTopic(name)
	}
	return name
}

// Run subscribes to candle_close and dispatches each candle to every
// handler until ctx is done or the subscription closes.
func (e *Engine) Run(ctx context.Context) error {
	ch, cancel := e.b.Subscribe(ctx, e.topic(bus.TopicCandleClose))
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
				e.log.Error("indicator: malformed candle_close payload", "error", err)
				continue
			}
			for _, h := range e.handlers {
				if err := h.Process(ctx, c); err != nil {
					e.log.Error("indicator: handler failed", "pair", c.Pair, "timeframe", c.Timeframe, "error", err)
				}
			}
		}
	}
}

func publish(ctx context.Context, b bus.Bus, m *metrics.Metrics, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	if err := b.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	if m != nil {
		m.BusPublishTotal.WithLabelValues(topic).Inc()
	}
	return nil
}
