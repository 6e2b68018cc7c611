// Package strategy implements C6: Strategy A ("Algo A/B", a per-timeframe
// most-recent-FVG buffer) and Strategy B ("Combo", a hierarchical state
// machine). Both are single-goroutine subscribers over the fvg/swing/
// candle_close topics, per spec.md §5 ("the state-machine subscriber must
// be single-tasked to preserve event ordering").
package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"candlestream/internal/bus"
	"candlestream/internal/metrics"
	"candlestream/internal/model"
)

// AlgoAB buffers the most recent FVG per tracked timeframe (Day(1),
// Hour(1), Minute(5)) and republishes whichever FVG ends up buffered on
// every incoming fvg event for one of those timeframes. Grounded on
// original_source/strategy/src/strategy/algo_a_b.rs's AlgoABStrat: the
// buffer replaces its held FVG only if the new one's open_time is strictly
// greater, but always republishes the buffer's contents afterward — so a
// duplicate or earlier open_time causes the existing FVG to be republished
// unchanged rather than silently dropped (spec.md §9's replay ambiguity,
// resolved explicitly here).
type AlgoAB struct {
	b        bus.Bus
	metrics  *metrics.Metrics
	log      *slog.Logger
	backtest bool

	day1   *model.FVG
	hour1  *model.FVG
	min5   *model.FVG
}

var (
	tfDay1  = model.MustTimeframe("1D")
	tfHour1 = model.MustTimeframe("1h")
	tfMin5  = model.MustTimeframe("5m")
)

// NewAlgoAB builds the Algo A/B strategy.
func NewAlgoAB(b bus.Bus, m *metrics.Metrics, log *slog.Logger, backtest bool) *AlgoAB {
	if log == nil {
		log = slog.Default()
	}
	return &AlgoAB{b: b, metrics: m, log: log, backtest: backtest}
}

func (a *AlgoAB) topic(name string) string {
	if a.backtest {
		return bus.BacktestTopic(name)
	}
	return name
}

// Run subscribes to fvg events and maintains the per-timeframe buffers
// until ctx is done or the subscription closes. Single goroutine: the
// buffer read-modify-write is not safe for concurrent callers.
func (a *AlgoAB) Run(ctx context.Context) error {
	ch, cancel := a.b.Subscribe(ctx, a.topic(bus.TopicFVG))
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var fvg model.FVG
			if err := json.Unmarshal(msg.Payload, &fvg); err != nil {
				a.log.Error("algoab: malformed fvg payload", "error", err)
				continue
			}
			if err := a.HandleFVG(ctx, fvg); err != nil {
				a.log.Error("algoab: handle fvg", "error", err)
			}
		}
	}
}

// HandleFVG applies fvg to whichever per-timeframe buffer it belongs to (if
// any) and republishes the buffer's resulting contents.
func (a *AlgoAB) HandleFVG(ctx context.Context, fvg model.FVG) error {
	var slot **model.FVG
	switch {
	case fvg.Timeframe.Equal(tfDay1):
		slot = &a.day1
	case fvg.Timeframe.Equal(tfHour1):
		slot = &a.hour1
	case fvg.Timeframe.Equal(tfMin5):
		slot = &a.min5
	default:
		return nil
	}

	current := *slot
	if current == nil || current.OpenTime.Before(fvg.OpenTime) {
		buffered := fvg
		*slot = &buffered
	}

	if *slot == nil {
		return nil
	}
	return a.publish(ctx, bus.TopicStrategyFVG, **slot)
}

func (a *AlgoAB) publish(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	full := a.topic(topic)
	if err := a.b.Publish(ctx, full, payload); err != nil {
		return fmt.Errorf("publish %s: %w", full, err)
	}
	if a.metrics != nil {
		a.metrics.BusPublishTotal.WithLabelValues(full).Inc()
	}
	return nil
}
