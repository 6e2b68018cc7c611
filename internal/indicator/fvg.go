package indicator

import (
	"context"

	"candlestream/internal/bus"
	"candlestream/internal/metrics"
	"candlestream/internal/model"
	"candlestream/internal/store"
)

// FVG detects and closes fair-value gaps on every candle close, per
// spec.md §4.3 (C5a). Grounded on
// original_source/indicators/src/fvg.rs's handle_fvg_creation/
// handle_closed_fvgs pair, run against store.Store instead of a direct
// Diesel connection. Unlike the original (which only printlns its result —
// an incomplete wire-up, since nothing downstream could ever see an FVG),
// this publishes the new FVG on "fvg" and each closed FVG on "fvg_close",
// matching the sibling Swing indicator's publish_swings pattern, since
// spec.md's dataflow (`candle_close → C5 → {fvg, swing, …} → C6`) requires
// Strategy A/B to actually receive these events.
type FVG struct {
	store    store.Store
	bus      bus.Bus
	metrics  *metrics.Metrics
	backtest bool
}

// NewFVG builds the FVG indicator.
func NewFVG(st store.Store, b bus.Bus, m *metrics.Metrics, backtest bool) *FVG {
	return &FVG{store: st, bus: b, metrics: m, backtest: backtest}
}

func (f *FVG) topic(name string) string {
	if f.backtest {
		return bus.BacktestTopic(name)
	}
	return name
}

// Process implements CandleCloseHandler.
func (f *FVG) Process(ctx context.Context, candle model.Candle) error {
	if err := f.handleCreation(ctx, candle); err != nil {
		return err
	}
	return f.handleClose(ctx, candle)
}

func (f *FVG) handleCreation(ctx context.Context, candle model.Candle) error {
	recent, err := f.store.RecentCandles(ctx, candle.Pair, candle.Timeframe, candle.OpenTime, 2)
	if err != nil {
		return err
	}
	// Need the candle two positions back: recent[0] is the one immediately
	// before candle, recent[1] is the one before that.
	if len(recent) < 2 {
		return nil
	}
	lastCandle := recent[1]

	var gap model.FVG
	switch {
	case lastCandle.High.LessThan(candle.Low):
		gap = model.FVG{
			Envelope: candle.Envelope,
			OpenTime: lastCandle.OpenTime,
			High:     candle.Low,
			Low:      lastCandle.High,
			Flow:     model.FlowBull,
		}
	case lastCandle.Low.GreaterThan(candle.High):
		gap = model.FVG{
			Envelope: candle.Envelope,
			OpenTime: lastCandle.OpenTime,
			High:     lastCandle.Low,
			Low:      candle.High,
			Flow:     model.FlowBear,
		}
	default:
		return nil
	}

	created, err := f.store.InsertFVG(ctx, gap)
	if err != nil {
		return err
	}
	if f.metrics != nil {
		f.metrics.FVGsOpenedTotal.Inc()
	}
	return publish(ctx, f.bus, f.metrics, f.topic(bus.TopicFVG), created)
}

func (f *FVG) handleClose(ctx context.Context, candle model.Candle) error {
	closed, err := f.store.CloseFVGs(ctx, candle.Pair, candle.Timeframe, candle.OpenTime, candle.Close, candle.OpenTime)
	if err != nil {
		return err
	}
	for _, fvg := range closed {
		if f.metrics != nil {
			f.metrics.FVGsClosedTotal.Inc()
		}
		if err := publish(ctx, f.bus, f.metrics, f.topic(bus.TopicFVGClose), fvg); err != nil {
			return err
		}
	}
	return nil
}
