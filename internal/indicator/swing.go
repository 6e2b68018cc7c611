package indicator

import (
	"context"

	"candlestream/internal/bus"
	"candlestream/internal/metrics"
	"candlestream/internal/model"
	"candlestream/internal/store"
)

// Swing detects and closes 5-candle swing pivots on every candle close, per
// spec.md §4.4 (C5b). Grounded on
// original_source/indicators/src/swing.rs's handle_swing_creation/
// handle_closed_swings/publish_swings: the middle (third) of the five most
// recent candles — the four strictly before the closing candle plus the
// closing candle itself — is a bull pivot if its low is strictly below all
// four others' lows, a bear pivot if its high is strictly above all four
// others' highs.
type Swing struct {
	store    store.Store
	bus      bus.Bus
	metrics  *metrics.Metrics
	backtest bool
}

// NewSwing builds the swing indicator.
func NewSwing(st store.Store, b bus.Bus, m *metrics.Metrics, backtest bool) *Swing {
	return &Swing{store: st, bus: b, metrics: m, backtest: backtest}
}

func (s *Swing) topic(name string) string {
	if s.backtest {
		return bus.BacktestTopic(name)
	}
	return name
}

// Process implements CandleCloseHandler.
func (s *Swing) Process(ctx context.Context, candle model.Candle) error {
	if err := s.handleCreation(ctx, candle); err != nil {
		return err
	}
	return s.handleClose(ctx, candle)
}

func (s *Swing) handleCreation(ctx context.Context, candle model.Candle) error {
	recent, err := s.store.RecentCandles(ctx, candle.Pair, candle.Timeframe, candle.OpenTime, 4)
	if err != nil {
		return err
	}
	if len(recent) != 4 {
		return nil
	}
	// recent is newest-first: recent[0] is the candle immediately before
	// candle, recent[3] is the oldest of the four. Label oldest-to-newest
	// as first..fourth, with candle itself as fifth, matching the original.
	first, second, third, fourth, fifth := recent[3], recent[2], recent[1], recent[0], candle

	var sw model.Swing
	switch {
	case third.Low.LessThan(first.Low) && third.Low.LessThan(second.Low) &&
		third.Low.LessThan(fourth.Low) && third.Low.LessThan(fifth.Low):
		sw = model.Swing{
			Envelope: candle.Envelope,
			OpenTime: third.OpenTime,
			Price:    third.Low,
			Flow:     model.FlowBull,
		}
	case third.High.GreaterThan(first.High) && third.High.GreaterThan(second.High) &&
		third.High.GreaterThan(fourth.High) && third.High.GreaterThan(fifth.High):
		sw = model.Swing{
			Envelope: candle.Envelope,
			OpenTime: third.OpenTime,
			Price:    third.High,
			Flow:     model.FlowBear,
		}
	default:
		return nil
	}

	created, err := s.store.InsertSwing(ctx, sw)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.SwingsOpenedTotal.Inc()
	}
	return publish(ctx, s.bus, s.metrics, s.topic(bus.TopicSwing), created)
}

func (s *Swing) handleClose(ctx context.Context, candle model.Candle) error {
	closed, err := s.store.CloseSwings(ctx, candle.Pair, candle.Timeframe, candle.OpenTime, candle.Close, candle.OpenTime)
	if err != nil {
		return err
	}
	for _, sw := range closed {
		if s.metrics != nil {
			s.metrics.SwingsClosedTotal.Inc()
		}
		if err := publish(ctx, s.bus, s.metrics, s.topic(bus.TopicSwingClose), sw); err != nil {
			return err
		}
	}
	return nil
}
