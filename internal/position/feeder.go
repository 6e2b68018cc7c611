package position

import (
	"context"
	"encoding/json"

	"candlestream/internal/bus"
	"candlestream/internal/metrics"
	"candlestream/internal/model"
	"candlestream/internal/store"

	"github.com/shopspring/decimal"
)

// two and thousand are the fixed constants the original's fvg_close feeder
// hard-codes: take_profit is entry +/- 2x the gap's risk, and position size
// is a flat 1000 nominal-USD notional divided by entry price.
var (
	two      = decimal.NewFromInt(2)
	thousand = decimal.NewFromInt(1000)
)

// Feeder subscribes to fvg_close and opens a pending Trade for every closed
// gap, per spec.md §4.6. Grounded on
// original_source/strategy/src/fvg_close.rs's handle_fvg_close: the trade's
// flow is opposite the closing FVG's flow (a filled gap is read as a
// rejection, not a continuation), entry/stop_loss are the gap's far/near
// edge in that flow's direction, take_profit is entry +/- 2x the risk, and
// quantity is a flat 1000-nominal-USD sizing.
type Feeder struct {
	store    store.Store
	bus      bus.Bus
	metrics  *metrics.Metrics
	backtest bool
}

// NewFeeder builds the FVG-close trade feeder.
func NewFeeder(st store.Store, b bus.Bus, m *metrics.Metrics, backtest bool) *Feeder {
	return &Feeder{store: st, bus: b, metrics: m, backtest: backtest}
}

func (f *Feeder) topic(name string) string {
	if f.backtest {
		return bus.BacktestTopic(name)
	}
	return name
}

// Run subscribes to fvg_close and opens a trade for each closed gap until
// ctx is done or the subscription closes.
func (f *Feeder) Run(ctx context.Context) error {
	ch, cancel := f.bus.Subscribe(ctx, f.topic(bus.TopicFVGClose))
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var closed model.FVG
			if err := json.Unmarshal(msg.Payload, &closed); err != nil {
				continue
			}
			if _, err := f.HandleFVGClose(ctx, closed); err != nil {
				continue
			}
		}
	}
}

// HandleFVGClose builds and persists the trade a closed FVG opens, then
// publishes it on trade.
func (f *Feeder) HandleFVGClose(ctx context.Context, closed model.FVG) (model.Trade, error) {
	flow := closed.Flow.Opposite()

	var entry, stopLoss decimal.Decimal
	if flow == model.FlowBull {
		entry, stopLoss = closed.High, closed.Low
	} else {
		entry, stopLoss = closed.Low, closed.High
	}

	risk := stopLoss.Sub(entry).Abs()
	reward := two.Mul(risk)
	takeProfit := entry.Add(reward)
	if flow == model.FlowBear {
		takeProfit = entry.Sub(reward)
	}

	openTime := closed.OpenTime
	if closed.CloseTime != nil {
		openTime = *closed.CloseTime
	}

	trade := model.Trade{
		Envelope:   closed.Envelope,
		OpenTime:   openTime,
		Quantity:   thousand.Div(entry),
		Entry:      entry,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Flow:       flow,
	}

	inserted, err := f.store.InsertTrade(ctx, trade)
	if err != nil {
		return model.Trade{}, err
	}
	if f.metrics != nil {
		f.metrics.TradesOpenedTotal.WithLabelValues("algo_a_b").Inc()
	}
	payload, err := json.Marshal(inserted)
	if err != nil {
		return inserted, err
	}
	if err := f.bus.Publish(ctx, f.topic(bus.TopicTrade), payload); err != nil {
		return inserted, err
	}
	return inserted, nil
}
