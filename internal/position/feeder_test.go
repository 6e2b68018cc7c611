package position

import (
	"context"
	"testing"
	"time"

	"candlestream/internal/bus"
	"candlestream/internal/model"

	"github.com/shopspring/decimal"
)

// Per spec.md §4.6: a closed FVG opens a trade with flow opposite its own,
// entry/stop_loss taken from the gap's edges in that new flow's direction
// (bull trade: entry=high, stop_loss=low; bear trade: entry=low,
// stop_loss=high), take_profit = entry +/- 2*|risk|, quantity = 1000/entry.
// A closing bullish gap opens a bear trade.
func TestFeeder_HandleFVGClose_BullishGapOpensBearTrade(t *testing.T) {
	st := newTestStore(t)
	mem := bus.NewMemory(16, nil, nil)
	defer mem.Close()
	ctx := context.Background()

	closeTime := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	closed := model.FVG{
		Envelope:  model.Envelope{Pair: "BTC-USD", Timeframe: model.MustTimeframe("1m")},
		OpenTime:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		High:      decimal.NewFromInt(110),
		Low:       decimal.NewFromInt(105),
		Flow:      model.FlowBull,
		CloseTime: &closeTime,
	}

	tradeCh, cancel := mem.Subscribe(ctx, bus.TopicTrade)
	defer cancel()

	f := NewFeeder(st, mem, nil, false)
	trade, err := f.HandleFVGClose(ctx, closed)
	if err != nil {
		t.Fatalf("HandleFVGClose: %v", err)
	}

	if trade.Flow != model.FlowBear {
		t.Fatalf("flow = %s, want bear", trade.Flow)
	}
	if !trade.Entry.Equal(decimal.NewFromInt(105)) {
		t.Fatalf("entry = %s, want 105 (gap low, the new bear trade's entry edge)", trade.Entry)
	}
	if !trade.StopLoss.Equal(decimal.NewFromInt(110)) {
		t.Fatalf("stop_loss = %s, want 110", trade.StopLoss)
	}
	wantTP := decimal.NewFromInt(105).Sub(decimal.NewFromInt(2).Mul(decimal.NewFromInt(5)))
	if !trade.TakeProfit.Equal(wantTP) {
		t.Fatalf("take_profit = %s, want %s", trade.TakeProfit, wantTP)
	}
	wantQty := decimal.NewFromInt(1000).Div(decimal.NewFromInt(105))
	if !trade.Quantity.Equal(wantQty) {
		t.Fatalf("quantity = %s, want %s", trade.Quantity, wantQty)
	}
	if !trade.OpenTime.Equal(closeTime) {
		t.Fatalf("open_time = %s, want the fvg's close_time %s", trade.OpenTime, closeTime)
	}
	if err := trade.Validate(); err != nil {
		t.Fatalf("constructed trade fails its own invariants: %v", err)
	}

	select {
	case msg := <-tradeCh:
		if msg.Topic != bus.TopicTrade {
			t.Fatalf("published on %q, want %q", msg.Topic, bus.TopicTrade)
		}
	default:
		t.Fatal("expected a trade publish, got none")
	}
}
