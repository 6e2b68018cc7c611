package indicator

import (
	"context"
	"testing"
	"time"

	"candlestream/internal/bus"
	"candlestream/internal/model"

	"github.com/shopspring/decimal"
)

// Scenario 5: five consecutive daily candles with lows [100, 102, 95, 101, 99]
// produce a bullish swing at price 95, open_time equal to the third candle's.
func TestSwing_BullishCreation(t *testing.T) {
	st := newTestStore(t)
	mem := bus.NewMemory(16, nil, nil)
	defer mem.Close()
	ctx := context.Background()

	pair, tf := "BTC-USD", model.MustTimeframe("1D")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	lows := []float64{100, 102, 95, 101, 99}

	var candles []model.Candle
	for i, low := range lows {
		c := mustCandle(t, st, pair, tf, base.AddDate(0, 0, i), low+2, low+3, low, low+1)
		candles = append(candles, c)
	}

	swingCh, cancel := mem.Subscribe(ctx, bus.TopicSwing)
	defer cancel()

	sw := NewSwing(st, mem, nil, false)
	if err := sw.Process(ctx, candles[4]); err != nil {
		t.Fatalf("Process: %v", err)
	}

	select {
	case <-swingCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for swing publish")
	}

	swings, err := st.SwingsInRange(ctx, pair, tf, base, base.AddDate(0, 0, 10))
	if err != nil {
		t.Fatalf("query swings: %v", err)
	}
	if len(swings) != 1 {
		t.Fatalf("expected 1 swing, got %d", len(swings))
	}
	s := swings[0]
	if s.Flow != model.FlowBull || !s.Price.Equal(decimal.NewFromInt(95)) {
		t.Fatalf("unexpected swing: %+v", s)
	}
	if !s.OpenTime.Equal(candles[2].OpenTime) {
		t.Fatalf("expected open_time %v, got %v", candles[2].OpenTime, s.OpenTime)
	}
}

// Scenario mirrored for the bearish branch: five candles whose middle high
// strictly exceeds all four others' highs produces a bearish swing.
func TestSwing_BearishCreation(t *testing.T) {
	st := newTestStore(t)
	mem := bus.NewMemory(16, nil, nil)
	defer mem.Close()
	ctx := context.Background()

	pair, tf := "BTC-USD", model.MustTimeframe("1D")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	highs := []float64{100, 102, 110, 101, 99}

	var candles []model.Candle
	for i, high := range highs {
		c := mustCandle(t, st, pair, tf, base.AddDate(0, 0, i), high-3, high, high-2, high-1)
		candles = append(candles, c)
	}

	sw := NewSwing(st, mem, nil, false)
	if err := sw.Process(ctx, candles[4]); err != nil {
		t.Fatalf("Process: %v", err)
	}

	swings, err := st.SwingsInRange(ctx, pair, tf, base, base.AddDate(0, 0, 10))
	if err != nil {
		t.Fatalf("query swings: %v", err)
	}
	if len(swings) != 1 || swings[0].Flow != model.FlowBear || !swings[0].Price.Equal(decimal.NewFromInt(110)) {
		t.Fatalf("unexpected swings: %+v", swings)
	}
}
