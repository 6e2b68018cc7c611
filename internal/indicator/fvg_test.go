package indicator

import (
	"context"
	"testing"
	"time"

	"candlestream/internal/bus"
	"candlestream/internal/model"
	"candlestream/internal/store/sqlite"

	"github.com/shopspring/decimal"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func mustCandle(t *testing.T, st *sqlite.Store, pair string, tf model.Timeframe, openTime time.Time, open, high, low, close float64) model.Candle {
	t.Helper()
	c := model.Candle{
		Envelope:     model.Envelope{Pair: pair, Timeframe: tf},
		OpenTime:     openTime,
		Open:         decimal.NewFromFloat(open),
		High:         decimal.NewFromFloat(high),
		Low:          decimal.NewFromFloat(low),
		Close:        decimal.NewFromFloat(close),
		SizeInMillis: 60000,
	}
	got, err := st.UpsertCandle(context.Background(), c)
	if err != nil {
		t.Fatalf("UpsertCandle: %v", err)
	}
	return got
}

// Scenario 3: c1.high=100, c3.low=110 -> bullish FVG low=100 high=110, open_time=c1.open_time (c2 is skipped).
func TestFVG_BullishCreation(t *testing.T) {
	st := newTestStore(t)
	mem := bus.NewMemory(16, nil, nil)
	defer mem.Close()
	ctx := context.Background()

	pair, tf := "BTC-USD", model.MustTimeframe("1m")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mustCandle(t, st, pair, tf, base, 99, 100, 98, 100)
	mustCandle(t, st, pair, tf, base.Add(time.Minute), 104, 106, 104, 105)
	c3 := mustCandle(t, st, pair, tf, base.Add(2*time.Minute), 109, 111, 110, 111)

	fvgCh, cancel := mem.Subscribe(ctx, bus.TopicFVG)
	defer cancel()

	fvg := NewFVG(st, mem, nil, false)
	if err := fvg.Process(ctx, c3); err != nil {
		t.Fatalf("Process: %v", err)
	}

	select {
	case msg := <-fvgCh:
		_ = msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fvg publish")
	}

	gaps, err := st.FVGsInRange(ctx, pair, tf, base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("FVGsInRange: %v", err)
	}
	if len(gaps) != 1 {
		t.Fatalf("expected 1 fvg, got %d", len(gaps))
	}
	// The gap spans the candle two positions back (c1, skipping c2 entirely)
	// and the newly closed candle (c3): low = c1.high, high = c3.low,
	// open_time = c1.open_time.
	g := gaps[0]
	if g.Flow != model.FlowBull || !g.Low.Equal(decimal.NewFromInt(100)) || !g.High.Equal(decimal.NewFromInt(110)) {
		t.Fatalf("unexpected fvg: %+v", g)
	}
	if !g.OpenTime.Equal(base) {
		t.Fatalf("expected fvg open_time %v, got %v", base, g.OpenTime)
	}
}

// Scenario 4: a later candle closing at 95 (below the bull gap's low of 100) closes the FVG.
func TestFVG_Close(t *testing.T) {
	st := newTestStore(t)
	mem := bus.NewMemory(16, nil, nil)
	defer mem.Close()
	ctx := context.Background()

	pair, tf := "BTC-USD", model.MustTimeframe("1m")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	fvg := NewFVG(st, mem, nil, false)

	c1 := mustCandle(t, st, pair, tf, base, 99, 100, 98, 100)
	c2 := mustCandle(t, st, pair, tf, base.Add(time.Minute), 104, 106, 104, 105)
	c3 := mustCandle(t, st, pair, tf, base.Add(2*time.Minute), 109, 111, 110, 111)
	_ = c1
	if err := fvg.Process(ctx, c2); err != nil {
		t.Fatalf("process c2: %v", err)
	}
	if err := fvg.Process(ctx, c3); err != nil {
		t.Fatalf("process c3: %v", err)
	}

	closeCh, cancel := mem.Subscribe(ctx, bus.TopicFVGClose)
	defer cancel()

	// The bull gap sits at [100, 110] (low=c1.high, high=c3.low); a close
	// strictly below its low fully breaches and closes it.
	c4 := mustCandle(t, st, pair, tf, base.Add(3*time.Minute), 99, 99, 94, 95)
	if err := fvg.Process(ctx, c4); err != nil {
		t.Fatalf("process c4: %v", err)
	}

	select {
	case <-closeCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fvg_close")
	}

	// c4 itself also opens a new (bear) gap against c2, so look specifically
	// for the originally created bull gap and confirm it is now closed.
	gaps, err := st.FVGsInRange(ctx, pair, tf, base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("FVGsInRange: %v", err)
	}
	var bull *model.FVG
	for i := range gaps {
		if gaps[i].Flow == model.FlowBull {
			bull = &gaps[i]
		}
	}
	if bull == nil || bull.CloseTime == nil {
		t.Fatalf("expected the bull fvg to be closed: %+v", gaps)
	}
	if !bull.CloseTime.Equal(c4.OpenTime) {
		t.Fatalf("expected close_time %v, got %v", c4.OpenTime, bull.CloseTime)
	}
}
