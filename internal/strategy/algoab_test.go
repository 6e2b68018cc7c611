package strategy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"candlestream/internal/bus"
	"candlestream/internal/model"

	"github.com/shopspring/decimal"
)

func fvg1D(openTime time.Time, low, high int64) model.FVG {
	return model.FVG{
		Envelope: model.Envelope{Pair: "BTC-USD", Timeframe: tfDay1},
		OpenTime: openTime,
		High:     decimal.NewFromInt(high),
		Low:      decimal.NewFromInt(low),
		Flow:     model.FlowBull,
	}
}

// A fresh FVG with a strictly later open_time replaces the buffer and is
// republished on strategy_fvg.
func TestAlgoAB_HandleFVG_ReplacesOnLaterOpenTime(t *testing.T) {
	m := bus.NewMemory(8, nil, nil)
	defer m.Close()
	a := NewAlgoAB(m, nil, nil, false)

	ctx := context.Background()
	ch, cancel := m.Subscribe(ctx, bus.TopicStrategyFVG)
	defer cancel()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	first := fvg1D(base, 90, 100)
	if err := a.HandleFVG(ctx, first); err != nil {
		t.Fatalf("HandleFVG: %v", err)
	}

	second := fvg1D(base.Add(24*time.Hour), 110, 120)
	if err := a.HandleFVG(ctx, second); err != nil {
		t.Fatalf("HandleFVG: %v", err)
	}

	if a.day1 == nil || !a.day1.Low.Equal(decimal.NewFromInt(110)) {
		t.Fatalf("buffer = %+v, want second fvg buffered", a.day1)
	}

	for i := 0; i < 2; i++ {
		select {
		case msg := <-ch:
			var got model.FVG
			if err := json.Unmarshal(msg.Payload, &got); err != nil {
				t.Fatalf("unmarshal republished fvg: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for republished strategy_fvg")
		}
	}
}

// Replay ambiguity from spec.md §9: an incoming FVG with an open_time equal
// to (not strictly later than) the buffered one's is NOT rebuffered. The
// existing buffered FVG is republished unchanged, per the strict-less-than
// replace rule.
func TestAlgoAB_HandleFVG_DuplicateOpenTimeIgnored(t *testing.T) {
	m := bus.NewMemory(8, nil, nil)
	defer m.Close()
	a := NewAlgoAB(m, nil, nil, false)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	first := fvg1D(base, 90, 100)
	if err := a.HandleFVG(ctx, first); err != nil {
		t.Fatalf("HandleFVG: %v", err)
	}

	replay := fvg1D(base, 200, 300) // same open_time, different price range
	if err := a.HandleFVG(ctx, replay); err != nil {
		t.Fatalf("HandleFVG: %v", err)
	}

	if a.day1 == nil || !a.day1.Low.Equal(decimal.NewFromInt(90)) || !a.day1.High.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("buffer = %+v, want original fvg retained (duplicate open_time ignored)", a.day1)
	}
}

// An FVG on an untracked timeframe is not buffered and nothing is
// republished.
func TestAlgoAB_HandleFVG_UntrackedTimeframeNoOp(t *testing.T) {
	m := bus.NewMemory(8, nil, nil)
	defer m.Close()
	a := NewAlgoAB(m, nil, nil, false)
	ctx := context.Background()

	ch, cancel := m.Subscribe(ctx, bus.TopicStrategyFVG)
	defer cancel()

	untracked := model.FVG{
		Envelope: model.Envelope{Pair: "BTC-USD", Timeframe: model.MustTimeframe("15m")},
		OpenTime: time.Now(),
		High:     decimal.NewFromInt(10),
		Low:      decimal.NewFromInt(5),
		Flow:     model.FlowBull,
	}
	if err := a.HandleFVG(ctx, untracked); err != nil {
		t.Fatalf("HandleFVG: %v", err)
	}
	if a.day1 != nil || a.hour1 != nil || a.min5 != nil {
		t.Fatalf("expected all buffers empty, got day1=%v hour1=%v min5=%v", a.day1, a.hour1, a.min5)
	}

	select {
	case msg := <-ch:
		t.Fatalf("unexpected publish for untracked timeframe: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

// Each tracked timeframe has its own independent buffer slot.
func TestAlgoAB_HandleFVG_PerTimeframeBuffers(t *testing.T) {
	m := bus.NewMemory(8, nil, nil)
	defer m.Close()
	a := NewAlgoAB(m, nil, nil, false)
	ctx := context.Background()

	day := fvg1D(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 90, 100)
	hour := model.FVG{
		Envelope: model.Envelope{Pair: "BTC-USD", Timeframe: tfHour1},
		OpenTime: time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC),
		High:     decimal.NewFromInt(50),
		Low:      decimal.NewFromInt(40),
		Flow:     model.FlowBear,
	}

	if err := a.HandleFVG(ctx, day); err != nil {
		t.Fatalf("HandleFVG day: %v", err)
	}
	if err := a.HandleFVG(ctx, hour); err != nil {
		t.Fatalf("HandleFVG hour: %v", err)
	}

	if a.day1 == nil || !a.day1.Low.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("day1 buffer clobbered: %+v", a.day1)
	}
	if a.hour1 == nil || !a.hour1.Low.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("hour1 buffer = %+v, want the bear fvg", a.hour1)
	}
	if a.min5 != nil {
		t.Fatalf("min5 buffer should remain empty, got %+v", a.min5)
	}
}
