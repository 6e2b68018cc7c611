package backtestdriver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"candlestream/internal/bus"
	"candlestream/internal/exchange"
	"candlestream/internal/model"
	"candlestream/internal/store/sqlite"

	"github.com/shopspring/decimal"
)

// fakeCandleSource returns one fixed page of bars regardless of the
// requested range, which is enough to exercise the emit loop without a
// real exchange connection.
type fakeCandleSource struct {
	bars   []exchange.RawCandle
	calls  int
}

func (f *fakeCandleSource) Candles(ctx context.Context, pair string, start, end time.Time, granularity string) ([]exchange.RawCandle, error) {
	f.calls++
	if f.calls > 1 {
		return nil, nil
	}
	return f.bars, nil
}

func TestDriver_Run_EmitsFourTicksPerBar(t *testing.T) {
	st, err := sqlite.New("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	defer st.Close()

	mem := bus.NewMemory(64, nil, nil)
	defer mem.Close()
	ctx := context.Background()

	bar := exchange.RawCandle{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Open:  decimal.NewFromInt(100),
		High:  decimal.NewFromInt(105),
		Low:   decimal.NewFromInt(98),
		Close: decimal.NewFromInt(102),
	}
	src := &fakeCandleSource{bars: []exchange.RawCandle{bar}}

	tickCh, cancel := mem.Subscribe(ctx, bus.BacktestTopic(bus.TopicTicker))
	defer cancel()

	d := New(st, mem, src, nil, nil, 0)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Minute)
	if err := d.Run(ctx, "BTC-USD", start, end, "ONE_MINUTE"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantPrices := []decimal.Decimal{bar.Open, bar.Low, bar.High, bar.Close}
	for i, want := range wantPrices {
		select {
		case msg := <-tickCh:
			var got model.TickerMessage
			if err := json.Unmarshal(msg.Payload, &got); err != nil {
				t.Fatalf("unmarshal tick %d: %v", i, err)
			}
			if !got.Price.Equal(want) {
				t.Fatalf("tick %d price = %s, want %s", i, got.Price, want)
			}
			if got.Pair != "BTC-USD" {
				t.Fatalf("tick %d pair = %q, want BTC-USD", i, got.Pair)
			}
		default:
			t.Fatalf("expected tick %d, channel empty", i)
		}
	}
}
