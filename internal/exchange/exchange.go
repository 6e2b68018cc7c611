// Package exchange defines the external collaborator boundary spec.md §1
// calls out as "specified only at the interface level": a signed exchange
// connection yielding ticker JSON (TickerSource) for the live pipeline, and
// a REST historical-candle fetch (CandleSource) for the backtest driver
// (C8). Concrete adapters are thin by design — credential loading and
// request signing, no domain logic — grounded on
// original_source/coinbase-advanced-api's ws/rest client shape.
package exchange

import (
	"context"
	"time"

	"candlestream/internal/model"

	"github.com/shopspring/decimal"
)

// TickerSource streams normalized ticker updates from an exchange
// connection. Concrete adapters (e.g. the Coinbase WS client) translate the
// exchange's wire shape into model.TickerMessage and forward it on ch.
type TickerSource interface {
	// Stream connects (or reconnects under spec.md §7's exponential-backoff
	// policy) and pushes every received ticker onto ch until ctx is done.
	Stream(ctx context.Context, ch chan<- model.TickerMessage) error
}

// RawCandle is a single historical OHLC bar as returned by the exchange's
// REST candles endpoint (spec.md §6), before any Timeframe bucketing is
// applied — it carries only what the wire gives us.
type RawCandle struct {
	Start time.Time
	Open  decimal.Decimal
	High  decimal.Decimal
	Low   decimal.Decimal
	Close decimal.Decimal
}

// CandleSource fetches historical candles for backtesting (C8). Granularity
// is the exchange's own enum token (e.g. "ONE_MINUTE"), orthogonal to the
// internal Timeframe form per spec.md §6.
type CandleSource interface {
	Candles(ctx context.Context, pair string, start, end time.Time, granularity string) ([]RawCandle, error)
}
