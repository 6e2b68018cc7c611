// Package store defines the persistence port every component reads and
// writes through, and its two concrete implementations: store/pg (the live
// database, driven by LIVE_DB_URL) and store/sqlite (the isolated backtest
// database, driven by BACKTEST_DB_URL). Both speak the same logical schema
// described in spec.md §6 — four tables keyed by (pair, open_time,
// timeframe) — so the strategy, indicator and position-manager packages
// never know which backend they are talking to.
package store

import (
	"context"
	"time"

	"candlestream/internal/model"

	"github.com/shopspring/decimal"
)

// Store is the persistence port. Every method is safe for concurrent use.
type Store interface {
	// UpsertCandle creates the candle bucket if absent, otherwise widens
	// High/Low and overwrites Close, per spec.md §4.3.
	UpsertCandle(ctx context.Context, c model.Candle) (model.Candle, error)

	// GetCandle returns the candle at the exact (pair, tf, openTime) key, or
	// ok=false if no candle has been upserted there yet. Backs the
	// candle-close detection in the aggregator (C4): a tick's window is new
	// iff no candle exists yet at its open_time.
	GetCandle(ctx context.Context, pair string, tf model.Timeframe, openTime time.Time) (c model.Candle, ok bool, err error)

	// PreviousCandle returns the single candle immediately preceding
	// before for (pair, tf), or ok=false if none exists.
	PreviousCandle(ctx context.Context, pair string, tf model.Timeframe, before time.Time) (c model.Candle, ok bool, err error)

	// RecentCandles returns up to n candles strictly before `before` for
	// (pair, tf), newest first.
	RecentCandles(ctx context.Context, pair string, tf model.Timeframe, before time.Time, n int) ([]model.Candle, error)

	// CandlesInRange returns every candle for (pair, tf) with open_time in
	// [start, end], oldest first. Backs the public HTTP read endpoint.
	CandlesInRange(ctx context.Context, pair string, tf model.Timeframe, start, end time.Time) ([]model.Candle, error)

	// InsertFVG creates a new, unclosed FVG.
	InsertFVG(ctx context.Context, f model.FVG) (model.FVG, error)

	// CloseFVGs closes every still-open FVG for (pair, tf) with open_time
	// strictly before `before` whose gap the given close price has
	// breached, and returns the closed rows.
	CloseFVGs(ctx context.Context, pair string, tf model.Timeframe, before time.Time, closePrice decimal.Decimal, closeTime time.Time) ([]model.FVG, error)

	// FVGsInRange returns every FVG for (pair, tf) with open_time in
	// [start, end], oldest first. Backs the public HTTP read endpoint.
	FVGsInRange(ctx context.Context, pair string, tf model.Timeframe, start, end time.Time) ([]model.FVG, error)

	// InsertSwing creates a new, unclosed Swing.
	InsertSwing(ctx context.Context, s model.Swing) (model.Swing, error)

	// CloseSwings closes every still-open Swing for (pair, tf) with
	// open_time strictly before `before` whose pivot price the close
	// price has breached, and returns the closed rows.
	CloseSwings(ctx context.Context, pair string, tf model.Timeframe, before time.Time, closePrice decimal.Decimal, closeTime time.Time) ([]model.Swing, error)

	// SwingsInRange returns every Swing for (pair, tf) with open_time in
	// [start, end], oldest first.
	SwingsInRange(ctx context.Context, pair string, tf model.Timeframe, start, end time.Time) ([]model.Swing, error)

	// InsertTrade creates a new, unfilled Trade.
	InsertTrade(ctx context.Context, t model.Trade) (model.Trade, error)

	// FillPendingTrades fills every unfilled Trade for (pair, tf) opened
	// strictly before the candle's open_time whose entry the candle's
	// close has reached, and returns the filled rows.
	FillPendingTrades(ctx context.Context, pair string, tf model.Timeframe, candle model.Candle) ([]model.Trade, error)

	// CloseTakeProfitTrades closes every filled, still-open Trade for
	// (pair, tf) whose take-profit the candle's close has reached.
	CloseTakeProfitTrades(ctx context.Context, pair string, tf model.Timeframe, candle model.Candle) ([]model.Trade, error)

	// CloseStopLossTrades closes every filled, still-open Trade for
	// (pair, tf) whose stop-loss the candle's close has reached.
	CloseStopLossTrades(ctx context.Context, pair string, tf model.Timeframe, candle model.Candle) ([]model.Trade, error)

	// Reset deletes every row from every table. Used only by the backtest
	// driver (C8) against the isolated backtest store before a replay run.
	Reset(ctx context.Context) error

	// Close releases the underlying connection pool.
	Close() error
}
