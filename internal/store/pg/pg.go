// Package pg implements store.Store against the live Postgres database
// (LIVE_DB_URL), using github.com/jackc/pgx/v5's connection pool. Grounded
// on abdulloh5007-tradepl's internal/volatility.Store (pool field,
// pool.Query/QueryRow/Exec, pgx.ErrNoRows handling) and on the upsert/close
// predicates transcribed from original_source's diesel query builders
// (data-processor/src/ticker.rs, indicators/src/{fvg,swing}.rs,
// position-manager/src/candle.rs).
package pg

import (
	"context"
	"fmt"
	"time"

	"candlestream/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS candles (
	pair           TEXT NOT NULL,
	open_time      TIMESTAMPTZ NOT NULL,
	timeframe      TEXT NOT NULL,
	open           NUMERIC NOT NULL,
	high           NUMERIC NOT NULL,
	low            NUMERIC NOT NULL,
	close          NUMERIC NOT NULL,
	size_in_millis BIGINT NOT NULL,
	PRIMARY KEY (pair, open_time, timeframe)
);

CREATE TABLE IF NOT EXISTS fvgs (
	pair       TEXT NOT NULL,
	open_time  TIMESTAMPTZ NOT NULL,
	timeframe  TEXT NOT NULL,
	high       NUMERIC NOT NULL,
	low        NUMERIC NOT NULL,
	flow       TEXT NOT NULL,
	close_time TIMESTAMPTZ,
	PRIMARY KEY (pair, open_time, timeframe)
);

CREATE TABLE IF NOT EXISTS swings (
	pair       TEXT NOT NULL,
	open_time  TIMESTAMPTZ NOT NULL,
	timeframe  TEXT NOT NULL,
	price      NUMERIC NOT NULL,
	flow       TEXT NOT NULL,
	close_time TIMESTAMPTZ,
	PRIMARY KEY (pair, open_time, timeframe)
);

CREATE TABLE IF NOT EXISTS trades (
	pair        TEXT NOT NULL,
	open_time   TIMESTAMPTZ NOT NULL,
	timeframe   TEXT NOT NULL,
	fill_time   TIMESTAMPTZ,
	quantity    NUMERIC NOT NULL,
	entry       NUMERIC NOT NULL,
	stop_loss   NUMERIC NOT NULL,
	take_profit NUMERIC NOT NULL,
	flow        TEXT NOT NULL,
	close_time  TIMESTAMPTZ,
	close       NUMERIC,
	PRIMARY KEY (pair, open_time, timeframe)
);
`

// Store is a Postgres-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to url, bootstraps the schema, and returns a Store.
func New(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("pg: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: bootstrap schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Pool exposes the underlying pool for health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) UpsertCandle(ctx context.Context, c model.Candle) (model.Candle, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO candles (pair, open_time, timeframe, open, high, low, close, size_in_millis)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (pair, open_time, timeframe) DO UPDATE SET
			high = GREATEST(candles.high, EXCLUDED.high),
			low  = LEAST(candles.low, EXCLUDED.low),
			close = EXCLUDED.close
		RETURNING pair, open_time, timeframe, open, high, low, close, size_in_millis
	`, c.Pair, c.OpenTime, c.Timeframe.String(), c.Open, c.High, c.Low, c.Close, c.SizeInMillis)
	return scanCandle(row)
}

func (s *Store) GetCandle(ctx context.Context, pair string, tf model.Timeframe, openTime time.Time) (model.Candle, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT pair, open_time, timeframe, open, high, low, close, size_in_millis
		FROM candles
		WHERE pair = $1 AND timeframe = $2 AND open_time = $3
	`, pair, tf.String(), openTime)
	c, err := scanCandle(row)
	if err == pgx.ErrNoRows {
		return model.Candle{}, false, nil
	}
	if err != nil {
		return model.Candle{}, false, err
	}
	return c, true, nil
}

func (s *Store) PreviousCandle(ctx context.Context, pair string, tf model.Timeframe, before time.Time) (model.Candle, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT pair, open_time, timeframe, open, high, low, close, size_in_millis
		FROM candles
		WHERE pair = $1 AND timeframe = $2 AND open_time < $3
		ORDER BY open_time DESC
		LIMIT 1
	`, pair, tf.String(), before)
	c, err := scanCandle(row)
	if err == pgx.ErrNoRows {
		return model.Candle{}, false, nil
	}
	if err != nil {
		return model.Candle{}, false, err
	}
	return c, true, nil
}

func (s *Store) RecentCandles(ctx context.Context, pair string, tf model.Timeframe, before time.Time, n int) ([]model.Candle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pair, open_time, timeframe, open, high, low, close, size_in_millis
		FROM candles
		WHERE pair = $1 AND timeframe = $2 AND open_time < $3
		ORDER BY open_time DESC
		LIMIT $4
	`, pair, tf.String(), before, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCandles(rows)
}

func (s *Store) CandlesInRange(ctx context.Context, pair string, tf model.Timeframe, start, end time.Time) ([]model.Candle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pair, open_time, timeframe, open, high, low, close, size_in_millis
		FROM candles
		WHERE pair = $1 AND timeframe = $2 AND open_time >= $3 AND open_time <= $4
		ORDER BY open_time ASC
	`, pair, tf.String(), start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCandles(rows)
}

func (s *Store) InsertFVG(ctx context.Context, f model.FVG) (model.FVG, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO fvgs (pair, open_time, timeframe, high, low, flow, close_time)
		VALUES ($1, $2, $3, $4, $5, $6, NULL)
		RETURNING pair, open_time, timeframe, high, low, flow, close_time
	`, f.Pair, f.OpenTime, f.Timeframe.String(), f.High, f.Low, string(f.Flow))
	return scanFVG(row)
}

func (s *Store) CloseFVGs(ctx context.Context, pair string, tf model.Timeframe, before time.Time, closePrice decimal.Decimal, closeTime time.Time) ([]model.FVG, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE fvgs SET close_time = $1
		WHERE pair = $2 AND timeframe = $3 AND open_time < $4 AND close_time IS NULL
			AND ((flow = 'bull' AND low > $5) OR (flow = 'bear' AND high < $5))
		RETURNING pair, open_time, timeframe, high, low, flow, close_time
	`, closeTime, pair, tf.String(), before, closePrice)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFVGs(rows)
}

func (s *Store) FVGsInRange(ctx context.Context, pair string, tf model.Timeframe, start, end time.Time) ([]model.FVG, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pair, open_time, timeframe, high, low, flow, close_time
		FROM fvgs
		WHERE pair = $1 AND timeframe = $2 AND open_time >= $3 AND open_time <= $4
		ORDER BY open_time ASC
	`, pair, tf.String(), start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFVGs(rows)
}

func (s *Store) InsertSwing(ctx context.Context, sw model.Swing) (model.Swing, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO swings (pair, open_time, timeframe, price, flow, close_time)
		VALUES ($1, $2, $3, $4, $5, NULL)
		RETURNING pair, open_time, timeframe, price, flow, close_time
	`, sw.Pair, sw.OpenTime, sw.Timeframe.String(), sw.Price, string(sw.Flow))
	return scanSwing(row)
}

func (s *Store) CloseSwings(ctx context.Context, pair string, tf model.Timeframe, before time.Time, closePrice decimal.Decimal, closeTime time.Time) ([]model.Swing, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE swings SET close_time = $1
		WHERE pair = $2 AND timeframe = $3 AND open_time < $4 AND close_time IS NULL
			AND ((flow = 'bull' AND price > $5) OR (flow = 'bear' AND price < $5))
		RETURNING pair, open_time, timeframe, price, flow, close_time
	`, closeTime, pair, tf.String(), before, closePrice)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSwings(rows)
}

func (s *Store) SwingsInRange(ctx context.Context, pair string, tf model.Timeframe, start, end time.Time) ([]model.Swing, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pair, open_time, timeframe, price, flow, close_time
		FROM swings
		WHERE pair = $1 AND timeframe = $2 AND open_time >= $3 AND open_time <= $4
		ORDER BY open_time ASC
	`, pair, tf.String(), start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSwings(rows)
}

func (s *Store) InsertTrade(ctx context.Context, t model.Trade) (model.Trade, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO trades (pair, open_time, timeframe, fill_time, quantity, entry, stop_loss, take_profit, flow, close_time, close)
		VALUES ($1, $2, $3, NULL, $4, $5, $6, $7, $8, NULL, NULL)
		RETURNING pair, open_time, timeframe, fill_time, quantity, entry, stop_loss, take_profit, flow, close_time, close
	`, t.Pair, t.OpenTime, t.Timeframe.String(), t.Quantity, t.Entry, t.StopLoss, t.TakeProfit, string(t.Flow))
	return scanTrade(row)
}

func (s *Store) FillPendingTrades(ctx context.Context, pair string, tf model.Timeframe, candle model.Candle) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE trades SET fill_time = $1
		WHERE pair = $2 AND timeframe = $3 AND fill_time IS NULL AND open_time < $1
			AND ((flow = 'bull' AND entry >= $4) OR (flow = 'bear' AND entry <= $4))
		RETURNING pair, open_time, timeframe, fill_time, quantity, entry, stop_loss, take_profit, flow, close_time, close
	`, candle.OpenTime, pair, tf.String(), candle.Close)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrades(rows)
}

func (s *Store) CloseTakeProfitTrades(ctx context.Context, pair string, tf model.Timeframe, candle model.Candle) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE trades SET close_time = $1, close = take_profit
		WHERE pair = $2 AND timeframe = $3 AND close_time IS NULL AND fill_time <= $1
			AND ((flow = 'bull' AND take_profit <= $4) OR (flow = 'bear' AND take_profit >= $4))
		RETURNING pair, open_time, timeframe, fill_time, quantity, entry, stop_loss, take_profit, flow, close_time, close
	`, candle.OpenTime, pair, tf.String(), candle.Close)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrades(rows)
}

func (s *Store) CloseStopLossTrades(ctx context.Context, pair string, tf model.Timeframe, candle model.Candle) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE trades SET close_time = $1, close = stop_loss
		WHERE pair = $2 AND timeframe = $3 AND close_time IS NULL AND fill_time <= $1
			AND ((flow = 'bull' AND stop_loss >= $4) OR (flow = 'bear' AND stop_loss <= $4))
		RETURNING pair, open_time, timeframe, fill_time, quantity, entry, stop_loss, take_profit, flow, close_time, close
	`, candle.OpenTime, pair, tf.String(), candle.Close)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrades(rows)
}

func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM trades;
		DELETE FROM swings;
		DELETE FROM fvgs;
		DELETE FROM candles;
	`)
	return err
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandle(row rowScanner) (model.Candle, error) {
	var c model.Candle
	var tf string
	err := row.Scan(&c.Pair, &c.OpenTime, &tf, &c.Open, &c.High, &c.Low, &c.Close, &c.SizeInMillis)
	if err != nil {
		return model.Candle{}, err
	}
	c.Timeframe, err = model.ParseTimeframe(tf)
	return c, err
}

func collectCandles(rows pgx.Rows) ([]model.Candle, error) {
	var out []model.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanFVG(row rowScanner) (model.FVG, error) {
	var f model.FVG
	var tf, flow string
	err := row.Scan(&f.Pair, &f.OpenTime, &tf, &f.High, &f.Low, &flow, &f.CloseTime)
	if err != nil {
		return model.FVG{}, err
	}
	f.Flow = model.Flow(flow)
	f.Timeframe, err = model.ParseTimeframe(tf)
	return f, err
}

func collectFVGs(rows pgx.Rows) ([]model.FVG, error) {
	var out []model.FVG
	for rows.Next() {
		f, err := scanFVG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanSwing(row rowScanner) (model.Swing, error) {
	var sw model.Swing
	var tf, flow string
	err := row.Scan(&sw.Pair, &sw.OpenTime, &tf, &sw.Price, &flow, &sw.CloseTime)
	if err != nil {
		return model.Swing{}, err
	}
	sw.Flow = model.Flow(flow)
	sw.Timeframe, err = model.ParseTimeframe(tf)
	return sw, err
}

func collectSwings(rows pgx.Rows) ([]model.Swing, error) {
	var out []model.Swing
	for rows.Next() {
		sw, err := scanSwing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sw)
	}
	return out, rows.Err()
}

func scanTrade(row rowScanner) (model.Trade, error) {
	var t model.Trade
	var tf, flow string
	err := row.Scan(&t.Pair, &t.OpenTime, &tf, &t.FillTime, &t.Quantity, &t.Entry, &t.StopLoss, &t.TakeProfit, &flow, &t.CloseTime, &t.Close)
	if err != nil {
		return model.Trade{}, err
	}
	t.Flow = model.Flow(flow)
	t.Timeframe, err = model.ParseTimeframe(tf)
	return t, err
}

func collectTrades(rows pgx.Rows) ([]model.Trade, error) {
	var out []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
