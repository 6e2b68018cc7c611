// Package sqlite implements store.Store against the isolated backtest
// database (BACKTEST_DB_URL), so a replay run (C8) never touches the live
// Postgres store. Grounded on the teacher's internal/store/sqlite writer
// (WAL-mode dsn suffix, single-writer connection pool, createSchema-on-open
// pattern) adapted from a batch-insert-only writer into a full store.Store
// implementation, since the backtest store needs the same conditional
// reads/updates the live store does.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"candlestream/internal/model"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS candles (
	pair           TEXT    NOT NULL,
	open_time      INTEGER NOT NULL,
	timeframe      TEXT    NOT NULL,
	open           TEXT    NOT NULL,
	high           TEXT    NOT NULL,
	low            TEXT    NOT NULL,
	close          TEXT    NOT NULL,
	size_in_millis INTEGER NOT NULL,
	PRIMARY KEY (pair, open_time, timeframe)
);

CREATE TABLE IF NOT EXISTS fvgs (
	pair       TEXT    NOT NULL,
	open_time  INTEGER NOT NULL,
	timeframe  TEXT    NOT NULL,
	high       TEXT    NOT NULL,
	low        TEXT    NOT NULL,
	flow       TEXT    NOT NULL,
	close_time INTEGER,
	PRIMARY KEY (pair, open_time, timeframe)
);

CREATE TABLE IF NOT EXISTS swings (
	pair       TEXT    NOT NULL,
	open_time  INTEGER NOT NULL,
	timeframe  TEXT    NOT NULL,
	price      TEXT    NOT NULL,
	flow       TEXT    NOT NULL,
	close_time INTEGER,
	PRIMARY KEY (pair, open_time, timeframe)
);

CREATE TABLE IF NOT EXISTS trades (
	pair        TEXT    NOT NULL,
	open_time   INTEGER NOT NULL,
	timeframe   TEXT    NOT NULL,
	fill_time   INTEGER,
	quantity    TEXT    NOT NULL,
	entry       TEXT    NOT NULL,
	stop_loss   TEXT    NOT NULL,
	take_profit TEXT    NOT NULL,
	flow        TEXT    NOT NULL,
	close_time  INTEGER,
	close       TEXT,
	PRIMARY KEY (pair, open_time, timeframe)
);
`

// Store is a SQLite-backed store.Store, used only by the backtest driver.
type Store struct {
	db *sql.DB
}

// New opens dbPath (a file path or "file::memory:?cache=shared"), enables
// WAL mode, and bootstraps the schema. A single connection is kept open
// since SQLite serializes writers anyway, mirroring the teacher's writer.
func New(dbPath string) (*Store, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dbPath+sep+"_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: bootstrap schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func (s *Store) UpsertCandle(ctx context.Context, c model.Candle) (model.Candle, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO candles (pair, open_time, timeframe, open, high, low, close, size_in_millis)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (pair, open_time, timeframe) DO UPDATE SET
			high = CASE WHEN CAST(high AS REAL) >= CAST(excluded.high AS REAL) THEN high ELSE excluded.high END,
			low  = CASE WHEN CAST(low  AS REAL) <= CAST(excluded.low  AS REAL) THEN low  ELSE excluded.low  END,
			close = excluded.close
	`, c.Pair, millis(c.OpenTime), c.Timeframe.String(), c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.SizeInMillis)
	if err != nil {
		return model.Candle{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT pair, open_time, timeframe, open, high, low, close, size_in_millis
		FROM candles WHERE pair = ? AND open_time = ? AND timeframe = ?
	`, c.Pair, millis(c.OpenTime), c.Timeframe.String())
	return scanCandle(row)
}

func (s *Store) GetCandle(ctx context.Context, pair string, tf model.Timeframe, openTime time.Time) (model.Candle, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pair, open_time, timeframe, open, high, low, close, size_in_millis
		FROM candles WHERE pair = ? AND timeframe = ? AND open_time = ?
	`, pair, tf.String(), millis(openTime))
	c, err := scanCandle(row)
	if err == sql.ErrNoRows {
		return model.Candle{}, false, nil
	}
	if err != nil {
		return model.Candle{}, false, err
	}
	return c, true, nil
}

func (s *Store) PreviousCandle(ctx context.Context, pair string, tf model.Timeframe, before time.Time) (model.Candle, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pair, open_time, timeframe, open, high, low, close, size_in_millis
		FROM candles
		WHERE pair = ? AND timeframe = ? AND open_time < ?
		ORDER BY open_time DESC
		LIMIT 1
	`, pair, tf.String(), millis(before))
	c, err := scanCandle(row)
	if err == sql.ErrNoRows {
		return model.Candle{}, false, nil
	}
	if err != nil {
		return model.Candle{}, false, err
	}
	return c, true, nil
}

func (s *Store) RecentCandles(ctx context.Context, pair string, tf model.Timeframe, before time.Time, n int) ([]model.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pair, open_time, timeframe, open, high, low, close, size_in_millis
		FROM candles
		WHERE pair = ? AND timeframe = ? AND open_time < ?
		ORDER BY open_time DESC
		LIMIT ?
	`, pair, tf.String(), millis(before), n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
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

func (s *Store) CandlesInRange(ctx context.Context, pair string, tf model.Timeframe, start, end time.Time) ([]model.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pair, open_time, timeframe, open, high, low, close, size_in_millis
		FROM candles
		WHERE pair = ? AND timeframe = ? AND open_time >= ? AND open_time <= ?
		ORDER BY open_time ASC
	`, pair, tf.String(), millis(start), millis(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
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

func (s *Store) InsertFVG(ctx context.Context, f model.FVG) (model.FVG, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fvgs (pair, open_time, timeframe, high, low, flow, close_time)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
	`, f.Pair, millis(f.OpenTime), f.Timeframe.String(), f.High.String(), f.Low.String(), string(f.Flow))
	if err != nil {
		return model.FVG{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT pair, open_time, timeframe, high, low, flow, close_time
		FROM fvgs WHERE pair = ? AND open_time = ? AND timeframe = ?
	`, f.Pair, millis(f.OpenTime), f.Timeframe.String())
	return scanFVG(row)
}

func (s *Store) CloseFVGs(ctx context.Context, pair string, tf model.Timeframe, before time.Time, closePrice decimal.Decimal, closeTime time.Time) ([]model.FVG, error) {
	ids, err := s.db.QueryContext(ctx, `
		SELECT open_time FROM fvgs
		WHERE pair = ? AND timeframe = ? AND open_time < ? AND close_time IS NULL
			AND ((flow = 'bull' AND CAST(low AS REAL) > ?) OR (flow = 'bear' AND CAST(high AS REAL) < ?))
	`, pair, tf.String(), millis(before), closePrice.InexactFloat64(), closePrice.InexactFloat64())
	if err != nil {
		return nil, err
	}
	var openTimes []int64
	for ids.Next() {
		var ot int64
		if err := ids.Scan(&ot); err != nil {
			ids.Close()
			return nil, err
		}
		openTimes = append(openTimes, ot)
	}
	ids.Close()
	if err := ids.Err(); err != nil {
		return nil, err
	}

	var out []model.FVG
	for _, ot := range openTimes {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE fvgs SET close_time = ? WHERE pair = ? AND timeframe = ? AND open_time = ?
		`, millis(closeTime), pair, tf.String(), ot); err != nil {
			return nil, err
		}
		row := s.db.QueryRowContext(ctx, `
			SELECT pair, open_time, timeframe, high, low, flow, close_time
			FROM fvgs WHERE pair = ? AND timeframe = ? AND open_time = ?
		`, pair, tf.String(), ot)
		f, err := scanFVG(row)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *Store) FVGsInRange(ctx context.Context, pair string, tf model.Timeframe, start, end time.Time) ([]model.FVG, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pair, open_time, timeframe, high, low, flow, close_time
		FROM fvgs
		WHERE pair = ? AND timeframe = ? AND open_time >= ? AND open_time <= ?
		ORDER BY open_time ASC
	`, pair, tf.String(), millis(start), millis(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
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

func (s *Store) InsertSwing(ctx context.Context, sw model.Swing) (model.Swing, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO swings (pair, open_time, timeframe, price, flow, close_time)
		VALUES (?, ?, ?, ?, ?, NULL)
	`, sw.Pair, millis(sw.OpenTime), sw.Timeframe.String(), sw.Price.String(), string(sw.Flow))
	if err != nil {
		return model.Swing{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT pair, open_time, timeframe, price, flow, close_time
		FROM swings WHERE pair = ? AND open_time = ? AND timeframe = ?
	`, sw.Pair, millis(sw.OpenTime), sw.Timeframe.String())
	return scanSwing(row)
}

func (s *Store) CloseSwings(ctx context.Context, pair string, tf model.Timeframe, before time.Time, closePrice decimal.Decimal, closeTime time.Time) ([]model.Swing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT open_time FROM swings
		WHERE pair = ? AND timeframe = ? AND open_time < ? AND close_time IS NULL
			AND ((flow = 'bull' AND CAST(price AS REAL) > ?) OR (flow = 'bear' AND CAST(price AS REAL) < ?))
	`, pair, tf.String(), millis(before), closePrice.InexactFloat64(), closePrice.InexactFloat64())
	if err != nil {
		return nil, err
	}
	var openTimes []int64
	for rows.Next() {
		var ot int64
		if err := rows.Scan(&ot); err != nil {
			rows.Close()
			return nil, err
		}
		openTimes = append(openTimes, ot)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []model.Swing
	for _, ot := range openTimes {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE swings SET close_time = ? WHERE pair = ? AND timeframe = ? AND open_time = ?
		`, millis(closeTime), pair, tf.String(), ot); err != nil {
			return nil, err
		}
		row := s.db.QueryRowContext(ctx, `
			SELECT pair, open_time, timeframe, price, flow, close_time
			FROM swings WHERE pair = ? AND timeframe = ? AND open_time = ?
		`, pair, tf.String(), ot)
		sw, err := scanSwing(row)
		if err != nil {
			return nil, err
		}
		out = append(out, sw)
	}
	return out, nil
}

func (s *Store) SwingsInRange(ctx context.Context, pair string, tf model.Timeframe, start, end time.Time) ([]model.Swing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pair, open_time, timeframe, price, flow, close_time
		FROM swings
		WHERE pair = ? AND timeframe = ? AND open_time >= ? AND open_time <= ?
		ORDER BY open_time ASC
	`, pair, tf.String(), millis(start), millis(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
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

func (s *Store) InsertTrade(ctx context.Context, t model.Trade) (model.Trade, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (pair, open_time, timeframe, fill_time, quantity, entry, stop_loss, take_profit, flow, close_time, close)
		VALUES (?, ?, ?, NULL, ?, ?, ?, ?, ?, NULL, NULL)
	`, t.Pair, millis(t.OpenTime), t.Timeframe.String(), t.Quantity.String(), t.Entry.String(), t.StopLoss.String(), t.TakeProfit.String(), string(t.Flow))
	if err != nil {
		return model.Trade{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT pair, open_time, timeframe, fill_time, quantity, entry, stop_loss, take_profit, flow, close_time, close
		FROM trades WHERE pair = ? AND open_time = ? AND timeframe = ?
	`, t.Pair, millis(t.OpenTime), t.Timeframe.String())
	return scanTrade(row)
}

func (s *Store) FillPendingTrades(ctx context.Context, pair string, tf model.Timeframe, candle model.Candle) ([]model.Trade, error) {
	closeF := candle.Close.InexactFloat64()
	rows, err := s.db.QueryContext(ctx, `
		SELECT open_time FROM trades
		WHERE pair = ? AND timeframe = ? AND fill_time IS NULL AND open_time < ?
			AND ((flow = 'bull' AND CAST(entry AS REAL) >= ?) OR (flow = 'bear' AND CAST(entry AS REAL) <= ?))
	`, pair, tf.String(), millis(candle.OpenTime), closeF, closeF)
	if err != nil {
		return nil, err
	}
	openTimes, err := collectOpenTimes(rows)
	if err != nil {
		return nil, err
	}
	var out []model.Trade
	for _, ot := range openTimes {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE trades SET fill_time = ? WHERE pair = ? AND timeframe = ? AND open_time = ?
		`, millis(candle.OpenTime), pair, tf.String(), ot); err != nil {
			return nil, err
		}
		t, err := s.loadTrade(ctx, pair, tf, ot)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) CloseTakeProfitTrades(ctx context.Context, pair string, tf model.Timeframe, candle model.Candle) ([]model.Trade, error) {
	closeF := candle.Close.InexactFloat64()
	rows, err := s.db.QueryContext(ctx, `
		SELECT open_time FROM trades
		WHERE pair = ? AND timeframe = ? AND close_time IS NULL AND fill_time <= ?
			AND ((flow = 'bull' AND CAST(take_profit AS REAL) <= ?) OR (flow = 'bear' AND CAST(take_profit AS REAL) >= ?))
	`, pair, tf.String(), millis(candle.OpenTime), closeF, closeF)
	if err != nil {
		return nil, err
	}
	openTimes, err := collectOpenTimes(rows)
	if err != nil {
		return nil, err
	}
	var out []model.Trade
	for _, ot := range openTimes {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE trades SET close_time = ?, close = take_profit WHERE pair = ? AND timeframe = ? AND open_time = ?
		`, millis(candle.OpenTime), pair, tf.String(), ot); err != nil {
			return nil, err
		}
		t, err := s.loadTrade(ctx, pair, tf, ot)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) CloseStopLossTrades(ctx context.Context, pair string, tf model.Timeframe, candle model.Candle) ([]model.Trade, error) {
	closeF := candle.Close.InexactFloat64()
	rows, err := s.db.QueryContext(ctx, `
		SELECT open_time FROM trades
		WHERE pair = ? AND timeframe = ? AND close_time IS NULL AND fill_time <= ?
			AND ((flow = 'bull' AND CAST(stop_loss AS REAL) >= ?) OR (flow = 'bear' AND CAST(stop_loss AS REAL) <= ?))
	`, pair, tf.String(), millis(candle.OpenTime), closeF, closeF)
	if err != nil {
		return nil, err
	}
	openTimes, err := collectOpenTimes(rows)
	if err != nil {
		return nil, err
	}
	var out []model.Trade
	for _, ot := range openTimes {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE trades SET close_time = ?, close = stop_loss WHERE pair = ? AND timeframe = ? AND open_time = ?
		`, millis(candle.OpenTime), pair, tf.String(), ot); err != nil {
			return nil, err
		}
		t, err := s.loadTrade(ctx, pair, tf, ot)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) loadTrade(ctx context.Context, pair string, tf model.Timeframe, openTimeMillis int64) (model.Trade, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pair, open_time, timeframe, fill_time, quantity, entry, stop_loss, take_profit, flow, close_time, close
		FROM trades WHERE pair = ? AND timeframe = ? AND open_time = ?
	`, pair, tf.String(), openTimeMillis)
	return scanTrade(row)
}

func collectOpenTimes(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var ot int64
		if err := rows.Scan(&ot); err != nil {
			return nil, err
		}
		out = append(out, ot)
	}
	return out, rows.Err()
}

// Reset deletes every row from every table, used by the backtest driver (C8)
// before each replay run.
func (s *Store) Reset(ctx context.Context) error {
	for _, tbl := range []string{"trades", "swings", "fvgs", "candles"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+tbl); err != nil {
			return fmt.Errorf("sqlite: reset %s: %w", tbl, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandle(row rowScanner) (model.Candle, error) {
	var c model.Candle
	var tf, open, high, low, cls string
	var ot int64
	err := row.Scan(&c.Pair, &ot, &tf, &open, &high, &low, &cls, &c.SizeInMillis)
	if err != nil {
		return model.Candle{}, err
	}
	c.OpenTime = fromMillis(ot)
	if c.Timeframe, err = model.ParseTimeframe(tf); err != nil {
		return model.Candle{}, err
	}
	if c.Open, err = decimal.NewFromString(open); err != nil {
		return model.Candle{}, err
	}
	if c.High, err = decimal.NewFromString(high); err != nil {
		return model.Candle{}, err
	}
	if c.Low, err = decimal.NewFromString(low); err != nil {
		return model.Candle{}, err
	}
	if c.Close, err = decimal.NewFromString(cls); err != nil {
		return model.Candle{}, err
	}
	return c, nil
}

func scanFVG(row rowScanner) (model.FVG, error) {
	var f model.FVG
	var tf, flow, high, low string
	var ot int64
	var closeTime sql.NullInt64
	err := row.Scan(&f.Pair, &ot, &tf, &high, &low, &flow, &closeTime)
	if err != nil {
		return model.FVG{}, err
	}
	f.OpenTime = fromMillis(ot)
	f.Flow = model.Flow(flow)
	if closeTime.Valid {
		ct := fromMillis(closeTime.Int64)
		f.CloseTime = &ct
	}
	if f.Timeframe, err = model.ParseTimeframe(tf); err != nil {
		return model.FVG{}, err
	}
	if f.High, err = decimal.NewFromString(high); err != nil {
		return model.FVG{}, err
	}
	if f.Low, err = decimal.NewFromString(low); err != nil {
		return model.FVG{}, err
	}
	return f, nil
}

func scanSwing(row rowScanner) (model.Swing, error) {
	var sw model.Swing
	var tf, flow, price string
	var ot int64
	var closeTime sql.NullInt64
	err := row.Scan(&sw.Pair, &ot, &tf, &price, &flow, &closeTime)
	if err != nil {
		return model.Swing{}, err
	}
	sw.OpenTime = fromMillis(ot)
	sw.Flow = model.Flow(flow)
	if closeTime.Valid {
		ct := fromMillis(closeTime.Int64)
		sw.CloseTime = &ct
	}
	if sw.Timeframe, err = model.ParseTimeframe(tf); err != nil {
		return model.Swing{}, err
	}
	if sw.Price, err = decimal.NewFromString(price); err != nil {
		return model.Swing{}, err
	}
	return sw, nil
}

func scanTrade(row rowScanner) (model.Trade, error) {
	var t model.Trade
	var tf, flow, qty, entry, stopLoss, takeProfit string
	var ot int64
	var fillTime, closeTime sql.NullInt64
	var closePrice sql.NullString
	err := row.Scan(&t.Pair, &ot, &tf, &fillTime, &qty, &entry, &stopLoss, &takeProfit, &flow, &closeTime, &closePrice)
	if err != nil {
		return model.Trade{}, err
	}
	t.OpenTime = fromMillis(ot)
	t.Flow = model.Flow(flow)
	if fillTime.Valid {
		ft := fromMillis(fillTime.Int64)
		t.FillTime = &ft
	}
	if closeTime.Valid {
		ct := fromMillis(closeTime.Int64)
		t.CloseTime = &ct
	}
	if closePrice.Valid {
		cp, err := decimal.NewFromString(closePrice.String)
		if err != nil {
			return model.Trade{}, err
		}
		t.Close = &cp
	}
	if t.Timeframe, err = model.ParseTimeframe(tf); err != nil {
		return model.Trade{}, err
	}
	if t.Quantity, err = decimal.NewFromString(qty); err != nil {
		return model.Trade{}, err
	}
	if t.Entry, err = decimal.NewFromString(entry); err != nil {
		return model.Trade{}, err
	}
	if t.StopLoss, err = decimal.NewFromString(stopLoss); err != nil {
		return model.Trade{}, err
	}
	if t.TakeProfit, err = decimal.NewFromString(takeProfit); err != nil {
		return model.Trade{}, err
	}
	return t, nil
}
