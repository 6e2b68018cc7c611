package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TickerMessage is the normalized shape every exchange.TickerSource adapter
// emits onto the raw-ticker bus topic, and the shape the backtest driver
// (C8) synthesizes from historical candles. Grounded on the Coinbase
// Advanced Trade `Ticker` payload (coinbase-advanced-api/src/ws/channel in
// original_source/): decimal fields arrive as strings on the wire and are
// parsed once at the adapter boundary, never re-parsed downstream.
type TickerMessage struct {
	Pair  string          `json:"pair"`
	Price decimal.Decimal `json:"price"`
	Time  time.Time       `json:"time"`
}
