package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Envelope carries the two fields every bus-published entity must expose at
// the top level of its JSON encoding, per spec.md §6 "Public HTTP": a
// websocket republisher filters on pair and (optional) timeframe without
// knowing the entity's concrete type.
type Envelope struct {
	Pair      string    `json:"pair"`
	Timeframe Timeframe `json:"timeframe"`
}

// Candle is the aggregation bucket produced by the tick→candle aggregator
// (C4). Identity is (Pair, OpenTime, Timeframe). Invariants: Low <= Open,
// Close, High; High >= Low; OpenTime is exactly the window open computed by
// Timeframe.OpenAndSize for some instant folded into the candle;
// SizeInMillis > 0.
type Candle struct {
	Envelope
	OpenTime      time.Time       `json:"open_time"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Close         decimal.Decimal `json:"close"`
	SizeInMillis  int64           `json:"size_in_millis"`
}

// Validate checks the Candle invariants from spec.md §3.
func (c Candle) Validate() error {
	if c.Low.GreaterThan(c.Open) || c.Low.GreaterThan(c.Close) || c.Low.GreaterThan(c.High) {
		return fmt.Errorf("candle %s/%s: low %s exceeds open/close/high", c.Pair, c.Timeframe, c.Low)
	}
	if c.High.LessThan(c.Low) {
		return fmt.Errorf("candle %s/%s: high %s below low %s", c.Pair, c.Timeframe, c.High, c.Low)
	}
	if c.SizeInMillis <= 0 {
		return fmt.Errorf("candle %s/%s: non-positive size_in_millis %d", c.Pair, c.Timeframe, c.SizeInMillis)
	}
	return nil
}

// Flow labels the direction of an FVG, Swing or Trade.
type Flow string

const (
	FlowBull Flow = "bull"
	FlowBear Flow = "bear"
)

// Opposite returns the other flow.
func (f Flow) Opposite() Flow {
	if f == FlowBull {
		return FlowBear
	}
	return FlowBull
}

// FVG (Fair-Value Gap) is created by the FVG indicator (C5a) when a
// three-candle gap pattern holds, and closed when a later candle closes
// through the gap. Identity is (Pair, OpenTime, Timeframe).
type FVG struct {
	Envelope
	OpenTime  time.Time       `json:"open_time"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Flow      Flow            `json:"flow"`
	CloseTime *time.Time      `json:"close_time,omitempty"`
}

// Validate checks the FVG invariants from spec.md §3.
func (f FVG) Validate() error {
	if !f.High.GreaterThan(f.Low) {
		return fmt.Errorf("fvg %s/%s@%s: high %s must exceed low %s", f.Pair, f.Timeframe, f.OpenTime, f.High, f.Low)
	}
	if f.CloseTime != nil && f.CloseTime.Before(f.OpenTime) {
		return fmt.Errorf("fvg %s/%s@%s: close_time %s precedes open_time", f.Pair, f.Timeframe, f.OpenTime, f.CloseTime)
	}
	return nil
}

// Swing is a local pivot created by the swing indicator (C5b) and closed
// when a later close breaches the pivot price. Identity is (Pair, OpenTime,
// Timeframe).
type Swing struct {
	Envelope
	OpenTime  time.Time       `json:"open_time"`
	Price     decimal.Decimal `json:"price"`
	Flow      Flow            `json:"flow"`
	CloseTime *time.Time      `json:"close_time,omitempty"`
}

// Validate checks the Swing invariants from spec.md §3.
func (s Swing) Validate() error {
	if s.CloseTime != nil && s.CloseTime.Before(s.OpenTime) {
		return fmt.Errorf("swing %s/%s@%s: close_time %s precedes open_time", s.Pair, s.Timeframe, s.OpenTime, s.CloseTime)
	}
	return nil
}

// Trade is created by position.Feeder (C7) when an FVG closes and driven through pending -> filled -> closed(tp|sl) by the position
// manager (C7). Identity is (Pair, OpenTime, Timeframe).
type Trade struct {
	Envelope
	OpenTime   time.Time       `json:"open_time"`
	FillTime   *time.Time      `json:"fill_time,omitempty"`
	Quantity   decimal.Decimal `json:"quantity"`
	Entry      decimal.Decimal `json:"entry"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	Flow       Flow            `json:"flow"`
	CloseTime  *time.Time      `json:"close_time,omitempty"`
	Close      *decimal.Decimal `json:"close,omitempty"`
}

// Validate checks the Trade invariants from spec.md §3.
func (t Trade) Validate() error {
	if !t.Quantity.IsPositive() {
		return fmt.Errorf("trade %s/%s@%s: non-positive quantity %s", t.Pair, t.Timeframe, t.OpenTime, t.Quantity)
	}
	switch t.Flow {
	case FlowBull:
		if !(t.StopLoss.LessThan(t.Entry) && t.Entry.LessThan(t.TakeProfit)) {
			return fmt.Errorf("trade %s/%s@%s: bull trade requires stop_loss < entry < take_profit", t.Pair, t.Timeframe, t.OpenTime)
		}
	case FlowBear:
		if !(t.StopLoss.GreaterThan(t.Entry) && t.Entry.GreaterThan(t.TakeProfit)) {
			return fmt.Errorf("trade %s/%s@%s: bear trade requires stop_loss > entry > take_profit", t.Pair, t.Timeframe, t.OpenTime)
		}
	default:
		return fmt.Errorf("trade %s/%s@%s: unknown flow %q", t.Pair, t.Timeframe, t.OpenTime, t.Flow)
	}
	return nil
}
