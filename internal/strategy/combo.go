package strategy

import (
	"context"
	"encoding/json"
	"log/slog"

	"candlestream/internal/bus"
	"candlestream/internal/metrics"
	"candlestream/internal/model"
)

// comboState is the hierarchical state Combo steps through, per spec.md
// §4.5 Strategy B: idle -> v1 -> v1_test -> v2 -> (terminal/reset). Modeled
// as a tagged string constant plus a transition function, not a class
// hierarchy, per spec.md §9 Design Notes ("do not encode states as classes
// with inheritance").
type comboState string

const (
	comboIdle    comboState = "idle"
	comboV1      comboState = "v1"
	comboV1Test  comboState = "v1_test"
	comboV2      comboState = "v2"
)

// ComboEvent is the tagged union Combo's transition function consumes.
// Grounded on original_source/strategy/src/strategy/combo/state.rs's
// `Event` enum (Fvg | Swing | CandleClose).
type ComboEvent struct {
	Fvg         *model.FVG
	Swing       *model.Swing
	CandleClose *model.Candle
}

var (
	tfDay1Combo  = model.MustTimeframe("1D")
	tfHour4Combo = model.MustTimeframe("4h")
)

// Combo is Strategy B, the hierarchical state machine described in
// spec.md §4.5. Grounded directly on original_source/strategy/src/
// strategy/combo/{mod,state}.rs: v1 holds the 1D FVG that opened the
// setup, v2 holds the 4h FVG that confirmed it. The original's v3/v4
// (Swing/FVG) slots are not carried over, since no transition arm of its
// state machine ever assigns them.
//
// Must run single-goroutine: Run processes bus events strictly in receipt
// order on one subscriber loop, per spec.md §5 ("state-machine subscriber
// must be single-tasked to preserve event ordering").
type Combo struct {
	b        bus.Bus
	metrics  *metrics.Metrics
	log      *slog.Logger
	backtest bool

	state comboState
	v1    *model.FVG
	v2    *model.FVG
}

// NewCombo builds Strategy B in its initial idle state.
func NewCombo(b bus.Bus, m *metrics.Metrics, log *slog.Logger, backtest bool) *Combo {
	if log == nil {
		log = slog.Default()
	}
	return &Combo{b: b, metrics: m, log: log, backtest: backtest, state: comboIdle}
}

// State returns the machine's current state, for tests and diagnostics.
func (c *Combo) State() string { return string(c.state) }

func (c *Combo) topic(name string) string {
	if c.backtest {
		return bus.BacktestTopic(name)
	}
	return name
}

// Run subscribes to fvg, swing and candle_close and feeds every event into
// Handle in receipt order, on this single goroutine, until ctx is done or
// the subscriptions close. The three topics arrive on separate subscription
// channels drained by one select loop: events of one topic keep their
// order, but when several channels are ready at once select picks among
// them at random, so order across topics can differ from publish order.
func (c *Combo) Run(ctx context.Context) error {
	fvgCh, cancelFvg := c.b.Subscribe(ctx, c.topic(bus.TopicFVG))
	defer cancelFvg()
	swingCh, cancelSwing := c.b.Subscribe(ctx, c.topic(bus.TopicSwing))
	defer cancelSwing()
	closeCh, cancelClose := c.b.Subscribe(ctx, c.topic(bus.TopicCandleClose))
	defer cancelClose()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-fvgCh:
			if !ok {
				return nil
			}
			var fvg model.FVG
			if err := json.Unmarshal(msg.Payload, &fvg); err != nil {
				c.log.Error("combo: malformed fvg payload", "error", err)
				continue
			}
			c.Handle(ComboEvent{Fvg: &fvg})
		case msg, ok := <-swingCh:
			if !ok {
				return nil
			}
			var sw model.Swing
			if err := json.Unmarshal(msg.Payload, &sw); err != nil {
				c.log.Error("combo: malformed swing payload", "error", err)
				continue
			}
			c.Handle(ComboEvent{Swing: &sw})
		case msg, ok := <-closeCh:
			if !ok {
				return nil
			}
			var cc model.Candle
			if err := json.Unmarshal(msg.Payload, &cc); err != nil {
				c.log.Error("combo: malformed candle_close payload", "error", err)
				continue
			}
			c.Handle(ComboEvent{CandleClose: &cc})
		}
	}
}

// Handle applies one event to the state machine, matching
// state.rs's per-state match arms. Unhandled events in a given state fall
// through to the default Super handler (no-op), per spec.md §4.5.
func (c *Combo) Handle(ev ComboEvent) {
	from := c.state
	switch c.state {
	case comboIdle:
		c.handleIdle(ev)
	case comboV1:
		c.handleV1(ev)
	case comboV1Test:
		c.handleV1Test(ev)
	case comboV2:
		c.handleV2(ev)
	}
	if c.metrics != nil && c.state != from {
		c.metrics.StrategyTransitionsTotal.WithLabelValues("combo", string(from), string(c.state)).Inc()
	}
}

func (c *Combo) handleIdle(ev ComboEvent) {
	if ev.Fvg == nil || !ev.Fvg.Timeframe.Equal(tfDay1Combo) {
		return // Super: no-op
	}
	v1 := *ev.Fvg
	c.v1 = &v1
	c.state = comboV1
}

func (c *Combo) handleV1(ev ComboEvent) {
	switch {
	case ev.CandleClose != nil:
		if !ev.CandleClose.Timeframe.Equal(tfHour4Combo) {
			return
		}
		if c.v1 == nil {
			return
		}
		tagged := (c.v1.Flow == model.FlowBull && ev.CandleClose.Low.LessThanOrEqual(c.v1.High)) ||
			(c.v1.Flow == model.FlowBear && ev.CandleClose.High.GreaterThanOrEqual(c.v1.Low))
		if tagged {
			c.state = comboV1Test
		}
	case ev.Fvg != nil:
		if ev.Fvg.Timeframe.Equal(tfDay1Combo) {
			v1 := *ev.Fvg
			c.v1 = &v1
		}
	default:
		// Super: no-op
	}
}

func (c *Combo) handleV1Test(ev ComboEvent) {
	if ev.Fvg == nil || c.v1 == nil {
		return // Super: no-op
	}
	if ev.Fvg.Timeframe.Equal(tfHour4Combo) && ev.Fvg.Flow == c.v1.Flow {
		v2 := *ev.Fvg
		c.v2 = &v2
		c.state = comboV2
	}
}

func (c *Combo) handleV2(ev ComboEvent) {
	if ev.CandleClose == nil || !ev.CandleClose.Timeframe.Equal(tfHour4Combo) {
		return // Super: no-op
	}
	c.v1 = nil
	c.v2 = nil
	c.state = comboIdle
}
