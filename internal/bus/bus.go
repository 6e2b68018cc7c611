// Package bus defines the publish/subscribe transport every component uses
// to move Candle, FVG, Swing and Trade events between processes (spec.md §4
// "C3 — Event bus"). Two implementations satisfy Bus: memory (in-process,
// used for tests and for the in-process backtest replays of cmd/backtest and
// cmd/apigateway's backtest trigger) and redisbus (the production
// transport, backed by Redis Pub/Sub).
package bus

import "context"

// Message is a single published event: a topic name and its JSON-encoded
// payload. Publishers marshal model entities to JSON before calling
// Publish; subscribers unmarshal Payload into the entity type their topic
// carries.
type Message struct {
	Topic   string
	Payload []byte
}

// Bus is the transport contract. At-least-once delivery within a process's
// lifetime: a slow subscriber may have older messages evicted from its
// buffer (drop-oldest, spec.md §5) but never blocks the publisher.
type Bus interface {
	// Publish sends payload on topic to every current subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers for topic and returns a channel of messages plus
	// a cancel function. The channel is closed once cancel is called or ctx
	// is done.
	Subscribe(ctx context.Context, topic string) (<-chan Message, func())

	// Close releases any resources (connections, goroutines) held by the
	// bus. Subsequent Publish/Subscribe calls are undefined.
	Close() error
}

// Topic name conventions, per spec.md §4.2/§6. A topic is the raw entity
// name, optionally prefixed so the backtest replay (C8) never collides with
// the live pipeline on the same bus.
const (
	TopicTicker      = "ticker"
	TopicCandle      = "candle"
	TopicCandleClose = "candle_close"
	TopicFVG         = "fvg"
	TopicFVGClose    = "fvg_close"
	TopicSwing       = "swing"
	TopicSwingClose  = "swing_close"
	TopicTrade       = "trade"

	// TopicStrategyFVG carries Strategy A's (Algo A/B) republished buffered
	// FVG, grounded on original_source's "strategy_fvg" channel name.
	TopicStrategyFVG = "strategy_fvg"

	// BacktestPrefix namespaces every topic the backtest driver publishes
	// on, so a production subscriber and a backtest replay can share one
	// bus without their events mixing (original_source/rest/router/
	// backtesting.rs uses the same "backtest-" topic prefix).
	BacktestPrefix = "backtest-"
)

// BacktestTopic returns the backtest-namespaced form of a production topic.
func BacktestTopic(topic string) string {
	return BacktestPrefix + topic
}
