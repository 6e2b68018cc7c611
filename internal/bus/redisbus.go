package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Redis is a Bus backed by Redis Pub/Sub (github.com/go-redis/redis/v8, the
// teacher's own client). It is the production transport selected by
// BUS_URL; internal/bus.Memory backs tests and the in-process backtest
// replays.
type Redis struct {
	client *goredis.Client
	log    *slog.Logger
}

// NewRedis creates a Redis-backed Bus from a redis:// URL and pings the
// server, grounded on the teacher's store/redis.New connection pattern.
func NewRedis(busURL string, log *slog.Logger) (*Redis, error) {
	if log == nil {
		log = slog.Default()
	}
	opts, err := goredis.ParseURL(busURL)
	if err != nil {
		return nil, fmt.Errorf("bus: parse BUS_URL: %w", err)
	}
	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("bus: redis ping: %w", err)
	}

	log.Info("bus: connected to redis", "addr", opts.Addr)
	return &Redis{client: client, log: log}, nil
}

// Publish implements Bus.
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("bus: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements Bus. The returned channel is closed when ctx is done
// or cancel is called.
func (r *Redis) Subscribe(ctx context.Context, topic string) (<-chan Message, func()) {
	pubsub := r.client.Subscribe(ctx, topic)
	out := make(chan Message)

	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case rmsg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- Message{Topic: rmsg.Channel, Payload: []byte(rmsg.Payload)}:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return out, cancel
}

// Close closes the underlying Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
