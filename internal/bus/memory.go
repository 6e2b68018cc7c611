package bus

import (
	"context"
	"log/slog"
	"sync"

	"candlestream/internal/ringbuf"
)

// DropCounter receives a topic name each time Memory evicts a message from a
// subscriber's buffer to make room for a new one; nil is a valid no-op. The
// cmd/* mains build Memory with a nil DropCounter, so evictions are logged
// but not counted in metrics.Metrics.BusDropsTotal.
type DropCounter func(topic string)

// Memory is an in-process Bus. It generalizes the teacher's
// marketdata/bus.FanOut from a single chan model.Candle to an arbitrary
// number of named topics, and upgrades FanOut's drop-newest backpressure
// (full subscriber channel => publish is silently skipped) to drop-oldest:
// a full subscriber buffer evicts its oldest message instead of rejecting
// the new one, matching spec.md §5.
type Memory struct {
	mu          sync.RWMutex
	subscribers map[string][]*memorySubscriber
	bufSize     int
	onDrop      DropCounter
	log         *slog.Logger
}

type memorySubscriber struct {
	ring     *ringbuf.Ring[Message]
	wake     chan struct{}
	out      chan Message
	done     chan struct{}
	closeOne sync.Once
}

// NewMemory creates a Memory bus. bufSize bounds each subscriber's backlog
// before drop-oldest eviction kicks in.
func NewMemory(bufSize int, onDrop DropCounter, log *slog.Logger) *Memory {
	if log == nil {
		log = slog.Default()
	}
	return &Memory{
		subscribers: make(map[string][]*memorySubscriber),
		bufSize:     bufSize,
		onDrop:      onDrop,
		log:         log,
	}
}

// Publish implements Bus.
func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := Message{Topic: topic, Payload: payload}

	m.mu.RLock()
	subs := m.subscribers[topic]
	m.mu.RUnlock()

	for _, sub := range subs {
		if _, evicted := sub.ring.PushEvictOldest(msg); evicted {
			if m.onDrop != nil {
				m.onDrop(topic)
			}
			m.log.Warn("bus: subscriber buffer full, dropped oldest message", "topic", topic)
		}
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe implements Bus.
func (m *Memory) Subscribe(ctx context.Context, topic string) (<-chan Message, func()) {
	sub := &memorySubscriber{
		ring: ringbuf.New[Message](m.bufSize),
		wake: make(chan struct{}, 1),
		out:  make(chan Message),
		done: make(chan struct{}),
	}

	m.mu.Lock()
	m.subscribers[topic] = append(m.subscribers[topic], sub)
	m.mu.Unlock()

	go sub.pump()

	cancel := func() {
		m.mu.Lock()
		subs := m.subscribers[topic]
		for i, s := range subs {
			if s == sub {
				m.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		sub.closeOne.Do(func() { close(sub.done) })
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()

	return sub.out, cancel
}

// pump drains the subscriber's ring into its output channel, waking up
// whenever Publish signals new data has arrived.
func (s *memorySubscriber) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			for {
				v, ok := s.ring.Pop()
				if !ok {
					break
				}
				select {
				case s.out <- v:
				case <-s.done:
					return
				}
			}
		}
	}
}

// Close stops all subscriber pumps.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, subs := range m.subscribers {
		for _, sub := range subs {
			sub.closeOne.Do(func() { close(sub.done) })
		}
	}
	m.subscribers = make(map[string][]*memorySubscriber)
	return nil
}

// Backlog returns the current buffered-message count for topic, summed
// across its subscribers. Nothing in this module calls it, so
// metrics.Metrics.BusBacklog is not set from here.
func (m *Memory) Backlog(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, sub := range m.subscribers[topic] {
		total += sub.ring.Len()
	}
	return total
}
