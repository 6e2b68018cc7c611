package bus

import (
	"context"
	"testing"
	"time"
)

func TestMemory_PublishSubscribe(t *testing.T) {
	m := NewMemory(8, nil, nil)
	defer m.Close()

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	ch, cancel := m.Subscribe(ctx, TopicCandle)
	defer cancel()

	if err := m.Publish(ctx, TopicCandle, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-ch:
		if msg.Topic != TopicCandle || string(msg.Payload) != `{"a":1}` {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMemory_TopicIsolation(t *testing.T) {
	m := NewMemory(8, nil, nil)
	defer m.Close()
	ctx := context.Background()

	candleCh, cancelCandle := m.Subscribe(ctx, TopicCandle)
	defer cancelCandle()
	fvgCh, cancelFVG := m.Subscribe(ctx, TopicFVG)
	defer cancelFVG()

	m.Publish(ctx, TopicFVG, []byte("fvg-payload"))

	select {
	case msg := <-fvgCh:
		if string(msg.Payload) != "fvg-payload" {
			t.Fatalf("unexpected fvg payload: %s", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fvg message")
	}

	select {
	case msg := <-candleCh:
		t.Fatalf("candle subscriber should not see fvg topic message, got %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemory_DropOldestOnFullBuffer(t *testing.T) {
	var dropped []string
	onDrop := func(topic string) { dropped = append(dropped, topic) }

	m := NewMemory(2, onDrop, nil)
	defer m.Close()
	ctx := context.Background()

	ch, cancel := m.Subscribe(ctx, TopicCandle)
	defer cancel()

	// Publish more messages than the buffer holds before anything drains, so
	// the oldest ones are evicted rather than the publish blocking or the
	// newest being rejected.
	for i := 0; i < 5; i++ {
		m.Publish(ctx, TopicCandle, []byte{byte('0' + i)})
	}

	var got []byte
loop:
	for {
		select {
		case msg := <-ch:
			got = append(got, msg.Payload[0])
		case <-time.After(100 * time.Millisecond):
			break loop
		}
	}

	if len(dropped) == 0 {
		t.Fatal("expected at least one drop to be recorded")
	}
	// The surviving messages must be the newest ones, in order; the oldest
	// were evicted to make room.
	if len(got) == 0 {
		t.Fatal("expected to receive surviving messages")
	}
	want := byte('0' + 5 - len(got))
	if got[0] != want {
		t.Fatalf("expected oldest surviving message to be %q, got %q", want, got[0])
	}
	for i := 1; i < len(got); i++ {
		if got[i] != got[i-1]+1 {
			t.Fatalf("surviving messages out of order: %v", got)
		}
	}
}

func TestMemory_CancelClosesChannel(t *testing.T) {
	m := NewMemory(4, nil, nil)
	defer m.Close()
	ctx := context.Background()

	ch, cancel := m.Subscribe(ctx, TopicTrade)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
