package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestPublisherPublishSeq(t *testing.T) {
	client := newClient(t)
	publisher := NewPublisher(client, "", "worker-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, DefaultChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := publisher.PublishSeq(ctx, 42); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	var ev SeqEvent
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Seq != 42 || ev.Origin != "worker-1" {
		t.Fatalf("event = %+v, want seq 42 from worker-1", ev)
	}
}

func TestSubscriberIgnoresOwnEvents(t *testing.T) {
	client := newClient(t)
	const channel = "test:seq"

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	got := make(chan uint64, 4)
	sub := NewSubscriber(client, channel, "worker-1", nil)
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx, func(seq uint64) { got <- seq }) }()

	// Wait until the subscriber is registered.
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := client.PubSubNumSub(ctx, channel).Result()
		if err == nil && n[channel] > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber did not register")
		}
		time.Sleep(10 * time.Millisecond)
	}

	NewPublisher(client, channel, "worker-1").PublishSeq(ctx, 5)
	NewPublisher(client, channel, "worker-2").PublishSeq(ctx, 6)

	select {
	case seq := <-got:
		if seq != 6 {
			t.Fatalf("seq = %d, want 6", seq)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}

	cancel()
	if err := <-done; err != context.Canceled && err != context.DeadlineExceeded {
		t.Fatalf("run returned %v", err)
	}
}
