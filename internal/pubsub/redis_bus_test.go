package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"session-service/internal/client"
	"session-service/internal/config"
)

func newBusForTest(t *testing.T) *RedisBus {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := &config.Config{
		Environment: "development",
		Redis: config.RedisConfig{
			URL:      "redis://" + mr.Addr(),
			PoolSize: 10,
		},
	}

	rc, err := client.NewRedisClient(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create redis client: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })

	return NewRedisBus(rc)
}

func receiveOne(t *testing.T, sub Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed before a message arrived")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
	}
	return Message{}
}

func TestPublishReachesSubscriber(t *testing.T) {
	bus := newBusForTest(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "presence:team1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := bus.Publish(ctx, "presence:team1", []byte(`{"kind":"update"}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	msg := receiveOne(t, sub)
	if msg.Channel != "presence:team1" {
		t.Fatalf("expected channel presence:team1, got %s", msg.Channel)
	}
	if string(msg.Payload) != `{"kind":"update"}` {
		t.Fatalf("unexpected payload %q", msg.Payload)
	}
}

func TestChannelsAreIsolated(t *testing.T) {
	bus := newBusForTest(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "presence:team1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := bus.Publish(ctx, "presence:other", []byte("elsewhere")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, "presence:team1", []byte("here")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	msg := receiveOne(t, sub)
	if string(msg.Payload) != "here" {
		t.Fatalf("expected only the subscribed channel's message, got %q", msg.Payload)
	}
}

func TestCloseEndsEventStream(t *testing.T) {
	bus := newBusForTest(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "presence:team1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected no message after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel did not close")
	}

	// Close is idempotent
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestContextCancelStopsPump(t *testing.T) {
	bus := newBusForTest(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := bus.Subscribe(ctx, "presence:team1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	cancel()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected no message after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel did not close after cancel")
	}
}
