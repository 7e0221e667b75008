package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"session-service/internal/client"
)

// RedisBus implements Bus on Redis pub/sub channels.
type RedisBus struct {
	redis *client.RedisClient
}

func NewRedisBus(redisClient *client.RedisClient) *RedisBus {
	return &RedisBus{redis: redisClient}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.redis.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a Redis subscription and pumps incoming messages into the
// returned Subscription's channel. The pump goroutine exits when the
// subscription is closed or the context is cancelled.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.redis.Subscribe(ctx, channel)

	// Receive forces the SUBSCRIBE handshake so a failed subscribe surfaces
	// here instead of as a silent dead channel.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	sub := &redisSubscription{
		ps:     ps,
		events: make(chan Message, 64),
	}

	go sub.pump(ctx)

	return sub, nil
}

type redisSubscription struct {
	ps        *redis.PubSub
	events    chan Message
	closeOnce sync.Once
}

func (s *redisSubscription) pump(ctx context.Context) {
	defer close(s.events)

	ch := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case s.events <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-ctx.Done():
				_ = s.Close()
				return
			}
		}
	}
}

func (s *redisSubscription) Events() <-chan Message {
	return s.events
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ps.Close()
	})
	return err
}
