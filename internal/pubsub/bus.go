package pubsub

import "context"

// Message is one payload delivered on a channel. Ordering is guaranteed per
// channel only; delivery is fire-and-forget, so a subscriber that connects
// late never sees earlier messages.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live feed of messages on one channel. Closing the
// subscription releases the underlying connection and closes Events.
type Subscription interface {
	Events() <-chan Message
	Close() error
}

// Bus is the broadcast fabric for presence updates. The Redis implementation
// is the production one; tests swap in an in-memory bus.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}
