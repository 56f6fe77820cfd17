package broker

import "context"

// MessageHandler consumes one raw message delivered on a subscribe channel.
// Handlers must not block for long; they run on the channel's consumer
// goroutine.
type MessageHandler func(payload []byte)

// Broker establishes per-run message channels addressed by routing key.
// Channels returned by either method are live: creation has been confirmed
// against the broker, not merely requested.
type Broker interface {
	CreatePublishChannel(ctx context.Context, routingKey string) (Channel, error)
	CreateSubscribeChannel(ctx context.Context, routingKey string, onMessage MessageHandler) (Channel, error)
}

// Channel is one live broker binding. Publish is only valid on channels
// created by CreatePublishChannel. Close must be called on every exit path;
// it is safe to call more than once.
type Channel interface {
	RoutingKey() string
	Publish(ctx context.Context, payload []byte) error
	Close() error
}
