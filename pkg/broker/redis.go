package broker

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("broker",
	fx.Provide(NewRedisBroker),
)

// RedisBroker implements Broker on redis Pub/Sub. One subscription per
// channel; consumer goroutines are owned by the channel and stop on Close.
type RedisBroker struct {
	rdb *redis.Client
}

func NewRedisBroker(rdb *redis.Client) Broker {
	return &RedisBroker{rdb: rdb}
}

func (b *RedisBroker) CreatePublishChannel(ctx context.Context, routingKey string) (Channel, error) {
	// A publish channel in redis pub/sub has no server-side state to
	// establish; confirm the connection is alive so Build-time failures
	// surface here, not on first publish.
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &redisPublishChannel{rdb: b.rdb, key: routingKey}, nil
}

func (b *RedisBroker) CreateSubscribeChannel(ctx context.Context, routingKey string, onMessage MessageHandler) (Channel, error) {
	pubsub := b.rdb.Subscribe(ctx, routingKey)

	// Receive blocks until redis confirms the subscription, making
	// establishment synchronous.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	ch := &redisSubscribeChannel{pubsub: pubsub, key: routingKey}
	go ch.consume(onMessage)

	return ch, nil
}

type redisPublishChannel struct {
	rdb *redis.Client
	key string
}

func (c *redisPublishChannel) RoutingKey() string { return c.key }

func (c *redisPublishChannel) Publish(ctx context.Context, payload []byte) error {
	return c.rdb.Publish(ctx, c.key, payload).Err()
}

func (c *redisPublishChannel) Close() error { return nil }

type redisSubscribeChannel struct {
	pubsub *redis.PubSub
	key    string

	closeOnce sync.Once
	closeErr  error
}

func (c *redisSubscribeChannel) RoutingKey() string { return c.key }

func (c *redisSubscribeChannel) Publish(ctx context.Context, payload []byte) error {
	return ErrNotPublishChannel
}

func (c *redisSubscribeChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.pubsub.Close()
	})
	return c.closeErr
}

func (c *redisSubscribeChannel) consume(onMessage MessageHandler) {
	for msg := range c.pubsub.Channel() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					zap.L().Error("message handler panicked",
						zap.String("routing_key", c.key),
						zap.Any("panic", r),
					)
				}
			}()
			onMessage([]byte(msg.Payload))
		}()
	}
}
