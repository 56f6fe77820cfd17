package broker

import (
	"context"
	"errors"
	"sync"
)

var ErrNotPublishChannel = errors.New("broker: channel was not created for publishing")

// MemoryBroker is an in-process Broker for tests and single-node use.
// Published messages are delivered synchronously to every live subscriber
// of the routing key and recorded for inspection.
type MemoryBroker struct {
	mu          sync.Mutex
	subscribers map[string][]*memorySubscribeChannel
	published   map[string][][]byte

	// FailSubscribe/FailPublish force the next channel creation for the
	// routing key to fail, for exercising establish-or-abort paths.
	FailSubscribe map[string]error
	FailPublish   map[string]error
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subscribers:   make(map[string][]*memorySubscribeChannel),
		published:     make(map[string][][]byte),
		FailSubscribe: make(map[string]error),
		FailPublish:   make(map[string]error),
	}
}

func (b *MemoryBroker) CreatePublishChannel(ctx context.Context, routingKey string) (Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.FailPublish[routingKey]; ok {
		return nil, err
	}
	return &memoryPublishChannel{broker: b, key: routingKey}, nil
}

func (b *MemoryBroker) CreateSubscribeChannel(ctx context.Context, routingKey string, onMessage MessageHandler) (Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.FailSubscribe[routingKey]; ok {
		return nil, err
	}
	ch := &memorySubscribeChannel{broker: b, key: routingKey, handler: onMessage}
	b.subscribers[routingKey] = append(b.subscribers[routingKey], ch)
	return ch, nil
}

// Published returns every payload published to the routing key, in order.
func (b *MemoryBroker) Published(routingKey string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.published[routingKey]))
	copy(out, b.published[routingKey])
	return out
}

// Deliver injects a message as if a remote publisher had sent it.
func (b *MemoryBroker) Deliver(routingKey string, payload []byte) {
	b.publish(routingKey, payload, false)
}

// Subscribers reports how many live subscriptions exist for the key.
func (b *MemoryBroker) Subscribers(routingKey string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[routingKey])
}

func (b *MemoryBroker) publish(routingKey string, payload []byte, record bool) {
	b.mu.Lock()
	if record {
		b.published[routingKey] = append(b.published[routingKey], payload)
	}
	subs := make([]*memorySubscribeChannel, len(b.subscribers[routingKey]))
	copy(subs, b.subscribers[routingKey])
	b.mu.Unlock()

	for _, sub := range subs {
		sub.handler(payload)
	}
}

func (b *MemoryBroker) unsubscribe(ch *memorySubscribeChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[ch.key]
	for i, s := range subs {
		if s == ch {
			b.subscribers[ch.key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

type memoryPublishChannel struct {
	broker *MemoryBroker
	key    string
	closed bool
}

func (c *memoryPublishChannel) RoutingKey() string { return c.key }

func (c *memoryPublishChannel) Publish(ctx context.Context, payload []byte) error {
	c.broker.publish(c.key, payload, true)
	return nil
}

func (c *memoryPublishChannel) Close() error {
	c.closed = true
	return nil
}

type memorySubscribeChannel struct {
	broker  *MemoryBroker
	key     string
	handler MessageHandler

	closeOnce sync.Once
}

func (c *memorySubscribeChannel) RoutingKey() string { return c.key }

func (c *memorySubscribeChannel) Publish(ctx context.Context, payload []byte) error {
	return ErrNotPublishChannel
}

func (c *memorySubscribeChannel) Close() error {
	c.closeOnce.Do(func() {
		c.broker.unsubscribe(c)
	})
	return nil
}
