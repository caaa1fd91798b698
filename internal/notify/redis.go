package notify

import (
	"context"

	"github.com/dkeye/FindIt/internal/domain"
	"github.com/go-redis/redis/v8"
)

// RedisClient is the subset of *redis.Client the publisher needs.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

type RedisPublisher struct {
	client  RedisClient
	channel string
}

func NewRedisPublisher(client RedisClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev domain.CallEvent) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return err
	}
	published(TypeRedis, ev)
	return nil
}

// Close leaves the shared client open; its owner closes it.
func (p *RedisPublisher) Close() error { return nil }
