// Package notify hands call outcomes to downstream consumers such as the
// notification service.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/FindIt/internal/core"
	"github.com/dkeye/FindIt/internal/domain"
	"github.com/dkeye/FindIt/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	TypeNone  = "none"
	TypeRedis = "redis"
	TypeKafka = "kafka"
)

var (
	_ core.CallEventPublisher = Noop{}
	_ core.CallEventPublisher = (*RedisPublisher)(nil)
	_ core.CallEventPublisher = (*KafkaPublisher)(nil)
)

// Options select and configure a publisher.
type Options struct {
	Type         string
	RedisChannel string
	KafkaBrokers []string
	KafkaTopic   string
	// MaxWait bounds the startup connection retries.
	MaxWait time.Duration
}

// New builds the publisher named by opts.Type. Redis reuses the given client
// factory so the process shares one connection pool.
func New(ctx context.Context, opts Options, redisFactory func(context.Context) (RedisClient, error)) (core.CallEventPublisher, error) {
	switch opts.Type {
	case "", TypeNone:
		return Noop{}, nil
	case TypeRedis:
		if redisFactory == nil {
			return nil, fmt.Errorf("redis publisher: no redis client configured")
		}
		client, err := redisFactory(ctx)
		if err != nil {
			return nil, fmt.Errorf("redis publisher: %w", err)
		}
		return NewRedisPublisher(client, opts.RedisChannel), nil
	case TypeKafka:
		producer, err := dialKafka(ctx, opts.KafkaBrokers, opts.MaxWait)
		if err != nil {
			return nil, err
		}
		return NewKafkaPublisher(producer, opts.KafkaTopic), nil
	default:
		return nil, fmt.Errorf("unknown events type %q", opts.Type)
	}
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, domain.CallEvent) error { return nil }
func (Noop) Close() error                                    { return nil }

func encode(ev domain.CallEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal call event: %w", err)
	}
	return data, nil
}

func published(publisher string, ev domain.CallEvent) {
	metrics.EventsPublished.WithLabelValues(publisher).Inc()
	log.Debug().Str("module", "notify").Str("publisher", publisher).
		Str("call_id", string(ev.CallID)).Str("status", string(ev.Status)).Msg("call event published")
}
