// Package session mirrors live presence into a store other services can read.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/FindIt/internal/core"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

var (
	_ core.SessionStore = (*RedisStore)(nil)
	_ core.SessionStore = (*MemoryStore)(nil)
)

type RedisOptions struct {
	Address  string
	Password string
	DB       int
	TTL      time.Duration
	// MaxWait bounds the startup retries.
	MaxWait time.Duration
}

// NewRedisClient connects and pings with exponential backoff.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	b := backoff.NewExponentialBackOff()
	if opts.MaxWait > 0 {
		b.MaxElapsedTime = opts.MaxWait
	}
	ping := func() error {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		err := client.Ping(pctx).Err()
		if err != nil {
			log.Warn().Err(err).Str("module", "session").Str("addr", opts.Address).Msg("redis ping failed, retrying")
		}
		return err
	}
	if err := backoff.Retry(ping, backoff.WithContext(b, ctx)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}
