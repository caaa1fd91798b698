package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/FindIt/internal/core"
	"github.com/dkeye/FindIt/internal/domain"
	"github.com/go-redis/redis/v8"
)

// RedisStore keeps one key per user with a TTL refreshed on keepalive.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttl,
	}
}

func sessionKey(uid domain.UserID) string {
	return fmt.Sprintf("findit:session:%s", uid)
}

func (s *RedisStore) Create(ctx context.Context, sess *core.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.client.Set(ctx, sessionKey(sess.UserID), data, s.ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, uid domain.UserID) (*core.Session, error) {
	data, err := s.client.Get(ctx, sessionKey(uid)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var sess core.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) Delete(ctx context.Context, uid domain.UserID) error {
	return s.client.Del(ctx, sessionKey(uid)).Err()
}

// RefreshTTL is a no-op for missing keys.
func (s *RedisStore) RefreshTTL(ctx context.Context, uid domain.UserID) error {
	return s.client.Expire(ctx, sessionKey(uid), s.ttl).Err()
}
