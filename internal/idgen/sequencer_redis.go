package idgen

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSequencer backs the registration-number sequence with INCR, which is
// atomic across instances.
type RedisSequencer struct {
	client *redis.Client
}

func NewRedisSequencer(client *redis.Client) *RedisSequencer {
	return &RedisSequencer{client: client}
}

func (s *RedisSequencer) Next(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return n, nil
}

// UnavailableSequencer always fails, forcing the generator onto its degraded
// path. Used when Redis is not configured.
type UnavailableSequencer struct{}

func (UnavailableSequencer) Next(ctx context.Context, key string) (int64, error) {
	return 0, fmt.Errorf("no sequencer configured")
}
