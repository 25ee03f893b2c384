package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chorus/script-presence/config"
)

const scanBatchSize = 100

func NewRedisClient(cfg *config.Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opt.DB = cfg.RedisDB

	return redis.NewClient(opt), nil
}

// RedisStore implements Store over a native Redis connection.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	data, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("redis GET %s: %w", key, err)
	}
	return data, nil
}

func (s *RedisStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis DEL %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis TTL %s: %w", key, err)
	}
	// go-redis reports -2 (missing) and -1 (no expiry) unscaled.
	switch ttl {
	case -2:
		return 0, ErrNotFound
	case -1:
		return -1, nil
	}
	return ttl, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("redis ZADD %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) ZRem(ctx context.Context, key, member string) (int64, error) {
	n, err := s.client.ZRem(ctx, key, member).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ZREM %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ZCARD %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	zs, err := s.client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZRANGE %s: %w", key, err)
	}

	members := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		members = append(members, ScoredMember{Member: member, Score: z.Score})
	}
	return members, nil
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	n, err := s.client.ZRemRangeByScore(ctx, key, min, max).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ZREMRANGEBYSCORE %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) Touch(ctx context.Context, op TouchOp) (int64, error) {
	var card *redis.IntCmd

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, op.RecordKey, op.Record, op.TTL)
		pipe.ZAdd(ctx, op.SetKey, redis.Z{Score: op.Score, Member: op.Member})
		if op.RegistryKey != "" {
			pipe.ZAdd(ctx, op.RegistryKey, redis.Z{Score: op.Score, Member: op.RegistryMember})
		}
		pipe.ZRemRangeByScore(ctx, op.SetKey, "-inf", op.PruneMax)
		card = pipe.ZCard(ctx, op.SetKey)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis touch %s: %w", op.SetKey, err)
	}
	return card.Val(), nil
}

func (s *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	seen := make(map[string]struct{})
	keys := make([]string, 0)

	iter := s.client.Scan(ctx, 0, pattern, scanBatchSize).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis SCAN %s: %w", pattern, err)
	}
	return keys, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel, message string) error {
	if err := s.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("redis PUBLISH %s: %w", channel, err)
	}
	return nil
}

func (s *RedisStore) Info(ctx context.Context, section string) (string, error) {
	info, err := s.client.Info(ctx, section).Result()
	if err != nil {
		return "", fmt.Errorf("redis INFO %s: %w", section, err)
	}
	return info, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
