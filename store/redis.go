package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vending-svc/config"
)

// RedisStore keeps each document as a JSON string under its path. SETNX gives
// the atomic create-if-absent reservation.
type RedisStore struct {
	rdb *redis.Client
}

func InitRedisStore(cfg *config.Config, logger *zap.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis store connection established")
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Get(ctx context.Context, path string, dest any) (bool, error) {
	data, err := s.rdb.Get(ctx, path).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", path, err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("decode document at %s: %w", path, err)
	}
	return true, nil
}

func (s *RedisStore) Set(ctx context.Context, path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, path, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", path, err)
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, path string, fields map[string]any) error {
	doc := map[string]any{}

	data, err := s.rdb.Get(ctx, path).Bytes()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redis get %s: %w", path, err)
	}
	if err == nil {
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("decode document at %s: %w", path, err)
		}
	}

	for k, v := range fields {
		doc[k] = v
	}

	merged, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, path, merged, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", path, err)
	}
	return nil
}

func (s *RedisStore) CreateIfAbsent(ctx context.Context, path string, value any) (bool, []byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, nil, err
	}

	created, err := s.rdb.SetNX(ctx, path, data, 0).Result()
	if err != nil {
		return false, nil, fmt.Errorf("redis setnx %s: %w", path, err)
	}
	if created {
		return true, nil, nil
	}

	// Documents are never deleted, so the losing writer can always read back
	// the winner's record.
	existing, err := s.rdb.Get(ctx, path).Bytes()
	if err != nil {
		return false, nil, fmt.Errorf("redis get %s: %w", path, err)
	}
	return false, existing, nil
}

func (s *RedisStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	result := make(map[string][]byte)

	iter := s.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.rdb.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get %s: %w", key, err)
		}
		result[key] = data
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
	}

	return result, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
