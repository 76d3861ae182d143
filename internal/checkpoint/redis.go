package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	appconfig "tickerflow/config"
	"tickerflow/models"
)

// RedisStore keeps the checkpoint as a JSON string under a single key. SET
// replaces the value atomically.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	owned  bool
}

// NewRedisStore connects to the configured server and verifies it with PING.
func NewRedisStore(ctx context.Context, cfg appconfig.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Addr, err)
	}
	store := NewRedisStoreFromClient(client, cfg.Key, cfg.TTL)
	store.owned = true
	return store, nil
}

// NewRedisStoreFromClient wraps an existing client. The caller keeps
// ownership of the client.
func NewRedisStoreFromClient(client *redis.Client, key string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, key: key, ttl: ttl}
}

func (s *RedisStore) Load(ctx context.Context) (*models.CheckpointState, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get checkpoint %s: %w", s.key, err)
	}

	var state models.CheckpointState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", s.key, err)
	}
	if err := validate(state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *RedisStore) Save(ctx context.Context, state models.CheckpointState) error {
	if err := validate(state); err != nil {
		return err
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set checkpoint %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisStore) Describe() string { return "redis:" + s.key }

func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
