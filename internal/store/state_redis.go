package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/authbridge/authbridge/internal/crypto"
)

// RedisStateStore is a Redis-backed implementation of StateStore.
type RedisStateStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStateStore creates a new Redis-backed state store.
func NewRedisStateStore(client *redis.Client, prefix string) *RedisStateStore {
	if prefix == "" {
		prefix = "state:"
	}
	return &RedisStateStore{
		client: client,
		prefix: prefix,
		ttl:    StateTTL,
	}
}

// Issue generates an opaque token and persists the state with an expiry.
func (s *RedisStateStore) Issue(ctx context.Context, redirectURL, linkingUserID string) (string, error) {
	token, err := crypto.NewStateToken()
	if err != nil {
		return "", err
	}

	data := StateData{
		RedirectURL:   redirectURL,
		LinkingUserID: linkingUserID,
		IssuedAt:      time.Now(),
	}

	jsonData, err := json.Marshal(&data)
	if err != nil {
		return "", fmt.Errorf("marshaling state data: %w", err)
	}

	if err := s.client.Set(ctx, s.prefix+token, jsonData, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("storing state: %w", err)
	}

	return token, nil
}

// Verify looks up the state without deleting it.
func (s *RedisStateStore) Verify(ctx context.Context, token string) (*StateData, error) {
	jsonData, err := s.client.Get(ctx, s.prefix+token).Bytes()
	if err == redis.Nil {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting state: %w", err)
	}

	var data StateData
	if err := json.Unmarshal(jsonData, &data); err != nil {
		return nil, fmt.Errorf("unmarshaling state data: %w", err)
	}

	return &data, nil
}

// Consume deletes the state, making any subsequent Verify fail.
func (s *RedisStateStore) Consume(ctx context.Context, token string) error {
	n, err := s.client.Del(ctx, s.prefix+token).Result()
	if err != nil {
		return fmt.Errorf("deleting state: %w", err)
	}
	if n == 0 {
		return ErrStateNotFound
	}
	return nil
}
