package ratelimit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// Store persists CooldownState.
type Store interface {
	// Load returns the current state. A missing state is a zero CooldownState.
	Load(ctx context.Context) (*CooldownState, error)
	// Save replaces the current state.
	Save(ctx context.Context, state *CooldownState) error
}

// RedisStore keeps cooldown state in Redis so sibling processes share it.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{redis: client}
}

// Load reads the cooldown state from Redis.
func (s *RedisStore) Load(ctx context.Context) (*CooldownState, error) {
	untilUnixMilli, err := s.redis.Get(ctx, RedisKeyCooldownUntil).Int64()
	if err != nil && err != redis.Nil {
		return nil, eris.Wrap(err, "get cooldown until")
	}

	hits, err := s.redis.Get(ctx, RedisKeyHits).Int64()
	if err != nil && err != redis.Nil {
		return nil, eris.Wrap(err, "get rate limit hits")
	}

	lastUpdateStr, err := s.redis.Get(ctx, RedisKeyLastUpdate).Result()
	if err != nil && err != redis.Nil {
		return nil, eris.Wrap(err, "get last update")
	}

	state := &CooldownState{Hits: hits}
	if untilUnixMilli > 0 {
		state.Until = time.UnixMilli(untilUnixMilli)
	}
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &state.LastUpdate); err != nil {
			return nil, eris.Wrap(err, "parse last update")
		}
	}

	return state, nil
}

// Save writes the cooldown state atomically. Keys expire with the window.
func (s *RedisStore) Save(ctx context.Context, state *CooldownState) error {
	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return eris.Wrap(err, "marshal last update")
	}

	ttl := time.Until(state.Until)
	if ttl < time.Second {
		ttl = time.Second
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, RedisKeyCooldownUntil, state.Until.UnixMilli(), ttl)
	pipe.Set(ctx, RedisKeyHits, state.Hits, 0)
	pipe.Set(ctx, RedisKeyLastUpdate, lastUpdateJSON, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return eris.Wrap(err, "store cooldown state in redis")
	}
	return nil
}

// MemoryStore keeps cooldown state in process.
type MemoryStore struct {
	mu    sync.Mutex
	state CooldownState
}

// NewMemoryStore creates an in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a copy of the current state.
func (s *MemoryStore) Load(_ context.Context) (*CooldownState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	return &st, nil
}

// Save replaces the current state.
func (s *MemoryStore) Save(_ context.Context, state *CooldownState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = *state
	return nil
}
