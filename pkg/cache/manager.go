package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Sternrassler/conversion-fetch/pkg/page"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = eris.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = eris.New("invalid cache entry")
)

// Manager handles page caching with a Redis backend.
type Manager struct {
	redis *redis.Client
}

// NewManager creates a new cache manager with Redis backend.
func NewManager(redisClient *redis.Client) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Manager{
		redis: redisClient,
	}
}

// Get retrieves a cache entry by key.
// Returns ErrCacheMiss if the key doesn't exist or entry is expired.
func (m *Manager) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	cacheKey := key.String()

	data, err := m.redis.Get(ctx, cacheKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, eris.Wrap(err, "redis get")
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, eris.Wrapf(ErrInvalidEntry, "%v", err)
	}

	if entry.IsExpired() {
		_ = m.Delete(ctx, key)
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues("redis").Inc()

	return &entry, nil
}

// Set stores a cache entry with TTL based on the entry's Expires field.
func (m *Manager) Set(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		return eris.New("cache entry cannot be nil")
	}

	ttl := entry.TTL()
	if ttl <= 0 {
		// Already expired, don't cache
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return eris.Wrap(err, "marshal cache entry")
	}

	if err := m.redis.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return eris.Wrap(err, "redis set")
	}

	CacheSize.WithLabelValues("redis").Add(float64(len(data)))

	return nil
}

// Delete removes a cache entry.
func (m *Manager) Delete(ctx context.Context, key CacheKey) error {
	if err := m.redis.Del(ctx, key.String()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return eris.Wrap(err, "redis del")
	}

	return nil
}

// Lookup returns the cached outcome for key. ok is false on a miss; err is
// set only when the cache itself failed.
func (m *Manager) Lookup(ctx context.Context, key CacheKey) (o page.Outcome, ok bool, err error) {
	entry, err := m.Get(ctx, key)
	switch {
	case err == nil:
		return entry.Outcome(), true, nil
	case errors.Is(err, ErrCacheMiss):
		return page.Outcome{}, false, nil
	default:
		return page.Outcome{}, false, err
	}
}

// Store caches a successful outcome for ttl. Failures are ignored.
func (m *Manager) Store(ctx context.Context, key CacheKey, o page.Outcome, ttl time.Duration) error {
	entry := EntryFromOutcome(o, ttl)
	if entry == nil {
		return nil
	}
	return m.Set(ctx, key, entry)
}
