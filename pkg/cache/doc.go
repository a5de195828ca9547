// Package cache stores successful page responses in Redis so that a repeated
// fetch over the same date range and filters can skip the network.
//
// Only successful outcomes are cached. Entries carry an explicit expiry and
// Redis drops them when it passes.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	manager := cache.NewManager(redisClient)
//
//	key := cache.CacheKey{
//		Endpoint: "/conversions/range",
//		Params:   url.Values{"start_date": []string{"2025-06-01"}},
//		Page:     3,
//	}
//
//	outcome, ok, err := manager.Lookup(ctx, key)
//	if !ok {
//		// fetch the page, then:
//		_ = manager.Store(ctx, key, outcome, 10*time.Minute)
//	}
//
// Get and Set work on raw entries when the expiry needs adjusting.
//
// # Metrics
//
//   - fetch_cache_hits_total{layer="redis"} - Cache hits
//   - fetch_cache_misses_total - Cache misses
//   - fetch_cache_size_bytes{layer="redis"} - Bytes written to the cache
//   - fetch_cache_errors_total{operation} - Cache operation errors
package cache
