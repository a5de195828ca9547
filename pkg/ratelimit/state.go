// Package ratelimit tracks server-imposed cooldowns and paces outgoing page
// requests. A 429 response opens a cooldown window that is shared through the
// configured Store (Redis or in-process), so that concurrent workers and
// sibling processes stop hammering the API until the window closes.
package ratelimit

import (
	"time"
)

// Redis keys for cooldown state storage.
const (
	RedisKeyCooldownUntil = "convfetch:rate_limit:cooldown_until"
	RedisKeyHits          = "convfetch:rate_limit:hits"
	RedisKeyLastUpdate    = "convfetch:rate_limit:last_update"
)

// CooldownState is the shared rate-limit state.
type CooldownState struct {
	// Until is when the server allows requests again. Zero means no cooldown.
	Until time.Time `json:"until"`

	// Hits counts rate-limit responses seen since the store was created.
	Hits int64 `json:"hits"`

	// LastUpdate is when the state was last written.
	LastUpdate time.Time `json:"last_update"`
}

// Active reports whether the cooldown window is still open at now.
func (s *CooldownState) Active(now time.Time) bool {
	return !s.Until.IsZero() && now.Before(s.Until)
}

// Remaining returns the time left in the cooldown window, or 0.
func (s *CooldownState) Remaining(now time.Time) time.Duration {
	if !s.Active(now) {
		return 0
	}
	return s.Until.Sub(now)
}

// Extend moves Until forward to now+wait. A shorter window never replaces a
// longer one.
func (s *CooldownState) Extend(now time.Time, wait time.Duration) {
	until := now.Add(wait)
	if until.After(s.Until) {
		s.Until = until
	}
	s.Hits++
	s.LastUpdate = now
}
