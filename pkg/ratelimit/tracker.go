package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	fetchRateLimitHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetch_rate_limit_hits_total",
		Help: "Total number of rate-limit responses from the API",
	})

	fetchRateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetch_rate_limit_blocks_total",
		Help: "Total number of requests held back by an active cooldown",
	})

	fetchRateLimitCooldownSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fetch_rate_limit_cooldown_seconds",
		Help: "Length of the most recent cooldown window",
	})
)

// Tracker records server cooldowns and gates requests while one is open.
type Tracker struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time

	// mu serializes read-modify-write on the store within this process.
	mu sync.Mutex
}

// NewTracker creates a tracker. A nil store falls back to a MemoryStore.
func NewTracker(store Store, logger zerolog.Logger) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// GetState returns the current cooldown state.
func (t *Tracker) GetState(ctx context.Context) (*CooldownState, error) {
	state, err := t.store.Load(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "load cooldown state")
	}
	return state, nil
}

// RecordRateLimit opens (or extends) the cooldown window for wait.
func (t *Tracker) RecordRateLimit(ctx context.Context, wait time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.store.Load(ctx)
	if err != nil {
		return eris.Wrap(err, "load cooldown state")
	}

	now := t.now()
	state.Extend(now, wait)

	if err := t.store.Save(ctx, state); err != nil {
		return eris.Wrap(err, "save cooldown state")
	}

	fetchRateLimitHitsTotal.Inc()
	fetchRateLimitCooldownSeconds.Set(wait.Seconds())

	t.logger.Warn().
		Dur("wait", wait).
		Time("until", state.Until).
		Int64("hits", state.Hits).
		Msg("Rate limited by API - cooldown opened")

	return nil
}

// UpdateFromResponse opens a cooldown when status is 429. It returns the
// wait derived from Retry-After, or fallback when the header is absent.
func (t *Tracker) UpdateFromResponse(ctx context.Context, status int, headers http.Header, fallback time.Duration) (time.Duration, error) {
	if status != http.StatusTooManyRequests {
		return 0, nil
	}

	wait := ParseRetryAfter(headers, t.now())
	if wait <= 0 {
		wait = fallback
	}

	if err := t.RecordRateLimit(ctx, wait); err != nil {
		return wait, err
	}
	return wait, nil
}

// ShouldAllowRequest reports whether a request may go out now. When a
// cooldown is open it returns false and the time left.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, time.Duration, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, 0, eris.Wrap(err, "get cooldown state")
	}

	now := t.now()
	if state.Active(now) {
		remaining := state.Remaining(now)
		t.logger.Debug().
			Dur("remaining", remaining).
			Msg("Cooldown active - holding request")

		fetchRateLimitBlocksTotal.Inc()
		return false, remaining, nil
	}

	return true, 0, nil
}

// ParseRetryAfter reads the Retry-After header as delta-seconds or an
// HTTP date. It returns 0 when the header is missing or unparsable.
func ParseRetryAfter(headers http.Header, now time.Time) time.Duration {
	value := strings.TrimSpace(headers.Get("Retry-After"))
	if value == "" {
		return 0
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}

	return 0
}
