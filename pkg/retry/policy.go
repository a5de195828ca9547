// Package retry implements the per-page retry state machine used by the
// pagination engine.
//
// A page starts in Attempting(0). Success ends it as Succeeded. A rate-limit
// signal waits for the advertised delay and tries again without consuming
// the retry budget. A transient failure waits backoff(n+1) and retries while
// n < MaxRetries, otherwise the page is Skipped. A fatal failure is Skipped
// at once.
package retry

import (
	"context"
	"time"

	"github.com/Sternrassler/conversion-fetch/pkg/page"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry decisions.
var (
	fetchRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_retries_total",
		Help: "Total number of page retries by outcome kind",
	}, []string{"kind"})

	fetchRetryWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fetch_retry_wait_seconds",
		Help:    "Wait before a page retry by outcome kind",
		Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120},
	}, []string{"kind"})

	fetchRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_retry_exhausted_total",
		Help: "Total number of pages given up by outcome kind",
	}, []string{"kind"})
)

// Config holds the retry tunables.
type Config struct {
	// MaxRetries is the number of transient-failure retries after the
	// first attempt. A page is requested at most MaxRetries+1 times.
	MaxRetries int

	// BaseBackoff and MaxBackoff define backoff(n) = min(MaxBackoff, BaseBackoff*n).
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// RateLimitWait is used when a rate-limited response carries no delay.
	RateLimitWait time.Duration

	// MaxRateLimitWaits caps rate-limit retries per page. Zero means unbounded.
	MaxRateLimitWaits int
}

// DefaultConfig returns the retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        5,
		BaseBackoff:       10 * time.Second,
		MaxBackoff:        60 * time.Second,
		RateLimitWait:     30 * time.Second,
		MaxRateLimitWaits: 0,
	}
}

// State is the position of one page in the retry state machine.
type State int

const (
	// StateAttempting means another request will be issued.
	StateAttempting State = iota
	// StateSucceeded is terminal: the page returned records.
	StateSucceeded
	// StateSkipped is terminal: the page failed permanently.
	StateSkipped
	// StateCancelled is terminal: the session context ended first.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateAttempting:
		return "attempting"
	case StateSucceeded:
		return "succeeded"
	case StateSkipped:
		return "skipped"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Decision is the policy verdict for one outcome.
type Decision struct {
	// Next is the state the page moves to.
	Next State
	// Wait is how long to sleep before the next attempt.
	Wait time.Duration
	// ConsumesBudget is true when the retry counts against MaxRetries.
	ConsumesBudget bool
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Event describes one transition, for observers.
type Event struct {
	Cursor   page.Cursor
	Attempt  int
	Outcome  page.Outcome
	Decision Decision
}

// Observer is notified of every transition. It runs on the worker goroutine
// and must not block.
type Observer func(Event)

// Policy drives pages through the retry state machine. A Policy is safe for
// concurrent use: it holds no per-page state.
type Policy struct {
	cfg      Config
	sleep    Sleeper
	observer Observer
}

// Option customizes a Policy.
type Option func(*Policy)

// WithSleeper replaces the timer-based sleeper (tests use a no-op).
func WithSleeper(s Sleeper) Option {
	return func(p *Policy) { p.sleep = s }
}

// WithObserver registers a transition observer.
func WithObserver(o Observer) Option {
	return func(p *Policy) { p.observer = o }
}

// New creates a Policy. Non-positive durations fall back to defaults.
func New(cfg Config, opts ...Option) *Policy {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff < 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.RateLimitWait < 0 {
		cfg.RateLimitWait = def.RateLimitWait
	}

	p := &Policy{cfg: cfg, sleep: timerSleep}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// Backoff returns min(MaxBackoff, BaseBackoff*n).
func (p *Policy) Backoff(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	wait := p.cfg.BaseBackoff * time.Duration(n)
	if wait > p.cfg.MaxBackoff || wait < 0 {
		return p.cfg.MaxBackoff
	}
	return wait
}

// Decide maps an outcome to the next state. retries is the number of
// budget-consuming retries already made, rateLimitWaits the number of
// rate-limit waits already made for this page.
func (p *Policy) Decide(o page.Outcome, retries, rateLimitWaits int) Decision {
	switch o.Kind {
	case page.KindSuccess:
		return Decision{Next: StateSucceeded}
	case page.KindRateLimited:
		if p.cfg.MaxRateLimitWaits > 0 && rateLimitWaits >= p.cfg.MaxRateLimitWaits {
			return Decision{Next: StateSkipped}
		}
		wait := o.RetryAfter
		if wait <= 0 {
			wait = p.cfg.RateLimitWait
		}
		return Decision{Next: StateAttempting, Wait: wait}
	case page.KindTransient:
		if retries < p.cfg.MaxRetries {
			return Decision{Next: StateAttempting, Wait: p.Backoff(retries + 1), ConsumesBudget: true}
		}
		return Decision{Next: StateSkipped}
	default:
		return Decision{Next: StateSkipped}
	}
}

// Result is the terminal report for one page.
type Result struct {
	Cursor  page.Cursor
	State   State
	Outcome page.Outcome

	// Attempts is the number of requests issued.
	Attempts int
	// Retries is the number of budget-consuming retries.
	Retries int
	// RateLimitWaits is the number of rate-limit waits.
	RateLimitWaits int
	// Failures counts transient and fatal attempts. Rate limits are not
	// failures.
	Failures int
	// LastErr is the cause of the most recent failed attempt.
	LastErr error
}

// Attempt issues one request for the cursor.
type Attempt func(ctx context.Context) page.Outcome

// Execute runs the state machine for one page until it reaches a terminal
// state. It never returns an error: failures are reported in the Result.
//
// Cancelling ctx stops new attempts and retry waits. An attempt already
// issued runs to completion, bounded only by its own request timeout.
func (p *Policy) Execute(ctx context.Context, cursor page.Cursor, attempt Attempt) Result {
	res := Result{Cursor: cursor, State: StateAttempting}
	attemptCtx := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			res.State = StateCancelled
			return res
		}

		outcome := attempt(attemptCtx)
		res.Attempts++
		res.Outcome = outcome
		if !outcome.OK() && outcome.Kind != page.KindRateLimited {
			res.Failures++
			if outcome.Cause != nil {
				res.LastErr = outcome.Cause
			}
		}

		// No retry once the session has ended.
		if !outcome.OK() && ctx.Err() != nil {
			res.State = StateCancelled
			return res
		}

		decision := p.Decide(outcome, res.Retries, res.RateLimitWaits)
		p.notify(Event{Cursor: cursor, Attempt: res.Attempts, Outcome: outcome, Decision: decision})

		switch decision.Next {
		case StateSucceeded:
			if res.Attempts > 1 {
				log.Info().
					Int("page", cursor.Page).
					Int("attempts", res.Attempts).
					Msg("Page succeeded after retry")
			}
			res.State = StateSucceeded
			return res

		case StateSkipped:
			fetchRetryExhaustedTotal.WithLabelValues(outcome.Kind.String()).Inc()
			log.Warn().
				Err(res.LastErr).
				Int("page", cursor.Page).
				Int("attempts", res.Attempts).
				Str("kind", outcome.Kind.String()).
				Msg("Giving up on page")
			res.State = StateSkipped
			return res
		}

		if decision.ConsumesBudget {
			res.Retries++
		} else {
			res.RateLimitWaits++
		}

		fetchRetriesTotal.WithLabelValues(outcome.Kind.String()).Inc()
		fetchRetryWaitSeconds.WithLabelValues(outcome.Kind.String()).Observe(decision.Wait.Seconds())

		log.Debug().
			Int("page", cursor.Page).
			Int("attempt", res.Attempts).
			Str("kind", outcome.Kind.String()).
			Dur("wait", decision.Wait).
			Msg("Retrying page after wait")

		if err := p.sleep(ctx, decision.Wait); err != nil {
			log.Warn().
				Int("page", cursor.Page).
				Int("attempt", res.Attempts).
				Msg("Context cancelled during retry wait")
			res.State = StateCancelled
			return res
		}
	}
}

func (p *Policy) notify(e Event) {
	if p.observer != nil {
		p.observer(e)
	}
}

func timerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NoSleep returns immediately unless ctx is done.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
