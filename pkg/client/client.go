// Package client issues single page requests against the conversions API and
// classifies every reply into a page.Outcome.
package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/conversion-fetch/pkg/cache"
	"github.com/Sternrassler/conversion-fetch/pkg/page"
	"github.com/Sternrassler/conversion-fetch/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for page requests.
var (
	fetchPageRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_page_requests_total",
		Help: "Total page requests by status",
	}, []string{"status"})

	fetchPageRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fetch_page_request_duration_seconds",
		Help:    "Page request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	fetchPageErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_page_errors_total",
		Help: "Total page request errors by class",
	}, []string{"class"})
)

// Client fetches single pages. It keeps no per-session state and is safe
// for concurrent use.
type Client struct {
	transport Transport
	auth      TokenSource
	tracker   *ratelimit.Tracker
	pacer     *ratelimit.Pacer
	cache     *cache.Manager
	config    Config
	endpoint  string
	logger    zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API root (e.g., "https://api.involve.asia/api")
	BaseURL string

	// ConversionsPath is appended to BaseURL for page requests
	ConversionsPath string

	// UserAgent header sent with every request
	UserAgent string

	// RequestTimeout bounds one request including body read
	RequestTimeout time.Duration

	// RateLimitWait is used for a 429 without Retry-After
	RateLimitWait time.Duration

	// CacheTTL enables the page cache when > 0 and Cache is set
	CacheTTL time.Duration

	// Transport defaults to an HTTPTransport
	Transport Transport

	// Auth supplies the bearer token (REQUIRED)
	Auth TokenSource

	// Tracker shares server cooldowns between workers (optional)
	Tracker *ratelimit.Tracker

	// Pacer spaces requests (optional)
	Pacer *ratelimit.Pacer

	// Cache stores successful pages (optional)
	Cache *cache.Manager
}

// DefaultConfig returns a configuration with the API defaults.
func DefaultConfig(baseURL, userAgent string, auth TokenSource) Config {
	return Config{
		BaseURL:         baseURL,
		ConversionsPath: "/conversions/range",
		UserAgent:       userAgent,
		RequestTimeout:  30 * time.Second,
		RateLimitWait:   30 * time.Second,
		Auth:            auth,
	}
}

// New creates a page client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, eris.New("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, eris.Wrap(err, "parse base url")
	}
	if cfg.UserAgent == "" {
		return nil, eris.New("user-agent is required")
	}
	if cfg.Auth == nil {
		return nil, eris.New("token source is required")
	}
	if cfg.RequestTimeout <= 0 {
		return nil, eris.Errorf("request timeout must be > 0 (got %s)", cfg.RequestTimeout)
	}
	if cfg.RateLimitWait <= 0 {
		cfg.RateLimitWait = 30 * time.Second
	}

	transport := cfg.Transport
	if transport == nil {
		transport = NewHTTPTransport(nil)
	}

	return &Client{
		transport: transport,
		auth:      cfg.Auth,
		tracker:   cfg.Tracker,
		pacer:     cfg.Pacer,
		cache:     cfg.Cache,
		config:    cfg,
		endpoint:  strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(cfg.ConversionsPath, "/"),
		logger:    log.With().Str("component", "page-client").Logger(),
	}, nil
}

// FetchPage issues one request for cursor and classifies the reply. It
// never returns an error: every failure is folded into the outcome.
func (c *Client) FetchPage(ctx context.Context, cursor page.Cursor, req page.Request) page.Outcome {
	form := c.formFor(cursor, req)

	// Step 1: Check Cache
	cacheKey := c.cacheKey(cursor, req, form)
	if c.cacheEnabled() {
		cached, ok, err := c.cache.Lookup(ctx, cacheKey)
		if err != nil {
			c.logger.Warn().Err(err).Int("page", cursor.Page).Msg("Cache get error")
		}
		if ok {
			fetchPageRequestsTotal.WithLabelValues("cached").Inc()
			c.logger.Debug().Int("page", cursor.Page).Msg("Page served from cache")
			return cached
		}
	}

	// Step 2: Check Cooldown
	if c.tracker != nil {
		allowed, remaining, err := c.tracker.ShouldAllowRequest(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Cooldown check failed")
		} else if !allowed {
			fetchPageRequestsTotal.WithLabelValues("cooldown").Inc()
			return page.RateLimited(remaining)
		}
	}

	// Step 3: Pace
	if err := c.pacer.Wait(ctx); err != nil {
		return c.fail(cursor, &PageError{Class: ErrorClassNetwork, Message: "pacer", Err: err})
	}

	// Step 4: Authenticate
	token, err := c.auth.Token(ctx)
	if err != nil {
		var pe *PageError
		if !errors.As(err, &pe) {
			pe = &PageError{Class: ErrorClassAuth, Err: err}
		}
		return c.fail(cursor, pe)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("Accept", "application/json")
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	header.Set("User-Agent", c.config.UserAgent)

	// Step 5: Send
	c.logger.Debug().
		Int("page", cursor.Page).
		Int("limit", req.PageSize).
		Msg("Requesting page")

	start := time.Now()
	resp, err := c.transport.Send(ctx, TransportRequest{
		Method:  http.MethodPost,
		URL:     c.endpoint,
		Header:  header,
		Body:    []byte(form.Encode()),
		Timeout: c.config.RequestTimeout,
	})
	fetchPageRequestDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		fetchPageRequestsTotal.WithLabelValues("transport_error").Inc()
		return c.fail(cursor, &PageError{Class: classifyTransportError(err), Err: err})
	}

	fetchPageRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	// Step 6: Classify Status
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		class := classifyStatus(resp.StatusCode)
		if class == ErrorClassRateLimit {
			return c.rateLimited(ctx, cursor, resp)
		}
		return c.fail(cursor, &PageError{
			Class:      class,
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
		})
	}

	// Step 7: Parse
	parsed, err := parsePage(resp.Body, cursor, req.PageSize)
	if err != nil {
		return c.fail(cursor, &PageError{Class: ErrorClassParse, StatusCode: resp.StatusCode, Err: err})
	}

	outcome := page.Success(parsed.Records, parsed.ReportedTotal, parsed.ReportedLimit, parsed.Next)

	// Step 8: Update Cache
	if c.cacheEnabled() {
		if err := c.cache.Store(ctx, cacheKey, outcome, c.config.CacheTTL); err != nil {
			c.logger.Warn().Err(err).Int("page", cursor.Page).Msg("Failed to cache page")
		}
	}

	c.logger.Debug().
		Int("page", cursor.Page).
		Int("records", len(parsed.Records)).
		Int("reported_total", parsed.ReportedTotal).
		Bool("has_next", parsed.Next != nil).
		Msg("Page fetched")

	return outcome
}

// rateLimited turns a 429 into a RateLimited outcome and publishes the
// cooldown.
func (c *Client) rateLimited(ctx context.Context, cursor page.Cursor, resp *TransportResponse) page.Outcome {
	fetchPageErrorsTotal.WithLabelValues(string(ErrorClassRateLimit)).Inc()

	var wait time.Duration
	if c.tracker != nil {
		var err error
		wait, err = c.tracker.UpdateFromResponse(ctx, resp.StatusCode, resp.Header, c.config.RateLimitWait)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to publish cooldown")
		}
	} else {
		wait = ratelimit.ParseRetryAfter(resp.Header, time.Now())
		if wait <= 0 {
			wait = c.config.RateLimitWait
		}
	}

	c.logger.Warn().
		Int("page", cursor.Page).
		Dur("retry_after", wait).
		Msg("Page rate limited")

	return page.RateLimited(wait)
}

func (c *Client) fail(cursor page.Cursor, err *PageError) page.Outcome {
	fetchPageErrorsTotal.WithLabelValues(string(err.Class)).Inc()

	c.logger.Warn().
		Err(err).
		Int("page", cursor.Page).
		Str("error_class", string(err.Class)).
		Msg("Page request failed")

	return outcomeFor(err)
}

// formFor builds the form body for one page.
func (c *Client) formFor(cursor page.Cursor, req page.Request) url.Values {
	form := url.Values{}
	form.Set("page", strconv.Itoa(cursor.Page))
	form.Set("limit", strconv.Itoa(req.PageSize))
	form.Set("start_date", req.StartDate.Format(page.DateLayout))
	form.Set("end_date", req.EndDate.Format(page.DateLayout))
	if req.Currency != "" {
		form.Set("filters[preferred_currency]", req.Currency)
	}
	for k, v := range req.Filters {
		form.Set("filters["+k+"]", v)
	}
	if cursor.Token != "" {
		form.Set("cursor", cursor.Token)
	}
	return form
}

func (c *Client) cacheKey(cursor page.Cursor, req page.Request, form url.Values) cache.CacheKey {
	params := url.Values{}
	for k, v := range form {
		if k == "page" || k == "limit" || k == "cursor" {
			continue
		}
		params[k] = v
	}
	return cache.CacheKey{
		Endpoint: c.config.ConversionsPath,
		Params:   params,
		Limit:    req.PageSize,
		Page:     cursor.Page,
		Token:    cursor.Token,
	}
}

func (c *Client) cacheEnabled() bool {
	return c.cache != nil && c.config.CacheTTL > 0
}
