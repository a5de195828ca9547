// Package app wires configuration into a ready-to-use fetch engine.
package app

import (
	"context"
	"strings"
	"time"

	"github.com/Sternrassler/conversion-fetch/internal/config"
	"github.com/Sternrassler/conversion-fetch/pkg/cache"
	"github.com/Sternrassler/conversion-fetch/pkg/client"
	"github.com/Sternrassler/conversion-fetch/pkg/logging"
	"github.com/Sternrassler/conversion-fetch/pkg/monitor"
	"github.com/Sternrassler/conversion-fetch/pkg/page"
	"github.com/Sternrassler/conversion-fetch/pkg/pagination"
	"github.com/Sternrassler/conversion-fetch/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// App holds the long-lived components shared by every fetch session.
type App struct {
	Config  *config.Config
	Client  *client.Client
	Engine  *pagination.Engine
	Redis   *redis.Client
	Monitor *monitor.ResourceMonitor

	engineOpts []pagination.Option
}

// Option customizes New.
type Option func(*options)

type options struct {
	transport     client.Transport
	engineOptions []pagination.Option
}

// WithTransport replaces the HTTP transport of the page client and the
// authenticator.
func WithTransport(t client.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithEngineOptions passes options to the engine.
func WithEngineOptions(opts ...pagination.Option) Option {
	return func(o *options) { o.engineOptions = append(o.engineOptions, opts...) }
}

// New connects to Redis when configured and builds the page client and the
// engine. Close releases what New opened.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := logging.NewLogger("app")
	a := &App{Config: cfg}

	// Redis
	var store ratelimit.Store
	var pageCache *cache.Manager
	if cfg.RedisEnabled() {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, eris.Wrapf(err, "connect to redis at %s", cfg.Redis.Addr)
		}
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")

		store = ratelimit.NewRedisStore(a.Redis)
		if cfg.Cache.TTL > 0 {
			pageCache = cache.NewManager(a.Redis)
		}
	}

	// Page client
	transport := o.transport
	if transport == nil {
		transport = client.NewHTTPTransport(nil)
	}

	base := strings.TrimRight(cfg.API.BaseURL, "/")
	auth := client.NewHTTPAuthenticator(
		base+cfg.API.AuthPath,
		cfg.API.Secret,
		cfg.API.Key,
		cfg.API.UserAgent,
		cfg.Fetch.RequestTimeout,
		transport,
	)

	clientCfg := client.DefaultConfig(base, cfg.API.UserAgent, auth)
	clientCfg.ConversionsPath = cfg.API.ConversionsPath
	clientCfg.RequestTimeout = cfg.Fetch.RequestTimeout
	clientCfg.RateLimitWait = cfg.Fetch.RateLimitWait
	clientCfg.Transport = transport
	clientCfg.Tracker = ratelimit.NewTracker(store, logging.NewLogger("ratelimit"))
	clientCfg.Pacer = ratelimit.NewPacer(cfg.Fetch.RequestsPerSecond, cfg.PaginationConfig().MaxConcurrency)
	clientCfg.Cache = pageCache
	clientCfg.CacheTTL = cfg.Cache.TTL

	c, err := client.New(clientCfg)
	if err != nil {
		a.Close()
		return nil, eris.Wrap(err, "create page client")
	}
	a.Client = c

	// Engine
	engineOpts := o.engineOptions
	if cfg.Monitor.Enabled {
		a.Monitor = monitor.NewResourceMonitor(cfg.Monitor.Buffer, monitor.WithLogger(logging.NewLogger("monitor")))
		engineOpts = append([]pagination.Option{pagination.WithMonitor(a.Monitor)}, engineOpts...)
	}

	a.engineOpts = engineOpts
	a.Engine = pagination.NewEngine(c, cfg.PaginationConfig(), engineOpts...)

	return a, nil
}

// EngineWithCap returns an engine that stops at recordCap records. A
// non-positive cap returns the configured engine.
func (a *App) EngineWithCap(recordCap int) *pagination.Engine {
	if recordCap <= 0 {
		return a.Engine
	}
	cfg := a.Engine.Config()
	cfg.RecordCap = recordCap
	return pagination.NewEngine(a.Client, cfg, a.engineOpts...)
}

// NewRequest builds a session request from the configured defaults. An
// empty currency keeps the configured one.
func (a *App) NewRequest(start, end time.Time, currency string, filters map[string]string) page.Request {
	if currency == "" {
		currency = a.Config.API.Currency
	}
	return page.Request{
		StartDate: start,
		EndDate:   end,
		PageSize:  a.Config.Fetch.PageSize,
		Currency:  currency,
		Filters:   filters,
	}
}

// Close stops the monitor and closes the Redis connection.
func (a *App) Close() {
	if a.Monitor != nil {
		a.Monitor.Close()
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(page.DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "invalid date %q (want YYYY-MM-DD)", s)
	}
	return t, nil
}
