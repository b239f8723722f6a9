package app

import (
	"context"
	"fmt"
	"log/slog"

	npCache "github.com/nulpointcorp/keypool-gateway/internal/cache"
	"github.com/nulpointcorp/keypool-gateway/internal/config"
	"github.com/nulpointcorp/keypool-gateway/internal/continuation"
	"github.com/nulpointcorp/keypool-gateway/internal/credential"
	"github.com/nulpointcorp/keypool-gateway/internal/dispatch"
	"github.com/nulpointcorp/keypool-gateway/internal/logger"
	"github.com/nulpointcorp/keypool-gateway/internal/metrics"
	"github.com/nulpointcorp/keypool-gateway/internal/proxy"
	"github.com/nulpointcorp/keypool-gateway/internal/ratelimit"
	"github.com/nulpointcorp/keypool-gateway/internal/upstream"
	anthropicdrv "github.com/nulpointcorp/keypool-gateway/internal/upstream/anthropic"
	geminidrv "github.com/nulpointcorp/keypool-gateway/internal/upstream/gemini"
	openaidrv "github.com/nulpointcorp/keypool-gateway/internal/upstream/openai"
)

// initInfra establishes optional external connections. Redis is only required
// when the credential store or the cache uses it.
func (a *App) initInfra(ctx context.Context) error {
	needRedis := a.cfg.Cache.Mode == "redis" || a.cfg.Credentials.StoreMode == "redis"
	if needRedis {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initServices creates the cache backend, Prometheus metrics registry, and
// the async request logger (with its optional ClickHouse sink).
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	var sink logger.Sink
	if a.cfg.ClickHouse.URL != "" {
		ch, err := logger.NewClickHouseSink(ctx, a.cfg.ClickHouse.URL)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		sink = ch
		a.log.Info("request log sink: clickhouse")
	}

	reqLogger, err := logger.New(a.baseCtx, a.log, sink)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initCredentials builds the credential store and loads the pool from it.
func (a *App) initCredentials(ctx context.Context) error {
	var refresher *credential.TokenRefresher
	if a.cfg.Credentials.OAuthTokenURL != "" {
		refresher = credential.NewTokenRefresher(
			a.cfg.Credentials.OAuthTokenURL,
			a.cfg.Credentials.OAuthClientID,
			a.cfg.Credentials.OAuthClientSecret,
		)
		a.log.Info("token refresher enabled",
			slog.String("token_url", redactURL(a.cfg.Credentials.OAuthTokenURL)))
	}

	var store credential.Store
	switch a.cfg.Credentials.StoreMode {
	case "file":
		fs, err := credential.NewFileStore(a.cfg.Credentials.Dir, refresher)
		if err != nil {
			return fmt.Errorf("file store: %w", err)
		}
		store = fs
		a.log.Info("credential store: file", slog.String("dir", a.cfg.Credentials.Dir))

	case "redis":
		store = credential.NewRedisStore(a.rdb, refresher)
		a.log.Info("credential store: redis")

	default:
		return fmt.Errorf("unknown credential store: %s", a.cfg.Credentials.StoreMode)
	}

	pool, err := credential.NewPool(a.baseCtx, store, credential.PoolOptions{
		Logger:         a.log,
		Metrics:        a.prom,
		RefreshTimeout: a.cfg.Credentials.RefreshTimeout,
		BanCooldown:    a.cfg.Credentials.BanCooldown,
	})
	if err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	a.pool = pool

	a.log.Info("credential pool loaded",
		slog.Int("total", pool.Len()),
		slog.Int("active", pool.ActiveCount()),
	)

	return nil
}

// initGateway wires the upstream driver, dispatcher, continuation engine,
// and the HTTP proxy with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	driver, err := buildDriver(a.cfg)
	if err != nil {
		return err
	}

	disp := dispatch.New(a.pool, driver, dispatch.Config{
		MaxRetries:        a.cfg.Dispatch.MaxRetries,
		BackoffBase:       a.cfg.Dispatch.BackoffBase,
		RetryDelay:        a.cfg.Dispatch.RetryDelay,
		PerAttemptTimeout: a.cfg.Dispatch.PerAttemptTimeout,
		AutoBan:           a.cfg.Credentials.AutoBan,
	}, dispatch.Options{
		Logger:  a.log,
		Metrics: a.prom,
	})

	eng := continuation.New(disp, continuation.Options{
		Logger:           a.log,
		Metrics:          a.prom,
		MaxContinuations: a.cfg.Continuation.MaxContinuations,
	})

	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl npCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	// ── Build the gateway ────────────────────────────────────────────────────
	gw := proxy.NewGateway(a.baseCtx, disp, eng, a.pool, driver, cacheImpl, proxy.GatewayOptions{
		Logger:     a.log,
		Metrics:    a.prom,
		CacheTTL:   a.cfg.Cache.TTL,
		CacheReady: cacheReady,
	})

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiters(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	// Async request logger (slog or ClickHouse, see initServices).
	gw.SetLogger(a.reqLogger)

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// buildDriver creates the single upstream driver this process serves.
func buildDriver(cfg *config.Config) (upstream.Caller, error) {
	baseURL := cfg.Upstream.BaseURL

	switch cfg.Upstream.Provider {
	case "gemini":
		var opts []geminidrv.Option
		if baseURL != "" {
			opts = append(opts, geminidrv.WithBaseURL(baseURL))
		}
		return geminidrv.New(opts...), nil

	case "openai":
		var opts []openaidrv.Option
		if baseURL != "" {
			opts = append(opts, openaidrv.WithBaseURL(baseURL))
		}
		return openaidrv.New(opts...), nil

	case "anthropic":
		var opts []anthropicdrv.Option
		if baseURL != "" {
			opts = append(opts, anthropicdrv.WithBaseURL(baseURL))
		}
		return anthropicdrv.New(opts...), nil

	default:
		return nil, fmt.Errorf("unknown upstream provider: %s", cfg.Upstream.Provider)
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
