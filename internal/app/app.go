// Package app assembles the gateways and session manager from configuration.
// Both binaries build on it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/timemachine/internal/config"
	"github.com/atmx/timemachine/internal/marketdata"
	"github.com/atmx/timemachine/internal/news"
	"github.com/atmx/timemachine/internal/provider"
	"github.com/atmx/timemachine/internal/ratelimit"
	"github.com/atmx/timemachine/internal/session"
	"github.com/atmx/timemachine/internal/store"
	"github.com/atmx/timemachine/internal/synthetic"
)

// App holds the wired components.
type App struct {
	Market   *marketdata.Gateway
	News     *news.Gateway
	Sessions *session.Manager
	Limiter  *ratelimit.Limiter

	cleanup []func()
}

// Build wires the provider cascades, caches and session manager. Call Close
// when done.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{}

	client := provider.NewClient(cfg.ProviderTimeout, cfg.RelayURL)
	reg := provider.NewRegistry(client, provider.Keys{
		AlphaVantage: cfg.AlphaVantageKey,
		Finnhub:      cfg.FinnhubToken,
		IEX:          cfg.IEXToken,
		Polygon:      cfg.PolygonKey,
	})

	quotes, err := reg.Quotes(cfg.Providers.Quotes)
	if err != nil {
		return nil, err
	}
	history, err := reg.History(cfg.Providers.History)
	if err != nil {
		return nil, err
	}
	sources, err := reg.News(cfg.Providers.News)
	if err != nil {
		return nil, err
	}

	// --- Cache ---
	var cache store.MarketCache
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("%w: REDIS_URL: %v", config.ErrInvalid, err)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, cache calls will miss", "err", err)
		}
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		cache = store.NewRedisCache(rdb, cfg.QuoteTTL, cfg.BarsTTL)
		logger.Info("Redis cache enabled")
	} else {
		cache = store.NewMemoryCache(cfg.QuoteTTL, cfg.BarsTTL)
	}

	// --- Market data ---
	a.Limiter = ratelimit.New(cfg.RateLimitCalls, cfg.RateLimitWindow)
	mcfg := marketdata.Config{
		Quotes:           quotes,
		History:          history,
		Limiter:          a.Limiter,
		Searcher:         reg.Free,
		Intraday:         reg.Free,
		Cache:            cache,
		Synthetic:        synthetic.NewFromClock(),
		SyntheticHistory: cfg.SyntheticFallback,
		Timeout:          cfg.ProviderTimeout,
		Logger:           logger,
	}
	if reg.Primary != nil {
		mcfg.Primary = reg.Primary
		mcfg.Searcher = reg.Primary
		mcfg.SearchViaPrimary = true
	} else {
		logger.Warn("ALPHA_VANTAGE_API_KEY not set, primary provider disabled")
	}
	a.Market = marketdata.New(mcfg)

	// --- News ---
	a.News = news.New(news.Config{
		Sources: sources,
		Timeout: cfg.ProviderTimeout,
		Logger:  logger,
	})

	// --- Sessions ---
	a.Sessions = session.NewManager(session.Deps{
		Market:       a.Market,
		News:         a.News,
		Trades:       store.NewMemoryTradeLog(),
		StartingCash: cfg.StartingCash,
		Logger:       logger,
	})
	a.cleanup = append(a.cleanup, a.Sessions.Close)

	return a, nil
}

// Close releases the sessions and the cache connection, newest first.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}
