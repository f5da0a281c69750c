// Package marketdata resolves quotes, daily history, symbol search and
// intraday series from an ordered cascade of providers.
//
// Each request walks the free providers strictly in order and takes the
// first valid, non-empty answer. A provider error, timeout or empty answer
// is a soft failure: it is logged, counted, and the next provider is tried.
// When the free list is exhausted the quota-limited primary (a keyed Alpha
// Vantage account) is consulted through the rate limiter. When that fails
// too, quotes degrade to a synthetic snapshot and history to a synthetic
// random walk, so callers always get something to render.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/atmx/timemachine/internal/metrics"
	"github.com/atmx/timemachine/internal/model"
	"github.com/atmx/timemachine/internal/provider"
	"github.com/atmx/timemachine/internal/ratelimit"
	"github.com/atmx/timemachine/internal/store"
	"github.com/atmx/timemachine/internal/synthetic"
)

// Data kinds used in logs and metric labels.
const (
	KindQuote    = "quote"
	KindHistory  = "history"
	KindSearch   = "search"
	KindIntraday = "intraday"
)

// DefaultTimeout bounds each individual provider call.
const DefaultTimeout = 8 * time.Second

// Primary is the quota-limited source consulted after the free cascade.
type Primary interface {
	provider.QuoteProvider
	provider.HistoryProvider
	provider.IntradayProvider
}

// Config wires a Gateway.
type Config struct {
	Quotes  []provider.QuoteProvider
	History []provider.HistoryProvider

	// Primary is optional; without it exhaustion goes straight to the
	// synthetic fallback.
	Primary Primary
	Limiter *ratelimit.Limiter

	// Searcher serves symbol search. When SearchViaPrimary is set searches
	// are charged to the limiter too.
	Searcher         provider.SymbolSearcher
	SearchViaPrimary bool

	// Intraday serves intraday bars when there is no Primary.
	Intraday provider.IntradayProvider

	Cache     store.MarketCache
	Synthetic *synthetic.Generator

	// SyntheticHistory enables the random-walk history fallback. When off,
	// an exhausted history cascade returns an empty series.
	SyntheticHistory bool

	Timeout time.Duration
	Logger  *slog.Logger
	Now     func() time.Time
}

// Gateway is the market data entry point. Safe for concurrent use.
type Gateway struct {
	cfg    Config
	log    *slog.Logger
	quotes singleflight.Group
}

// New creates a gateway, filling defaults for the limiter, timeout, logger,
// clock and synthetic generator.
func New(cfg Config) *Gateway {
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(ratelimit.DefaultMaxCalls, ratelimit.DefaultWindow)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Synthetic == nil {
		cfg.Synthetic = synthetic.NewFromClock()
	}
	return &Gateway{
		cfg: cfg,
		log: cfg.Logger.With("component", "marketdata"),
	}
}

// --- Quotes ---

// GetCurrentQuote returns the latest quote for symbol. It only fails with a
// *RateLimitedError (or a cancelled ctx); every other failure degrades to a
// synthetic quote. Concurrent calls for one symbol share a single cascade,
// which runs detached from any one caller: a caller that gives up gets its
// own ctx error and leaves the lookup running for the others.
func (g *Gateway) GetCurrentQuote(ctx context.Context, symbol string) (model.Quote, error) {
	if g.cfg.Cache != nil {
		if q, ok := g.cfg.Cache.GetQuote(ctx, symbol); ok {
			metrics.ObserveProvider(KindQuote, "cache", metrics.OutcomeCacheHit, 0)
			return *q, nil
		}
	}

	shared := context.WithoutCancel(ctx)
	ch := g.quotes.DoChan(symbol, func() (any, error) {
		return g.resolveQuote(shared, symbol)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return model.Quote{}, res.Err
		}
		return res.Val.(model.Quote), nil
	case <-ctx.Done():
		return model.Quote{}, ctx.Err()
	}
}

func (g *Gateway) resolveQuote(ctx context.Context, symbol string) (model.Quote, error) {
	for _, p := range g.cfg.Quotes {
		if err := ctx.Err(); err != nil {
			return model.Quote{}, err
		}
		if q, ok := g.tryQuote(ctx, p, symbol); ok {
			return q, nil
		}
	}

	if g.cfg.Primary != nil {
		if err := g.admit(KindQuote); err != nil {
			return model.Quote{}, err
		}
		if q, ok := g.tryQuote(ctx, g.cfg.Primary, symbol); ok {
			return q, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return model.Quote{}, err
	}
	metrics.SyntheticFallbacks.WithLabelValues(KindQuote).Inc()
	g.log.Warn("all quote sources failed, serving synthetic quote", "symbol", symbol)
	return synthetic.Quote(symbol, g.cfg.Now()), nil
}

func (g *Gateway) tryQuote(ctx context.Context, p provider.QuoteProvider, symbol string) (model.Quote, bool) {
	q, err := call(ctx, g, KindQuote, p.Name(), func(cctx context.Context) (*model.Quote, error) {
		return p.FetchQuote(cctx, symbol)
	})
	if err != nil {
		g.softFail(KindQuote, p.Name(), symbol, err)
		return model.Quote{}, false
	}
	if q == nil || !q.Price.IsPositive() {
		metrics.ProviderAttempts.WithLabelValues(KindQuote, p.Name(), metrics.OutcomeEmpty).Inc()
		g.log.Debug("quote provider had no data", "provider", p.Name(), "symbol", symbol)
		return model.Quote{}, false
	}
	metrics.ProviderAttempts.WithLabelValues(KindQuote, p.Name(), metrics.OutcomeOK).Inc()

	out := *q
	if out.Symbol == "" {
		out.Symbol = symbol
	}
	if out.Name == "" {
		out.Name = symbol
	}
	out.Source = p.Name()
	out.FetchedAt = g.cfg.Now().UTC()
	out.Synthetic = false

	if g.cfg.Cache != nil {
		g.cfg.Cache.SetQuote(ctx, withSymbol(out, symbol))
	}
	return out, true
}

// withSymbol keys the cached copy by the requested symbol, which may differ
// in case or suffix from what the provider echoed back.
func withSymbol(q model.Quote, symbol string) model.Quote {
	q.Symbol = symbol
	return q
}

// --- History ---

// GetHistorical returns daily bars for symbol in [start, end], ascending by
// date with one bar per day. It only fails with a *RateLimitedError (or a
// cancelled ctx).
func (g *Gateway) GetHistorical(ctx context.Context, symbol string, start, end time.Time) ([]model.HistoricalBar, error) {
	if end.Before(start) {
		return []model.HistoricalBar{}, nil
	}
	if g.cfg.Cache != nil {
		if bars, ok := g.cfg.Cache.GetBars(ctx, symbol, start, end); ok {
			metrics.ObserveProvider(KindHistory, "cache", metrics.OutcomeCacheHit, 0)
			return bars, nil
		}
	}

	for _, p := range g.cfg.History {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if bars, ok := g.tryHistory(ctx, p, symbol, start, end); ok {
			return bars, nil
		}
	}

	if g.cfg.Primary != nil {
		if err := g.admit(KindHistory); err != nil {
			return nil, err
		}
		if bars, ok := g.tryHistory(ctx, g.cfg.Primary, symbol, start, end); ok {
			return bars, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !g.cfg.SyntheticHistory {
		g.log.Warn("all history sources failed", "symbol", symbol)
		return []model.HistoricalBar{}, nil
	}
	metrics.SyntheticFallbacks.WithLabelValues(KindHistory).Inc()
	g.log.Warn("all history sources failed, serving synthetic history", "symbol", symbol)
	return g.cfg.Synthetic.History(symbol, start, end), nil
}

func (g *Gateway) tryHistory(ctx context.Context, p provider.HistoryProvider, symbol string, start, end time.Time) ([]model.HistoricalBar, bool) {
	raw, err := call(ctx, g, KindHistory, p.Name(), func(cctx context.Context) ([]model.HistoricalBar, error) {
		return p.FetchHistory(cctx, symbol, start, end)
	})
	if err != nil {
		g.softFail(KindHistory, p.Name(), symbol, err)
		return nil, false
	}
	bars := Normalize(raw, symbol, start, end)
	if len(bars) == 0 {
		metrics.ProviderAttempts.WithLabelValues(KindHistory, p.Name(), metrics.OutcomeEmpty).Inc()
		g.log.Debug("history provider had no data", "provider", p.Name(), "symbol", symbol)
		return nil, false
	}
	metrics.ProviderAttempts.WithLabelValues(KindHistory, p.Name(), metrics.OutcomeOK).Inc()

	if g.cfg.Cache != nil {
		g.cfg.Cache.SetBars(ctx, symbol, start, end, bars)
	}
	return bars, true
}

// Normalize filters bars to [start, end], sorts them ascending and keeps
// the last bar seen for any repeated date. Bars without a positive close
// are dropped.
func Normalize(bars []model.HistoricalBar, symbol string, start, end time.Time) []model.HistoricalBar {
	lo := start.UTC().Format(model.DateLayout)
	hi := end.UTC().Format(model.DateLayout)

	byDate := make(map[string]model.HistoricalBar, len(bars))
	for _, b := range bars {
		day := b.Date
		if len(day) > len(model.DateLayout) {
			day = day[:len(model.DateLayout)]
		}
		if day < lo || day > hi || !b.Close.IsPositive() {
			continue
		}
		b.Date = day
		b.Symbol = symbol
		byDate[day] = b
	}

	out := make([]model.HistoricalBar, 0, len(byDate))
	for _, b := range byDate {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// --- Search ---

// SearchSymbols resolves a free-text query. There is no cascade: any
// failure is reported as ErrSearchFailed.
func (g *Gateway) SearchSymbols(ctx context.Context, query string) ([]model.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []model.SearchResult{}, nil
	}
	if g.cfg.Searcher == nil {
		return nil, fmt.Errorf("%w: no search provider configured", ErrSearchFailed)
	}
	if g.cfg.SearchViaPrimary {
		if err := g.admit(KindSearch); err != nil {
			return nil, err
		}
	}

	res, err := call(ctx, g, KindSearch, "search", func(cctx context.Context) ([]model.SearchResult, error) {
		return g.cfg.Searcher.SearchSymbols(cctx, query)
	})
	if err != nil {
		g.softFail(KindSearch, "search", query, err)
		return nil, fmt.Errorf("%w: %v", ErrSearchFailed, err)
	}
	metrics.ProviderAttempts.WithLabelValues(KindSearch, "search", metrics.OutcomeOK).Inc()
	if res == nil {
		res = []model.SearchResult{}
	}
	return res, nil
}

// --- Intraday ---

// GetIntraday returns the 5-minute bars for symbol on date, ascending.
// Served by the primary (rate limited) or the configured free source.
func (g *Gateway) GetIntraday(ctx context.Context, symbol string, date time.Time) ([]model.HistoricalBar, error) {
	var src provider.IntradayProvider = g.cfg.Intraday
	name := "intraday"
	if g.cfg.Primary != nil {
		if err := g.admit(KindIntraday); err != nil {
			return nil, err
		}
		src, name = g.cfg.Primary, g.cfg.Primary.Name()
	}
	if src == nil {
		return nil, fmt.Errorf("%w: no intraday provider configured", ErrIntradayUnavailable)
	}

	bars, err := call(ctx, g, KindIntraday, name, func(cctx context.Context) ([]model.HistoricalBar, error) {
		return src.FetchIntraday(cctx, symbol, date)
	})
	if err != nil {
		g.softFail(KindIntraday, name, symbol, err)
		return nil, fmt.Errorf("%w: %v", ErrIntradayUnavailable, err)
	}
	metrics.ProviderAttempts.WithLabelValues(KindIntraday, name, metrics.OutcomeOK).Inc()

	day := date.UTC().Format(model.DateLayout)
	out := make([]model.HistoricalBar, 0, len(bars))
	for _, b := range bars {
		if strings.HasPrefix(b.Date, day) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// --- Helpers ---

// admit consumes one primary call or reports how long to wait.
func (g *Gateway) admit(kind string) error {
	if !g.cfg.Limiter.CanMakeCall() {
		wait := g.cfg.Limiter.WaitTime()
		metrics.RateLimited.WithLabelValues(kind).Inc()
		g.log.Warn("primary provider rate limited", "kind", kind, "wait", wait.String())
		return &RateLimitedError{Kind: kind, Wait: wait}
	}
	g.cfg.Limiter.RecordCall()
	return nil
}

func (g *Gateway) softFail(kind, name, subject string, err error) {
	outcome := metrics.OutcomeError
	if errors.Is(err, context.DeadlineExceeded) {
		outcome = metrics.OutcomeTimeout
	}
	metrics.ProviderAttempts.WithLabelValues(kind, name, outcome).Inc()
	g.log.Warn("provider failed, trying next source",
		"kind", kind,
		"provider", name,
		"subject", subject,
		"err", err,
	)
}

// call runs fn under the per-provider timeout and records its latency.
func call[T any](ctx context.Context, g *Gateway, kind, name string, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	start := time.Now()
	v, err := fn(cctx)
	metrics.ProviderLatency.WithLabelValues(kind, name).Observe(time.Since(start).Seconds())
	return v, err
}
