// Package news resolves headlines for a date from an ordered cascade of
// news sources, degrading to synthetic headlines when none has anything.
package news

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/atmx/timemachine/internal/metrics"
	"github.com/atmx/timemachine/internal/model"
	"github.com/atmx/timemachine/internal/provider"
	"github.com/atmx/timemachine/internal/synthetic"
)

const (
	kind = "news"

	// DefaultLimit caps the returned batch.
	DefaultLimit = provider.BatchLimit

	// DefaultTimeout bounds one source, including all of its sub-feeds.
	DefaultTimeout = 10 * time.Second
)

// Config wires a Gateway.
type Config struct {
	Sources []provider.NewsSource
	Limit   int
	Timeout time.Duration
	Logger  *slog.Logger
}

// Report is the outcome of one news lookup.
type Report struct {
	Items []model.NewsItem `json:"items"`
	// Source names the source that supplied Items, "synthetic" for the
	// fallback.
	Source    string `json:"source"`
	Synthetic bool   `json:"synthetic"`
	// Failures holds every source or sub-feed error met on the way. They
	// are informational; a lookup never fails.
	Failures []error `json:"-"`
}

// FailureMessages renders Failures for JSON responses.
func (r Report) FailureMessages() []string {
	out := make([]string, 0, len(r.Failures))
	for _, err := range r.Failures {
		out = append(out, err.Error())
	}
	return out
}

// Gateway is the news entry point. Safe for concurrent use.
type Gateway struct {
	sources []provider.NewsSource
	limit   int
	timeout time.Duration
	log     *slog.Logger
}

// New creates a gateway over cfg.
func New(cfg Config) *Gateway {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gateway{
		sources: cfg.Sources,
		limit:   cfg.Limit,
		timeout: cfg.Timeout,
		log:     cfg.Logger.With("component", "news"),
	}
}

// GetNewsForDate returns up to the configured limit of headlines for date,
// most recent first. It never returns an empty list.
func (g *Gateway) GetNewsForDate(ctx context.Context, date time.Time, symbol string) []model.NewsItem {
	return g.Fetch(ctx, date, symbol).Items
}

// Fetch walks the sources in order and returns the first non-empty batch.
func (g *Gateway) Fetch(ctx context.Context, date time.Time, symbol string) Report {
	var rep Report

	for _, src := range g.sources {
		if ctx.Err() != nil {
			rep.Failures = append(rep.Failures, ctx.Err())
			break
		}

		items, err := g.fetchOne(ctx, src, date, symbol)
		if err != nil {
			// Aggregating sources report partial failures next to the
			// items that did load.
			rep.Failures = append(rep.Failures, fmt.Errorf("%s: %w", src.Name(), err))
			g.log.Warn("news source failed", "provider", src.Name(), "err", err, "partial", len(items))
		}

		items = Normalize(items, g.limit)
		if len(items) == 0 {
			if err == nil {
				metrics.ProviderAttempts.WithLabelValues(kind, src.Name(), metrics.OutcomeEmpty).Inc()
			}
			continue
		}
		metrics.ProviderAttempts.WithLabelValues(kind, src.Name(), metrics.OutcomeOK).Inc()
		rep.Items = items
		rep.Source = src.Name()
		return rep
	}

	metrics.SyntheticFallbacks.WithLabelValues(kind).Inc()
	g.log.Warn("all news sources empty, serving synthetic headlines", "date", date.Format(model.DateLayout))
	rep.Items = Normalize(synthetic.News(date, symbol), g.limit)
	rep.Source = "synthetic"
	rep.Synthetic = true
	return rep
}

func (g *Gateway) fetchOne(ctx context.Context, src provider.NewsSource, date time.Time, symbol string) ([]model.NewsItem, error) {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	items, err := src.FetchNews(cctx, date, symbol)
	metrics.ProviderLatency.WithLabelValues(kind, src.Name()).Observe(time.Since(start).Seconds())

	if err != nil && len(items) == 0 {
		outcome := metrics.OutcomeError
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = metrics.OutcomeTimeout
		}
		metrics.ProviderAttempts.WithLabelValues(kind, src.Name(), outcome).Inc()
	}
	return items, err
}

// Normalize drops items without a title, removes duplicates by id and then
// by url (first occurrence wins), orders the rest most recent first (ties
// keep their source order) and caps the result at limit.
func Normalize(items []model.NewsItem, limit int) []model.NewsItem {
	seenID := make(map[string]bool, len(items))
	seenURL := make(map[string]bool, len(items))

	out := make([]model.NewsItem, 0, len(items))
	for _, it := range items {
		if it.Title == "" {
			continue
		}
		if it.ID != "" && seenID[it.ID] {
			continue
		}
		if it.URL != "" && seenURL[it.URL] {
			continue
		}
		seenID[it.ID] = true
		seenURL[it.URL] = true
		out = append(out, it)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PublishedAt.After(out[j].PublishedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
