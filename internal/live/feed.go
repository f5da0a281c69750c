// Package live keeps a rolling intraday price series per watched symbol,
// refreshed on a cron schedule and pushed to subscribers.
package live

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/atmx/timemachine/internal/metrics"
	"github.com/atmx/timemachine/internal/model"
	"github.com/atmx/timemachine/internal/synthetic"
)

const (
	// DefaultSchedule polls every watched symbol twice a minute.
	DefaultSchedule = "@every 30s"
	// DefaultWindow is how many points each series keeps.
	DefaultWindow = synthetic.LivePoints
	// DefaultTimeout bounds one poll.
	DefaultTimeout = 20 * time.Second
)

// QuoteSource supplies the current price.
type QuoteSource interface {
	GetCurrentQuote(ctx context.Context, symbol string) (model.Quote, error)
}

// Config wires a Feed.
type Config struct {
	Quotes    QuoteSource
	Schedule  string
	Window    int
	Timeout   time.Duration
	Synthetic *synthetic.Generator
	Logger    *slog.Logger
	Now       func() time.Time

	// OnPoint is called after every appended point, outside the feed lock.
	OnPoint func(symbol string, p model.LivePoint)
}

// Feed polls quotes for watched symbols. Safe for concurrent use.
type Feed struct {
	cfg  Config
	log  *slog.Logger
	cron *cron.Cron

	mu       sync.Mutex
	series   map[string][]model.LivePoint
	inflight map[string]bool
}

// New creates a feed. Call Start to begin polling.
func New(cfg Config) *Feed {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Synthetic == nil {
		cfg.Synthetic = synthetic.NewFromClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Feed{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "live"),
		cron:     cron.New(cron.WithSeconds()),
		series:   make(map[string][]model.LivePoint),
		inflight: make(map[string]bool),
	}
}

// Start registers the poll job and starts the scheduler.
func (f *Feed) Start() error {
	if _, err := f.cron.AddFunc(f.cfg.Schedule, f.pollAll); err != nil {
		return fmt.Errorf("live: schedule %q: %w", f.cfg.Schedule, err)
	}
	f.cron.Start()
	f.log.Info("live feed started", "schedule", f.cfg.Schedule, "window", f.cfg.Window)
	return nil
}

// Stop halts the scheduler and waits for running polls.
func (f *Feed) Stop() {
	ctx := f.cron.Stop()
	<-ctx.Done()
	f.log.Info("live feed stopped")
}

// Watch adds symbol to the polled set. Watching a symbol twice is a no-op.
func (f *Feed) Watch(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.series[symbol]; !ok {
		f.series[symbol] = nil
		f.log.Info("watching symbol", "symbol", symbol)
	}
}

// Unwatch drops symbol and its series.
func (f *Feed) Unwatch(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.series, symbol)
}

// Symbols lists the watched symbols in sorted order.
func (f *Feed) Symbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.series))
	for s := range f.series {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Series returns a copy of symbol's points, oldest first, and whether the
// symbol is watched.
func (f *Feed) Series(symbol string) ([]model.LivePoint, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pts, ok := f.series[symbol]
	if !ok {
		return nil, false
	}
	return append([]model.LivePoint{}, pts...), true
}

func (f *Feed) pollAll() {
	for _, sym := range f.Symbols() {
		go f.Poll(context.Background(), sym)
	}
}

// Poll fetches one quote for symbol and appends it to the series. It
// reports false when a previous poll for symbol is still running.
func (f *Feed) Poll(ctx context.Context, symbol string) bool {
	f.mu.Lock()
	if f.inflight[symbol] {
		f.mu.Unlock()
		metrics.LivePollsSkipped.Inc()
		f.log.Debug("live poll still running, skipping", "symbol", symbol)
		return false
	}
	f.inflight[symbol] = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.inflight, symbol)
		f.mu.Unlock()
	}()

	cctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	now := f.cfg.Now().UTC()
	q, err := f.cfg.Quotes.GetCurrentQuote(cctx, symbol)

	f.mu.Lock()
	pts, watched := f.series[symbol]
	if !watched {
		f.mu.Unlock()
		return true
	}

	var point model.LivePoint
	if err != nil {
		f.log.Warn("live quote failed, holding last price", "symbol", symbol, "err", err)
		point = model.LivePoint{Timestamp: now, Price: f.fallbackPrice(symbol, pts, now)}
	} else {
		point = model.LivePoint{Timestamp: now, Price: q.Price, Volume: q.Volume}
	}

	var added []model.LivePoint
	if len(pts) == 0 {
		// Backfill so a new chart starts full.
		seed := f.cfg.Synthetic.Live(point.Price, now)
		added = append(seed[:len(seed)-1], point)
		if len(added) > f.cfg.Window {
			added = added[len(added)-f.cfg.Window:]
		}
	} else {
		added = []model.LivePoint{point}
	}
	pts = append(pts, added...)
	if len(pts) > f.cfg.Window {
		pts = append([]model.LivePoint{}, pts[len(pts)-f.cfg.Window:]...)
	}
	f.series[symbol] = pts
	f.mu.Unlock()

	if f.cfg.OnPoint != nil {
		f.cfg.OnPoint(symbol, point)
	}
	return true
}

// fallbackPrice holds the last price when there is one and otherwise uses
// the synthetic snapshot.
func (f *Feed) fallbackPrice(symbol string, pts []model.LivePoint, now time.Time) decimal.Decimal {
	if len(pts) > 0 {
		return pts[len(pts)-1].Price
	}
	return synthetic.Quote(symbol, now).Price
}
