// Package synthetic generates stand-in market data for when every external
// source is unavailable: a daily random-walk price history, a rolling live
// series, a fixed quote snapshot and three placeholder headlines.
//
// Randomness comes from a seedable source so tests can pin the output.
package synthetic

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/atmx/timemachine/internal/model"
)

const (
	// BasePrice is where the synthetic history walk starts.
	BasePrice = 150.0

	// LivePoints is the length of the synthetic live series.
	LivePoints = 20
	// LiveInterval is the spacing between live points.
	LiveInterval = 30 * time.Second
)

// Generator produces synthetic data. Safe for concurrent use.
type Generator struct {
	mu   sync.Mutex
	unit distuv.Uniform
}

// New creates a generator seeded with seed.
func New(seed uint64) *Generator {
	return &Generator{
		unit: distuv.Uniform{Min: 0, Max: 1, Src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)},
	}
}

// NewFromClock seeds a generator from the current time.
func NewFromClock() *Generator {
	return New(uint64(time.Now().UnixNano()))
}

// draws returns n uniform samples in [0, 1).
func (g *Generator) draws(n int) []float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]float64, n)
	for i := range out {
		out[i] = g.unit.Rand()
	}
	return out
}

// History returns one bar per calendar day in [start, end], inclusive.
//
// Each day opens within ±2.5 of the previous close (150 on the first day),
// closes within ±1.5 of the open, and extends up to 2 above/below for the
// high and low. Volume is uniform in [100000, 1100000). Prices are rounded
// to cents and never fall below one cent.
func (g *Generator) History(symbol string, start, end time.Time) []model.HistoricalBar {
	start, end = dayOf(start), dayOf(end)
	if end.Before(start) {
		return []model.HistoricalBar{}
	}

	var bars []model.HistoricalBar
	base := BasePrice
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		r := g.draws(5)
		open := atLeastCent(base + (r[0]-0.5)*5)
		cl := atLeastCent(open + (r[1]-0.5)*3)
		high := math.Max(open, cl) + r[2]*2
		low := atLeastCent(math.Min(open, cl) - r[3]*2)
		volume := int64(math.Floor(r[4]*1_000_000)) + 100_000

		closePrice := cents(cl)
		bars = append(bars, model.HistoricalBar{
			Symbol:        symbol,
			Date:          day.Format(model.DateLayout),
			Open:          cents(open),
			High:          cents(high),
			Low:           cents(low),
			Close:         closePrice,
			Volume:        volume,
			AdjustedClose: closePrice,
		})
		base = closePrice.InexactFloat64()
	}
	return bars
}

// Live returns LivePoints samples, LiveInterval apart and ending at now,
// each within ±1 of base.
func (g *Generator) Live(base decimal.Decimal, now time.Time) []model.LivePoint {
	b := base.InexactFloat64()
	points := make([]model.LivePoint, 0, LivePoints)
	for i := LivePoints - 1; i >= 0; i-- {
		r := g.draws(2)
		points = append(points, model.LivePoint{
			Timestamp: now.Add(-time.Duration(i) * LiveInterval).UTC(),
			Price:     cents(atLeastCent(b + (r[0]-0.5)*2)),
			Volume:    int64(math.Floor(r[1]*1_000_000)) + 100_000,
		})
	}
	return points
}

// Quote returns the fixed fallback snapshot with symbol substituted.
func Quote(symbol string, now time.Time) model.Quote {
	return model.Quote{
		Symbol:        symbol,
		Name:          symbol,
		Price:         decimal.RequireFromString("175.50"),
		Change:        decimal.RequireFromString("2.30"),
		ChangePercent: decimal.RequireFromString("1.33"),
		Volume:        45_000_000,
		High:          decimal.RequireFromString("176.20"),
		Low:           decimal.RequireFromString("173.10"),
		Open:          decimal.RequireFromString("174.00"),
		PreviousClose: decimal.RequireFromString("173.20"),
		Source:        "synthetic",
		FetchedAt:     now.UTC(),
		Synthetic:     true,
	}
}

// News returns three placeholder headlines stamped on date. An empty symbol
// reads as the market as a whole.
func News(date time.Time, symbol string) []model.NewsItem {
	day := dayOf(date)
	subject, focus := symbol, symbol
	if symbol == "" {
		subject, focus = "Stock Market", "major stocks"
	}
	ds := day.Format(model.DateLayout)

	return []model.NewsItem{
		{
			ID:          "mock-1",
			Title:       subject + " Shows Strong Performance",
			Description: "Market analysis shows positive trends for " + focus + " on " + ds + ". Investors are optimistic about future growth prospects.",
			URL:         "https://example.com/mock-news-1",
			PublishedAt: day.Add(10 * time.Hour),
			Source:      "Financial Times",
			ImageURL:    "https://images.unsplash.com/photo-1611974789855-9c2a0a7236a3?w=400",
		},
		{
			ID:          "mock-2",
			Title:       "Market Update: Trading Volume Increases",
			Description: "Trading volume has increased significantly, indicating strong investor interest in the current market conditions.",
			URL:         "https://example.com/mock-news-2",
			PublishedAt: day.Add(14*time.Hour + 30*time.Minute),
			Source:      "Bloomberg",
			ImageURL:    "https://images.unsplash.com/photo-1551288049-bebda4e38f71?w=400",
		},
		{
			ID:          "mock-3",
			Title:       "Economic Indicators Point to Growth",
			Description: "Recent economic data suggests continued growth in the financial sector, with positive implications for investors.",
			URL:         "https://example.com/mock-news-3",
			PublishedAt: day.Add(16*time.Hour + 45*time.Minute),
			Source:      "Reuters",
			ImageURL:    "https://images.unsplash.com/photo-1593642632823-8f785ba67e45?w=400",
		},
	}
}

func cents(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(2)
}

// atLeastCent keeps a walk price strictly positive.
func atLeastCent(f float64) float64 {
	return math.Max(f, 0.01)
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
