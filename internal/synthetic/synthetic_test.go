package synthetic

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func date(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func TestHistory_OneBarPerDayAscending(t *testing.T) {
	g := New(7)
	bars := g.History("AAPL", date("2020-01-01"), date("2020-01-31"))

	if len(bars) != 31 {
		t.Fatalf("expected 31 bars, got %d", len(bars))
	}
	if bars[0].Date != "2020-01-01" || bars[30].Date != "2020-01-31" {
		t.Errorf("unexpected range %s..%s", bars[0].Date, bars[30].Date)
	}
	for i := 1; i < len(bars); i++ {
		if bars[i].Date <= bars[i-1].Date {
			t.Errorf("bars not strictly ascending at %d: %s <= %s", i, bars[i].Date, bars[i-1].Date)
		}
	}
}

func TestHistory_BarShape(t *testing.T) {
	g := New(11)
	bars := g.History("MSFT", date("2019-01-01"), date("2019-12-31"))

	for _, b := range bars {
		if b.Symbol != "MSFT" {
			t.Fatalf("wrong symbol %s", b.Symbol)
		}
		maxOC := decimal.Max(b.Open, b.Close)
		minOC := decimal.Min(b.Open, b.Close)
		if b.High.LessThan(maxOC) {
			t.Errorf("%s: high %s below max(open, close) %s", b.Date, b.High, maxOC)
		}
		if b.Low.GreaterThan(minOC) {
			t.Errorf("%s: low %s above min(open, close) %s", b.Date, b.Low, minOC)
		}
		if !b.Low.IsPositive() {
			t.Errorf("%s: non-positive low %s", b.Date, b.Low)
		}
		if b.Volume < 100_000 || b.Volume >= 1_100_000 {
			t.Errorf("%s: volume %d out of range", b.Date, b.Volume)
		}
		if b.Close.Exponent() < -2 {
			t.Errorf("%s: close %s not rounded to cents", b.Date, b.Close)
		}
		if !b.AdjustedClose.Equal(b.Close) {
			t.Errorf("%s: adjusted close should equal close", b.Date)
		}
	}
}

func TestHistory_FirstOpenNearBase(t *testing.T) {
	bars := New(3).History("AAPL", date("2020-01-01"), date("2020-01-01"))
	open := bars[0].Open.InexactFloat64()
	if open < BasePrice-2.5 || open > BasePrice+2.5 {
		t.Errorf("first open %v should be within 2.5 of %v", open, BasePrice)
	}
}

func TestHistory_SeedReproducible(t *testing.T) {
	a := New(99).History("AAPL", date("2020-01-01"), date("2020-02-01"))
	b := New(99).History("AAPL", date("2020-01-01"), date("2020-02-01"))

	for i := range a {
		if !a[i].Close.Equal(b[i].Close) || a[i].Volume != b[i].Volume {
			t.Fatalf("bar %d differs between identical seeds", i)
		}
	}
}

func TestHistory_EmptyRange(t *testing.T) {
	bars := New(1).History("AAPL", date("2020-02-01"), date("2020-01-01"))
	if len(bars) != 0 {
		t.Errorf("expected no bars for an inverted range, got %d", len(bars))
	}
}

func TestLive_Spacing(t *testing.T) {
	now := time.Date(2024, 1, 5, 15, 0, 0, 0, time.UTC)
	base := decimal.RequireFromString("175.50")
	points := New(5).Live(base, now)

	if len(points) != LivePoints {
		t.Fatalf("expected %d points, got %d", LivePoints, len(points))
	}
	if !points[len(points)-1].Timestamp.Equal(now) {
		t.Errorf("last point should be stamped now, got %v", points[len(points)-1].Timestamp)
	}
	for i, p := range points {
		if i > 0 && p.Timestamp.Sub(points[i-1].Timestamp) != LiveInterval {
			t.Errorf("point %d not %v after previous", i, LiveInterval)
		}
		if p.Price.Sub(base).Abs().GreaterThan(decimal.NewFromInt(1)) {
			t.Errorf("point %d price %s more than 1 from base", i, p.Price)
		}
	}
}

func TestQuote(t *testing.T) {
	now := time.Now()
	q := Quote("TSLA", now)

	if q.Symbol != "TSLA" || !q.Synthetic {
		t.Errorf("expected synthetic TSLA quote, got %+v", q)
	}
	if !q.Price.Equal(decimal.RequireFromString("175.5")) {
		t.Errorf("expected 175.50, got %s", q.Price)
	}
}

func TestNews(t *testing.T) {
	items := News(date("2020-03-16"), "AAPL")

	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	if items[0].Title != "AAPL Shows Strong Performance" {
		t.Errorf("unexpected title %q", items[0].Title)
	}
	want := time.Date(2020, 3, 16, 14, 30, 0, 0, time.UTC)
	if !items[1].PublishedAt.Equal(want) {
		t.Errorf("expected %v, got %v", want, items[1].PublishedAt)
	}

	market := News(date("2020-03-16"), "")
	if market[0].Title != "Stock Market Shows Strong Performance" {
		t.Errorf("unexpected market title %q", market[0].Title)
	}
}
