// Package model defines the core domain types shared across the time machine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the calendar-date format used for bar dates and selections.
const DateLayout = "2006-01-02"

// Side is the direction of a simulated trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Quote is a current price snapshot for one symbol.
type Quote struct {
	Symbol        string          `json:"symbol" msgpack:"symbol"`
	Name          string          `json:"name" msgpack:"name"`
	Price         decimal.Decimal `json:"price" msgpack:"price"`
	Change        decimal.Decimal `json:"change" msgpack:"change"`
	ChangePercent decimal.Decimal `json:"change_percent" msgpack:"change_percent"`
	Volume        int64           `json:"volume" msgpack:"volume"`
	High          decimal.Decimal `json:"high" msgpack:"high"`
	Low           decimal.Decimal `json:"low" msgpack:"low"`
	Open          decimal.Decimal `json:"open" msgpack:"open"`
	PreviousClose decimal.Decimal `json:"previous_close" msgpack:"previous_close"`
	Source        string          `json:"source" msgpack:"source"`
	FetchedAt     time.Time       `json:"fetched_at" msgpack:"fetched_at"`
	Synthetic     bool            `json:"synthetic" msgpack:"synthetic"`
}

// HistoricalBar is one daily OHLCV record. Date is YYYY-MM-DD.
type HistoricalBar struct {
	Symbol        string          `json:"symbol" msgpack:"symbol"`
	Date          string          `json:"date" msgpack:"date"`
	Open          decimal.Decimal `json:"open" msgpack:"open"`
	High          decimal.Decimal `json:"high" msgpack:"high"`
	Low           decimal.Decimal `json:"low" msgpack:"low"`
	Close         decimal.Decimal `json:"close" msgpack:"close"`
	Volume        int64           `json:"volume" msgpack:"volume"`
	AdjustedClose decimal.Decimal `json:"adjusted_close" msgpack:"adjusted_close"`
}

// NewsItem is a single headline. IDs are qualified by their source so they
// stay unique within one merged batch.
type NewsItem struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
	Source      string    `json:"source"`
	ImageURL    string    `json:"image_url,omitempty"`
}

// SearchResult is one symbol-search match.
type SearchResult struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Region   string `json:"region"`
	Currency string `json:"currency"`
}

// LivePoint is one sample of the rolling live price series.
type LivePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Volume    int64           `json:"volume"`
}

// ChartPoint is a bar projected for charting, with moving-average overlays.
// Overlays are zero until enough bars exist to fill the window.
type ChartPoint struct {
	Date     string          `json:"date"`
	Price    decimal.Decimal `json:"price"`
	Volume   int64           `json:"volume"`
	SMAShort decimal.Decimal `json:"sma_short"`
	SMALong  decimal.Decimal `json:"sma_long"`
}

// Trade is an immutable record of a simulated order. Seq orders the log;
// the log is append-only and only cleared by a session reset.
type Trade struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Quantity  int64           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Date      string          `json:"date"`
	Timestamp time.Time       `json:"timestamp"`
}

// Cost returns price × quantity.
func (t Trade) Cost() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

// Position is a derived holding in one symbol. Quantity is always positive;
// flat positions are removed from the portfolio.
type Position struct {
	Symbol        string          `json:"symbol"`
	Quantity      int64           `json:"quantity"`
	AveragePrice  decimal.Decimal `json:"average_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Portfolio is the derived state after replaying a trade log.
// TotalValue = Cash + Σ MarketValue; TotalPnL = Σ UnrealizedPnL.
type Portfolio struct {
	Cash       decimal.Decimal     `json:"cash"`
	Positions  map[string]Position `json:"positions"`
	TotalValue decimal.Decimal     `json:"total_value"`
	TotalPnL   decimal.Decimal     `json:"total_pnl"`
}
