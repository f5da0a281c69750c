// Package store defines the storage interfaces for the time machine.
//
// TradeLog holds each session's append-only trade log in memory.
// MarketCache fronts the market data providers; implementations include an
// in-process TTL cache and Redis.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atmx/timemachine/internal/model"
)

// ErrNotFound is returned when a session has no log.
var ErrNotFound = errors.New("store: not found")

// TradeLog is the append-only trade record of every session. Entries are
// never modified; Clear is the only way to remove them (session reset).
type TradeLog interface {
	// Append adds a trade to the end of a session's log.
	Append(ctx context.Context, sessionID string, t model.Trade) error

	// List returns a session's log in append order.
	List(ctx context.Context, sessionID string) ([]model.Trade, error)

	// Clear empties a session's log.
	Clear(ctx context.Context, sessionID string) error

	// Drop removes a session's log entirely.
	Drop(ctx context.Context, sessionID string) error
}

// MarketCache caches provider results. Misses and decode failures both
// report ok=false; cache errors never fail a request.
type MarketCache interface {
	// GetQuote returns a cached quote for symbol.
	GetQuote(ctx context.Context, symbol string) (*model.Quote, bool)

	// SetQuote caches a quote.
	SetQuote(ctx context.Context, q model.Quote)

	// GetBars returns cached bars for symbol over [start, end].
	GetBars(ctx context.Context, symbol string, start, end time.Time) ([]model.HistoricalBar, bool)

	// SetBars caches bars for symbol over [start, end].
	SetBars(ctx context.Context, symbol string, start, end time.Time, bars []model.HistoricalBar)
}

// TTLs used by the cache implementations.
const (
	DefaultQuoteTTL = 30 * time.Second
	DefaultBarsTTL  = time.Hour
)

// --- Cache keys ---

func quoteKey(symbol string) string { return fmt.Sprintf("quote:%s", symbol) }

func barsKey(symbol string, start, end time.Time) string {
	return fmt.Sprintf("bars:%s:%s:%s", symbol, start.UTC().Format(model.DateLayout), end.UTC().Format(model.DateLayout))
}
