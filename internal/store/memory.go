package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atmx/timemachine/internal/model"
)

// MemoryTradeLog implements TradeLog with in-memory slices. Nothing
// survives a restart.
type MemoryTradeLog struct {
	mu   sync.RWMutex
	logs map[string][]model.Trade
}

// NewMemoryTradeLog creates an empty trade log.
func NewMemoryTradeLog() *MemoryTradeLog {
	return &MemoryTradeLog{
		logs: make(map[string][]model.Trade),
	}
}

func (s *MemoryTradeLog) Append(_ context.Context, sessionID string, t model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs[sessionID] = append(s.logs[sessionID], t)
	return nil
}

// List returns a copy so callers cannot mutate the log.
func (s *MemoryTradeLog) List(_ context.Context, sessionID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[sessionID]
	out := make([]model.Trade, len(log))
	copy(out, log)
	return out, nil
}

func (s *MemoryTradeLog) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs[sessionID] = nil
	return nil
}

func (s *MemoryTradeLog) Drop(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.logs[sessionID]; !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	delete(s.logs, sessionID)
	return nil
}

// MemoryCache implements MarketCache in process with per-entry expiry.
// Used when Redis is not configured.
type MemoryCache struct {
	mu       sync.RWMutex
	entries  map[string]memoryEntry
	quoteTTL time.Duration
	barsTTL  time.Duration
	now      func() time.Time

	// lastSweep is when expired entries were last purged.
	lastSweep time.Time
}

type memoryEntry struct {
	quote   *model.Quote
	bars    []model.HistoricalBar
	expires time.Time
}

// NewMemoryCache creates an in-process cache. Zero TTLs select the defaults.
func NewMemoryCache(quoteTTL, barsTTL time.Duration) *MemoryCache {
	if quoteTTL <= 0 {
		quoteTTL = DefaultQuoteTTL
	}
	if barsTTL <= 0 {
		barsTTL = DefaultBarsTTL
	}
	return &MemoryCache{
		entries:  make(map[string]memoryEntry),
		quoteTTL: quoteTTL,
		barsTTL:  barsTTL,
		now:      time.Now,
	}
}

func (c *MemoryCache) get(key string) (memoryEntry, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return memoryEntry{}, false
	}
	if c.now().After(e.expires) {
		c.mu.Lock()
		// A Set may have refreshed the key since the read lock was released.
		if cur, ok := c.entries[key]; ok && c.now().After(cur.expires) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return memoryEntry{}, false
	}
	return e, true
}

// setLocked stores e under key and purges expired entries at most once per
// quote TTL. Caller holds c.mu.
func (c *MemoryCache) setLocked(key string, e memoryEntry) {
	now := c.now()
	c.entries[key] = e
	if now.Sub(c.lastSweep) < c.quoteTTL {
		return
	}
	c.lastSweep = now
	for k, v := range c.entries {
		if now.After(v.expires) {
			delete(c.entries, k)
		}
	}
}

func (c *MemoryCache) GetQuote(_ context.Context, symbol string) (*model.Quote, bool) {
	e, ok := c.get(quoteKey(symbol))
	if !ok || e.quote == nil {
		return nil, false
	}
	q := *e.quote
	return &q, true
}

func (c *MemoryCache) SetQuote(_ context.Context, q model.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setLocked(quoteKey(q.Symbol), memoryEntry{quote: &q, expires: c.now().Add(c.quoteTTL)})
}

func (c *MemoryCache) GetBars(_ context.Context, symbol string, start, end time.Time) ([]model.HistoricalBar, bool) {
	e, ok := c.get(barsKey(symbol, start, end))
	if !ok {
		return nil, false
	}
	out := make([]model.HistoricalBar, len(e.bars))
	copy(out, e.bars)
	return out, true
}

func (c *MemoryCache) SetBars(_ context.Context, symbol string, start, end time.Time, bars []model.HistoricalBar) {
	stored := make([]model.HistoricalBar, len(bars))
	copy(stored, bars)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.setLocked(barsKey(symbol, start, end), memoryEntry{bars: stored, expires: c.now().Add(c.barsTTL)})
}
