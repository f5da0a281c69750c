package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/atmx/timemachine/internal/model"
)

// RedisCache implements MarketCache on Redis so several instances share
// provider results (and the provider quota they cost). Values are msgpack
// encoded; entries expire by TTL rather than invalidation.
type RedisCache struct {
	rdb      *redis.Client
	quoteTTL time.Duration
	barsTTL  time.Duration
	prefix   string
}

// NewRedisCache creates a cache on rdb. Zero TTLs select the defaults.
func NewRedisCache(rdb *redis.Client, quoteTTL, barsTTL time.Duration) *RedisCache {
	if quoteTTL <= 0 {
		quoteTTL = DefaultQuoteTTL
	}
	if barsTTL <= 0 {
		barsTTL = DefaultBarsTTL
	}
	return &RedisCache{
		rdb:      rdb,
		quoteTTL: quoteTTL,
		barsTTL:  barsTTL,
		prefix:   "timemachine:",
	}
}

// --- Read-through ---

func (c *RedisCache) GetQuote(ctx context.Context, symbol string) (*model.Quote, bool) {
	var q model.Quote
	if !c.load(ctx, quoteKey(symbol), &q) {
		return nil, false
	}
	return &q, true
}

func (c *RedisCache) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]model.HistoricalBar, bool) {
	var bars []model.HistoricalBar
	if !c.load(ctx, barsKey(symbol, start, end), &bars) {
		return nil, false
	}
	return bars, true
}

// --- Write ---

func (c *RedisCache) SetQuote(ctx context.Context, q model.Quote) {
	c.store(ctx, quoteKey(q.Symbol), q, c.quoteTTL)
}

func (c *RedisCache) SetBars(ctx context.Context, symbol string, start, end time.Time, bars []model.HistoricalBar) {
	c.store(ctx, barsKey(symbol, start, end), bars, c.barsTTL)
}

// --- Cache helpers ---

func (c *RedisCache) load(ctx context.Context, key string, v any) bool {
	data, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("redis cache read failed", "key", key, "err", err)
		}
		return false
	}
	if err := decodeEntry(data, v); err != nil {
		slog.Warn("redis cache decode failed", "key", key, "err", err)
		return false
	}
	return true
}

func (c *RedisCache) store(ctx context.Context, key string, v any, ttl time.Duration) {
	data, err := encodeEntry(v)
	if err != nil {
		slog.Warn("redis cache encode failed", "key", key, "err", err)
		return
	}
	if err := c.rdb.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		slog.Warn("redis cache write failed", "key", key, "err", err)
	}
}

// encodeEntry and decodeEntry are the cache's wire format. Decimals travel
// as their binary form, so prices come back exact.
func encodeEntry(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func decodeEntry(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
