// Package config loads the time machine's settings from the environment
// (optionally seeded from a .env file) and the provider order from an
// optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned for settings that fail validation.
var ErrInvalid = errors.New("config: invalid setting")

// Providers is the ordered provider list per data kind.
type Providers struct {
	Quotes  []string `yaml:"quotes"`
	History []string `yaml:"history"`
	News    []string `yaml:"news"`
}

// DefaultProviders is the cascade order used without a providers file.
func DefaultProviders() Providers {
	return Providers{
		Quotes:  []string{"yahoo", "finnhub", "iex", "alphavantage", "polygon", "yfinance"},
		History: []string{"yahoo", "alphavantage", "iex", "yfinance"},
		News:    []string{"rss", "reddit", "hackernews"},
	}
}

// Config holds application configuration.
type Config struct {
	Port     int
	LogLevel string

	AlphaVantageKey string
	FinnhubToken    string
	IEXToken        string
	PolygonKey      string

	RelayURL string
	RedisURL string
	QuoteTTL time.Duration
	BarsTTL  time.Duration

	ProviderTimeout   time.Duration
	StartingCash      decimal.Decimal
	RateLimitCalls    int
	RateLimitWindow   time.Duration
	SyntheticFallback bool

	LiveSchedule string
	LiveWindow   int
	LiveSymbols  []string

	ProvidersFile string
	Providers     Providers
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cash, err := decimal.NewFromString(getEnv("STARTING_CASH", "100000"))
	if err != nil {
		return nil, fmt.Errorf("%w: STARTING_CASH: %v", ErrInvalid, err)
	}

	cfg := &Config{
		Port:              getEnvAsInt("PORT", 8080),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		AlphaVantageKey:   getEnv("ALPHA_VANTAGE_API_KEY", ""),
		FinnhubToken:      getEnv("FINNHUB_TOKEN", ""),
		IEXToken:          getEnv("IEX_TOKEN", ""),
		PolygonKey:        getEnv("POLYGON_API_KEY", ""),
		RelayURL:          getEnv("RELAY_URL", ""),
		RedisURL:          getEnv("REDIS_URL", ""),
		QuoteTTL:          getEnvAsDuration("QUOTE_CACHE_TTL", 30*time.Second),
		BarsTTL:           getEnvAsDuration("HISTORY_CACHE_TTL", time.Hour),
		ProviderTimeout:   getEnvAsDuration("PROVIDER_TIMEOUT", 8*time.Second),
		StartingCash:      cash,
		RateLimitCalls:    getEnvAsInt("RATE_LIMIT_CALLS", 4),
		RateLimitWindow:   getEnvAsDuration("RATE_LIMIT_WINDOW", 60*time.Second),
		SyntheticFallback: getEnvAsBool("SYNTHETIC_FALLBACK", true),
		LiveSchedule:      getEnv("LIVE_SCHEDULE", "@every 30s"),
		LiveWindow:        getEnvAsInt("LIVE_WINDOW", 20),
		LiveSymbols:       getEnvAsList("LIVE_SYMBOLS", nil),
		ProvidersFile:     getEnv("PROVIDERS_FILE", ""),
		Providers:         DefaultProviders(),
	}

	if cfg.ProvidersFile != "" {
		p, err := LoadProviders(cfg.ProvidersFile)
		if err != nil {
			return nil, err
		}
		cfg.Providers = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadProviders reads a YAML provider order. Kinds the file leaves out keep
// their default order.
func LoadProviders(path string) (Providers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Providers{}, fmt.Errorf("config: read providers file: %w", err)
	}
	return ParseProviders(data)
}

// ParseProviders decodes a YAML provider order.
func ParseProviders(data []byte) (Providers, error) {
	var p Providers
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Providers{}, fmt.Errorf("%w: providers file: %v", ErrInvalid, err)
	}
	def := DefaultProviders()
	if len(p.Quotes) == 0 {
		p.Quotes = def.Quotes
	}
	if len(p.History) == 0 {
		p.History = def.History
	}
	if len(p.News) == 0 {
		p.News = def.News
	}
	return p, nil
}

// Validate checks ranges of numeric settings.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: PORT %d", ErrInvalid, c.Port)
	}
	if !c.StartingCash.IsPositive() {
		return fmt.Errorf("%w: STARTING_CASH must be positive", ErrInvalid)
	}
	if c.RateLimitCalls <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("%w: rate limit must allow at least one call per window", ErrInvalid)
	}
	if c.LiveWindow <= 0 {
		return fmt.Errorf("%w: LIVE_WINDOW must be positive", ErrInvalid)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
