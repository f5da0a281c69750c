// Package provider holds the adapters for external market data and news
// sources. Every adapter implements one or more capability interfaces so the
// gateways can walk an ordered, configuration-driven list of them.
//
// Adapters never fall back on their own: they report a value, "no data"
// (nil quote or empty slice with a nil error), or an error. Cascading,
// rate limiting and synthetic degradation are the gateways' job.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/timemachine/internal/model"
)

var (
	// ErrBadStatus is returned for non-2xx upstream responses.
	ErrBadStatus = errors.New("provider: unexpected upstream status")

	// ErrUpstream is returned when an upstream answers 200 with an error
	// payload (e.g. Alpha Vantage "Error Message" or throttling "Note").
	ErrUpstream = errors.New("provider: upstream error")
)

// QuoteProvider fetches a current quote. A nil quote with a nil error means
// the source does not know the symbol.
type QuoteProvider interface {
	Name() string
	FetchQuote(ctx context.Context, symbol string) (*model.Quote, error)
}

// HistoryProvider fetches daily bars in [start, end]. An empty slice with a
// nil error means the source has no data for the range.
type HistoryProvider interface {
	Name() string
	FetchHistory(ctx context.Context, symbol string, start, end time.Time) ([]model.HistoricalBar, error)
}

// NewsSource fetches headlines for a date. Sources that aggregate several
// feeds return whatever succeeded together with a joined error describing
// the feeds that failed.
type NewsSource interface {
	Name() string
	FetchNews(ctx context.Context, date time.Time, symbol string) ([]model.NewsItem, error)
}

// SymbolSearcher resolves free-text queries to symbols.
type SymbolSearcher interface {
	SearchSymbols(ctx context.Context, query string) ([]model.SearchResult, error)
}

// IntradayProvider fetches intraday bars for one trading day.
type IntradayProvider interface {
	FetchIntraday(ctx context.Context, symbol string, date time.Time) ([]model.HistoricalBar, error)
}

// DefaultUserAgent is sent with every outbound request. Yahoo and Reddit
// refuse requests without one.
const DefaultUserAgent = "Mozilla/5.0 (compatible; timemachine/1.0)"

// Client performs outbound HTTP for all adapters. When Relay is set every
// request is rewritten to Relay?url=<escaped target>, matching the thin
// pass-through relay browsers use to get around CORS.
type Client struct {
	HTTP      *http.Client
	Relay     string
	UserAgent string
}

// NewClient creates a client with the given per-request timeout.
func NewClient(timeout time.Duration, relay string) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		HTTP:      &http.Client{Timeout: timeout},
		Relay:     relay,
		UserAgent: DefaultUserAgent,
	}
}

// Resolve returns the URL actually requested for target.
func (c *Client) Resolve(target string) string {
	if c.Relay == "" {
		return target
	}
	sep := "?"
	if strings.Contains(c.Relay, "?") {
		sep = "&"
	}
	return c.Relay + sep + "url=" + url.QueryEscape(target)
}

// GetJSON fetches target and decodes the JSON body into v.
func (c *Client) GetJSON(ctx context.Context, target string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Resolve(target), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %d: %s", ErrBadStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// --- Parsing helpers shared by adapters ---

// parseDecimal parses a provider number string, tolerating a trailing "%".
func parseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// fromFloat converts a provider float. Yahoo and IEX send raw doubles.
func fromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// inRange reports whether day (YYYY-MM-DD) lies in [start, end].
func inRange(day string, start, end time.Time) bool {
	t, err := time.Parse(model.DateLayout, day)
	if err != nil {
		return false
	}
	return !t.Before(dayOf(start)) && !t.After(dayOf(end))
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// newsTimeLayouts covers the timestamp shapes seen across news feeds.
var newsTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
}

// parsePublished parses a feed timestamp. Unparseable values fall back to
// midnight UTC of the requested date so the item still sorts sensibly.
func parsePublished(s string, fallback time.Time) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range newsTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return dayOf(fallback)
}
