package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/timemachine/internal/model"
)

// DemoAPIKey is Alpha Vantage's public key. It only answers for a handful
// of symbols but needs no signup.
const DemoAPIKey = "demo"

// AlphaVantage reads the Alpha Vantage query API: global quotes, daily
// series, symbol search and intraday series. One instance with the demo key
// sits in the free cascade; a second with a real key is the gateway's
// rate-limited primary.
type AlphaVantage struct {
	client  *Client
	APIKey  string
	BaseURL string
}

// NewAlphaVantage creates an adapter. An empty key selects the demo key.
func NewAlphaVantage(c *Client, apiKey string) *AlphaVantage {
	if apiKey == "" {
		apiKey = DemoAPIKey
	}
	return &AlphaVantage{client: c, APIKey: apiKey, BaseURL: "https://www.alphavantage.co"}
}

func (a *AlphaVantage) Name() string {
	if a.APIKey == DemoAPIKey {
		return "alphavantage"
	}
	return "alphavantage-keyed"
}

// Keyed reports whether a real API key is configured.
func (a *AlphaVantage) Keyed() bool { return a.APIKey != DemoAPIKey }

// query calls the API and returns the top-level object. Error, throttling
// ("Note") and premium ("Information") payloads become ErrUpstream.
func (a *AlphaVantage) query(ctx context.Context, params url.Values) (map[string]json.RawMessage, error) {
	params.Set("apikey", a.APIKey)
	var raw map[string]json.RawMessage
	if err := a.client.GetJSON(ctx, a.BaseURL+"/query?"+params.Encode(), &raw); err != nil {
		return nil, err
	}
	for _, key := range []string{"Error Message", "Note", "Information"} {
		if msg, ok := raw[key]; ok {
			var s string
			_ = json.Unmarshal(msg, &s)
			return nil, fmt.Errorf("%w: alphavantage: %s", ErrUpstream, s)
		}
	}
	return raw, nil
}

// FetchQuote calls GLOBAL_QUOTE.
func (a *AlphaVantage) FetchQuote(ctx context.Context, symbol string) (*model.Quote, error) {
	params := url.Values{}
	params.Set("function", "GLOBAL_QUOTE")
	params.Set("symbol", symbol)
	raw, err := a.query(ctx, params)
	if err != nil {
		return nil, err
	}

	var gq map[string]string
	if body, ok := raw["Global Quote"]; ok {
		if err := json.Unmarshal(body, &gq); err != nil {
			return nil, fmt.Errorf("failed to decode global quote: %w", err)
		}
	}
	if gq["05. price"] == "" {
		return nil, nil
	}

	var perr error
	num := func(key string) decimal.Decimal {
		v, err := parseDecimal(gq[key])
		if err != nil && perr == nil {
			perr = fmt.Errorf("alphavantage: field %q: %w", key, err)
		}
		return v
	}
	volume, _ := strconv.ParseInt(gq["06. volume"], 10, 64)

	sym := gq["01. symbol"]
	if sym == "" {
		sym = symbol
	}
	q := &model.Quote{
		Symbol:        sym,
		Name:          symbol,
		Price:         num("05. price"),
		Change:        num("09. change"),
		ChangePercent: num("10. change percent"),
		Volume:        volume,
		High:          num("03. high"),
		Low:           num("04. low"),
		Open:          num("02. open"),
		PreviousClose: num("08. previous close"),
	}
	if perr != nil {
		return nil, perr
	}
	return q, nil
}

// FetchHistory calls TIME_SERIES_DAILY_ADJUSTED and keeps bars inside
// [start, end], ascending.
func (a *AlphaVantage) FetchHistory(ctx context.Context, symbol string, start, end time.Time) ([]model.HistoricalBar, error) {
	params := url.Values{}
	params.Set("function", "TIME_SERIES_DAILY_ADJUSTED")
	params.Set("symbol", symbol)
	if time.Since(start) > 140*24*time.Hour {
		params.Set("outputsize", "full")
	}
	raw, err := a.query(ctx, params)
	if err != nil {
		return nil, err
	}

	series, err := decodeSeries(raw, "Time Series (Daily)")
	if err != nil || series == nil {
		return nil, err
	}

	bars := make([]model.HistoricalBar, 0, len(series))
	for day, row := range series {
		if !inRange(day, start, end) {
			continue
		}
		bar, err := seriesBar(symbol, day, row, "6. volume", "5. adjusted close")
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date < bars[j].Date })
	return bars, nil
}

// FetchIntraday calls TIME_SERIES_INTRADAY (5min, compact) and keeps the
// bars stamped on date. Bar dates carry the full "YYYY-MM-DD HH:MM:SS"
// timestamp.
func (a *AlphaVantage) FetchIntraday(ctx context.Context, symbol string, date time.Time) ([]model.HistoricalBar, error) {
	params := url.Values{}
	params.Set("function", "TIME_SERIES_INTRADAY")
	params.Set("symbol", symbol)
	params.Set("interval", "5min")
	params.Set("outputsize", "compact")
	raw, err := a.query(ctx, params)
	if err != nil {
		return nil, err
	}

	series, err := decodeSeries(raw, "Time Series (5min)")
	if err != nil {
		return nil, err
	}
	if series == nil {
		return nil, fmt.Errorf("%w: alphavantage: no intraday series", ErrUpstream)
	}

	day := date.UTC().Format(model.DateLayout)
	var bars []model.HistoricalBar
	for stamp, row := range series {
		if !strings.HasPrefix(stamp, day) {
			continue
		}
		bar, err := seriesBar(symbol, stamp, row, "5. volume", "4. close")
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date < bars[j].Date })
	return bars, nil
}

// SearchSymbols calls SYMBOL_SEARCH.
func (a *AlphaVantage) SearchSymbols(ctx context.Context, query string) ([]model.SearchResult, error) {
	params := url.Values{}
	params.Set("function", "SYMBOL_SEARCH")
	params.Set("keywords", query)
	raw, err := a.query(ctx, params)
	if err != nil {
		return nil, err
	}

	var matches []map[string]string
	if body, ok := raw["bestMatches"]; ok {
		if err := json.Unmarshal(body, &matches); err != nil {
			return nil, fmt.Errorf("failed to decode matches: %w", err)
		}
	}

	results := make([]model.SearchResult, 0, len(matches))
	for _, m := range matches {
		results = append(results, model.SearchResult{
			Symbol:   m["1. symbol"],
			Name:     m["2. name"],
			Type:     m["3. type"],
			Region:   m["4. region"],
			Currency: m["8. currency"],
		})
	}
	return results, nil
}

func decodeSeries(raw map[string]json.RawMessage, key string) (map[string]map[string]string, error) {
	body, ok := raw[key]
	if !ok {
		return nil, nil
	}
	var series map[string]map[string]string
	if err := json.Unmarshal(body, &series); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return series, nil
}

func seriesBar(symbol, date string, row map[string]string, volumeKey, adjKey string) (model.HistoricalBar, error) {
	bar := model.HistoricalBar{Symbol: symbol, Date: date}
	fields := []struct {
		key string
		dst *decimal.Decimal
	}{
		{"1. open", &bar.Open},
		{"2. high", &bar.High},
		{"3. low", &bar.Low},
		{"4. close", &bar.Close},
		{adjKey, &bar.AdjustedClose},
	}
	for _, f := range fields {
		v, err := parseDecimal(row[f.key])
		if err != nil {
			return bar, fmt.Errorf("alphavantage: %s %q: %w", date, f.key, err)
		}
		*f.dst = v
	}
	bar.Volume, _ = strconv.ParseInt(row[volumeKey], 10, 64)
	return bar, nil
}
