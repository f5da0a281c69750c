package provider

import (
	"errors"
	"fmt"
)

// ErrUnknownProvider is returned when a configured name has no adapter for
// the requested capability.
var ErrUnknownProvider = errors.New("provider: unknown provider")

// Keys holds the optional credentials for keyed sources.
type Keys struct {
	AlphaVantage string
	Finnhub      string
	IEX          string
	Polygon      string
}

// Registry constructs adapters by name so provider order can live in
// configuration.
type Registry struct {
	quotes  map[string]QuoteProvider
	history map[string]HistoryProvider
	news    map[string]NewsSource

	// Primary is the keyed Alpha Vantage adapter, nil without a key.
	Primary *AlphaVantage
	// Free is the demo-key Alpha Vantage adapter, also used for search.
	Free *AlphaVantage
}

// NewRegistry builds every known adapter over a shared client.
func NewRegistry(c *Client, keys Keys) *Registry {
	yahoo := NewYahoo(c)
	yf := NewYFinance()
	iex := NewIEX(c, keys.IEX)
	free := NewAlphaVantage(c, "")

	r := &Registry{
		quotes: map[string]QuoteProvider{
			"yahoo":        yahoo,
			"yfinance":     yf,
			"finnhub":      NewFinnhub(c, keys.Finnhub),
			"iex":          iex,
			"alphavantage": free,
			"polygon":      NewPolygon(c, keys.Polygon),
		},
		history: map[string]HistoryProvider{
			"yahoo":        yahoo,
			"yfinance":     yf,
			"iex":          iex,
			"alphavantage": free,
		},
		news: map[string]NewsSource{
			"rss":        NewRSS(c, nil),
			"reddit":     NewReddit(c, nil),
			"hackernews": NewHackerNews(c),
		},
		Free: free,
	}
	if keys.AlphaVantage != "" && keys.AlphaVantage != DemoAPIKey {
		r.Primary = NewAlphaVantage(c, keys.AlphaVantage)
	}
	return r
}

// Quotes returns quote providers in the given order.
func (r *Registry) Quotes(names []string) ([]QuoteProvider, error) {
	return pick(r.quotes, names, "quote")
}

// History returns history providers in the given order.
func (r *Registry) History(names []string) ([]HistoryProvider, error) {
	return pick(r.history, names, "history")
}

// News returns news sources in the given order.
func (r *Registry) News(names []string) ([]NewsSource, error) {
	return pick(r.news, names, "news")
}

func pick[T any](all map[string]T, names []string, kind string) ([]T, error) {
	out := make([]T, 0, len(names))
	for _, name := range names {
		p, ok := all[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s provider %q", ErrUnknownProvider, kind, name)
		}
		out = append(out, p)
	}
	return out, nil
}
