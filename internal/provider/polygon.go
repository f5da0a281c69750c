package provider

import (
	"context"
	"net/url"

	"github.com/atmx/timemachine/internal/model"
)

// Polygon reads the Polygon.io last-quote endpoint.
type Polygon struct {
	client  *Client
	APIKey  string
	BaseURL string
}

// NewPolygon creates a Polygon adapter.
func NewPolygon(c *Client, apiKey string) *Polygon {
	if apiKey == "" {
		apiKey = "demo"
	}
	return &Polygon{client: c, APIKey: apiKey, BaseURL: "https://api.polygon.io"}
}

func (p *Polygon) Name() string { return "polygon" }

// FetchQuote maps the last quote. The endpoint carries no session data, so
// open/high/low/previous close all equal the quoted price and change is zero.
func (p *Polygon) FetchQuote(ctx context.Context, symbol string) (*model.Quote, error) {
	var out struct {
		Status  string `json:"status"`
		Results *struct {
			P float64 `json:"P"`
			S int64   `json:"S"`
		} `json:"results"`
	}
	q := url.Values{}
	q.Set("apikey", p.APIKey)
	target := p.BaseURL + "/v1/last_quote/stocks/" + url.PathEscape(symbol) + "?" + q.Encode()
	if err := p.client.GetJSON(ctx, target, &out); err != nil {
		return nil, err
	}
	if out.Status != "OK" || out.Results == nil || out.Results.P <= 0 {
		return nil, nil
	}
	price := fromFloat(out.Results.P)
	return &model.Quote{
		Symbol:        symbol,
		Name:          symbol,
		Price:         price,
		Volume:        out.Results.S,
		High:          price,
		Low:           price,
		Open:          price,
		PreviousClose: price,
	}, nil
}
