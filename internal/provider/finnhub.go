package provider

import (
	"context"
	"net/url"

	"github.com/atmx/timemachine/internal/model"
)

// Finnhub reads the Finnhub quote endpoint. Without a token the public
// "demo" token is used.
type Finnhub struct {
	client  *Client
	Token   string
	BaseURL string
}

// NewFinnhub creates a Finnhub adapter.
func NewFinnhub(c *Client, token string) *Finnhub {
	if token == "" {
		token = "demo"
	}
	return &Finnhub{client: c, Token: token, BaseURL: "https://finnhub.io/api/v1"}
}

func (f *Finnhub) Name() string { return "finnhub" }

// FetchQuote returns nil when the current price is zero, which is how
// Finnhub answers for unknown symbols.
func (f *Finnhub) FetchQuote(ctx context.Context, symbol string) (*model.Quote, error) {
	var out struct {
		C  float64 `json:"c"`
		D  float64 `json:"d"`
		DP float64 `json:"dp"`
		H  float64 `json:"h"`
		L  float64 `json:"l"`
		O  float64 `json:"o"`
		PC float64 `json:"pc"`
		V  int64   `json:"v"`
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("token", f.Token)
	if err := f.client.GetJSON(ctx, f.BaseURL+"/quote?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	if out.C <= 0 {
		return nil, nil
	}
	return &model.Quote{
		Symbol:        symbol,
		Name:          symbol,
		Price:         fromFloat(out.C),
		Change:        fromFloat(out.D),
		ChangePercent: fromFloat(out.DP),
		Volume:        out.V,
		High:          fromFloat(out.H),
		Low:           fromFloat(out.L),
		Open:          fromFloat(out.O),
		PreviousClose: fromFloat(out.PC),
	}, nil
}
