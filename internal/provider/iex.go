package provider

import (
	"context"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/timemachine/internal/model"
)

// IEX reads IEX Cloud quote and chart endpoints.
type IEX struct {
	client  *Client
	Token   string
	BaseURL string
}

// NewIEX creates an IEX Cloud adapter. Without a token the sandbox
// "pk_test" token is used.
func NewIEX(c *Client, token string) *IEX {
	if token == "" {
		token = "pk_test"
	}
	return &IEX{client: c, Token: token, BaseURL: "https://cloud.iexapis.com/stable"}
}

func (x *IEX) Name() string { return "iex" }

func (x *IEX) endpoint(symbol, path string) string {
	q := url.Values{}
	q.Set("token", x.Token)
	return x.BaseURL + "/stock/" + url.PathEscape(symbol) + path + "?" + q.Encode()
}

// FetchQuote reads /stock/{symbol}/quote. IEX reports changePercent as a
// fraction; it is scaled to percent here.
func (x *IEX) FetchQuote(ctx context.Context, symbol string) (*model.Quote, error) {
	var out struct {
		Symbol        string  `json:"symbol"`
		CompanyName   string  `json:"companyName"`
		LatestPrice   float64 `json:"latestPrice"`
		Change        float64 `json:"change"`
		ChangePercent float64 `json:"changePercent"`
		Volume        int64   `json:"volume"`
		High          float64 `json:"high"`
		Low           float64 `json:"low"`
		Open          float64 `json:"open"`
		PreviousClose float64 `json:"previousClose"`
	}
	if err := x.client.GetJSON(ctx, x.endpoint(symbol, "/quote"), &out); err != nil {
		return nil, err
	}
	if out.LatestPrice <= 0 {
		return nil, nil
	}
	sym := out.Symbol
	if sym == "" {
		sym = symbol
	}
	name := out.CompanyName
	if name == "" {
		name = symbol
	}
	return &model.Quote{
		Symbol:        sym,
		Name:          name,
		Price:         fromFloat(out.LatestPrice),
		Change:        fromFloat(out.Change),
		ChangePercent: fromFloat(out.ChangePercent).Mul(decimal.NewFromInt(100)),
		Volume:        out.Volume,
		High:          fromFloat(out.High),
		Low:           fromFloat(out.Low),
		Open:          fromFloat(out.Open),
		PreviousClose: fromFloat(out.PreviousClose),
	}, nil
}

// FetchHistory reads the one-month chart and keeps bars inside [start, end].
// IEX only serves recent history on this endpoint, so older ranges come
// back empty.
func (x *IEX) FetchHistory(ctx context.Context, symbol string, start, end time.Time) ([]model.HistoricalBar, error) {
	var out []struct {
		Date   string  `json:"date"`
		Open   float64 `json:"open"`
		High   float64 `json:"high"`
		Low    float64 `json:"low"`
		Close  float64 `json:"close"`
		Volume int64   `json:"volume"`
	}
	if err := x.client.GetJSON(ctx, x.endpoint(symbol, "/chart/1m"), &out); err != nil {
		return nil, err
	}

	bars := make([]model.HistoricalBar, 0, len(out))
	for _, row := range out {
		if !inRange(row.Date, start, end) {
			continue
		}
		bars = append(bars, model.HistoricalBar{
			Symbol:        symbol,
			Date:          row.Date,
			Open:          fromFloat(row.Open),
			High:          fromFloat(row.High),
			Low:           fromFloat(row.Low),
			Close:         fromFloat(row.Close),
			Volume:        row.Volume,
			AdjustedClose: fromFloat(row.Close),
		})
	}
	return bars, nil
}
