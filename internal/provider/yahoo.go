package provider

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/timemachine/internal/model"
)

// Yahoo reads the public Yahoo Finance chart API. No key required.
type Yahoo struct {
	client  *Client
	BaseURL string
}

// NewYahoo creates a Yahoo chart adapter.
func NewYahoo(c *Client) *Yahoo {
	return &Yahoo{client: c, BaseURL: "https://query1.finance.yahoo.com"}
}

func (y *Yahoo) Name() string { return "yahoo" }

type yahooChart struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol               string  `json:"symbol"`
				LongName             string  `json:"longName"`
				ShortName            string  `json:"shortName"`
				RegularMarketPrice   float64 `json:"regularMarketPrice"`
				PreviousClose        float64 `json:"previousClose"`
				ChartPreviousClose   float64 `json:"chartPreviousClose"`
				RegularMarketVolume  int64   `json:"regularMarketVolume"`
				RegularMarketDayHigh float64 `json:"regularMarketDayHigh"`
				RegularMarketDayLow  float64 `json:"regularMarketDayLow"`
				RegularMarketOpen    float64 `json:"regularMarketOpen"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []float64 `json:"open"`
					High   []float64 `json:"high"`
					Low    []float64 `json:"low"`
					Close  []float64 `json:"close"`
					Volume []int64   `json:"volume"`
				} `json:"quote"`
				AdjClose []struct {
					AdjClose []float64 `json:"adjclose"`
				} `json:"adjclose"`
			} `json:"indicators"`
		} `json:"result"`
		Error any `json:"error"`
	} `json:"chart"`
}

func (y *Yahoo) chart(ctx context.Context, symbol string, params url.Values) (*yahooChart, error) {
	target := y.BaseURL + "/v8/finance/chart/" + url.PathEscape(symbol)
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	var out yahooChart
	if err := y.client.GetJSON(ctx, target, &out); err != nil {
		return nil, err
	}
	if out.Chart.Error != nil {
		return nil, fmt.Errorf("%w: yahoo: %v", ErrUpstream, out.Chart.Error)
	}
	return &out, nil
}

// FetchQuote reads the chart metadata block.
func (y *Yahoo) FetchQuote(ctx context.Context, symbol string) (*model.Quote, error) {
	out, err := y.chart(ctx, symbol, nil)
	if err != nil {
		return nil, err
	}
	if len(out.Chart.Result) == 0 {
		return nil, nil
	}
	meta := out.Chart.Result[0].Meta
	if meta.RegularMarketPrice <= 0 {
		return nil, nil
	}

	prev := meta.PreviousClose
	if prev == 0 {
		prev = meta.ChartPreviousClose
	}
	price := fromFloat(meta.RegularMarketPrice)
	prevClose := fromFloat(prev)

	change := decimal.Zero
	changePct := decimal.Zero
	if prevClose.IsPositive() {
		change = price.Sub(prevClose)
		changePct = change.Div(prevClose).Mul(decimal.NewFromInt(100)).Round(4)
	}

	name := meta.LongName
	if name == "" {
		name = meta.ShortName
	}
	if name == "" {
		name = symbol
	}
	sym := meta.Symbol
	if sym == "" {
		sym = symbol
	}

	return &model.Quote{
		Symbol:        sym,
		Name:          name,
		Price:         price,
		Change:        change,
		ChangePercent: changePct,
		Volume:        meta.RegularMarketVolume,
		High:          fromFloat(meta.RegularMarketDayHigh),
		Low:           fromFloat(meta.RegularMarketDayLow),
		Open:          fromFloat(meta.RegularMarketOpen),
		PreviousClose: prevClose,
	}, nil
}

// FetchHistory reads daily bars. Rows with a missing OHLC value are skipped.
func (y *Yahoo) FetchHistory(ctx context.Context, symbol string, start, end time.Time) ([]model.HistoricalBar, error) {
	params := url.Values{}
	params.Set("period1", strconv.FormatInt(dayOf(start).Unix(), 10))
	params.Set("period2", strconv.FormatInt(dayOf(end).AddDate(0, 0, 1).Unix(), 10))
	params.Set("interval", "1d")

	out, err := y.chart(ctx, symbol, params)
	if err != nil {
		return nil, err
	}
	if len(out.Chart.Result) == 0 || len(out.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, nil
	}

	res := out.Chart.Result[0]
	q := res.Indicators.Quote[0]
	var adj []float64
	if len(res.Indicators.AdjClose) > 0 {
		adj = res.Indicators.AdjClose[0].AdjClose
	}

	bars := make([]model.HistoricalBar, 0, len(res.Timestamp))
	for i, ts := range res.Timestamp {
		if i >= len(q.Open) || i >= len(q.High) || i >= len(q.Low) || i >= len(q.Close) {
			continue
		}
		// null values decode as zero
		if q.Open[i] == 0 || q.High[i] == 0 || q.Low[i] == 0 || q.Close[i] == 0 {
			continue
		}
		adjClose := q.Close[i]
		if i < len(adj) && adj[i] != 0 {
			adjClose = adj[i]
		}
		var volume int64
		if i < len(q.Volume) {
			volume = q.Volume[i]
		}
		bars = append(bars, model.HistoricalBar{
			Symbol:        symbol,
			Date:          time.Unix(ts, 0).UTC().Format(model.DateLayout),
			Open:          fromFloat(q.Open[i]),
			High:          fromFloat(q.High[i]),
			Low:           fromFloat(q.Low[i]),
			Close:         fromFloat(q.Close[i]),
			Volume:        volume,
			AdjustedClose: fromFloat(adjClose),
		})
	}
	return bars, nil
}
