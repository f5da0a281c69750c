package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/wnjoon/go-yfinance/pkg/models"
	"github.com/wnjoon/go-yfinance/pkg/ticker"

	"github.com/atmx/timemachine/internal/model"
)

// YFinance reads Yahoo Finance through the go-yfinance library, which
// handles Yahoo's cookie/crumb handshake. It is slower than the plain chart
// endpoint and sits later in the cascade.
type YFinance struct{}

// NewYFinance creates a go-yfinance adapter.
func NewYFinance() *YFinance { return &YFinance{} }

func (y *YFinance) Name() string { return "yfinance" }

// FetchQuote reads the quote and info blocks and maps them with
// quoteFromYahoo.
func (y *YFinance) FetchQuote(ctx context.Context, symbol string) (*model.Quote, error) {
	return runBlocking(ctx, func() (*model.Quote, error) {
		t, err := ticker.New(symbol)
		if err != nil {
			return nil, fmt.Errorf("failed to create ticker: %w", err)
		}
		defer t.Close()

		quote, err := t.Quote()
		if err != nil {
			quote = nil
		}
		info, err := t.Info()
		if err != nil {
			info = nil
		}
		return quoteFromYahoo(symbol, quote, info), nil
	})
}

// quoteFromYahoo prefers the regular-market price, then pre/post market,
// then the info block's current price. Session fields come from the quote
// block, then the info block, and fall back to the price only when Yahoo
// reports none. Returns nil when no positive price is available.
func quoteFromYahoo(symbol string, quote *models.Quote, info *models.Info) *model.Quote {
	if quote == nil {
		quote = &models.Quote{}
	}
	if info == nil {
		info = &models.Info{}
	}

	price := firstPositive(quote.RegularMarketPrice, quote.PreMarketPrice, quote.PostMarketPrice, info.CurrentPrice)
	if price <= 0 {
		return nil
	}
	prevClose := firstPositive(quote.RegularMarketPreviousClose, info.RegularMarketPreviousClose)

	name := symbol
	for _, n := range []string{quote.ShortName, quote.LongName, info.ShortName, info.LongName} {
		if n != "" {
			name = n
			break
		}
	}
	volume := quote.RegularMarketVolume
	if volume <= 0 {
		volume = info.RegularMarketVolume
	}

	q := &model.Quote{
		Symbol:        symbol,
		Name:          name,
		Price:         fromFloat(price),
		Volume:        volume,
		High:          fromFloat(firstPositive(quote.RegularMarketDayHigh, info.RegularMarketDayHigh, info.DayHigh, price)),
		Low:           fromFloat(firstPositive(quote.RegularMarketDayLow, info.RegularMarketDayLow, info.DayLow, price)),
		Open:          fromFloat(firstPositive(quote.RegularMarketOpen, info.RegularMarketOpen, info.Open, price)),
		PreviousClose: fromFloat(prevClose),
	}
	if prevClose > 0 {
		q.Change = q.Price.Sub(q.PreviousClose)
		q.ChangePercent = q.Change.Div(q.PreviousClose).Mul(fromFloat(100)).Round(4)
	}
	return q
}

func firstPositive(vals ...float64) float64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

// FetchHistory downloads a period covering start and keeps [start, end].
func (y *YFinance) FetchHistory(ctx context.Context, symbol string, start, end time.Time) ([]model.HistoricalBar, error) {
	return runBlocking(ctx, func() ([]model.HistoricalBar, error) {
		t, err := ticker.New(symbol)
		if err != nil {
			return nil, fmt.Errorf("failed to create ticker: %w", err)
		}
		defer t.Close()

		raw, err := t.History(models.HistoryParams{
			Period:     periodCovering(start, time.Now()),
			Interval:   "1d",
			AutoAdjust: false,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get historical prices: %w", err)
		}

		bars := make([]model.HistoricalBar, 0, len(raw))
		for _, bar := range raw {
			day := bar.Date.UTC().Format(model.DateLayout)
			if !inRange(day, start, end) || bar.Close <= 0 {
				continue
			}
			adj := bar.AdjClose
			if adj <= 0 {
				adj = bar.Close
			}
			bars = append(bars, model.HistoricalBar{
				Symbol:        symbol,
				Date:          day,
				Open:          fromFloat(bar.Open),
				High:          fromFloat(bar.High),
				Low:           fromFloat(bar.Low),
				Close:         fromFloat(bar.Close),
				Volume:        int64(bar.Volume),
				AdjustedClose: fromFloat(adj),
			})
		}
		return bars, nil
	})
}

// periodCovering picks the smallest Yahoo period string that reaches back
// to start.
func periodCovering(start, now time.Time) string {
	age := now.Sub(start)
	const year = 365 * 24 * time.Hour
	switch {
	case age <= 30*24*time.Hour:
		return "1mo"
	case age <= 90*24*time.Hour:
		return "3mo"
	case age <= year:
		return "1y"
	case age <= 2*year:
		return "2y"
	case age <= 5*year:
		return "5y"
	case age <= 10*year:
		return "10y"
	default:
		return "max"
	}
}

// runBlocking runs a context-unaware library call and abandons it when ctx
// ends. The goroutine finishes in the background.
func runBlocking[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
