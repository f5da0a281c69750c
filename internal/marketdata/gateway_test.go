package marketdata

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/timemachine/internal/model"
	"github.com/atmx/timemachine/internal/provider"
	"github.com/atmx/timemachine/internal/ratelimit"
	"github.com/atmx/timemachine/internal/store"
	"github.com/atmx/timemachine/internal/synthetic"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// fakeSource serves canned answers and counts calls.
type fakeSource struct {
	name  string
	quote *model.Quote
	bars  []model.HistoricalBar
	intra []model.HistoricalBar
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) wait(ctx context.Context) error {
	f.calls.Add(1)
	if f.delay == 0 {
		return nil
	}
	select {
	case <-time.After(f.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeSource) FetchQuote(ctx context.Context, symbol string) (*model.Quote, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.quote, f.err
}

func (f *fakeSource) FetchHistory(ctx context.Context, symbol string, start, end time.Time) ([]model.HistoricalBar, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.bars, f.err
}

func (f *fakeSource) FetchIntraday(ctx context.Context, symbol string, date time.Time) ([]model.HistoricalBar, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.intra, f.err
}

func (f *fakeSource) SearchSymbols(ctx context.Context, query string) ([]model.SearchResult, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return []model.SearchResult{{Symbol: "AAPL", Name: "Apple Inc."}}, nil
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

var (
	jan1  = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	jan31 = time.Date(2020, 1, 31, 0, 0, 0, 0, time.UTC)
)

func quote(p float64) *model.Quote {
	return &model.Quote{Symbol: "AAPL", Price: d(p)}
}

func bar(date string, close float64) model.HistoricalBar {
	return model.HistoricalBar{Date: date, Open: d(close), High: d(close), Low: d(close), Close: d(close)}
}

func TestGetCurrentQuote_FirstValidWins(t *testing.T) {
	a := &fakeSource{name: "a", err: errors.New("boom")}
	b := &fakeSource{name: "b"} // no data
	c := &fakeSource{name: "c", quote: quote(190.12)}
	e := &fakeSource{name: "e", quote: quote(1)}
	g := New(Config{Quotes: providersOf(a, b, c, e)})

	q, err := g.GetCurrentQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d(190.12)))
	assert.Equal(t, "c", q.Source)
	assert.False(t, q.Synthetic)
	assert.EqualValues(t, 1, a.calls.Load())
	assert.EqualValues(t, 1, b.calls.Load())
	assert.EqualValues(t, 0, e.calls.Load(), "later providers must not be consulted")
}

func TestGetCurrentQuote_ZeroPriceIsNoData(t *testing.T) {
	a := &fakeSource{name: "a", quote: quote(0)}
	b := &fakeSource{name: "b", quote: quote(10)}
	g := New(Config{Quotes: providersOf(a, b)})

	q, err := g.GetCurrentQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "b", q.Source)
}

func TestGetCurrentQuote_SyntheticAfterExhaustion(t *testing.T) {
	a := &fakeSource{name: "a", err: errors.New("down")}
	g := New(Config{Quotes: providersOf(a)})

	q, err := g.GetCurrentQuote(context.Background(), "TSLA")
	require.NoError(t, err)
	assert.True(t, q.Synthetic)
	assert.Equal(t, "TSLA", q.Symbol)
	assert.True(t, q.Price.Equal(d(175.50)))
}

func TestGetCurrentQuote_PrimaryAfterFreeSources(t *testing.T) {
	free := &fakeSource{name: "free", err: errors.New("down")}
	primary := &fakeSource{name: "primary", quote: quote(200)}
	lim := ratelimit.New(4, time.Minute)
	g := New(Config{Quotes: providersOf(free), Primary: primary, Limiter: lim})

	q, err := g.GetCurrentQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "primary", q.Source)
	assert.Equal(t, 3, lim.Remaining(), "primary call must consume quota")
}

func TestGetCurrentQuote_RateLimited(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)}
	lim := ratelimit.New(4, time.Minute, ratelimit.WithClock(clock.Now))
	for i := 0; i < 4; i++ {
		lim.RecordCall()
	}
	clock.now = clock.now.Add(4 * time.Second)

	free := &fakeSource{name: "free", err: errors.New("down")}
	primary := &fakeSource{name: "primary", quote: quote(200)}
	g := New(Config{Quotes: providersOf(free), Primary: primary, Limiter: lim})

	_, err := g.GetCurrentQuote(context.Background(), "AAPL")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))

	var rl *RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 56, rl.RetryAfterSeconds())
	assert.Contains(t, err.Error(), "please wait 56 seconds")
	assert.EqualValues(t, 0, primary.calls.Load(), "refused calls must not reach the primary")
}

func TestGetCurrentQuote_TimeoutIsSoftFailure(t *testing.T) {
	slow := &fakeSource{name: "slow", quote: quote(1), delay: time.Second}
	fast := &fakeSource{name: "fast", quote: quote(2)}
	g := New(Config{Quotes: providersOf(slow, fast), Timeout: 20 * time.Millisecond})

	q, err := g.GetCurrentQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "fast", q.Source)
}

func TestGetCurrentQuote_CachesRealQuotesOnly(t *testing.T) {
	cache := store.NewMemoryCache(time.Minute, time.Hour)
	src := &fakeSource{name: "a", quote: quote(100)}
	g := New(Config{Quotes: providersOf(src), Cache: cache})

	for i := 0; i < 3; i++ {
		_, err := g.GetCurrentQuote(context.Background(), "AAPL")
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, src.calls.Load())

	down := &fakeSource{name: "down", err: errors.New("down")}
	g2 := New(Config{Quotes: providersOf(down), Cache: cache})
	_, err := g2.GetCurrentQuote(context.Background(), "MSFT")
	require.NoError(t, err)
	_, ok := cache.GetQuote(context.Background(), "MSFT")
	assert.False(t, ok, "synthetic quotes must not be cached")
}

func TestGetCurrentQuote_ConcurrentCallsShareCascade(t *testing.T) {
	src := &fakeSource{name: "a", quote: quote(100), delay: 50 * time.Millisecond}
	g := New(Config{Quotes: providersOf(src)})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = g.GetCurrentQuote(context.Background(), "AAPL")
		}()
	}
	wg.Wait()
	assert.Less(t, src.calls.Load(), int32(8))
}

func TestGetCurrentQuote_CancelledCallerDoesNotFailOthers(t *testing.T) {
	src := &fakeSource{name: "a", quote: quote(100), delay: 200 * time.Millisecond}
	g := New(Config{Quotes: providersOf(src)})

	impatient, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	errA := make(chan error, 1)
	go func() {
		_, err := g.GetCurrentQuote(impatient, "AAPL")
		errA <- err
	}()
	// Let the first caller start the shared lookup.
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	q, err := g.GetCurrentQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d(100)))
	assert.False(t, q.Synthetic)
	assert.Equal(t, "a", q.Source)

	assert.ErrorIs(t, <-errA, context.DeadlineExceeded)
	assert.EqualValues(t, 1, src.calls.Load())
}

func TestGetHistorical_NormalizesBars(t *testing.T) {
	src := &fakeSource{name: "a", bars: []model.HistoricalBar{
		bar("2020-01-03", 3),
		bar("2019-12-31", 99), // before range
		bar("2020-01-02", 2),
		bar("2020-01-03", 4), // duplicate, last wins
		bar("2020-02-01", 99), // after range
		bar("2020-01-06", 0),  // no close
	}}
	g := New(Config{History: historyOf(src)})

	bars, err := g.GetHistorical(context.Background(), "AAPL", jan1, jan31)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, "2020-01-02", bars[0].Date)
	assert.Equal(t, "2020-01-03", bars[1].Date)
	assert.True(t, bars[1].Close.Equal(d(4)))
	assert.Equal(t, "AAPL", bars[0].Symbol)
}

func TestGetHistorical_CascadeSkipsEmpty(t *testing.T) {
	a := &fakeSource{name: "a", bars: []model.HistoricalBar{bar("2019-06-01", 1)}}
	b := &fakeSource{name: "b", bars: []model.HistoricalBar{bar("2020-01-02", 2)}}
	g := New(Config{History: historyOf(a, b)})

	bars, err := g.GetHistorical(context.Background(), "AAPL", jan1, jan31)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.EqualValues(t, 1, a.calls.Load())
}

func TestGetHistorical_SyntheticFallback(t *testing.T) {
	down := &fakeSource{name: "down", err: errors.New("down")}
	g := New(Config{History: historyOf(down), SyntheticHistory: true, Synthetic: synthetic.New(7)})

	bars, err := g.GetHistorical(context.Background(), "AAPL", jan1, jan31)
	require.NoError(t, err)
	assert.Len(t, bars, 31)
}

func TestGetHistorical_EmptyWhenSyntheticDisabled(t *testing.T) {
	down := &fakeSource{name: "down", err: errors.New("down")}
	g := New(Config{History: historyOf(down)})

	bars, err := g.GetHistorical(context.Background(), "AAPL", jan1, jan31)
	require.NoError(t, err)
	assert.NotNil(t, bars)
	assert.Empty(t, bars)
}

func TestGetHistorical_InvertedRange(t *testing.T) {
	src := &fakeSource{name: "a", bars: []model.HistoricalBar{bar("2020-01-02", 2)}}
	g := New(Config{History: historyOf(src)})

	bars, err := g.GetHistorical(context.Background(), "AAPL", jan31, jan1)
	require.NoError(t, err)
	assert.Empty(t, bars)
	assert.EqualValues(t, 0, src.calls.Load())
}

func TestGetHistorical_RateLimited(t *testing.T) {
	lim := ratelimit.New(1, time.Minute)
	lim.RecordCall()
	down := &fakeSource{name: "down"}
	primary := &fakeSource{name: "primary"}
	g := New(Config{History: historyOf(down), Primary: primary, Limiter: lim, SyntheticHistory: true})

	_, err := g.GetHistorical(context.Background(), "AAPL", jan1, jan31)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestSearchSymbols(t *testing.T) {
	g := New(Config{Searcher: &fakeSource{name: "s"}})
	res, err := g.SearchSymbols(context.Background(), "apple")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "AAPL", res[0].Symbol)

	empty, err := g.SearchSymbols(context.Background(), "   ")
	require.NoError(t, err)
	assert.Empty(t, empty)

	failing := New(Config{Searcher: &fakeSource{name: "s", err: errors.New("down")}})
	_, err = failing.SearchSymbols(context.Background(), "apple")
	assert.ErrorIs(t, err, ErrSearchFailed)
}

func TestGetIntraday_FiltersToDay(t *testing.T) {
	src := &fakeSource{name: "free", intra: []model.HistoricalBar{
		bar("2024-01-05 15:55:00", 2),
		bar("2024-01-04 15:55:00", 9),
		bar("2024-01-05 09:35:00", 1),
	}}
	g := New(Config{Intraday: src})

	bars, err := g.GetIntraday(context.Background(), "AAPL", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, "2024-01-05 09:35:00", bars[0].Date)

	_, err = New(Config{}).GetIntraday(context.Background(), "AAPL", jan1)
	assert.ErrorIs(t, err, ErrIntradayUnavailable)
}

func TestChart_MovingAverages(t *testing.T) {
	var bars []model.HistoricalBar
	for i := 1; i <= 25; i++ {
		bars = append(bars, bar(jan1.AddDate(0, 0, i).Format(model.DateLayout), float64(i)))
	}
	points := Chart(bars)
	require.Len(t, points, 25)

	assert.True(t, points[3].SMAShort.IsZero())
	assert.True(t, points[4].SMAShort.Equal(d(3)), "got %s", points[4].SMAShort)
	assert.True(t, points[18].SMALong.IsZero())
	assert.True(t, points[19].SMALong.Equal(d(10.5)), "got %s", points[19].SMALong)
	assert.True(t, points[24].Price.Equal(d(25)))

	assert.Empty(t, Chart(nil))
}

func providersOf(fs ...*fakeSource) []provider.QuoteProvider {
	out := make([]provider.QuoteProvider, 0, len(fs))
	for _, f := range fs {
		out = append(out, f)
	}
	return out
}

func historyOf(fs ...*fakeSource) []provider.HistoryProvider {
	out := make([]provider.HistoryProvider, 0, len(fs))
	for _, f := range fs {
		out = append(out, f)
	}
	return out
}
