package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/timemachine/internal/ledger"
	"github.com/atmx/timemachine/internal/model"
	"github.com/atmx/timemachine/internal/store"
)

// d is a test helper to create decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fakeMarket returns a single bar per request closing at the configured
// price for the symbol. Symbols with a gate block until it is closed.
type fakeMarket struct {
	mu     sync.Mutex
	closes map[string]float64
	gates  map[string]chan struct{}
	err    error
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		closes: map[string]float64{},
		gates:  map[string]chan struct{}{},
	}
}

func (f *fakeMarket) setClose(symbol string, c float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes[symbol] = c
}

func (f *fakeMarket) GetHistorical(ctx context.Context, symbol string, start, end time.Time) ([]model.HistoricalBar, error) {
	f.mu.Lock()
	gate := f.gates[symbol]
	c, ok := f.closes[symbol]
	err := f.err
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return []model.HistoricalBar{}, nil
	}
	return []model.HistoricalBar{
		{Symbol: symbol, Date: start.Format(model.DateLayout), Close: d(c - 1)},
		{Symbol: symbol, Date: end.Format(model.DateLayout), Close: d(c)},
	}, nil
}

type fakeNews struct{}

func (fakeNews) GetNewsForDate(_ context.Context, date time.Time, symbol string) []model.NewsItem {
	return []model.NewsItem{{ID: "n1", Title: symbol + " news", PublishedAt: date}}
}

func newTestSession(t *testing.T, m *fakeMarket) *Session {
	t.Helper()
	s := New("test", Deps{
		Market: m,
		News:   fakeNews{},
		Trades: store.NewMemoryTradeLog(),
		Now:    func() time.Time { return time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC) },
	})
	t.Cleanup(s.Close)
	return s
}

func wait(t *testing.T, l *Load) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("load %d did not finish: %v", l.Version, err)
	}
}

func buy(qty int64) Draft  { return Draft{Side: model.SideBuy, Quantity: qty} }
func sell(qty int64) Draft { return Draft{Side: model.SideSell, Quantity: qty} }

func TestExampleScenario(t *testing.T) {
	ctx := context.Background()
	m := newFakeMarket()
	m.setClose("AAPL", 150)
	s := newTestSession(t, m)
	wait(t, s.Refresh())

	if _, err := s.ExecuteTrade(ctx, buy(10)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	snap := s.Snapshot(ctx)
	if !snap.Portfolio.Cash.Equal(d(98500)) {
		t.Errorf("cash after buy: expected 98500, got %s", snap.Portfolio.Cash)
	}

	m.setClose("AAPL", 160)
	wait(t, s.Refresh())

	res, err := s.ExecuteTrade(ctx, sell(5))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if res.Rejection != nil {
		t.Fatalf("unexpected rejection: %s", res.Rejection.Reason)
	}
	if !res.Trade.Price.Equal(d(160)) {
		t.Errorf("sell should fill at latest price 160, got %s", res.Trade.Price)
	}

	p := res.Portfolio
	if !p.Cash.Equal(d(99300)) {
		t.Errorf("cash: expected 99300, got %s", p.Cash)
	}
	pos, ok := p.Positions["AAPL"]
	if !ok {
		t.Fatal("expected AAPL position")
	}
	if pos.Quantity != 5 || !pos.AveragePrice.Equal(d(150)) {
		t.Errorf("position: expected 5@150, got %d@%s", pos.Quantity, pos.AveragePrice)
	}
	if !pos.MarketValue.Equal(d(800)) {
		t.Errorf("market value: expected 800, got %s", pos.MarketValue)
	}
	if !p.TotalPnL.Equal(d(50)) {
		t.Errorf("total pnl: expected 50, got %s", p.TotalPnL)
	}
	if !p.TotalValue.Equal(d(100100)) {
		t.Errorf("total value: expected 100100, got %s", p.TotalValue)
	}
}

func TestSelect_LoadsHistoryAndNews(t *testing.T) {
	m := newFakeMarket()
	m.setClose("MSFT", 210.5)
	s := newTestSession(t, m)

	l, err := s.Select(time.Date(2021, 6, 15, 0, 0, 0, 0, time.UTC), "msft")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	wait(t, l)

	snap := s.Snapshot(context.Background())
	if snap.Symbol != "MSFT" || snap.Date != "2021-06-15" {
		t.Errorf("selection: got %s %s", snap.Symbol, snap.Date)
	}
	if snap.Loading {
		t.Error("loading should be cleared")
	}
	if len(snap.History) != 2 || snap.History[1].Date != "2021-06-15" {
		t.Errorf("history window should end at the selected date, got %+v", snap.History)
	}
	if snap.History[0].Date != "2021-05-16" {
		t.Errorf("history window should start 30 days back, got %s", snap.History[0].Date)
	}
	if len(snap.News) != 1 || snap.News[0].Title != "MSFT news" {
		t.Errorf("unexpected news: %+v", snap.News)
	}
	if !snap.Price.Equal(d(210.5)) {
		t.Errorf("price: expected 210.5, got %s", snap.Price)
	}
}

func TestSelect_InvalidSymbol(t *testing.T) {
	s := newTestSession(t, newFakeMarket())
	if _, err := s.Select(time.Now(), "not a ticker"); err == nil {
		t.Error("expected invalid symbol error")
	}
	if _, err := s.SetTime("25:00"); err == nil {
		t.Error("expected invalid clock error")
	}
}

func TestSelect_StaleLoadDiscarded(t *testing.T) {
	m := newFakeMarket()
	m.setClose("SLOW", 999)
	m.setClose("FAST", 100)
	gate := make(chan struct{})
	m.gates["SLOW"] = gate
	s := newTestSession(t, m)

	first, err := s.SetSymbol("SLOW")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.SetSymbol("FAST")
	if err != nil {
		t.Fatal(err)
	}
	if second.Version <= first.Version {
		t.Fatalf("versions must increase: %d then %d", first.Version, second.Version)
	}
	wait(t, second)
	close(gate)
	wait(t, first)

	snap := s.Snapshot(context.Background())
	if snap.Symbol != "FAST" {
		t.Errorf("expected FAST selected, got %s", snap.Symbol)
	}
	if !snap.Price.Equal(d(100)) {
		t.Errorf("stale load overwrote price: got %s", snap.Price)
	}
	if snap.Version != second.Version {
		t.Errorf("expected version %d, got %d", second.Version, snap.Version)
	}
}

func TestSelect_HistoryErrorDegradesToEmpty(t *testing.T) {
	m := newFakeMarket()
	m.err = errors.New("rate limited")
	s := newTestSession(t, m)
	wait(t, s.Refresh())

	snap := s.Snapshot(context.Background())
	if len(snap.History) != 0 {
		t.Errorf("expected empty history, got %d bars", len(snap.History))
	}
	if snap.LastError == "" {
		t.Error("expected last error to be recorded")
	}
	if len(snap.News) != 1 {
		t.Error("news should still load when history fails")
	}
	if _, err := s.ExecuteTrade(context.Background(), buy(1)); !errors.Is(err, ErrNoPrice) {
		t.Errorf("expected ErrNoPrice, got %v", err)
	}
}

func TestExecuteTrade_Validation(t *testing.T) {
	ctx := context.Background()
	m := newFakeMarket()
	m.setClose("AAPL", 100)
	s := newTestSession(t, m)

	if _, err := s.ExecuteTrade(ctx, buy(1)); !errors.Is(err, ErrNoPrice) {
		t.Errorf("before any load: expected ErrNoPrice, got %v", err)
	}
	wait(t, s.Refresh())

	tests := []struct {
		name  string
		draft Draft
		want  error
	}{
		{"zero quantity", buy(0), ErrInvalidQuantity},
		{"negative quantity", sell(-3), ErrInvalidQuantity},
		{"unknown side", Draft{Side: "hold", Quantity: 1}, ErrInvalidSide},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.ExecuteTrade(ctx, tt.draft); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if n := len(s.Snapshot(ctx).Trades); n != 0 {
		t.Errorf("invalid drafts must not reach the log, got %d trades", n)
	}
}

func TestExecuteTrade_RejectionReported(t *testing.T) {
	ctx := context.Background()
	m := newFakeMarket()
	m.setClose("AAPL", 150)
	s := newTestSession(t, m)
	wait(t, s.Refresh())

	res, err := s.ExecuteTrade(ctx, buy(1000)) // 150000 > 100000
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Rejection == nil {
		t.Fatal("expected a rejection")
	}
	if !errors.Is(res.Rejection.Err(), ledger.ErrInsufficientCash) {
		t.Errorf("expected insufficient cash, got %v", res.Rejection.Err())
	}
	if !res.Portfolio.Cash.Equal(d(100000)) {
		t.Errorf("cash should be unchanged, got %s", res.Portfolio.Cash)
	}

	res, err = s.ExecuteTrade(ctx, sell(1))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Rejection == nil || !errors.Is(res.Rejection.Err(), ledger.ErrInsufficientShares) {
		t.Errorf("expected insufficient shares rejection, got %+v", res.Rejection)
	}

	snap := s.Snapshot(ctx)
	if len(snap.Trades) != 2 {
		t.Errorf("rejected trades stay in the log, got %d", len(snap.Trades))
	}
	if len(snap.Rejections) != 2 {
		t.Errorf("expected 2 rejections, got %d", len(snap.Rejections))
	}
	if snap.Trades[1].Seq != 2 {
		t.Errorf("expected seq 2, got %d", snap.Trades[1].Seq)
	}
}

func TestExecuteTrade_MarksPerSymbol(t *testing.T) {
	ctx := context.Background()
	m := newFakeMarket()
	m.setClose("AAPL", 100)
	m.setClose("MSFT", 200)
	s := newTestSession(t, m)

	l, _ := s.SetSymbol("AAPL")
	wait(t, l)
	s.ExecuteTrade(ctx, buy(10))

	l, _ = s.SetSymbol("MSFT")
	wait(t, l)
	res, _ := s.ExecuteTrade(ctx, buy(5))

	aapl := res.Portfolio.Positions["AAPL"]
	if !aapl.CurrentPrice.Equal(d(100)) {
		t.Errorf("AAPL should stay marked at its own close, got %s", aapl.CurrentPrice)
	}
	msft := res.Portfolio.Positions["MSFT"]
	if !msft.CurrentPrice.Equal(d(200)) {
		t.Errorf("MSFT mark: expected 200, got %s", msft.CurrentPrice)
	}
	if !res.Portfolio.TotalValue.Equal(d(100000)) {
		t.Errorf("total value at cost: expected 100000, got %s", res.Portfolio.TotalValue)
	}
}

func TestExecuteTrade_SymbolSwitchDropsOldPrice(t *testing.T) {
	ctx := context.Background()
	m := newFakeMarket()
	m.setClose("AAPL", 150)
	m.setClose("MSFT", 300)
	gate := make(chan struct{})
	m.gates["MSFT"] = gate
	s := newTestSession(t, m)
	wait(t, s.Refresh())

	l, err := s.SetSymbol("MSFT")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ExecuteTrade(ctx, buy(1)); !errors.Is(err, ErrNoPrice) {
		t.Errorf("expected ErrNoPrice while MSFT loads, got %v", err)
	}
	close(gate)
	wait(t, l)

	res, err := s.ExecuteTrade(ctx, buy(1))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !res.Trade.Price.Equal(d(300)) {
		t.Errorf("expected fill at 300, got %s", res.Trade.Price)
	}
}

func TestExecuteTrade_DateChangeDropsOldPrice(t *testing.T) {
	ctx := context.Background()
	m := newFakeMarket()
	m.setClose("AAPL", 150)
	s := newTestSession(t, m)
	l, _ := s.Select(time.Date(2020, 3, 16, 0, 0, 0, 0, time.UTC), "AAPL")
	wait(t, l)

	gate := make(chan struct{})
	m.mu.Lock()
	m.gates["AAPL"] = gate
	m.closes["AAPL"] = 170
	m.mu.Unlock()

	l = s.SetDate(time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC))
	if _, err := s.ExecuteTrade(ctx, buy(1)); !errors.Is(err, ErrNoPrice) {
		t.Errorf("expected ErrNoPrice while the new date loads, got %v", err)
	}
	close(gate)
	wait(t, l)

	res, err := s.ExecuteTrade(ctx, buy(1))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !res.Trade.Price.Equal(d(170)) {
		t.Errorf("expected fill at the new date's close 170, got %s", res.Trade.Price)
	}
}

func TestApply_SameDateKeepsPrice(t *testing.T) {
	ctx := context.Background()
	m := newFakeMarket()
	m.setClose("AAPL", 150)
	s := newTestSession(t, m)
	date := time.Date(2020, 3, 16, 0, 0, 0, 0, time.UTC)
	l, _ := s.Select(date, "AAPL")
	wait(t, l)

	gate := make(chan struct{})
	m.mu.Lock()
	m.gates["AAPL"] = gate
	m.mu.Unlock()
	defer close(gate)

	s.SetDate(date.Add(15 * time.Hour))
	res, err := s.ExecuteTrade(ctx, buy(1))
	if err != nil {
		t.Fatalf("buy on an unchanged day: %v", err)
	}
	if !res.Trade.Price.Equal(d(150)) {
		t.Errorf("expected fill at 150, got %s", res.Trade.Price)
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	m := newFakeMarket()
	m.setClose("AAPL", 150)
	s := newTestSession(t, m)
	l, _ := s.Select(time.Date(2020, 3, 16, 0, 0, 0, 0, time.UTC), "AAPL")
	wait(t, l)

	s.ExecuteTrade(ctx, buy(10))
	s.ExecuteTrade(ctx, buy(1000))
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	snap := s.Snapshot(ctx)
	if !snap.Portfolio.Cash.Equal(DefaultStartingCash) {
		t.Errorf("cash: expected %s, got %s", DefaultStartingCash, snap.Portfolio.Cash)
	}
	if len(snap.Trades) != 0 || len(snap.Portfolio.Positions) != 0 || len(snap.Rejections) != 0 {
		t.Errorf("reset should clear trades, positions and rejections: %+v", snap)
	}
	if snap.Date != "2020-03-16" || snap.Symbol != "AAPL" {
		t.Errorf("reset must keep the selection, got %s %s", snap.Date, snap.Symbol)
	}

	res, _ := s.ExecuteTrade(ctx, buy(1))
	if res.Trade.Seq != 1 {
		t.Errorf("seq should restart after reset, got %d", res.Trade.Seq)
	}
}

func TestTogglePlayPause(t *testing.T) {
	s := newTestSession(t, newFakeMarket())
	if !s.TogglePlayPause() {
		t.Error("first toggle should start playing")
	}
	if s.TogglePlayPause() {
		t.Error("second toggle should pause")
	}
	if s.Snapshot(context.Background()).Date != DefaultDate {
		t.Error("toggling must not move the selected date")
	}
}

func TestManager(t *testing.T) {
	ctx := context.Background()
	m := newFakeMarket()
	m.setClose("AAPL", 150)
	mgr := NewManager(Deps{Market: m, News: fakeNews{}})
	defer mgr.Close()

	s, l := mgr.Create()
	wait(t, l)

	got, err := mgr.Get(s.ID())
	if err != nil || got != s {
		t.Fatalf("get: %v", err)
	}
	if snap := got.Snapshot(ctx); !snap.Price.Equal(d(150)) {
		t.Errorf("created session should load its default selection, price %s", snap.Price)
	}
	if ids := mgr.IDs(); len(ids) != 1 || ids[0] != s.ID() {
		t.Errorf("unexpected ids %v", ids)
	}

	if err := mgr.Delete(ctx, s.ID()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := mgr.Get(s.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := mgr.Delete(ctx, s.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestApply_PartialAndAtomic(t *testing.T) {
	m := newFakeMarket()
	m.setClose("NVDA", 50)
	s := newTestSession(t, m)

	l, err := s.Apply(Change{Symbol: "nvda", Time: "15:45"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	wait(t, l)
	snap := s.Snapshot(context.Background())
	if snap.Symbol != "NVDA" || snap.Time != "15:45" || snap.Date != DefaultDate {
		t.Errorf("unexpected selection %s %s %s", snap.Symbol, snap.Time, snap.Date)
	}

	before := snap.Version
	if _, err := s.Apply(Change{Symbol: "MSFT", Time: "9:99"}); err == nil {
		t.Fatal("expected invalid clock error")
	}
	snap = s.Snapshot(context.Background())
	if snap.Symbol != "NVDA" || snap.Version != before {
		t.Errorf("invalid change must not apply: %s v%d", snap.Symbol, snap.Version)
	}
}
