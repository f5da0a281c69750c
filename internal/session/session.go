// Package session implements the time machine session: the user's current
// selection (date, time of day, symbol), the data loaded for it, and the
// simulated trade log with its derived portfolio.
//
// Every selection change starts a new versioned load. The previous load is
// cancelled, and any result that arrives for a superseded version is
// discarded, so a slow response can never overwrite newer state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/timemachine/internal/ledger"
	"github.com/atmx/timemachine/internal/metrics"
	"github.com/atmx/timemachine/internal/model"
	"github.com/atmx/timemachine/internal/store"
	"github.com/atmx/timemachine/internal/ticker"
)

var (
	ErrInvalidQuantity = errors.New("session: quantity must be a positive whole number")
	ErrInvalidSide     = errors.New("session: side must be buy or sell")
	ErrNoPrice         = errors.New("session: no price known for the selected symbol")
)

// Selection defaults for a new session.
const (
	DefaultDate   = "2020-01-01"
	DefaultTime   = "09:30"
	DefaultSymbol = "AAPL"

	// HistoryWindowDays is the length of the history loaded for a selection.
	HistoryWindowDays = 30
)

// DefaultStartingCash is the cash a session starts (and resets) with.
var DefaultStartingCash = decimal.NewFromInt(100_000)

// MarketData loads daily history for the selection.
type MarketData interface {
	GetHistorical(ctx context.Context, symbol string, start, end time.Time) ([]model.HistoricalBar, error)
}

// NewsFeed loads headlines for the selected date.
type NewsFeed interface {
	GetNewsForDate(ctx context.Context, date time.Time, symbol string) []model.NewsItem
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Market       MarketData
	News         NewsFeed
	Trades       store.TradeLog
	StartingCash decimal.Decimal
	Logger       *slog.Logger
	Now          func() time.Time
}

func (d *Deps) defaults() {
	if d.Trades == nil {
		d.Trades = store.NewMemoryTradeLog()
	}
	if !d.StartingCash.IsPositive() {
		d.StartingCash = DefaultStartingCash
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
}

// Draft is a trade as submitted by the user. Symbol, date and price come
// from the session.
type Draft struct {
	Side     model.Side `json:"side"`
	Quantity int64      `json:"quantity"`
}

// TradeResult is the outcome of ExecuteTrade. Rejection is set when the
// ledger declined the trade; the trade stays in the log either way.
type TradeResult struct {
	Trade     model.Trade     `json:"trade"`
	Rejection *RejectionInfo  `json:"rejection"`
	Portfolio model.Portfolio `json:"portfolio"`
}

// RejectionInfo is a ledger rejection in renderable form.
type RejectionInfo struct {
	TradeID string `json:"trade_id"`
	Reason  string `json:"reason"`
	err     error
}

// Err returns the underlying ledger reason.
func (r RejectionInfo) Err() error { return r.err }

func rejectionInfo(r ledger.Rejection) RejectionInfo {
	return RejectionInfo{TradeID: r.Trade.ID, Reason: r.Message(), err: r.Reason}
}

// Snapshot is a point-in-time copy of a session for rendering.
type Snapshot struct {
	ID         string                     `json:"id"`
	Date       string                     `json:"date"`
	Time       string                     `json:"time"`
	Symbol     string                     `json:"symbol"`
	IsPlaying  bool                       `json:"is_playing"`
	Version    uint64                     `json:"version"`
	Loading    bool                       `json:"loading"`
	LastError  string                     `json:"last_error,omitempty"`
	Price      decimal.Decimal            `json:"price"`
	Marks      map[string]decimal.Decimal `json:"marks"`
	Trades     []model.Trade              `json:"trades"`
	Rejections []RejectionInfo            `json:"rejections"`
	Portfolio  model.Portfolio            `json:"portfolio"`
	History    []model.HistoricalBar      `json:"history"`
	News       []model.NewsItem           `json:"news"`
}

// Load tracks one in-flight selection load.
type Load struct {
	Version uint64
	done    chan struct{}
	cancel  context.CancelFunc
}

// Done is closed once the load has finished or been discarded.
func (l *Load) Done() <-chan struct{} { return l.done }

// Cancel abandons the load. Its results, if any arrive, are discarded.
func (l *Load) Cancel() { l.cancel() }

// Wait blocks until the load finishes or ctx ends.
func (l *Load) Wait(ctx context.Context) error {
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session is one user's time machine. Safe for concurrent use.
type Session struct {
	id   string
	deps Deps
	log  *slog.Logger

	// root is cancelled by Close and parents every load.
	root     context.Context
	shutdown context.CancelFunc

	mu         sync.Mutex
	date       time.Time
	clock      string
	symbol     string
	playing    bool
	seq        int64
	price      decimal.Decimal
	marks      map[string]decimal.Decimal
	portfolio  model.Portfolio
	rejections []RejectionInfo
	history    []model.HistoricalBar
	news       []model.NewsItem
	loading    bool
	lastErr    error
	version    uint64
	cancel     context.CancelFunc
}

// New creates a session with the default selection. No load is started;
// call Select (or Refresh) to fetch data.
func New(id string, deps Deps) *Session {
	deps.defaults()
	date, _ := ticker.ParseDate(DefaultDate)
	root, shutdown := context.WithCancel(context.Background())
	return &Session{
		id:        id,
		deps:      deps,
		log:       deps.Logger.With("session", id),
		root:      root,
		shutdown:  shutdown,
		date:      date,
		clock:     DefaultTime,
		symbol:    DefaultSymbol,
		marks:     make(map[string]decimal.Decimal),
		portfolio: ledger.Empty(deps.StartingCash),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// --- Selection ---

// Change is a partial selection update. Zero fields keep their value.
type Change struct {
	Date   time.Time
	Time   string
	Symbol string
}

// Apply validates and applies c, then starts one load for the resulting
// selection, superseding any load in flight. Nothing changes when any field
// is invalid.
func (s *Session) Apply(c Change) (*Load, error) {
	var (
		sym   string
		clock string
		err   error
	)
	if c.Symbol != "" {
		if sym, err = ticker.NormalizeSymbol(c.Symbol); err != nil {
			return nil, err
		}
	}
	if c.Time != "" {
		if clock, err = ticker.ParseClock(c.Time); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sym != "" && sym != s.symbol {
		s.symbol = sym
		// Until the new load lands, trade only at a price seen for sym.
		s.price = s.marks[sym]
	}
	if !c.Date.IsZero() {
		if day := dayOf(c.Date); !day.Equal(s.date) {
			s.date = day
			// No price is known for the new day until its load lands.
			s.price = decimal.Zero
		}
	}
	if clock != "" {
		s.clock = clock
	}
	return s.beginLocked(), nil
}

// Select changes the selected date and symbol.
func (s *Session) Select(date time.Time, symbol string) (*Load, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty", ticker.ErrInvalidSymbol)
	}
	return s.Apply(Change{Date: date, Symbol: symbol})
}

// SetDate changes only the date.
func (s *Session) SetDate(date time.Time) *Load {
	l, _ := s.Apply(Change{Date: date})
	return l
}

// SetSymbol changes only the symbol.
func (s *Session) SetSymbol(symbol string) (*Load, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty", ticker.ErrInvalidSymbol)
	}
	return s.Apply(Change{Symbol: symbol})
}

// SetTime changes the time of day.
func (s *Session) SetTime(clock string) (*Load, error) {
	if clock == "" {
		return nil, fmt.Errorf("%w: empty", ticker.ErrInvalidClock)
	}
	return s.Apply(Change{Time: clock})
}

// Refresh reloads the current selection.
func (s *Session) Refresh() *Load {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beginLocked()
}

// beginLocked bumps the version, cancels the previous load and starts a new
// one for the current selection. Caller holds s.mu.
func (s *Session) beginLocked() *Load {
	if s.cancel != nil {
		s.cancel()
	}
	s.version++
	ctx, cancel := context.WithCancel(s.root)
	s.cancel = cancel
	s.loading = true

	l := &Load{Version: s.version, done: make(chan struct{}), cancel: cancel}
	go s.run(ctx, l, s.date, s.symbol)
	return l
}

func (s *Session) run(ctx context.Context, l *Load, date time.Time, symbol string) {
	defer close(l.done)

	start, end := ticker.Window(date, HistoryWindowDays)
	var (
		bars    []model.HistoricalBar
		items   []model.NewsItem
		histErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if s.deps.Market == nil {
			return nil
		}
		bars, histErr = s.deps.Market.GetHistorical(gctx, symbol, start, end)
		return nil
	})
	g.Go(func() error {
		if s.deps.News == nil {
			return nil
		}
		items = s.deps.News.GetNewsForDate(gctx, date, symbol)
		return nil
	})
	_ = g.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	if l.Version != s.version {
		metrics.StaleLoads.Inc()
		s.log.Debug("discarding stale load", "version", l.Version, "current", s.version)
		return
	}

	s.loading = false
	if ctx.Err() != nil {
		s.log.Debug("load cancelled", "version", l.Version)
		return
	}
	s.lastErr = histErr
	if histErr != nil {
		s.log.Warn("history load failed", "symbol", symbol, "err", histErr)
		bars = nil
	}
	if bars == nil {
		bars = []model.HistoricalBar{}
	}
	if items == nil {
		items = []model.NewsItem{}
	}
	s.history = bars
	s.news = items

	if len(bars) > 0 {
		last := bars[len(bars)-1].Close
		s.marks[symbol] = last
		s.price = last
	} else {
		s.price = s.marks[symbol]
	}
	s.recomputeLocked(context.Background())

	s.log.Info("selection loaded",
		"version", l.Version,
		"symbol", symbol,
		"date", ticker.FormatDate(date),
		"bars", len(bars),
		"news", len(items),
		"price", s.price.String(),
	)
}

// --- Trading ---

// ExecuteTrade validates draft, records a trade at the latest known price
// for the selected symbol and date, and replays the log.
func (s *Session) ExecuteTrade(ctx context.Context, draft Draft) (TradeResult, error) {
	if draft.Quantity <= 0 {
		return TradeResult{}, fmt.Errorf("%w: got %d", ErrInvalidQuantity, draft.Quantity)
	}
	if !draft.Side.Valid() {
		return TradeResult{}, fmt.Errorf("%w: got %q", ErrInvalidSide, draft.Side)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.price.IsPositive() {
		return TradeResult{}, fmt.Errorf("%w: %s", ErrNoPrice, s.symbol)
	}

	t := model.Trade{
		ID:        uuid.New().String(),
		Seq:       s.seq + 1,
		Symbol:    s.symbol,
		Side:      draft.Side,
		Quantity:  draft.Quantity,
		Price:     s.price,
		Date:      ticker.FormatDate(s.date),
		Timestamp: s.deps.Now().UTC(),
	}
	if err := s.deps.Trades.Append(ctx, s.id, t); err != nil {
		return TradeResult{}, fmt.Errorf("session: record trade: %w", err)
	}
	s.seq = t.Seq

	res := s.recomputeLocked(ctx)
	out := TradeResult{Trade: t, Portfolio: clonePortfolio(s.portfolio)}
	for _, r := range res.Rejected {
		if r.Trade.ID == t.ID {
			info := rejectionInfo(r)
			out.Rejection = &info
			break
		}
	}

	outcome := "filled"
	if out.Rejection != nil {
		outcome = "rejected"
	}
	metrics.TradesTotal.WithLabelValues(string(t.Side), outcome).Inc()
	s.log.Info("trade submitted",
		"trade_id", t.ID,
		"seq", t.Seq,
		"symbol", t.Symbol,
		"side", t.Side,
		"qty", t.Quantity,
		"price", t.Price.String(),
		"outcome", outcome,
		"cash", s.portfolio.Cash.String(),
	)
	return out, nil
}

// recomputeLocked replays the whole log. Caller holds s.mu.
func (s *Session) recomputeLocked(ctx context.Context) ledger.Result {
	trades, err := s.deps.Trades.List(ctx, s.id)
	if err != nil {
		s.log.Error("trade log unavailable", "err", err)
	}
	res := ledger.ApplyMarked(trades, s.deps.StartingCash, s.markLocked)
	s.portfolio = res.Portfolio
	s.rejections = s.rejections[:0]
	for _, r := range res.Rejected {
		s.rejections = append(s.rejections, rejectionInfo(r))
	}
	return res
}

// markLocked values symbol at its last known close, falling back to the
// selection's price.
func (s *Session) markLocked(symbol string) decimal.Decimal {
	if m, ok := s.marks[symbol]; ok && m.IsPositive() {
		return m
	}
	return s.price
}

// Reset clears the trade log and restores the starting cash. The selection
// and loaded data are kept.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.deps.Trades.Clear(ctx, s.id); err != nil {
		return fmt.Errorf("session: reset: %w", err)
	}
	s.seq = 0
	s.rejections = nil
	s.portfolio = ledger.Empty(s.deps.StartingCash)
	s.log.Info("session reset", "cash", s.deps.StartingCash.String())
	return nil
}

// TogglePlayPause flips the playing flag and returns the new value. It is a
// display flag only; nothing advances the clock.
func (s *Session) TogglePlayPause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = !s.playing
	return s.playing
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot(ctx context.Context) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	trades, _ := s.deps.Trades.List(ctx, s.id)
	if trades == nil {
		trades = []model.Trade{}
	}
	marks := make(map[string]decimal.Decimal, len(s.marks))
	for k, v := range s.marks {
		marks[k] = v
	}
	snap := Snapshot{
		ID:         s.id,
		Date:       ticker.FormatDate(s.date),
		Time:       s.clock,
		Symbol:     s.symbol,
		IsPlaying:  s.playing,
		Version:    s.version,
		Loading:    s.loading,
		Price:      s.price,
		Marks:      marks,
		Trades:     trades,
		Rejections: append([]RejectionInfo{}, s.rejections...),
		Portfolio:  clonePortfolio(s.portfolio),
		History:    append([]model.HistoricalBar{}, s.history...),
		News:       append([]model.NewsItem{}, s.news...),
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

// Close cancels any load in flight. The session must not be used after.
func (s *Session) Close() {
	s.shutdown()
}

func clonePortfolio(p model.Portfolio) model.Portfolio {
	out := p
	out.Positions = make(map[string]model.Position, len(p.Positions))
	for k, v := range p.Positions {
		out.Positions[k] = v
	}
	return out
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
