// Package api provides the HTTP handlers for time machine sessions, market
// data, news and the live price stream.
//
// All monetary values use shopspring/decimal, never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/timemachine/internal/marketdata"
	"github.com/atmx/timemachine/internal/model"
	"github.com/atmx/timemachine/internal/news"
	"github.com/atmx/timemachine/internal/session"
	"github.com/atmx/timemachine/internal/ticker"
)

// MarketData is the market data surface the handlers use.
type MarketData interface {
	GetCurrentQuote(ctx context.Context, symbol string) (model.Quote, error)
	GetHistorical(ctx context.Context, symbol string, start, end time.Time) ([]model.HistoricalBar, error)
	GetIntraday(ctx context.Context, symbol string, date time.Time) ([]model.HistoricalBar, error)
	SearchSymbols(ctx context.Context, query string) ([]model.SearchResult, error)
}

// NewsFeed is the news surface the handlers use.
type NewsFeed interface {
	Fetch(ctx context.Context, date time.Time, symbol string) news.Report
}

// LiveFeed is the rolling live series.
type LiveFeed interface {
	Watch(symbol string)
	Series(symbol string) ([]model.LivePoint, bool)
	Poll(ctx context.Context, symbol string) bool
}

// DefaultRangeDays is the history range served when a request omits start.
const DefaultRangeDays = session.HistoryWindowDays

// Service handles the time machine API.
type Service struct {
	sessions *session.Manager
	market   MarketData
	news     NewsFeed
	live     LiveFeed
	wsHub    *WSHub // optional
	now      func() time.Time
}

// NewService creates the API service. live and hub may be nil.
func NewService(sessions *session.Manager, market MarketData, nf NewsFeed, live LiveFeed, hub *WSHub) *Service {
	return &Service{
		sessions: sessions,
		market:   market,
		news:     nf,
		live:     live,
		wsHub:    hub,
		now:      time.Now,
	}
}

// Routes registers every handler on r, which is expected to be mounted at
// /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Post("/sessions", s.CreateSession)
	r.Get("/sessions/{sessionID}", s.GetSession)
	r.Delete("/sessions/{sessionID}", s.DeleteSession)
	r.Put("/sessions/{sessionID}/selection", s.UpdateSelection)
	r.Post("/sessions/{sessionID}/trades", s.ExecuteTrade)
	r.Post("/sessions/{sessionID}/reset", s.ResetSession)
	r.Post("/sessions/{sessionID}/play", s.TogglePlay)

	r.Get("/quote/{symbol}", s.GetQuote)
	r.Get("/history/{symbol}", s.GetHistory)
	r.Get("/chart/{symbol}", s.GetChart)
	r.Get("/intraday/{symbol}", s.GetIntraday)
	r.Get("/news", s.GetNews)
	r.Get("/search", s.Search)
	r.Get("/live/{symbol}", s.GetLive)

	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}
}

// --- Request/Response types ---

// SelectionRequest is the JSON body for PUT /sessions/{id}/selection. Any
// subset of fields may be set.
type SelectionRequest struct {
	Date   string `json:"date"`
	Time   string `json:"time"`
	Symbol string `json:"symbol"`
}

// SelectionResponse acknowledges a selection change.
type SelectionResponse struct {
	Version uint64           `json:"version"`
	Session session.Snapshot `json:"session"`
}

// TradeRequest is the JSON body for POST /sessions/{id}/trades.
type TradeRequest struct {
	Side     model.Side `json:"side"`
	Quantity int64      `json:"quantity"`
}

// NewsResponse is the body of GET /news.
type NewsResponse struct {
	Date      string           `json:"date"`
	Symbol    string           `json:"symbol,omitempty"`
	Items     []model.NewsItem `json:"items"`
	Source    string           `json:"source"`
	Synthetic bool             `json:"synthetic"`
	Failures  []string         `json:"failures"`
}

// --- Session handlers ---

// CreateSession handles POST /api/v1/sessions. With ?wait=true the response
// is sent after the first load completes.
func (s *Service) CreateSession(w http.ResponseWriter, r *http.Request) {
	sess, load := s.sessions.Create()
	if wantWait(r) {
		if err := load.Wait(r.Context()); err != nil {
			writeError(w, "request cancelled", http.StatusGatewayTimeout)
			return
		}
	}
	writeJSON(w, http.StatusCreated, sess.Snapshot(r.Context()))
}

// GetSession handles GET /api/v1/sessions/{sessionID}
func (s *Service) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot(r.Context()))
}

// DeleteSession handles DELETE /api/v1/sessions/{sessionID}
func (s *Service) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.sessions.Delete(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, "session not found", http.StatusNotFound)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateSelection handles PUT /api/v1/sessions/{sessionID}/selection
func (s *Service) UpdateSelection(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req SelectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Date == "" && req.Time == "" && req.Symbol == "" {
		writeError(w, "one of date, time or symbol is required", http.StatusBadRequest)
		return
	}

	change := session.Change{Time: req.Time, Symbol: req.Symbol}
	if req.Date != "" {
		date, err := ticker.ParseDate(req.Date)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		change.Date = date
	}

	load, err := sess.Apply(change)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.live != nil && req.Symbol != "" {
		s.live.Watch(sess.Snapshot(r.Context()).Symbol)
	}
	if wantWait(r) {
		if err := load.Wait(r.Context()); err != nil {
			writeError(w, "request cancelled", http.StatusGatewayTimeout)
			return
		}
	}

	status := http.StatusAccepted
	if wantWait(r) {
		status = http.StatusOK
	}
	writeJSON(w, status, SelectionResponse{Version: load.Version, Session: sess.Snapshot(r.Context())})
}

// ExecuteTrade handles POST /api/v1/sessions/{sessionID}/trades
// Fills at the session's latest price. A trade the ledger declines is still
// recorded and comes back with a rejection.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := sess.ExecuteTrade(r.Context(), session.Draft{Side: req.Side, Quantity: req.Quantity})
	switch {
	case errors.Is(err, session.ErrInvalidQuantity), errors.Is(err, session.ErrInvalidSide):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, session.ErrNoPrice):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if s.wsHub != nil {
		msg := WSMessage{
			Type:      MsgTradeExecuted,
			SessionID: sess.ID(),
			Symbol:    res.Trade.Symbol,
			Price:     res.Trade.Price.String(),
			Side:      string(res.Trade.Side),
			Quantity:  res.Trade.Quantity,
			Timestamp: res.Trade.Timestamp,
		}
		if res.Rejection != nil {
			msg.Type = MsgTradeRejected
			msg.Reason = res.Rejection.Reason
		}
		s.wsHub.Broadcast(msg)
	}

	writeJSON(w, http.StatusOK, res)
}

// ResetSession handles POST /api/v1/sessions/{sessionID}/reset
func (s *Service) ResetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := sess.Reset(r.Context()); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	snap := sess.Snapshot(r.Context())
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      MsgSessionReset,
			SessionID: sess.ID(),
			Symbol:    snap.Symbol,
			Timestamp: s.now().UTC(),
		})
	}
	writeJSON(w, http.StatusOK, snap)
}

// TogglePlay handles POST /api/v1/sessions/{sessionID}/play
func (s *Service) TogglePlay(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"is_playing": sess.TogglePlayPause()})
}

// --- Market data handlers ---

// GetQuote handles GET /api/v1/quote/{symbol}
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	symbol, ok := symbolParam(w, r)
	if !ok {
		return
	}
	q, err := s.market.GetCurrentQuote(r.Context(), symbol)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// GetHistory handles GET /api/v1/history/{symbol}?start=&end=
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	symbol, start, end, ok := s.rangeParams(w, r)
	if !ok {
		return
	}
	bars, err := s.market.GetHistorical(r.Context(), symbol, start, end)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bars)
}

// GetChart handles GET /api/v1/chart/{symbol}?start=&end=
// Returns closes with moving-average overlays.
func (s *Service) GetChart(w http.ResponseWriter, r *http.Request) {
	symbol, start, end, ok := s.rangeParams(w, r)
	if !ok {
		return
	}
	bars, err := s.market.GetHistorical(r.Context(), symbol, start, end)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, marketdata.Chart(bars))
}

// GetIntraday handles GET /api/v1/intraday/{symbol}?date=
func (s *Service) GetIntraday(w http.ResponseWriter, r *http.Request) {
	symbol, ok := symbolParam(w, r)
	if !ok {
		return
	}
	date, ok := s.dateParam(w, r, "date")
	if !ok {
		return
	}
	bars, err := s.market.GetIntraday(r.Context(), symbol, date)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bars)
}

// Search handles GET /api/v1/search?q=
func (s *Service) Search(w http.ResponseWriter, r *http.Request) {
	res, err := s.market.SearchSymbols(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetNews handles GET /api/v1/news?date=&symbol=
func (s *Service) GetNews(w http.ResponseWriter, r *http.Request) {
	date, ok := s.dateParam(w, r, "date")
	if !ok {
		return
	}
	symbol := ""
	if raw := r.URL.Query().Get("symbol"); raw != "" {
		sym, err := ticker.NormalizeSymbol(raw)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		symbol = sym
	}

	rep := s.news.Fetch(r.Context(), date, symbol)
	writeJSON(w, http.StatusOK, NewsResponse{
		Date:      ticker.FormatDate(date),
		Symbol:    symbol,
		Items:     rep.Items,
		Source:    rep.Source,
		Synthetic: rep.Synthetic,
		Failures:  rep.FailureMessages(),
	})
}

// GetLive handles GET /api/v1/live/{symbol}
// Starts watching the symbol on first request.
func (s *Service) GetLive(w http.ResponseWriter, r *http.Request) {
	if s.live == nil {
		writeError(w, "live feed disabled", http.StatusNotFound)
		return
	}
	symbol, ok := symbolParam(w, r)
	if !ok {
		return
	}

	pts, watched := s.live.Series(symbol)
	if !watched || len(pts) == 0 {
		s.live.Watch(symbol)
		s.live.Poll(r.Context(), symbol)
		pts, _ = s.live.Series(symbol)
	}
	if pts == nil {
		pts = []model.LivePoint{}
	}
	writeJSON(w, http.StatusOK, pts)
}

// --- Helpers ---

func (s *Service) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, "session not found", http.StatusNotFound)
		return nil, false
	}
	return sess, true
}

func symbolParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	sym, err := ticker.NormalizeSymbol(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return sym, true
}

// dateParam parses a YYYY-MM-DD query parameter, defaulting to today.
func (s *Service) dateParam(w http.ResponseWriter, r *http.Request, key string) (time.Time, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		y, m, d := s.now().UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
	}
	t, err := ticker.ParseDate(raw)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return time.Time{}, false
	}
	return t, true
}

func (s *Service) rangeParams(w http.ResponseWriter, r *http.Request) (string, time.Time, time.Time, bool) {
	symbol, ok := symbolParam(w, r)
	if !ok {
		return "", time.Time{}, time.Time{}, false
	}
	end, ok := s.dateParam(w, r, "end")
	if !ok {
		return "", time.Time{}, time.Time{}, false
	}
	start := end.AddDate(0, 0, -DefaultRangeDays)
	if r.URL.Query().Get("start") != "" {
		if start, ok = s.dateParam(w, r, "start"); !ok {
			return "", time.Time{}, time.Time{}, false
		}
	}
	if end.Before(start) {
		writeError(w, "end must not be before start", http.StatusBadRequest)
		return "", time.Time{}, time.Time{}, false
	}
	return symbol, start, end, true
}

func wantWait(r *http.Request) bool {
	ok, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	return ok
}

// writeMarketError maps market data errors to HTTP responses.
func writeMarketError(w http.ResponseWriter, err error) {
	var rl *marketdata.RateLimitedError
	switch {
	case errors.As(err, &rl):
		secs := rl.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error":        err.Error(),
			"wait_seconds": secs,
		})
	case errors.Is(err, marketdata.ErrSearchFailed), errors.Is(err, marketdata.ErrIntradayUnavailable):
		writeError(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, "upstream timeout", http.StatusGatewayTimeout)
	default:
		slog.Error("market data request failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
