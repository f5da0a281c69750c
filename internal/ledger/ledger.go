// Package ledger replays a simulated trade log into a portfolio.
//
// Apply is a pure function: it never mutates its inputs, never performs I/O
// and gives the same answer for the same log. Trades that cannot be applied
// (overspend, oversell) leave the state untouched and are reported back as
// rejections instead of being silently dropped.
//
// All monetary values use shopspring/decimal, never float64 for money.
package ledger

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/timemachine/internal/model"
)

var (
	// ErrInsufficientCash is the rejection reason when a buy costs more
	// than the cash on hand.
	ErrInsufficientCash = errors.New("ledger: insufficient cash")

	// ErrInsufficientShares is the rejection reason when a sell exceeds
	// the held quantity (no short selling).
	ErrInsufficientShares = errors.New("ledger: insufficient shares")

	// ErrInvalidTrade is the rejection reason for malformed trades that got
	// past boundary validation: non-positive quantity or price, unknown side.
	ErrInvalidTrade = errors.New("ledger: invalid trade")
)

// Rejection records a trade the ledger declined to apply.
type Rejection struct {
	Trade  model.Trade `json:"trade"`
	Reason error       `json:"-"`
}

// Message returns the rejection reason as text.
func (r Rejection) Message() string {
	if r.Reason == nil {
		return ""
	}
	return r.Reason.Error()
}

// Result is the outcome of replaying a log.
type Result struct {
	Portfolio model.Portfolio
	Rejected  []Rejection
}

// MarkFunc returns the current valuation price for a symbol.
type MarkFunc func(symbol string) decimal.Decimal

// Apply replays trades in order and values every holding at latestPrice.
func Apply(trades []model.Trade, startingCash, latestPrice decimal.Decimal) Result {
	return ApplyMarked(trades, startingCash, func(string) decimal.Decimal { return latestPrice })
}

// ApplyMarked replays trades in order and values each holding at mark(symbol).
//
// Buy: cost = price × qty; rejected if cost > cash. Otherwise cash -= cost and
// the average price becomes the quantity-weighted mean of the old basis and
// the fill. Sell: rejected if qty > held. Otherwise cash += price × qty, the
// average price is unchanged, and the position is removed when flat.
func ApplyMarked(trades []model.Trade, startingCash decimal.Decimal, mark MarkFunc) Result {
	type holding struct {
		qty int64
		avg decimal.Decimal
	}

	cash := startingCash
	held := make(map[string]*holding)
	var rejected []Rejection

	for _, t := range trades {
		if t.Quantity <= 0 || !t.Price.IsPositive() || !t.Side.Valid() {
			rejected = append(rejected, Rejection{Trade: t, Reason: ErrInvalidTrade})
			continue
		}

		qty := decimal.NewFromInt(t.Quantity)
		amount := t.Price.Mul(qty)

		switch t.Side {
		case model.SideBuy:
			if amount.GreaterThan(cash) {
				rejected = append(rejected, Rejection{Trade: t, Reason: ErrInsufficientCash})
				continue
			}
			cash = cash.Sub(amount)

			h, ok := held[t.Symbol]
			if !ok {
				held[t.Symbol] = &holding{qty: t.Quantity, avg: t.Price}
				continue
			}
			// avg' = (avg·q + p·n) / (q + n)
			oldQty := decimal.NewFromInt(h.qty)
			total := h.qty + t.Quantity
			h.avg = h.avg.Mul(oldQty).Add(amount).Div(decimal.NewFromInt(total))
			h.qty = total

		case model.SideSell:
			h, ok := held[t.Symbol]
			if !ok || t.Quantity > h.qty {
				rejected = append(rejected, Rejection{Trade: t, Reason: ErrInsufficientShares})
				continue
			}
			cash = cash.Add(amount)
			h.qty -= t.Quantity
			if h.qty == 0 {
				delete(held, t.Symbol)
			}
		}
	}

	positions := make(map[string]model.Position, len(held))
	totalValue := cash
	totalPnL := decimal.Zero

	for _, sym := range sortedKeys(held) {
		h := held[sym]
		price := mark(sym)
		qty := decimal.NewFromInt(h.qty)
		value := price.Mul(qty)
		pnl := price.Sub(h.avg).Mul(qty)

		positions[sym] = model.Position{
			Symbol:        sym,
			Quantity:      h.qty,
			AveragePrice:  h.avg,
			CurrentPrice:  price,
			MarketValue:   value,
			UnrealizedPnL: pnl,
		}
		totalValue = totalValue.Add(value)
		totalPnL = totalPnL.Add(pnl)
	}

	return Result{
		Portfolio: model.Portfolio{
			Cash:       cash,
			Positions:  positions,
			TotalValue: totalValue,
			TotalPnL:   totalPnL,
		},
		Rejected: rejected,
	}
}

// Empty returns the portfolio of an empty log.
func Empty(startingCash decimal.Decimal) model.Portfolio {
	return model.Portfolio{
		Cash:       startingCash,
		Positions:  map[string]model.Position{},
		TotalValue: startingCash,
		TotalPnL:   decimal.Zero,
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
