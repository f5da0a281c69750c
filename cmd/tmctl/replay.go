package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/atmx/timemachine/internal/ledger"
	"github.com/atmx/timemachine/internal/model"
	"github.com/atmx/timemachine/internal/ticker"
)

var errBadReplay = errors.New("tmctl: invalid replay file")

// replayFile is the YAML trade log accepted by the replay command.
//
//	starting_cash: "100000"
//	marks:
//	  AAPL: "150"
//	trades:
//	  - {symbol: AAPL, side: buy, quantity: 10, price: "100", date: 2020-01-02}
type replayFile struct {
	StartingCash string            `yaml:"starting_cash"`
	Marks        map[string]string `yaml:"marks"`
	Trades       []replayTrade     `yaml:"trades"`
}

type replayTrade struct {
	Symbol   string `yaml:"symbol"`
	Side     string `yaml:"side"`
	Quantity int64  `yaml:"quantity"`
	Price    string `yaml:"price"`
	Date     string `yaml:"date"`
}

type replayRejection struct {
	Seq      int64           `json:"seq"`
	Symbol   string          `json:"symbol"`
	Side     model.Side      `json:"side"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Reason   string          `json:"reason"`
}

type replayOutput struct {
	Portfolio  model.Portfolio   `json:"portfolio"`
	Rejections []replayRejection `json:"rejections"`
}

func replayCmd() *cobra.Command {
	var (
		cash  string
		price string
	)

	cmd := &cobra.Command{
		Use:   "replay <trades.yaml>",
		Short: "Replay a trade log through the portfolio ledger",
		Long: `Replay a YAML trade log through the ledger and print the resulting
portfolio and any rejected trades as JSON. No network access is needed.

Holdings are valued at the file's marks, then --price, then the last
traded price for the symbol.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			out, err := replay(data, cash, price)
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}

	cmd.Flags().StringVar(&cash, "cash", "", "Starting cash (overrides the file, default 100000)")
	cmd.Flags().StringVar(&price, "price", "", "Valuation price for symbols without a mark")

	return cmd
}

// replay decodes a trade log and runs it through the ledger.
func replay(data []byte, cashFlag, priceFlag string) (replayOutput, error) {
	var f replayFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return replayOutput{}, fmt.Errorf("%w: %v", errBadReplay, err)
	}

	cash := decimal.NewFromInt(100_000)
	for _, s := range []string{f.StartingCash, cashFlag} {
		if s == "" {
			continue
		}
		v, err := decimal.NewFromString(s)
		if err != nil || !v.IsPositive() {
			return replayOutput{}, fmt.Errorf("%w: starting cash %q", errBadReplay, s)
		}
		cash = v
	}

	var fallback decimal.Decimal
	if priceFlag != "" {
		v, err := decimal.NewFromString(priceFlag)
		if err != nil || !v.IsPositive() {
			return replayOutput{}, fmt.Errorf("%w: price %q", errBadReplay, priceFlag)
		}
		fallback = v
	}

	marks := make(map[string]decimal.Decimal, len(f.Marks))
	for sym, s := range f.Marks {
		norm, err := ticker.NormalizeSymbol(sym)
		if err != nil {
			return replayOutput{}, fmt.Errorf("%w: mark %q", errBadReplay, sym)
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return replayOutput{}, fmt.Errorf("%w: mark %s: %v", errBadReplay, sym, err)
		}
		marks[norm] = v
	}

	trades := make([]model.Trade, 0, len(f.Trades))
	last := make(map[string]decimal.Decimal)
	for i, rt := range f.Trades {
		t, err := rt.toTrade(int64(i + 1))
		if err != nil {
			return replayOutput{}, fmt.Errorf("%w: trade %d: %v", errBadReplay, i+1, err)
		}
		trades = append(trades, t)
		last[t.Symbol] = t.Price
	}

	res := ledger.ApplyMarked(trades, cash, func(symbol string) decimal.Decimal {
		if m, ok := marks[symbol]; ok {
			return m
		}
		if !fallback.IsZero() {
			return fallback
		}
		return last[symbol]
	})

	out := replayOutput{
		Portfolio:  res.Portfolio,
		Rejections: make([]replayRejection, 0, len(res.Rejected)),
	}
	for _, r := range res.Rejected {
		out.Rejections = append(out.Rejections, replayRejection{
			Seq:      r.Trade.Seq,
			Symbol:   r.Trade.Symbol,
			Side:     r.Trade.Side,
			Quantity: r.Trade.Quantity,
			Price:    r.Trade.Price,
			Reason:   r.Message(),
		})
	}
	return out, nil
}

func (rt replayTrade) toTrade(seq int64) (model.Trade, error) {
	sym, err := ticker.NormalizeSymbol(rt.Symbol)
	if err != nil {
		return model.Trade{}, err
	}
	side := model.Side(rt.Side)
	if !side.Valid() {
		return model.Trade{}, fmt.Errorf("side %q", rt.Side)
	}
	price, err := decimal.NewFromString(rt.Price)
	if err != nil {
		return model.Trade{}, fmt.Errorf("price %q", rt.Price)
	}
	t := model.Trade{
		ID:       fmt.Sprintf("replay-%d", seq),
		Seq:      seq,
		Symbol:   sym,
		Side:     side,
		Quantity: rt.Quantity,
		Price:    price,
	}
	if rt.Date != "" {
		d, err := ticker.ParseDate(rt.Date)
		if err != nil {
			return model.Trade{}, err
		}
		t.Date = ticker.FormatDate(d)
		t.Timestamp = d
	}
	return t, nil
}
