// Command tmctl queries the time machine's market data and news cascades
// from the terminal and replays trade logs through the ledger.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmx/timemachine/internal/app"
	"github.com/atmx/timemachine/internal/config"
	"github.com/atmx/timemachine/internal/logger"
	"github.com/atmx/timemachine/internal/marketdata"
	"github.com/atmx/timemachine/internal/ticker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "tmctl",
		Short:        "Historical stock time machine tools",
		SilenceUsage: true,
	}
	cmd.AddCommand(quoteCmd(), historyCmd(), newsCmd(), searchCmd(), replayCmd())
	return cmd
}

// withApp loads configuration, logs to stderr and runs fn against the wired
// gateways.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.InitWriter(os.Stderr, "tmctl", cfg.LogLevel)

	a, err := app.Build(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func quoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quote <symbol>",
		Short: "Print the current quote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sym, err := ticker.NormalizeSymbol(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				q, err := a.Market.GetCurrentQuote(ctx, sym)
				if err != nil {
					return err
				}
				return printJSON(cmd, q)
			})
		},
	}
}

func historyCmd() *cobra.Command {
	var (
		start string
		end   string
		chart bool
	)

	cmd := &cobra.Command{
		Use:   "history <symbol>",
		Short: "Print daily bars for a date range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sym, err := ticker.NormalizeSymbol(args[0])
			if err != nil {
				return err
			}
			to, err := dateFlag(end, time.Now())
			if err != nil {
				return err
			}
			from, err := dateFlag(start, to.AddDate(0, 0, -30))
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				bars, err := a.Market.GetHistorical(ctx, sym, from, to)
				if err != nil {
					return err
				}
				if chart {
					return printJSON(cmd, marketdata.Chart(bars))
				}
				return printJSON(cmd, bars)
			})
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "First date, YYYY-MM-DD (default: 30 days before --end)")
	cmd.Flags().StringVar(&end, "end", "", "Last date, YYYY-MM-DD (default: today)")
	cmd.Flags().BoolVar(&chart, "chart", false, "Print chart points with moving averages")

	return cmd
}

func newsCmd() *cobra.Command {
	var (
		date   string
		symbol string
	)

	cmd := &cobra.Command{
		Use:   "news",
		Short: "Print headlines for a date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := dateFlag(date, time.Now())
			if err != nil {
				return err
			}
			if symbol != "" {
				if symbol, err = ticker.NormalizeSymbol(symbol); err != nil {
					return err
				}
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				rep := a.News.Fetch(ctx, d, symbol)
				for _, msg := range rep.FailureMessages() {
					fmt.Fprintln(cmd.ErrOrStderr(), "warning:", msg)
				}
				return printJSON(cmd, rep)
			})
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "Date, YYYY-MM-DD (default: today)")
	cmd.Flags().StringVar(&symbol, "symbol", "", "Restrict to a symbol")

	return cmd
}

func searchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search symbols by name or ticker",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Market.SearchSymbols(ctx, query)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
}

func dateFlag(v string, def time.Time) (time.Time, error) {
	if v == "" {
		return time.Date(def.Year(), def.Month(), def.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	return ticker.ParseDate(v)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
