package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"trading-controller/internal/backtest"
	"trading-controller/internal/risk"
	"trading-controller/internal/strategy"
	"trading-controller/internal/trace"
)

var (
	btFrom, btTo, btStrategy, btFill string
	btSymbols                        []string
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Replay historical bars through the configured strategy",
	Example: "  bot backtest --from 2025-01-02 --to 2025-03-31\n" +
		"  bot backtest --strategy orb --symbols AAPL --fill next_open",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBacktest(cmd.Context())
	},
}

func init() {
	backtestCmd.Flags().StringVar(&btFrom, "from", "", "first day YYYY-MM-DD (overrides backtest.from)")
	backtestCmd.Flags().StringVar(&btTo, "to", "", "last day YYYY-MM-DD (overrides backtest.to)")
	backtestCmd.Flags().StringVar(&btStrategy, "strategy", "", "strategy name (overrides strategy.name)")
	backtestCmd.Flags().StringVar(&btFill, "fill", "", "fill policy close|next_open (overrides backtest.fill_policy)")
	backtestCmd.Flags().StringSliceVar(&btSymbols, "symbols", nil, "symbols (overrides symbols)")
}

func runBacktest(ctx context.Context) error {
	if err := initializeSystem(); err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = trace.Shutdown(sctx)
	}()

	cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return err
	}
	if btFrom != "" {
		cfg.Backtest.From = btFrom
	}
	if btTo != "" {
		cfg.Backtest.To = btTo
	}
	if btStrategy != "" {
		cfg.Strategy.Name = btStrategy
	}
	if btFill != "" {
		cfg.Backtest.FillPolicy = btFill
	}
	if len(btSymbols) > 0 {
		cfg.Symbols = btSymbols
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	from, to, err := cfg.BacktestRange(time.Now())
	if err != nil {
		return err
	}
	strat, err := strategy.Load(cfg.Strategy.Name, cfg.Strategy.Params, cfg.Strategy.SearchPaths)
	if err != nil {
		return err
	}
	windows, err := blackoutWindows(cfg)
	if err != nil {
		return err
	}

	rep, err := backtest.Execute(ctx, backtest.Options{
		Config: backtest.Config{
			StartingCash: cfg.Backtest.StartingCash,
			FillPolicy:   backtest.FillPolicy(cfg.Backtest.FillPolicy),
			Risk: risk.Settings{
				RiskPct:       cfg.Risk.RiskPct,
				StopLossPct:   cfg.Risk.StopLossPct,
				TakeProfitPct: cfg.Risk.TakeProfitPct,
				AllowShort:    cfg.AllowShort,
			},
			Timeframe: cfg.TimeframeValue(),
			Location:  cfg.Location(),
			Blackout:  windows,
		},
		Symbols:   cfg.Symbols,
		From:      from,
		To:        to,
		Source:    historicalSource(ctx, cfg, newPolygon(cfg)),
		Strategy:  strat,
		OutputDir: cfg.Backtest.OutputDir,
	})
	if err != nil {
		return err
	}

	printStats(rep)
	return nil
}

func printStats(rep *backtest.Report) {
	st := rep.Stats
	fmt.Printf("Backtest %s over %d bars\n", rep.Result.Strategy, rep.Result.Bars)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.AppendBulk([][]string{
		{"Trades", fmt.Sprintf("%d", st.Trades)},
		{"Winners / Losers", fmt.Sprintf("%d / %d", st.Winners, st.Losers)},
		{"Win rate", fmt.Sprintf("%.1f%%", st.WinRate)},
		{"Total P/L", fmt.Sprintf("%.2f", st.TotalPnL)},
		{"Avg win / loss", fmt.Sprintf("%.2f / %.2f", st.AvgWin, st.AvgLoss)},
		{"Largest win / loss", fmt.Sprintf("%.2f / %.2f", st.LargestWin, st.LargestLoss)},
		{"Starting equity", fmt.Sprintf("%.2f", st.StartingEquity)},
		{"Final equity", fmt.Sprintf("%.2f", st.FinalEquity)},
		{"Return", fmt.Sprintf("%.2f%%", st.TotalReturnPct)},
		{"Profit factor", fmt.Sprintf("%.2f", st.ProfitFactor)},
		{"Max drawdown", fmt.Sprintf("%.2f%%", st.MaxDrawdownPct)},
	})
	table.Render()
	fmt.Println("Output:", rep.Dir)
}
