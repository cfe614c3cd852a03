package backtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"trading-controller/internal/interfaces"
	"trading-controller/internal/logger"
	"trading-controller/internal/types"
)

// Options describe one backtest run.
type Options struct {
	Config    Config
	Symbols   []string
	From, To  time.Time
	Source    interfaces.HistoricalSource
	Strategy  interfaces.Strategy
	OutputDir string
	// Now names the run directory. Defaults to time.Now.
	Now func() time.Time
}

// Report is a finished run and where its files went.
type Report struct {
	Dir    string
	Result *Result
	Stats  Stats
}

// RunDir returns <outputDir>/<YYYYMMDD_HHMMSS> for t.
func RunDir(outputDir string, t time.Time) string {
	return filepath.Join(outputDir, t.Format("20060102_150405"))
}

// Execute loads history, replays it and writes the run's files.
func Execute(ctx context.Context, opts Options) (*Report, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	dir := RunDir(opts.OutputDir, now())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	runLog, err := os.Create(filepath.Join(dir, LogFile))
	if err != nil {
		return nil, err
	}
	defer runLog.Close()

	op := logger.StartOperation(ctx, "backtest.Execute",
		"strategy", opts.Strategy.Name(),
		"from", opts.From.Format("2006-01-02"),
		"to", opts.To.Format("2006-01-02"),
	)
	ctx = op.GetContext()

	tf := opts.Config.Timeframe
	if tf == 0 {
		tf = types.OneMinute
	}
	bars := make(map[string][]types.Bar, len(opts.Symbols))
	for _, sym := range opts.Symbols {
		bs, err := opts.Source.LoadBars(ctx, sym, tf, opts.From, opts.To)
		if err != nil {
			op.EndWithError(err, "symbol", sym)
			return nil, err
		}
		logger.Info(ctx, "Loaded history", "symbol", sym, "bars", len(bs), "timeframe", tf.String())
		bars[sym] = bs
	}

	cfg := opts.Config
	cfg.Log = runLog
	res, err := New(cfg, opts.Strategy).Run(ctx, bars)
	if err != nil {
		op.EndWithError(err)
		return nil, err
	}

	st, err := WriteLedgers(dir, res)
	if err != nil {
		op.EndWithError(err)
		return nil, fmt.Errorf("write backtest output: %w", err)
	}
	op.End("trades", st.Trades, "final_equity", st.FinalEquity)
	logger.Info(ctx, "Backtest complete",
		"dir", dir,
		"trades", st.Trades,
		"total_pnl", st.TotalPnL,
		"total_return_pct", st.TotalReturnPct,
		"max_drawdown_pct", st.MaxDrawdownPct,
	)
	return &Report{Dir: dir, Result: res, Stats: st}, nil
}
