package backtest

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"
	"github.com/montanaflynn/stats"
)

const (
	EquityFile = "equity.csv"
	TradesFile = "trades.csv"
	LogFile    = "run.log"
	StatsFile  = "stats.json"
)

// Stats summarizes a run's trade ledger and equity curve.
type Stats struct {
	Trades         int     `json:"trades"`
	Winners        int     `json:"winners"`
	Losers         int     `json:"losers"`
	WinRate        float64 `json:"win_rate"`
	TotalPnL       float64 `json:"total_pnl"`
	AvgWin         float64 `json:"avg_win"`
	AvgLoss        float64 `json:"avg_loss"`
	LargestWin     float64 `json:"largest_win"`
	LargestLoss    float64 `json:"largest_loss"`
	StartingEquity float64 `json:"starting_equity"`
	FinalEquity    float64 `json:"final_equity"`
	TotalReturnPct float64 `json:"total_return_pct"`
	ProfitFactor   float64 `json:"profit_factor"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
}

func ComputeStats(r *Result) Stats {
	s := Stats{
		Trades:         len(r.Trades),
		StartingEquity: r.StartingCash,
		FinalEquity:    r.FinalEquity,
	}

	var all, wins, losses stats.Float64Data
	for _, t := range r.Trades {
		all = append(all, t.PnL)
		switch {
		case t.PnL > 0:
			wins = append(wins, t.PnL)
		case t.PnL < 0:
			losses = append(losses, t.PnL)
		}
	}
	s.Winners, s.Losers = len(wins), len(losses)
	if s.Trades > 0 {
		s.WinRate = float64(s.Winners) / float64(s.Trades) * 100
		s.TotalPnL, _ = stats.Sum(all)
		s.LargestWin, _ = stats.Max(all)
		s.LargestLoss, _ = stats.Min(all)
	}
	if len(wins) > 0 {
		s.AvgWin, _ = stats.Mean(wins)
	}
	if len(losses) > 0 {
		s.AvgLoss, _ = stats.Mean(losses)
		grossWin, _ := stats.Sum(wins)
		grossLoss, _ := stats.Sum(losses)
		s.ProfitFactor = math.Abs(grossWin / grossLoss)
	}
	if r.StartingCash != 0 {
		s.TotalReturnPct = (r.FinalEquity - r.StartingCash) / r.StartingCash * 100
	}
	s.MaxDrawdownPct = maxDrawdown(r.StartingCash, r.Equity)
	return s
}

// maxDrawdown returns the largest peak-to-trough fall of the equity curve in percent.
func maxDrawdown(start float64, curve []EquityPoint) float64 {
	peak, worst := start, 0.0
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			if dd := (peak - p.Equity) / peak * 100; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// WriteLedgers writes equity.csv, trades.csv and stats.json into dir.
func WriteLedgers(dir string, r *Result) (Stats, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Stats{}, err
	}
	if err := writeCSV(filepath.Join(dir, EquityFile), &r.Equity); err != nil {
		return Stats{}, err
	}
	trades := r.Trades
	if trades == nil {
		trades = []Trade{}
	}
	if err := writeCSV(filepath.Join(dir, TradesFile), &trades); err != nil {
		return Stats{}, err
	}

	st := ComputeStats(r)
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return Stats{}, err
	}
	return st, os.WriteFile(filepath.Join(dir, StatsFile), append(b, '\n'), 0o644)
}

func writeCSV(path string, rows any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gocsv.MarshalFile(rows, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
