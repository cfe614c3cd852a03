package backtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gocarina/gocsv"

	"trading-controller/internal/interfaces"
	"trading-controller/internal/logger"
	"trading-controller/internal/types"
)

var csvLayouts = []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05", time.RFC3339}

type csvBar struct {
	Timestamp string  `csv:"timestamp"`
	Open      float64 `csv:"open"`
	High      float64 `csv:"high"`
	Low       float64 `csv:"low"`
	Close     float64 `csv:"close"`
	Volume    float64 `csv:"volume"`
}

// CSVSource reads <dir>/<SYMBOL>_<tf>.csv with a timestamp,open,high,low,close,volume
// header. Timestamps without a zone are exchange-local.
type CSVSource struct {
	dir string
	loc *time.Location
}

var _ interfaces.HistoricalSource = (*CSVSource)(nil)

func NewCSVSource(dir string, loc *time.Location) *CSVSource {
	if loc == nil {
		loc = time.UTC
	}
	return &CSVSource{dir: dir, loc: loc}
}

// Path returns the file read for symbol and tf.
func (s *CSVSource) Path(symbol string, tf types.Timeframe) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.csv", symbol, tf))
}

func (s *CSVSource) LoadBars(_ context.Context, symbol string, tf types.Timeframe, from, to time.Time) ([]types.Bar, error) {
	path := s.Path(symbol, tf)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []csvBar
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	bars := make([]types.Bar, 0, len(rows))
	for i, r := range rows {
		ts, err := s.parseTime(r.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+2, err)
		}
		if ts.Before(from) || ts.After(to) {
			continue
		}
		bars = append(bars, types.Bar{
			Symbol:    symbol,
			Timestamp: ts,
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		})
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })

	// keep the first row for a repeated timestamp
	out := bars[:0]
	for _, b := range bars {
		if n := len(out); n > 0 && !b.Timestamp.After(out[n-1].Timestamp) {
			continue
		}
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: no bars between %s and %s", path, from.Format("2006-01-02"), to.Format("2006-01-02"))
	}
	return out, nil
}

func (s *CSVSource) parseTime(v string) (time.Time, error) {
	for _, layout := range csvLayouts {
		if t, err := time.ParseInLocation(layout, v, s.loc); err == nil {
			return t.In(s.loc), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", v)
}

// FallbackSource tries primary and falls back to secondary on any error.
// primary may be nil, which means it is not configured.
type FallbackSource struct {
	primary   interfaces.HistoricalSource
	secondary interfaces.HistoricalSource
}

var _ interfaces.HistoricalSource = (*FallbackSource)(nil)

func NewFallbackSource(primary, secondary interfaces.HistoricalSource) *FallbackSource {
	return &FallbackSource{primary: primary, secondary: secondary}
}

func (s *FallbackSource) LoadBars(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time) ([]types.Bar, error) {
	if s.primary != nil {
		bars, err := s.primary.LoadBars(ctx, symbol, tf, from, to)
		if err == nil {
			return bars, nil
		}
		logger.Warn(ctx, "Historical provider failed, using CSV data",
			"symbol", symbol,
			"timeframe", tf.String(),
			"error_kind", "feed",
			"error", err,
		)
	}
	bars, err := s.secondary.LoadBars(ctx, symbol, tf, from, to)
	if err != nil {
		return nil, fmt.Errorf("load %s bars: %w", symbol, err)
	}
	return bars, nil
}
