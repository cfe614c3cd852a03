package strategy

import (
	"context"
	"fmt"

	"trading-controller/internal/interfaces"
	"trading-controller/internal/types"
)

// ORB trades the opening range breakout: it records the high and low of the
// first window minutes of each session, then signals long once per day when a
// bar's high reaches the range high.
type ORB struct {
	window int
	open   int
	close  int
	ranges map[string]*openingRange
}

type openingRange struct {
	day     string
	lo, hi  float64
	locked  bool
	entered bool
}

var _ interfaces.Strategy = (*ORB)(nil)

// NewORB reads "window_minutes" (default 5), "open" and "close" (HH:MM, default 09:30 and 16:00).
func NewORB(params map[string]any) (interfaces.Strategy, error) {
	window, err := intParam(params, "window_minutes", 5)
	if err != nil {
		return nil, err
	}
	if window < 1 {
		return nil, fmt.Errorf("orb: window_minutes must be positive, got %d", window)
	}
	open, err := clockParam(params, "open", "09:30")
	if err != nil {
		return nil, err
	}
	closeAt, err := clockParam(params, "close", "16:00")
	if err != nil {
		return nil, err
	}
	return &ORB{window: window, open: open, close: closeAt, ranges: map[string]*openingRange{}}, nil
}

func (o *ORB) Name() string { return "orb" }

func (o *ORB) OnStart(_ context.Context, _ types.StrategyState) error {
	o.ranges = map[string]*openingRange{}
	return nil
}

func (o *ORB) OnBar(_ context.Context, symbol string, bar types.Bar, _ types.StrategyState) (*types.Signal, error) {
	m := bar.Timestamp.Hour()*60 + bar.Timestamp.Minute()
	if m < o.open || m > o.close {
		return nil, nil
	}
	sinceOpen := m - o.open
	day := bar.Timestamp.Format("2006-01-02")

	r := o.ranges[symbol]
	if r == nil || r.day != day {
		r = &openingRange{day: day, lo: bar.Low, hi: bar.High}
		o.ranges[symbol] = r
	}

	if !r.locked {
		if bar.Low < r.lo {
			r.lo = bar.Low
		}
		if bar.High > r.hi {
			r.hi = bar.High
		}
		if sinceOpen+1 >= o.window {
			r.locked = true
		}
		return nil, nil
	}

	if !r.entered && bar.High >= r.hi {
		r.entered = true
		return &types.Signal{
			Symbol:    symbol,
			Direction: types.Long,
			Reason:    "opening range breakout",
			Meta:      map[string]any{"range_low": r.lo, "range_high": r.hi},
		}, nil
	}
	return nil, nil
}

func (o *ORB) OnStop(_ context.Context, _ types.StrategyState) error { return nil }
