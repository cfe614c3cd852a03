package strategy

import (
	"context"
	"fmt"

	"trading-controller/internal/interfaces"
	"trading-controller/internal/ta"
	"trading-controller/internal/types"
)

// SMACross goes long when the close crosses above its simple moving average
// and short when it crosses below.
type SMACross struct {
	window  int
	history *barHistory
}

var _ interfaces.Strategy = (*SMACross)(nil)

// NewSMACross reads the "window" param (default 20).
func NewSMACross(params map[string]any) (interfaces.Strategy, error) {
	window, err := intParam(params, "window", 20)
	if err != nil {
		return nil, err
	}
	if window < 2 {
		return nil, fmt.Errorf("sma_cross: window must be at least 2, got %d", window)
	}
	return &SMACross{window: window, history: newBarHistory(window)}, nil
}

func (s *SMACross) Name() string { return "sma_cross" }

func (s *SMACross) OnStart(_ context.Context, _ types.StrategyState) error {
	s.history.clear()
	return nil
}

func (s *SMACross) OnBar(_ context.Context, symbol string, bar types.Bar, _ types.StrategyState) (*types.Signal, error) {
	s.history.add(bar)
	closes := s.history.closes(symbol, s.window)
	if len(closes) < s.window {
		return nil, nil
	}

	sma := ta.SMA(closes, s.window)
	prev := closes[len(closes)-2]

	switch {
	case prev <= sma && bar.Close > sma:
		return &types.Signal{Symbol: symbol, Direction: types.Long, Reason: "close crossed above SMA",
			Meta: map[string]any{"sma": sma}}, nil
	case prev >= sma && bar.Close < sma:
		return &types.Signal{Symbol: symbol, Direction: types.Short, Reason: "close crossed below SMA",
			Meta: map[string]any{"sma": sma}}, nil
	}
	return nil, nil
}

func (s *SMACross) OnStop(_ context.Context, _ types.StrategyState) error { return nil }
