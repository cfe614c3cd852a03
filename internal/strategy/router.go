package strategy

import (
	"context"
	"fmt"

	"trading-controller/internal/interfaces"
	"trading-controller/internal/types"
)

// Router runs Gap-and-Go over the first minutes of the session and the
// opening range breakout afterwards. Both see every bar so that premarket
// levels, the opening range and Gap-and-Go's exits stay current.
type Router struct {
	gap *GapAndGo
	orb *ORB
}

var _ interfaces.Strategy = (*Router)(nil)

// NewRouter passes params to both legs. "gap_minutes" (default 2) bounds the
// Gap-and-Go entry window unless "cutoff_minutes" is set explicitly; ORB
// defaults to a five minute range.
func NewRouter(params map[string]any) (interfaces.Strategy, error) {
	window, err := intParam(params, "gap_minutes", 2)
	if err != nil {
		return nil, err
	}
	if window < 1 {
		return nil, fmt.Errorf("router: gap_minutes must be positive, got %d", window)
	}

	legParams := make(map[string]any, len(params)+1)
	for k, v := range params {
		legParams[k] = v
	}
	if _, ok := legParams["cutoff_minutes"]; !ok {
		legParams["cutoff_minutes"] = window - 1
	}
	gap, err := NewGapAndGo(legParams)
	if err != nil {
		return nil, err
	}
	orb, err := NewORB(params)
	if err != nil {
		return nil, err
	}
	return &Router{gap: gap.(*GapAndGo), orb: orb.(*ORB)}, nil
}

func (r *Router) Name() string { return "router" }

func (r *Router) OnStart(ctx context.Context, state types.StrategyState) error {
	if err := r.gap.OnStart(ctx, state); err != nil {
		return err
	}
	return r.orb.OnStart(ctx, state)
}

func (r *Router) OnBar(ctx context.Context, symbol string, bar types.Bar, state types.StrategyState) (*types.Signal, error) {
	// ORB reads wall-clock minutes, so it sees the bar in the session's zone
	bar.Timestamp = bar.Timestamp.In(r.gap.cfg.loc)

	gapSig, err := r.gap.OnBar(ctx, symbol, bar, state)
	if err != nil {
		return nil, err
	}
	orbSig, err := r.orb.OnBar(ctx, symbol, bar, state)
	if err != nil {
		return nil, err
	}
	if gapSig != nil {
		return gapSig, nil
	}
	if orbSig != nil && r.gap.holding(symbol) {
		// Gap-and-Go owns the position until it exits
		return nil, nil
	}
	return orbSig, nil
}

func (r *Router) OnStop(ctx context.Context, state types.StrategyState) error {
	gapErr := r.gap.OnStop(ctx, state)
	if err := r.orb.OnStop(ctx, state); err != nil {
		return err
	}
	return gapErr
}
