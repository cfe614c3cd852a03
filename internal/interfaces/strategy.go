package interfaces

import (
	"context"

	"trading-controller/internal/types"
)

// Strategy is the plugin capability set driven by the strategy runtime.
type Strategy interface {
	Name() string
	OnStart(ctx context.Context, state types.StrategyState) error
	OnBar(ctx context.Context, symbol string, bar types.Bar, state types.StrategyState) (*types.Signal, error)
	OnStop(ctx context.Context, state types.StrategyState) error
}
