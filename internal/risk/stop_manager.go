package risk

import (
	"context"
	"math"

	"trading-controller/internal/logger"
	"trading-controller/internal/types"
)

const (
	TagStopLoss   = "STOP_LOSS"
	TagTakeProfit = "TAKE_PROFIT"
)

// StopManager derives SL/TP prices from percentage offsets and checks bars against them.
type StopManager struct {
	tick float64
}

// NewStopManager rounds levels to tick; tick <= 0 leaves them unrounded.
func NewStopManager(tick float64) *StopManager {
	return &StopManager{tick: tick}
}

// Levels returns the stop-loss and take-profit prices for an entry. A zero
// percentage disables that level and returns 0 for it.
func (sm *StopManager) Levels(entry, stopPct, targetPct float64, long bool) (stop, target float64) {
	dir := 1.0
	if !long {
		dir = -1.0
	}
	if stopPct > 0 {
		stop = sm.round(entry * (1 - dir*stopPct/100))
	}
	if targetPct > 0 {
		target = sm.round(entry * (1 + dir*targetPct/100))
	}
	return stop, target
}

// Exit is a synthetic exit raised by an SL/TP breach.
type Exit struct {
	Symbol string
	Side   types.Side
	Qty    int
	Price  float64 // trigger level
	Tag    string
}

// CheckExit tests the bar's range against the position's levels. When one bar
// spans both levels the stop-loss wins.
func (sm *StopManager) CheckExit(ctx context.Context, pos types.Position, bar types.Bar) *Exit {
	if pos.Qty == 0 {
		return nil
	}
	side := types.Sell
	if pos.IsShort() {
		side = types.Buy
	}

	var price float64
	var tag string
	if pos.IsLong() {
		switch {
		case pos.StopLoss > 0 && bar.Low <= pos.StopLoss:
			price, tag = pos.StopLoss, TagStopLoss
		case pos.TakeProfit > 0 && bar.High >= pos.TakeProfit:
			price, tag = pos.TakeProfit, TagTakeProfit
		}
	} else {
		switch {
		case pos.StopLoss > 0 && bar.High >= pos.StopLoss:
			price, tag = pos.StopLoss, TagStopLoss
		case pos.TakeProfit > 0 && bar.Low <= pos.TakeProfit:
			price, tag = pos.TakeProfit, TagTakeProfit
		}
	}
	if tag == "" {
		return nil
	}

	logger.Risk(ctx, pos.Symbol, tag,
		"timestamp", bar.Timestamp,
		"bar_high", bar.High,
		"bar_low", bar.Low,
		"trigger_price", price,
		"position_qty", pos.Qty,
		"position_avg", pos.AvgPrice,
		"unrealized_pnl", pos.Unrealized(price),
	)
	return &Exit{Symbol: pos.Symbol, Side: side, Qty: pos.AbsQty(), Price: price, Tag: tag}
}

func (sm *StopManager) round(x float64) float64 {
	if sm.tick <= 0 {
		return x
	}
	steps := math.Round(1 / sm.tick)
	if math.Abs(steps*sm.tick-1) < 1e-9 {
		return math.Round(x*steps) / steps
	}
	return math.Round(x/sm.tick) * sm.tick
}
