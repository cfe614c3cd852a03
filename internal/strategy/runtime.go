package strategy

import (
	"context"
	"fmt"
	"time"

	"trading-controller/internal/interfaces"
	"trading-controller/internal/logger"
	"trading-controller/internal/types"
)

// Runtime drives one strategy for one session. OnStart runs once before any
// bar, OnStop runs once on every exit path, and a failing OnBar yields no signal.
type Runtime struct {
	strategy interfaces.Strategy
	started  bool
	stopped  bool
	last     map[string]time.Time
	failures int
}

func NewRuntime(s interfaces.Strategy) *Runtime {
	return &Runtime{strategy: s, last: make(map[string]time.Time)}
}

func (r *Runtime) Name() string { return r.strategy.Name() }

// Failures returns how many bars produced a strategy error this session.
func (r *Runtime) Failures() int { return r.failures }

func (r *Runtime) Start(ctx context.Context, state types.StrategyState) (err error) {
	if r.started {
		return nil
	}
	r.started = true
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("strategy %s panicked in OnStart: %v", r.strategy.Name(), p)
		}
	}()
	return r.strategy.OnStart(ctx, state)
}

// OnBar invokes the strategy for a bar. Bars that are not newer than the last
// one delivered for the symbol are skipped.
func (r *Runtime) OnBar(ctx context.Context, symbol string, bar types.Bar, state types.StrategyState) *types.Signal {
	if !r.started || r.stopped {
		return nil
	}
	if last, ok := r.last[symbol]; ok && !bar.Timestamp.After(last) {
		logger.Warn(ctx, "Out-of-order bar skipped", "symbol", symbol, "timestamp", bar.Timestamp, "last", last)
		return nil
	}
	r.last[symbol] = bar.Timestamp

	sig, err := r.invoke(ctx, symbol, bar, state)
	if err != nil {
		r.failures++
		logger.ErrorWithErr(ctx, "Strategy failed on bar", err,
			"strategy", r.strategy.Name(),
			"symbol", symbol,
			"timestamp", bar.Timestamp,
			"error_kind", "strategy",
		)
		return nil
	}
	if sig == nil {
		return nil
	}
	switch sig.Direction {
	case types.Long, types.Short, types.Flat:
	default:
		logger.Warn(ctx, "Strategy returned an unknown direction", "strategy", r.strategy.Name(),
			"symbol", symbol, "direction", sig.Direction, "error_kind", "strategy")
		return nil
	}
	sig.Symbol = symbol
	return sig
}

func (r *Runtime) invoke(ctx context.Context, symbol string, bar types.Bar, state types.StrategyState) (sig *types.Signal, err error) {
	defer func() {
		if p := recover(); p != nil {
			sig, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()
	return r.strategy.OnBar(ctx, symbol, bar, state)
}

// Stop calls OnStop once, if OnStart was called.
func (r *Runtime) Stop(ctx context.Context, state types.StrategyState) {
	if !r.started || r.stopped {
		return
	}
	r.stopped = true
	defer func() {
		if p := recover(); p != nil {
			logger.Error(ctx, "Strategy panicked in OnStop", "strategy", r.strategy.Name(), "panic", p, "error_kind", "strategy")
		}
	}()
	if err := r.strategy.OnStop(ctx, state); err != nil {
		logger.ErrorWithErr(ctx, "Strategy OnStop failed", err, "strategy", r.strategy.Name(), "error_kind", "strategy")
	}
}
