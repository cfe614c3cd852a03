package engine

import (
	"trading-controller/internal/types"
)

func (c *Controller) strategyState(s *session) types.StrategyState {
	return types.StrategyState{
		Mode:      s.mode,
		Symbols:   c.deps.Config.Symbols,
		Timeframe: c.deps.Config.TimeframeValue(),
		Equity:    s.account.Equity,
		Positions: s.book.Positions(),
		Paused:    c.phase == types.PhasePaused,
	}
}

// snapshot copies the run state. Realized P/L is the broker's
// equity - last_equity, never a tally of fills. Mode stays empty until a
// session has resolved it.
func (c *Controller) snapshot() types.Status {
	st := types.Status{
		Phase:         c.phase,
		FlattenOnStop: c.flattenOnStop.Load(),
		Symbols:       c.deps.Config.Symbols,
		Positions:     map[string]types.Position{},
		LastError:     c.lastError,
	}
	s := c.sess
	if s == nil {
		return st
	}
	st.Mode = s.mode
	st.LiveConfirmed = s.liveConfirmed
	st.MarketOpen = s.marketOpen
	st.Positions = s.book.Positions()
	st.PendingOrders = len(s.orders)
	st.RealizedPnL = s.account.DayPnL()
	st.UnrealizedPnL = s.book.Unrealized()
	st.Account = s.account
	if s.feedsStarted {
		st.MarketSource = s.marketSource
		st.OrderSource = s.orderSource
	}
	return st
}

func (c *Controller) publishPnL() {
	s := c.sess
	if s == nil {
		return
	}
	c.deps.Metrics.PnL(s.account.DayPnL(), s.book.Unrealized(), s.account.Equity, s.book.Len())
}
