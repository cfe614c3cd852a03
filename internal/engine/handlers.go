package engine

import (
	"context"
	"fmt"

	"trading-controller/internal/calendar"
	"trading-controller/internal/logger"
	"trading-controller/internal/risk"
	"trading-controller/internal/tradelog"
	"trading-controller/internal/types"
)

// onBar runs the per-bar sequence for one symbol: mark, SL/TP exit check,
// strategy, then entry or exit from the signal.
func (c *Controller) onBar(ctx context.Context, bar types.Bar) {
	s := c.sess
	s.book.Mark(bar.Symbol, bar.Close)
	if s.conn.Marker != nil {
		s.conn.Marker.Mark(bar.Symbol, bar.Close)
	}
	if !c.active() {
		return
	}
	if !s.marketOpen {
		logger.Debug(ctx, "Bar ignored while market is closed", "symbol", bar.Symbol, "timestamp", bar.Timestamp)
		return
	}
	c.deps.Metrics.Bar(bar.Symbol)

	// exits are managed while paused too
	if pos, ok := s.book.Get(bar.Symbol); ok && !c.hasPending(bar.Symbol) {
		if exit := c.stops.CheckExit(ctx, pos, bar); exit != nil {
			c.deps.Metrics.RiskExit(exit.Tag)
			c.submit(ctx, risk.ExitIntent(exit), false)
		}
	}

	sig := s.runtime.OnBar(ctx, bar.Symbol, bar, c.strategyState(s))
	if n := s.runtime.Failures(); n != s.strategyFails {
		s.strategyFails = n
		c.deps.Metrics.StrategyError()
	}
	c.publishPnL()
	if sig == nil {
		return
	}

	logger.Signal(ctx, sig.Symbol, string(sig.Direction), sig.Reason, "price", bar.Close, "timestamp", bar.Timestamp)
	c.deps.Metrics.Signal(sig.Symbol, sig.Direction)
	_ = tradelog.AppendSignal(tradelog.SignalEntry{
		Strategy:  s.runtime.Name(),
		Symbol:    sig.Symbol,
		Direction: string(sig.Direction),
		Reason:    sig.Reason,
		Price:     bar.Close,
		BarTime:   bar.Timestamp.Format("2006-01-02 15:04:05"),
		Meta:      sig.Meta,
	})

	if c.hasPending(sig.Symbol) {
		logger.Debug(ctx, "Signal skipped, order in flight", "symbol", sig.Symbol)
		return
	}
	pos, _ := s.book.Get(sig.Symbol)
	intent := c.risk.Plan(ctx, sig, pos, s.account, bar.Close)
	if intent == nil {
		return
	}
	if intent.Opening {
		if c.phase != types.PhaseRunning {
			logger.Info(ctx, "Entry suppressed while paused", "symbol", sig.Symbol, "timestamp", bar.Timestamp)
			return
		}
		if calendar.InBlackout(c.deps.Now(), c.deps.Config.Location(), s.blackout) {
			logger.Info(ctx, "Entry suppressed in blackout window", "symbol", sig.Symbol, "timestamp", bar.Timestamp)
			return
		}
	}
	c.submit(ctx, intent, false)
}

// onOrderEvent advances a tracked order. Statuses only move forward and only
// a fill event changes a position.
func (c *Controller) onOrderEvent(ctx context.Context, ev types.OrderEvent) {
	s := c.sess
	o := s.orders[ev.OrderID]
	if o == nil {
		logger.Debug(ctx, "Event for untracked order ignored", "order_id", ev.OrderID, "status", ev.Status)
		return
	}
	if ev.Status == types.OrderFilled && ev.FilledQty == 0 {
		ev.FilledQty = o.Qty
	}
	if statusRank(ev.Status) < statusRank(o.Status) || ev.FilledQty < o.FilledQty {
		logger.Warn(ctx, "Stale order event ignored",
			"order_id", o.ID,
			"symbol", o.Symbol,
			"status", ev.Status,
			"current_status", o.Status,
			"error_kind", "feed",
		)
		return
	}

	if delta := ev.FilledQty - o.FilledQty; delta > 0 {
		price := ev.AvgPrice
		if o.FilledQty > 0 {
			price = (ev.AvgPrice*float64(ev.FilledQty) - o.AvgPrice*float64(o.FilledQty)) / float64(delta)
		}
		at := ev.Time
		if at.IsZero() {
			at = c.deps.Now()
		}
		fill := s.book.ApplyFill(ctx, o.Symbol, o.Side, delta, price, o.StopPct, o.TargetPct, at)
		o.FilledQty, o.AvgPrice = ev.FilledQty, ev.AvgPrice

		logger.Trade(ctx, o.Symbol, string(o.Side), delta, price, o.ID,
			"tag", o.Tag,
			"status", ev.Status,
			"realized_pnl", fill.Realized,
			"position_qty", fill.Position.Qty,
		)
		c.deps.Metrics.Fill(o.Symbol, o.Side)
		_ = tradelog.Append(tradelog.Entry{
			Kind:    tradelog.KindFill,
			Mode:    string(s.mode),
			Symbol:  o.Symbol,
			Side:    string(o.Side),
			Qty:     delta,
			Price:   price,
			OrderID: o.ID,
			Tag:     o.Tag,
			PnL:     fill.Realized,
		})
	}

	o.Status = ev.Status
	switch ev.Status {
	case types.OrderRejected, types.OrderCanceled:
		kind := tradelog.KindReject
		if ev.Status == types.OrderCanceled {
			kind = tradelog.KindCancel
		}
		logger.Warn(ctx, "Order did not complete",
			"order_id", o.ID,
			"symbol", o.Symbol,
			"status", ev.Status,
			"filled_qty", o.FilledQty,
			"reason", ev.Reason,
			"error_kind", "broker",
		)
		c.deps.Metrics.Reject(string(ev.Status))
		_ = tradelog.Append(tradelog.Entry{
			Kind:    kind,
			Mode:    string(s.mode),
			Symbol:  o.Symbol,
			Side:    string(o.Side),
			Qty:     o.Qty - o.FilledQty,
			OrderID: o.ID,
			Tag:     o.Tag,
			Reason:  ev.Reason,
		})
	}
	if o.Status.Terminal() {
		delete(s.orders, o.ID)
	}
	c.publishPnL()

	if c.phase == types.PhaseFlattening {
		c.continueFlatten(ctx)
	}
}

func (c *Controller) onAccount(ctx context.Context, snap types.AccountSnapshot) {
	c.sess.account = snap
	c.publishPnL()
}

func (c *Controller) onTransition(ctx context.Context, tr types.FeedTransition) {
	s := c.sess
	switch tr.Feed {
	case "market":
		s.marketSource = tr.To
	case "orders":
		s.orderSource = tr.To
	}
	fields := []any{"reason", tr.Reason}
	if tr.To == types.SourcePolling {
		fields = append(fields, "error_kind", "feed")
	}
	logger.Transition(ctx, tr.Feed+"_feed", string(tr.From), string(tr.To), fields...)
	c.deps.Metrics.FeedTransition(tr.Feed, tr.To)
}

func (c *Controller) onGate(ctx context.Context, ev gateEvent) {
	s := c.sess
	if ev.stuck {
		c.fail(ctx, fmt.Errorf("market gate stuck closed: %w", ev.state.Err))
		return
	}
	if ev.state.Open != s.marketOpen {
		from, to := "closed", "open"
		if !ev.state.Open {
			from, to = to, from
		}
		logger.Transition(ctx, "market", from, to, "next_open", ev.state.NextOpen)
		s.marketOpen = ev.state.Open
	}
	if !s.marketOpen {
		logger.Debug(ctx, "Waiting for market open", "next_open", ev.state.NextOpen)
		c.maybeSummarize()
		return
	}
	if !s.feedsStarted && c.active() {
		c.startFeeds(ctx, s)
	}
}

func (c *Controller) maybeSummarize() {
	if c.deps.EOD == nil {
		return
	}
	if run, _ := c.deps.EOD.ShouldRunNow(); run {
		_, _ = c.deps.EOD.SummarizeToday()
	}
}
