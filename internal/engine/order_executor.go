package engine

import (
	"context"
	"time"

	"trading-controller/internal/logger"
	"trading-controller/internal/risk"
	"trading-controller/internal/tradelog"
	"trading-controller/internal/types"
)

const retryBackoff = 200 * time.Millisecond

// submit places intent as a market order and tracks it until a terminal
// event. Submission errors are retried up to orders.max_retries times. Live
// sessions submit nothing until confirmed unless force is set.
func (c *Controller) submit(ctx context.Context, in *risk.Intent, force bool) bool {
	s := c.sess
	if s.mode == types.ModeLive && !s.liveConfirmed && !force {
		logger.Risk(ctx, in.Symbol, "LIVE_UNCONFIRMED",
			"side", in.Side,
			"qty", in.Qty,
			"tag", in.Tag,
		)
		return false
	}

	req := types.OrderReq{Symbol: in.Symbol, Side: string(in.Side), Qty: in.Qty, Tag: in.Tag}
	attempts := c.deps.Config.Orders.MaxRetries + 1

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(time.Duration(i) * retryBackoff)
		}
		resp, err := s.conn.Broker.PlaceOrder(ctx, req)
		if err != nil {
			lastErr = err
			logger.Warn(ctx, "Order submission failed",
				"symbol", in.Symbol,
				"side", in.Side,
				"qty", in.Qty,
				"attempt", i+1,
				"error_kind", "broker",
				"error", err,
			)
			continue
		}

		s.orders[resp.OrderID] = &types.Order{
			ID:          resp.OrderID,
			Symbol:      in.Symbol,
			Side:        in.Side,
			Qty:         in.Qty,
			Tag:         in.Tag,
			SubmittedAt: c.deps.Now(),
			Status:      types.OrderPending,
			StopPct:     in.StopPct,
			TargetPct:   in.TargetPct,
		}
		c.deps.Metrics.OrderSubmitted(in.Side, in.Tag)
		logger.Info(ctx, "Order submitted",
			"order_id", resp.OrderID,
			"symbol", in.Symbol,
			"side", in.Side,
			"qty", in.Qty,
			"tag", in.Tag,
			"reason", in.Reason,
		)
		return true
	}

	logger.ErrorWithErr(ctx, "Order abandoned after retries", lastErr,
		"symbol", in.Symbol,
		"side", in.Side,
		"qty", in.Qty,
		"attempts", attempts,
		"error_kind", "broker",
	)
	c.deps.Metrics.Reject("submit_failed")
	_ = tradelog.Append(tradelog.Entry{
		Kind:   tradelog.KindError,
		Mode:   string(s.mode),
		Symbol: in.Symbol,
		Side:   string(in.Side),
		Qty:    in.Qty,
		Tag:    in.Tag,
		Reason: lastErr.Error(),
	})
	return false
}

func (c *Controller) hasPending(symbol string) bool {
	for _, o := range c.sess.orders {
		if o.Symbol == symbol {
			return true
		}
	}
	return false
}

func statusRank(s types.OrderStatus) int {
	switch s {
	case types.OrderPending:
		return 0
	case types.OrderPartiallyFilled:
		return 1
	}
	return 2
}
