package brokerobs

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"trading-controller/internal/interfaces"
	"trading-controller/internal/logger"
	"trading-controller/internal/trace"
	"trading-controller/internal/types"
)

// observableBroker wraps a Broker with observability (logging & tracing)
type observableBroker struct {
	broker interfaces.Broker
	name   string
}

// Compile-time interface check
var _ interfaces.Broker = (*observableBroker)(nil)

// Wrap wraps a broker with observability middleware. name labels the spans
// and log records, e.g. "paper" or "kite".
func Wrap(broker interfaces.Broker, name string) interfaces.Broker {
	return &observableBroker{broker: broker, name: name}
}

// PlaceOrder places an order with observability
func (ob *observableBroker) PlaceOrder(ctx context.Context, req types.OrderReq) (types.OrderResp, error) {
	ctx, span := trace.StartSpan(ctx, "broker.PlaceOrder")
	defer span.End()
	span.SetAttributes(
		attribute.String("broker", ob.name),
		attribute.String("symbol", req.Symbol),
		attribute.String("side", req.Side),
		attribute.Int("qty", req.Qty),
	)

	logger.InfoSkip(ctx, 1, "Placing order",
		"broker", ob.name,
		"symbol", req.Symbol,
		"side", req.Side,
		"qty", req.Qty,
		"tag", req.Tag,
	)

	start := time.Now()
	resp, err := ob.broker.PlaceOrder(ctx, req)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to place order", err,
			"broker", ob.name,
			"symbol", req.Symbol,
			"side", req.Side,
			"qty", req.Qty,
			"error_kind", "broker",
		)
		return types.OrderResp{}, err
	}

	logger.InfoSkip(ctx, 1, "Order accepted",
		"broker", ob.name,
		"symbol", req.Symbol,
		"order_id", resp.OrderID,
		"status", resp.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

// Account fetches the account snapshot with observability
func (ob *observableBroker) Account(ctx context.Context) (types.AccountSnapshot, error) {
	ctx, span := trace.StartSpan(ctx, "broker.Account")
	defer span.End()

	acct, err := ob.broker.Account(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch account", err, "broker", ob.name, "error_kind", "broker")
		return types.AccountSnapshot{}, err
	}

	logger.DebugSkip(ctx, 1, "Account fetched",
		"broker", ob.name,
		"equity", acct.Equity,
		"last_equity", acct.LastEquity,
		"buying_power", acct.BuyingPower,
	)
	return acct, nil
}

// Start initializes the broker with observability
func (ob *observableBroker) Start(ctx context.Context, symbols []string) error {
	ctx, span := trace.StartSpan(ctx, "broker.Start")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Starting broker", "broker", ob.name, "symbols", symbols, "count", len(symbols))

	if err := ob.broker.Start(ctx, symbols); err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to start broker", err, "broker", ob.name, "symbols", symbols)
		return fmt.Errorf("%s broker start failed: %w", ob.name, err)
	}

	logger.InfoSkip(ctx, 1, "Broker started successfully", "broker", ob.name)
	return nil
}

// Stop shuts down the broker with observability
func (ob *observableBroker) Stop(ctx context.Context) {
	ctx, span := trace.StartSpan(ctx, "broker.Stop")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Stopping broker", "broker", ob.name)
	ob.broker.Stop(ctx)
}
