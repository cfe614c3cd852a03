package interfaces

import (
	"context"

	"trading-controller/internal/types"
)

// Broker is the account/order provider. Only market orders are supported.
type Broker interface {
	PlaceOrder(ctx context.Context, req types.OrderReq) (types.OrderResp, error)
	Account(ctx context.Context) (types.AccountSnapshot, error)
	Start(ctx context.Context, symbols []string) error
	Stop(ctx context.Context)
}

// OrderStreamer pushes order lifecycle events. The error channel reports a broken stream.
type OrderStreamer interface {
	StreamOrderEvents(ctx context.Context) (<-chan types.OrderEvent, <-chan error, error)
}

// OrderPoller returns the current state of every order known to the broker today.
type OrderPoller interface {
	ListOrders(ctx context.Context) ([]types.OrderEvent, error)
}

// PriceMarker is implemented by brokers that fill against the latest bar close.
type PriceMarker interface {
	Mark(symbol string, price float64)
}
