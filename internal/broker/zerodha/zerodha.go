package zerodha

import (
	"context"
	"fmt"
	"strings"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"trading-controller/internal/broker"
	"trading-controller/internal/interfaces"
	"trading-controller/internal/logger"
	"trading-controller/internal/types"
)

type Params struct {
	APIKey      string
	AccessToken string
	Exchange    string
	Product     string
}

// kiteAPI is the part of the Kite Connect client the broker uses.
type kiteAPI interface {
	PlaceOrder(variety string, orderParams kiteconnect.OrderParams) (kiteconnect.OrderResponse, error)
	GetOrders() (kiteconnect.Orders, error)
	GetUserMargins() (kiteconnect.AllMargins, error)
}

// Zerodha is the live broker backed by Kite Connect. Orders are regular
// market orders; the account snapshot comes from the equity margin segment.
type Zerodha struct {
	p   Params
	kc  kiteAPI
	now func() time.Time
}

var (
	_ interfaces.Broker        = (*Zerodha)(nil)
	_ interfaces.OrderPoller   = (*Zerodha)(nil)
	_ interfaces.OrderStreamer = (*Zerodha)(nil)
)

func NewZerodha(p Params) (*Zerodha, error) {
	if p.APIKey == "" || p.AccessToken == "" {
		return nil, fmt.Errorf("kite: %w", broker.ErrMissingCredentials)
	}
	if p.Exchange == "" {
		p.Exchange = kiteconnect.ExchangeNSE
	}
	if p.Product == "" {
		p.Product = kiteconnect.ProductMIS
	}
	kc := kiteconnect.New(p.APIKey)
	kc.SetAccessToken(p.AccessToken)
	return &Zerodha{p: p, kc: kc, now: time.Now}, nil
}

func (z *Zerodha) Start(ctx context.Context, symbols []string) error {
	// verifies the access token before the session trades
	if _, err := z.kc.GetUserMargins(); err != nil {
		return fmt.Errorf("kite session check: %w", err)
	}
	logger.Info(ctx, "Kite session verified", "exchange", z.p.Exchange, "product", z.p.Product, "symbols", symbols)
	return nil
}

func (z *Zerodha) Stop(ctx context.Context) {}

func (z *Zerodha) PlaceOrder(ctx context.Context, req types.OrderReq) (types.OrderResp, error) {
	txn := kiteconnect.TransactionTypeBuy
	switch types.Side(req.Side) {
	case types.Buy:
	case types.Sell:
		txn = kiteconnect.TransactionTypeSell
	default:
		return types.OrderResp{}, fmt.Errorf("%w: side %q", broker.ErrInvalidOrder, req.Side)
	}
	if req.Qty <= 0 {
		return types.OrderResp{}, fmt.Errorf("%w: qty %d", broker.ErrInvalidOrder, req.Qty)
	}

	resp, err := z.kc.PlaceOrder(kiteconnect.VarietyRegular, kiteconnect.OrderParams{
		Exchange:        z.p.Exchange,
		Tradingsymbol:   req.Symbol,
		Validity:        kiteconnect.ValidityDay,
		Product:         z.p.Product,
		OrderType:       kiteconnect.OrderTypeMarket,
		TransactionType: txn,
		Quantity:        req.Qty,
		Tag:             kiteTag(req.Tag),
	})
	if err != nil {
		return types.OrderResp{}, fmt.Errorf("kite place order: %w", err)
	}
	return types.OrderResp{OrderID: resp.OrderID, Status: string(types.OrderPending), Message: "placed"}, nil
}

func (z *Zerodha) Account(ctx context.Context) (types.AccountSnapshot, error) {
	m, err := z.kc.GetUserMargins()
	if err != nil {
		return types.AccountSnapshot{}, fmt.Errorf("kite margins: %w", err)
	}
	eq := m.Equity
	return types.AccountSnapshot{
		Equity:      eq.Net,
		LastEquity:  eq.Available.OpeningBalance,
		Cash:        eq.Available.Cash,
		BuyingPower: eq.Available.LiveBalance,
		Timestamp:   z.now(),
	}, nil
}

func (z *Zerodha) ListOrders(ctx context.Context) ([]types.OrderEvent, error) {
	orders, err := z.kc.GetOrders()
	if err != nil {
		return nil, fmt.Errorf("kite orders: %w", err)
	}
	out := make([]types.OrderEvent, 0, len(orders))
	for _, o := range orders {
		out = append(out, toEvent(o))
	}
	return out, nil
}

func toEvent(o kiteconnect.Order) types.OrderEvent {
	side := types.Buy
	if o.TransactionType == kiteconnect.TransactionTypeSell {
		side = types.Sell
	}
	ev := types.OrderEvent{
		OrderID:   o.OrderID,
		Symbol:    o.TradingSymbol,
		Side:      side,
		Qty:       int(o.Quantity),
		FilledQty: int(o.FilledQuantity),
		AvgPrice:  o.AveragePrice,
		Reason:    o.StatusMessage,
		Time:      o.OrderTimestamp.Time,
	}
	ev.Status = mapStatus(o.Status, ev.FilledQty)
	return ev
}

// mapStatus folds Kite's order states onto the controller's lifecycle.
func mapStatus(status string, filled int) types.OrderStatus {
	switch strings.ToUpper(status) {
	case "COMPLETE":
		return types.OrderFilled
	case "REJECTED":
		return types.OrderRejected
	case "CANCELLED":
		return types.OrderCanceled
	}
	if filled > 0 {
		return types.OrderPartiallyFilled
	}
	return types.OrderPending
}

// kiteTag trims a tag to Kite's 20 character limit.
func kiteTag(tag string) string {
	if len(tag) > 20 {
		return tag[:20]
	}
	return tag
}
