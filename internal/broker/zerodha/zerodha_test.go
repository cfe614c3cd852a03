package zerodha

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"trading-controller/internal/broker"
	"trading-controller/internal/types"
)

type fakeKite struct {
	placed  []kiteconnect.OrderParams
	orders  kiteconnect.Orders
	margins kiteconnect.AllMargins
	err     error
}

func (f *fakeKite) PlaceOrder(variety string, p kiteconnect.OrderParams) (kiteconnect.OrderResponse, error) {
	if f.err != nil {
		return kiteconnect.OrderResponse{}, f.err
	}
	f.placed = append(f.placed, p)
	return kiteconnect.OrderResponse{OrderID: "K1"}, nil
}

func (f *fakeKite) GetOrders() (kiteconnect.Orders, error) { return f.orders, f.err }

func (f *fakeKite) GetUserMargins() (kiteconnect.AllMargins, error) { return f.margins, f.err }

func newTestBroker(k *fakeKite) *Zerodha {
	return &Zerodha{p: Params{Exchange: "NSE", Product: "MIS"}, kc: k, now: time.Now}
}

func TestNewZerodhaRequiresCredentials(t *testing.T) {
	_, err := NewZerodha(Params{APIKey: "k"})
	assert.ErrorIs(t, err, broker.ErrMissingCredentials)
}

func TestPlaceOrderBuildsMarketOrder(t *testing.T) {
	k := &fakeKite{}
	z := newTestBroker(k)

	resp, err := z.PlaceOrder(context.Background(), types.OrderReq{Symbol: "INFY", Side: "SELL", Qty: 3, Tag: "TAKE_PROFIT_EXIT_LONG_TAG"})
	require.NoError(t, err)
	assert.Equal(t, "K1", resp.OrderID)
	require.Len(t, k.placed, 1)
	p := k.placed[0]
	assert.Equal(t, "INFY", p.Tradingsymbol)
	assert.Equal(t, kiteconnect.TransactionTypeSell, p.TransactionType)
	assert.Equal(t, kiteconnect.OrderTypeMarket, p.OrderType)
	assert.Equal(t, 3, p.Quantity)
	assert.Len(t, p.Tag, 20)

	_, err = z.PlaceOrder(context.Background(), types.OrderReq{Symbol: "INFY", Side: "HOLD", Qty: 3})
	assert.ErrorIs(t, err, broker.ErrInvalidOrder)

	k.err = errors.New("insufficient funds")
	_, err = z.PlaceOrder(context.Background(), types.OrderReq{Symbol: "INFY", Side: "BUY", Qty: 3})
	assert.Error(t, err)
}

func TestAccountFromEquityMargins(t *testing.T) {
	k := &fakeKite{}
	k.margins.Equity.Net = 105_000
	k.margins.Equity.Available.OpeningBalance = 100_000
	k.margins.Equity.Available.Cash = 100_000
	k.margins.Equity.Available.LiveBalance = 90_000

	acct, err := newTestBroker(k).Account(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 105_000.0, acct.Equity)
	assert.Equal(t, 5_000.0, acct.DayPnL())
	assert.Equal(t, 90_000.0, acct.BuyingPower)
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, types.OrderFilled, mapStatus("COMPLETE", 10))
	assert.Equal(t, types.OrderRejected, mapStatus("REJECTED", 0))
	assert.Equal(t, types.OrderCanceled, mapStatus("CANCELLED", 4))
	assert.Equal(t, types.OrderPartiallyFilled, mapStatus("OPEN", 4))
	assert.Equal(t, types.OrderPending, mapStatus("TRIGGER PENDING", 0))
}
