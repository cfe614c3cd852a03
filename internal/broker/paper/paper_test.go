package paper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-controller/internal/types"
)

func recv(t *testing.T, ch <-chan types.OrderEvent) types.OrderEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no order event")
	}
	return types.OrderEvent{}
}

func TestFillsReportedThroughEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := New(10_000, time.UTC)
	events, _, err := b.StreamOrderEvents(ctx)
	require.NoError(t, err)

	b.Mark("AAPL", 100)
	resp, err := b.PlaceOrder(ctx, types.OrderReq{Symbol: "AAPL", Side: "BUY", Qty: 10})
	require.NoError(t, err)
	assert.Equal(t, string(types.OrderPending), resp.Status)

	ev := recv(t, events)
	assert.Equal(t, resp.OrderID, ev.OrderID)
	assert.Equal(t, types.OrderFilled, ev.Status)
	assert.Equal(t, 10, ev.FilledQty)
	assert.Equal(t, 100.0, ev.AvgPrice)

	b.Mark("AAPL", 110)
	acct, err := b.Account(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10_100, acct.Equity, 1e-9)
	assert.InDelta(t, 9_000, acct.Cash, 1e-9)
	assert.InDelta(t, 10_000, acct.LastEquity, 1e-9)
	assert.InDelta(t, 100, acct.DayPnL(), 1e-9)

	_, err = b.PlaceOrder(ctx, types.OrderReq{Symbol: "AAPL", Side: "SELL", Qty: 10})
	require.NoError(t, err)
	ev = recv(t, events)
	assert.Equal(t, types.OrderFilled, ev.Status)
	assert.Empty(t, b.Positions())

	list, err := b.ListOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestRejects(t *testing.T) {
	ctx := context.Background()
	b := New(1_000, time.UTC)

	_, err := b.PlaceOrder(ctx, types.OrderReq{Symbol: "AAPL", Side: "BUY", Qty: 0})
	assert.Error(t, err)

	resp, err := b.PlaceOrder(ctx, types.OrderReq{Symbol: "AAPL", Side: "BUY", Qty: 1})
	require.NoError(t, err)
	list, _ := b.ListOrders(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, resp.OrderID, list[0].OrderID)
	assert.Equal(t, types.OrderRejected, list[0].Status)

	b.Mark("AAPL", 100)
	_, err = b.PlaceOrder(ctx, types.OrderReq{Symbol: "AAPL", Side: "BUY", Qty: 11})
	require.NoError(t, err)
	list, _ = b.ListOrders(ctx)
	assert.Equal(t, types.OrderRejected, list[1].Status)
	assert.Equal(t, "insufficient buying power", list[1].Reason)
}

func TestLastEquityRollsAtDayChange(t *testing.T) {
	ctx := context.Background()
	b := New(1_000, time.UTC)
	day := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return day }

	b.Mark("X", 10)
	_, err := b.PlaceOrder(ctx, types.OrderReq{Symbol: "X", Side: "BUY", Qty: 10})
	require.NoError(t, err)
	b.Mark("X", 12)

	day = day.Add(24 * time.Hour)
	acct, err := b.Account(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1_020, acct.LastEquity, 1e-9)
	assert.InDelta(t, 0, acct.DayPnL(), 1e-9)
}

func TestShortAndCover(t *testing.T) {
	ctx := context.Background()
	b := New(1_000, time.UTC)
	b.Mark("X", 10)
	_, err := b.PlaceOrder(ctx, types.OrderReq{Symbol: "X", Side: "SELL", Qty: 5})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"X": -5}, b.Positions())

	b.Mark("X", 8)
	_, err = b.PlaceOrder(ctx, types.OrderReq{Symbol: "X", Side: "BUY", Qty: 5})
	require.NoError(t, err)
	acct, _ := b.Account(ctx)
	assert.InDelta(t, 1_010, acct.Equity, 1e-9)
}
