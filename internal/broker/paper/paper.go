package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"trading-controller/internal/broker"
	"trading-controller/internal/interfaces"
	"trading-controller/internal/logger"
	"trading-controller/internal/types"
)

type holding struct {
	qty int
	avg float64
}

// Broker is a simulated account that fills market orders at the last marked
// price. Fills are reported through StreamOrderEvents and ListOrders, never
// through the PlaceOrder response.
type Broker struct {
	mu         sync.Mutex
	cash       float64
	lastEquity float64
	day        string
	holdings   map[string]*holding
	marks      map[string]float64
	orders     map[string]types.OrderEvent
	seq        []string
	subs       map[chan types.OrderEvent]struct{}
	loc        *time.Location
	now        func() time.Time
}

var (
	_ interfaces.Broker        = (*Broker)(nil)
	_ interfaces.OrderStreamer = (*Broker)(nil)
	_ interfaces.OrderPoller   = (*Broker)(nil)
	_ interfaces.PriceMarker   = (*Broker)(nil)
)

func New(startingCash float64, loc *time.Location) *Broker {
	if loc == nil {
		loc = time.UTC
	}
	return &Broker{
		cash:       startingCash,
		lastEquity: startingCash,
		holdings:   make(map[string]*holding),
		marks:      make(map[string]float64),
		orders:     make(map[string]types.OrderEvent),
		subs:       make(map[chan types.OrderEvent]struct{}),
		loc:        loc,
		now:        time.Now,
	}
}

func (b *Broker) Start(ctx context.Context, symbols []string) error {
	logger.Info(ctx, "Paper broker ready", "symbols", symbols, "cash", b.cash)
	return nil
}

func (b *Broker) Stop(ctx context.Context) {}

// Mark sets the price the next order for symbol fills at.
func (b *Broker) Mark(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marks[symbol] = price
}

func (b *Broker) PlaceOrder(ctx context.Context, req types.OrderReq) (types.OrderResp, error) {
	side := types.Side(req.Side)
	if req.Qty <= 0 || (side != types.Buy && side != types.Sell) {
		return types.OrderResp{}, fmt.Errorf("%w: %s %d %s", broker.ErrInvalidOrder, req.Side, req.Qty, req.Symbol)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDay()

	id := uuid.NewString()
	ev := types.OrderEvent{
		OrderID: id,
		Symbol:  req.Symbol,
		Side:    side,
		Qty:     req.Qty,
		Time:    b.now(),
	}

	price, ok := b.marks[req.Symbol]
	switch {
	case !ok:
		ev.Status = types.OrderRejected
		ev.Reason = broker.ErrNoPrice.Error()
	case b.opening(req.Symbol, side, req.Qty) && float64(req.Qty)*price > b.equity():
		ev.Status = types.OrderRejected
		ev.Reason = "insufficient buying power"
	default:
		b.fill(req.Symbol, side, req.Qty, price)
		ev.Status = types.OrderFilled
		ev.FilledQty = req.Qty
		ev.AvgPrice = price
	}

	b.orders[id] = ev
	b.seq = append(b.seq, id)
	b.publish(ctx, ev)

	return types.OrderResp{OrderID: id, Status: string(types.OrderPending), Message: "accepted"}, nil
}

// opening reports whether the order adds exposure rather than reducing it.
func (b *Broker) opening(symbol string, side types.Side, qty int) bool {
	h := b.holdings[symbol]
	if h == nil || h.qty == 0 {
		return true
	}
	if (h.qty > 0) == (side == types.Buy) {
		return true
	}
	return qty > abs(h.qty)
}

func (b *Broker) fill(symbol string, side types.Side, qty int, price float64) {
	delta := side.Sign() * qty
	b.cash -= float64(delta) * price

	h := b.holdings[symbol]
	if h == nil {
		h = &holding{}
		b.holdings[symbol] = h
	}
	switch {
	case h.qty == 0 || (h.qty > 0) == (delta > 0):
		h.avg = (h.avg*float64(abs(h.qty)) + price*float64(qty)) / float64(abs(h.qty)+qty)
		h.qty += delta
	case abs(delta) > abs(h.qty):
		h.qty += delta
		h.avg = price
	default:
		h.qty += delta
	}
	if h.qty == 0 {
		delete(b.holdings, symbol)
	}
}

func (b *Broker) publish(ctx context.Context, ev types.OrderEvent) {
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logger.Warn(ctx, "Paper order event dropped, subscriber is behind", "order_id", ev.OrderID, "error_kind", "broker")
		}
	}
}

func (b *Broker) equity() float64 {
	eq := b.cash
	for s, h := range b.holdings {
		price, ok := b.marks[s]
		if !ok {
			price = h.avg
		}
		eq += float64(h.qty) * price
	}
	return eq
}

// rollDay carries equity over as last_equity when the local date changes.
func (b *Broker) rollDay() {
	d := b.now().In(b.loc).Format("2006-01-02")
	if b.day == "" {
		b.day = d
		return
	}
	if d != b.day {
		b.day = d
		b.lastEquity = b.equity()
	}
}

func (b *Broker) Account(ctx context.Context) (types.AccountSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDay()
	eq := b.equity()
	return types.AccountSnapshot{
		Equity:      eq,
		LastEquity:  b.lastEquity,
		Cash:        b.cash,
		BuyingPower: eq,
		Timestamp:   b.now(),
	}, nil
}

// StreamOrderEvents subscribes to fills and rejects until ctx is done.
func (b *Broker) StreamOrderEvents(ctx context.Context) (<-chan types.OrderEvent, <-chan error, error) {
	ch := make(chan types.OrderEvent, 256)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, make(chan error), nil
}

func (b *Broker) ListOrders(ctx context.Context) ([]types.OrderEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.OrderEvent, 0, len(b.seq))
	for _, id := range b.seq {
		out = append(out, b.orders[id])
	}
	return out, nil
}

// Positions returns the simulated holdings as signed quantities.
func (b *Broker) Positions() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.holdings))
	for s, h := range b.holdings {
		out[s] = h.qty
	}
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
