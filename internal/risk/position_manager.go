package risk

import (
	"context"
	"sort"
	"time"

	"trading-controller/internal/logger"
	"trading-controller/internal/types"
)

// Book tracks open positions and the realized P/L of the fills applied to it.
// It is owned by a single goroutine and holds no lock.
type Book struct {
	positions map[string]*types.Position
	marks     map[string]float64
	realized  float64
	stops     *StopManager
}

// Fill is the result of applying one fill to the book.
type Fill struct {
	Realized float64
	Position types.Position // zero Qty when the fill closed the position
	Closed   bool
	Reversed bool
}

func NewBook(stops *StopManager) *Book {
	return &Book{
		positions: make(map[string]*types.Position),
		marks:     make(map[string]float64),
		stops:     stops,
	}
}

// Get returns the open position for symbol.
func (b *Book) Get(symbol string) (types.Position, bool) {
	p := b.positions[symbol]
	if p == nil {
		return types.Position{}, false
	}
	return *p, true
}

func (b *Book) Has(symbol string) bool {
	return b.positions[symbol] != nil
}

func (b *Book) Len() int { return len(b.positions) }

// Symbols returns the symbols with open positions in sorted order.
func (b *Book) Symbols() []string {
	out := make([]string, 0, len(b.positions))
	for s := range b.positions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Positions returns a copy of every open position.
func (b *Book) Positions() map[string]types.Position {
	out := make(map[string]types.Position, len(b.positions))
	for s, p := range b.positions {
		out[s] = *p
	}
	return out
}

// Mark records the latest price for symbol.
func (b *Book) Mark(symbol string, price float64) {
	b.marks[symbol] = price
}

func (b *Book) LastPrice(symbol string) (float64, bool) {
	p, ok := b.marks[symbol]
	return p, ok
}

// Unrealized sums (mark - avg) * qty across open positions in symbol order,
// so the float sum is the same on every run. A position with no mark yet
// contributes nothing.
func (b *Book) Unrealized() float64 {
	total := 0.0
	for _, s := range b.Symbols() {
		if m, ok := b.marks[s]; ok {
			total += b.positions[s].Unrealized(m)
		}
	}
	return total
}

// Realized is the P/L of every closing fill applied so far.
func (b *Book) Realized() float64 { return b.realized }

// ApplyFill applies qty shares filled at price. Fills in the direction of the
// position add to it at a quantity-weighted average; fills against it realize
// P/L, and any excess opens a position on the other side. SL/TP are recomputed
// from the average entry with stopPct and targetPct.
func (b *Book) ApplyFill(ctx context.Context, symbol string, side types.Side, qty int, price, stopPct, targetPct float64, at time.Time) Fill {
	if qty <= 0 {
		p, _ := b.Get(symbol)
		return Fill{Position: p}
	}
	delta := side.Sign() * qty
	p := b.positions[symbol]

	if p == nil || sameSign(p.Qty, delta) {
		if p == nil {
			p = &types.Position{Symbol: symbol, OpenedAt: at, StopPct: stopPct, TargetPct: targetPct}
			b.positions[symbol] = p
		}
		total := p.AvgPrice*float64(abs(p.Qty)) + price*float64(qty)
		p.Qty += delta
		p.AvgPrice = total / float64(abs(p.Qty))
		if stopPct > 0 {
			p.StopPct = stopPct
		}
		if targetPct > 0 {
			p.TargetPct = targetPct
		}
		p.StopLoss, p.TakeProfit = b.stops.Levels(p.AvgPrice, p.StopPct, p.TargetPct, p.IsLong())
		logger.Debug(ctx, "Position increased", "symbol", symbol, "qty", p.Qty, "avg_price", p.AvgPrice,
			"stop_loss", p.StopLoss, "take_profit", p.TakeProfit)
		return Fill{Position: *p}
	}

	closing := min(qty, abs(p.Qty))
	sign := 1.0
	if p.IsShort() {
		sign = -1.0
	}
	realized := (price - p.AvgPrice) * float64(closing) * sign
	b.realized += realized
	p.Qty += side.Sign() * closing

	if p.Qty != 0 {
		logger.Debug(ctx, "Position reduced", "symbol", symbol, "qty", p.Qty, "realized_pnl", realized)
		return Fill{Realized: realized, Position: *p}
	}

	delete(b.positions, symbol)
	logger.Info(ctx, "Position closed", "symbol", symbol, "exit_price", price, "realized_pnl", realized)

	if rest := qty - closing; rest > 0 {
		f := b.ApplyFill(ctx, symbol, side, rest, price, stopPct, targetPct, at)
		f.Realized = realized
		f.Reversed = true
		return f
	}
	return Fill{Realized: realized, Closed: true}
}

// Close drops a position without a fill.
func (b *Book) Close(symbol string) {
	delete(b.positions, symbol)
}

func sameSign(a, b int) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
