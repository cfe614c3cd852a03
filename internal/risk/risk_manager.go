package risk

import (
	"context"
	"math"

	"trading-controller/internal/logger"
	"trading-controller/internal/types"
)

const (
	TagEntry   = "ENTRY"
	TagExit    = "EXIT"
	TagFlatten = "FLATTEN"
)

// Settings are the configured risk inputs.
type Settings struct {
	RiskPct       float64
	StopLossPct   float64
	TakeProfitPct float64
	AllowShort    bool
}

// Intent is an order the controller should submit.
type Intent struct {
	Symbol    string
	Side      types.Side
	Qty       int
	Tag       string
	Reason    string
	Opening   bool
	StopPct   float64
	TargetPct float64
}

// Manager turns signals into sized intents.
type Manager struct {
	cfg Settings
}

func NewManager(cfg Settings) *Manager {
	return &Manager{cfg: cfg}
}

func (m *Manager) Settings() Settings { return m.cfg }

// Size returns floor(equity*risk% / (price*stop%)), at least 1, capped by what
// buyingPower can pay for. With no stop the risk budget buys shares outright.
// It returns 0 when not even one share is affordable.
func (m *Manager) Size(equity, buyingPower, price, stopPct float64) int {
	if price <= 0 || equity <= 0 {
		return 0
	}
	budget := equity * m.cfg.RiskPct / 100
	var qty int
	if stopPct > 0 {
		qty = int(math.Floor(budget / (price * stopPct / 100)))
	} else {
		qty = int(math.Floor(budget / price))
	}
	if qty < 1 {
		qty = 1
	}
	if buyingPower > 0 {
		if maxQty := int(math.Floor(buyingPower / price)); qty > maxQty {
			qty = maxQty
		}
	}
	return qty
}

// Plan maps a signal onto the current position:
//
//	long  + flat  -> open long        long  + short -> close short
//	short + long  -> close long       short + flat  -> open short if allowed
//	flat  + any   -> close
//
// It returns nil when the signal asks for nothing.
func (m *Manager) Plan(ctx context.Context, sig *types.Signal, pos types.Position, acct types.AccountSnapshot, price float64) *Intent {
	if sig == nil {
		return nil
	}
	switch {
	case pos.Qty != 0 && (sig.Direction == types.Flat ||
		(sig.Direction == types.Long && pos.IsShort()) ||
		(sig.Direction == types.Short && pos.IsLong())):
		side := types.Sell
		if pos.IsShort() {
			side = types.Buy
		}
		return &Intent{Symbol: sig.Symbol, Side: side, Qty: pos.AbsQty(), Tag: TagExit, Reason: sig.Reason}

	case pos.Qty == 0 && sig.Direction == types.Long:
		return m.open(ctx, sig, types.Buy, acct, price)

	case pos.Qty == 0 && sig.Direction == types.Short:
		if !m.cfg.AllowShort {
			logger.Debug(ctx, "Short entry ignored, shorting disabled", "symbol", sig.Symbol)
			return nil
		}
		return m.open(ctx, sig, types.Sell, acct, price)
	}
	return nil
}

func (m *Manager) open(ctx context.Context, sig *types.Signal, side types.Side, acct types.AccountSnapshot, price float64) *Intent {
	stopPct, targetPct := m.cfg.StopLossPct, m.cfg.TakeProfitPct
	if sig.StopPct > 0 {
		stopPct = sig.StopPct
	}
	if sig.TargetPct > 0 {
		targetPct = sig.TargetPct
	}

	qty := sig.SizeHint
	if qty <= 0 {
		qty = m.Size(acct.Equity, acct.BuyingPower, price, stopPct)
	}
	if qty <= 0 {
		logger.Risk(ctx, sig.Symbol, "TRADE_BLOCKED_BUYING_POWER",
			"price", price,
			"equity", acct.Equity,
			"buying_power", acct.BuyingPower,
		)
		return nil
	}
	return &Intent{
		Symbol:    sig.Symbol,
		Side:      side,
		Qty:       qty,
		Tag:       TagEntry,
		Reason:    sig.Reason,
		Opening:   true,
		StopPct:   stopPct,
		TargetPct: targetPct,
	}
}

// ExitIntent converts an SL/TP breach into an intent.
func ExitIntent(e *Exit) *Intent {
	return &Intent{Symbol: e.Symbol, Side: e.Side, Qty: e.Qty, Tag: e.Tag, Reason: e.Tag}
}

// FlattenIntent closes pos at market.
func FlattenIntent(pos types.Position) *Intent {
	side := types.Sell
	if pos.IsShort() {
		side = types.Buy
	}
	return &Intent{Symbol: pos.Symbol, Side: side, Qty: pos.AbsQty(), Tag: TagFlatten, Reason: "flatten"}
}
