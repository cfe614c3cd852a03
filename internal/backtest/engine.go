package backtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"trading-controller/internal/calendar"
	"trading-controller/internal/interfaces"
	"trading-controller/internal/logger"
	"trading-controller/internal/risk"
	"trading-controller/internal/strategy"
	"trading-controller/internal/types"
)

const TagEnd = "END_OF_BACKTEST"

// FillPolicy decides the price a strategy order fills at.
type FillPolicy string

const (
	FillClose    FillPolicy = "close"
	FillNextOpen FillPolicy = "next_open"
)

var ErrNoBars = errors.New("no bars to replay")

type Config struct {
	StartingCash float64
	FillPolicy   FillPolicy
	Risk         risk.Settings
	Timeframe    types.Timeframe
	Location     *time.Location
	Blackout     []calendar.Window
	// Log receives the human-readable run log. nil discards it.
	Log io.Writer
}

// EquityPoint is the account value after one bar was processed.
type EquityPoint struct {
	Time          string  `csv:"time"`
	Symbol        string  `csv:"symbol"`
	Equity        float64 `csv:"equity"`
	Cash          float64 `csv:"cash"`
	Realized      float64 `csv:"realized_pnl"`
	Unrealized    float64 `csv:"unrealized_pnl"`
	OpenPositions int     `csv:"open_positions"`
}

// Trade is one completed round trip.
type Trade struct {
	Symbol     string  `csv:"symbol"`
	Side       string  `csv:"side"`
	EntryTime  string  `csv:"entry_time"`
	ExitTime   string  `csv:"exit_time"`
	EntryPrice float64 `csv:"entry_price"`
	ExitPrice  float64 `csv:"exit_price"`
	Qty        int     `csv:"qty"`
	PnL        float64 `csv:"pnl"`
	PnLPct     float64 `csv:"pnl_pct"`
	ExitReason string  `csv:"exit_reason"`
}

// Result is everything one replay produced.
type Result struct {
	Strategy     string
	StartingCash float64
	FinalEquity  float64
	Realized     float64
	Bars         int
	Equity       []EquityPoint
	Trades       []Trade
}

type pendingOrder struct {
	intent *risk.Intent
}

// Engine replays bars through the strategy runtime and risk manager against
// a simulated account. Fills are immediate and never partial.
type Engine struct {
	cfg     Config
	stops   *risk.StopManager
	risk    *risk.Manager
	book    *risk.Book
	runtime *strategy.Runtime
	cash    float64
	pending map[string]pendingOrder
	log     *slog.Logger
	result  *Result
}

func New(cfg Config, strat interfaces.Strategy) *Engine {
	if cfg.FillPolicy == "" {
		cfg.FillPolicy = FillClose
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Timeframe == 0 {
		cfg.Timeframe = types.OneMinute
	}
	w := cfg.Log
	if w == nil {
		w = io.Discard
	}
	stops := risk.NewStopManager(0.01)
	return &Engine{
		cfg:     cfg,
		stops:   stops,
		risk:    risk.NewManager(cfg.Risk),
		book:    risk.NewBook(stops),
		runtime: strategy.NewRuntime(strat),
		cash:    cfg.StartingCash,
		pending: make(map[string]pendingOrder),
		log: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
			// the bar time is logged instead of the wall clock
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if len(groups) == 0 && a.Key == slog.TimeKey {
					return slog.Attr{}
				}
				return a
			},
		})),
		result: &Result{Strategy: strat.Name(), StartingCash: cfg.StartingCash},
	}
}

// Run replays bars, keyed by symbol, in timestamp order. Bars with the same
// timestamp are processed in symbol order. Positions still open after the
// last bar are closed at their last close.
func (e *Engine) Run(ctx context.Context, bars map[string][]types.Bar) (*Result, error) {
	seq := merge(bars)
	if len(seq) == 0 {
		return nil, ErrNoBars
	}

	symbols := make([]string, 0, len(bars))
	for s := range bars {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	if err := e.runtime.Start(ctx, e.state(symbols)); err != nil {
		return nil, fmt.Errorf("strategy %s OnStart: %w", e.runtime.Name(), err)
	}
	e.log.Info("backtest started",
		"strategy", e.runtime.Name(),
		"symbols", symbols,
		"bars", len(seq),
		"fill_policy", e.cfg.FillPolicy,
		"starting_cash", e.cfg.StartingCash,
	)

	for i, b := range seq {
		if err := ctx.Err(); err != nil {
			e.runtime.Stop(ctx, e.state(symbols))
			return nil, err
		}
		e.step(ctx, b, symbols)
		if (i+1)%10000 == 0 {
			logger.Info(ctx, "Backtest progress", "bars", i+1, "of", len(seq), "trades", len(e.result.Trades))
		}
	}

	last := seq[len(seq)-1].Timestamp
	for _, sym := range e.book.Symbols() {
		pos, _ := e.book.Get(sym)
		price, _ := e.book.LastPrice(sym)
		e.fill(ctx, risk.FlattenIntent(pos), price, last, TagEnd)
	}
	e.runtime.Stop(ctx, e.state(symbols))

	e.result.Bars = len(seq)
	e.result.FinalEquity = e.equity()
	e.result.Realized = e.book.Realized()
	e.log.Info("backtest finished",
		"trades", len(e.result.Trades),
		"final_equity", e.result.FinalEquity,
		"realized_pnl", e.result.Realized,
	)
	return e.result, nil
}

func (e *Engine) step(ctx context.Context, b types.Bar, symbols []string) {
	e.book.Mark(b.Symbol, b.Close)

	if p, ok := e.pending[b.Symbol]; ok {
		delete(e.pending, b.Symbol)
		e.fill(ctx, p.intent, b.Open, b.Timestamp, p.intent.Tag)
	}

	if pos, ok := e.book.Get(b.Symbol); ok {
		if exit := e.stops.CheckExit(ctx, pos, b); exit != nil {
			e.fill(ctx, risk.ExitIntent(exit), exit.Price, b.Timestamp, exit.Tag)
		}
	}

	sig := e.runtime.OnBar(ctx, b.Symbol, b, e.state(symbols))
	if sig != nil {
		e.log.Info("signal",
			"bar_time", stamp(b.Timestamp),
			"symbol", sig.Symbol,
			"direction", sig.Direction,
			"reason", sig.Reason,
			"close", b.Close,
		)
		e.act(ctx, sig, b)
	}

	e.record(b)
}

func (e *Engine) act(ctx context.Context, sig *types.Signal, b types.Bar) {
	if _, ok := e.pending[sig.Symbol]; ok {
		return
	}
	pos, _ := e.book.Get(sig.Symbol)
	eq := e.equity()
	acct := types.AccountSnapshot{Equity: eq, LastEquity: e.cfg.StartingCash, Cash: e.cash, BuyingPower: eq}
	in := e.risk.Plan(ctx, sig, pos, acct, b.Close)
	if in == nil {
		return
	}
	if in.Opening && calendar.InBlackout(b.Timestamp, e.cfg.Location, e.cfg.Blackout) {
		e.log.Info("entry suppressed in blackout", "bar_time", stamp(b.Timestamp), "symbol", in.Symbol)
		return
	}
	if e.cfg.FillPolicy == FillNextOpen {
		e.pending[in.Symbol] = pendingOrder{intent: in}
		return
	}
	e.fill(ctx, in, b.Close, b.Timestamp, in.Tag)
}

// fill applies an immediate fill and records the round trip when it closes one.
func (e *Engine) fill(ctx context.Context, in *risk.Intent, price float64, at time.Time, reason string) {
	before, had := e.book.Get(in.Symbol)
	f := e.book.ApplyFill(ctx, in.Symbol, in.Side, in.Qty, price, in.StopPct, in.TargetPct, at)
	e.cash -= float64(in.Side.Sign()*in.Qty) * price

	e.log.Info("fill",
		"bar_time", stamp(at),
		"symbol", in.Symbol,
		"side", in.Side,
		"qty", in.Qty,
		"price", price,
		"tag", reason,
		"realized_pnl", f.Realized,
	)

	if !had || before.IsLong() == (in.Side == types.Buy) {
		return
	}
	closed := min(in.Qty, before.AbsQty())
	side := "long"
	if before.IsShort() {
		side = "short"
	}
	pct := 0.0
	if cost := before.AvgPrice * float64(closed); cost != 0 {
		pct = f.Realized / cost * 100
	}
	e.result.Trades = append(e.result.Trades, Trade{
		Symbol:     in.Symbol,
		Side:       side,
		EntryTime:  stamp(before.OpenedAt),
		ExitTime:   stamp(at),
		EntryPrice: before.AvgPrice,
		ExitPrice:  price,
		Qty:        closed,
		PnL:        f.Realized,
		PnLPct:     pct,
		ExitReason: reason,
	})
}

func (e *Engine) record(b types.Bar) {
	e.result.Equity = append(e.result.Equity, EquityPoint{
		Time:          stamp(b.Timestamp),
		Symbol:        b.Symbol,
		Equity:        e.equity(),
		Cash:          e.cash,
		Realized:      e.book.Realized(),
		Unrealized:    e.book.Unrealized(),
		OpenPositions: e.book.Len(),
	})
}

func (e *Engine) equity() float64 {
	eq := e.cash
	for _, sym := range e.book.Symbols() {
		p, _ := e.book.Get(sym)
		price, ok := e.book.LastPrice(sym)
		if !ok {
			price = p.AvgPrice
		}
		eq += float64(p.Qty) * price
	}
	return eq
}

func (e *Engine) state(symbols []string) types.StrategyState {
	return types.StrategyState{
		Mode:      types.ModePaper,
		Symbols:   symbols,
		Timeframe: e.cfg.Timeframe,
		Equity:    e.equity(),
		Positions: e.book.Positions(),
	}
}

// merge flattens per-symbol series into one sequence ordered by time, then symbol.
func merge(bars map[string][]types.Bar) []types.Bar {
	symbols := make([]string, 0, len(bars))
	for sym := range bars {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var seq []types.Bar
	for _, sym := range symbols {
		for _, b := range bars[sym] {
			b.Symbol = sym
			seq = append(seq, b)
		}
	}
	sort.SliceStable(seq, func(i, j int) bool {
		if !seq[i].Timestamp.Equal(seq[j].Timestamp) {
			return seq[i].Timestamp.Before(seq[j].Timestamp)
		}
		return seq[i].Symbol < seq[j].Symbol
	})
	return seq
}

func stamp(t time.Time) string { return t.Format("2006-01-02 15:04:05") }
