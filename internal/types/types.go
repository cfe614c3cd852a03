package types

import (
	"fmt"
	"strings"
	"time"
)

// Bar is one OHLCV aggregate. Timestamp is the start of the bar interval.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Timeframe is the bar interval in minutes.
type Timeframe int

const (
	OneMinute   Timeframe = 1
	ThreeMinute Timeframe = 3
	FiveMinute  Timeframe = 5
)

// ParseTimeframe accepts "1m", "3m" or "5m".
func ParseTimeframe(s string) (Timeframe, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1m":
		return OneMinute, nil
	case "3m":
		return ThreeMinute, nil
	case "5m":
		return FiveMinute, nil
	}
	return 0, fmt.Errorf("unsupported timeframe %q: must be 1m, 3m or 5m", s)
}

func (tf Timeframe) Duration() time.Duration { return time.Duration(tf) * time.Minute }
func (tf Timeframe) Minutes() int            { return int(tf) }
func (tf Timeframe) String() string          { return fmt.Sprintf("%dm", int(tf)) }

// Direction is what a strategy wants the position to be.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	Flat  Direction = "flat"
)

// Signal is a strategy's output for a single bar. A nil *Signal means no action.
type Signal struct {
	Symbol    string
	Direction Direction
	SizeHint  int     // shares; 0 means let the risk manager size it
	StopPct   float64 // overrides the configured stop-loss percent when > 0
	TargetPct float64 // overrides the configured take-profit percent when > 0
	Reason    string
	Meta      map[string]any
}

// Position is the open exposure on one symbol. Qty is signed: positive is long.
type Position struct {
	Symbol     string
	Qty        int
	AvgPrice   float64
	StopLoss   float64
	TakeProfit float64
	StopPct    float64
	TargetPct  float64
	OpenedAt   time.Time
}

func (p Position) IsLong() bool  { return p.Qty > 0 }
func (p Position) IsShort() bool { return p.Qty < 0 }

// AbsQty returns the unsigned position size.
func (p Position) AbsQty() int {
	if p.Qty < 0 {
		return -p.Qty
	}
	return p.Qty
}

// Unrealized returns the mark-to-market P/L at price.
func (p Position) Unrealized(price float64) float64 {
	return (price - p.AvgPrice) * float64(p.Qty)
}

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() int {
	if s == Sell {
		return -1
	}
	return 1
}

type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCanceled        OrderStatus = "canceled"
	OrderRejected        OrderStatus = "rejected"
)

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCanceled || s == OrderRejected
}

// Order is a market order owned by the controller until a terminal status is observed.
type Order struct {
	ID          string
	Symbol      string
	Side        Side
	Qty         int
	Tag         string
	SubmittedAt time.Time
	Status      OrderStatus
	FilledQty   int
	AvgPrice    float64
	StopPct     float64
	TargetPct   float64
}

// OrderEvent is a lifecycle update from the order feed. FilledQty and AvgPrice are cumulative.
type OrderEvent struct {
	OrderID   string
	Symbol    string
	Side      Side
	Status    OrderStatus
	Qty       int
	FilledQty int
	AvgPrice  float64
	Reason    string
	Time      time.Time
}

// AccountSnapshot is a read-only projection of the broker account.
type AccountSnapshot struct {
	Equity      float64
	LastEquity  float64
	Cash        float64
	BuyingPower float64
	Timestamp   time.Time
}

// DayPnL is the broker-reported realized P/L for the day.
func (a AccountSnapshot) DayPnL() float64 { return a.Equity - a.LastEquity }

type OrderReq struct {
	Symbol, Side string
	Qty          int
	Tag          string
}

type OrderResp struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Mode is the resolved account mode for a session.
type Mode string

const (
	ModeAuto  Mode = "auto"
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Phase is the run controller lifecycle state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRunning    Phase = "running"
	PhasePaused     Phase = "paused"
	PhaseFlattening Phase = "flattening"
	PhaseStopping   Phase = "stopping"
)

// FeedSource tags which variant a feed is currently reading from.
type FeedSource string

const (
	SourceStreaming FeedSource = "streaming"
	SourcePolling   FeedSource = "polling"
)

// FeedTransition is emitted once per degrade or restore.
type FeedTransition struct {
	Feed   string
	From   FeedSource
	To     FeedSource
	Reason string
	At     time.Time
}

// StrategyState is the read-only view handed to strategy callbacks.
type StrategyState struct {
	Mode      Mode
	Symbols   []string
	Timeframe Timeframe
	Equity    float64
	Positions map[string]Position
	Paused    bool
}

// Status is a point-in-time copy of the controller's run state.
type Status struct {
	Phase         Phase               `json:"phase"`
	Mode          Mode                `json:"mode,omitempty"`
	LiveConfirmed bool                `json:"live_confirmed"`
	FlattenOnStop bool                `json:"flatten_on_stop"`
	MarketOpen    bool                `json:"market_open"`
	Symbols       []string            `json:"symbols"`
	Positions     map[string]Position `json:"positions"`
	PendingOrders int                 `json:"pending_orders"`
	RealizedPnL   float64             `json:"realized_pnl"`
	UnrealizedPnL float64             `json:"unrealized_pnl"`
	Account       AccountSnapshot     `json:"account"`
	MarketSource  FeedSource          `json:"market_source,omitempty"`
	OrderSource   FeedSource          `json:"order_source,omitempty"`
	LastError     string              `json:"last_error,omitempty"`
}
