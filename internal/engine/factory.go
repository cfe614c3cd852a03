package engine

import (
	"context"
	"sync/atomic"
	"time"

	"trading-controller/internal/interfaces"
	"trading-controller/internal/metrics"
	"trading-controller/internal/risk"
	"trading-controller/internal/store"
	"trading-controller/internal/types"
)

// Connection is a broker session for one resolved mode.
type Connection struct {
	Mode     types.Mode
	Broker   interfaces.Broker
	Streamer interfaces.OrderStreamer // nil for a polling-only broker
	Poller   interfaces.OrderPoller
	Marker   interfaces.PriceMarker // set for brokers that fill at the last bar close
}

// Connector opens a broker connection for a mode.
type Connector func(ctx context.Context) (*Connection, error)

// Deps are the collaborators a Controller is built from.
type Deps struct {
	Config      *store.Config
	Calendar    interfaces.CalendarSource
	BarStreamer interfaces.BarStreamer // nil for a polling-only market feed
	BarPoller   interfaces.BarPoller
	Paper       Connector
	Live        Connector
	Strategy    func() (interfaces.Strategy, error)
	Metrics     *metrics.Recorder
	EOD         interfaces.EodSummarizer
	Now         func() time.Time
	// GateInterval is how often an open market is re-checked. Defaults to 30s.
	GateInterval time.Duration
	// GateRetry is the wait after a failed calendar check. Defaults to 30s.
	GateRetry time.Duration
}

func New(d Deps) *Controller {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.GateInterval <= 0 {
		d.GateInterval = 30 * time.Second
	}
	if d.GateRetry <= 0 {
		d.GateRetry = 30 * time.Second
	}
	cfg := d.Config
	c := &Controller{
		deps:  d,
		cmds:  make(chan command),
		done:  make(chan struct{}),
		stops: risk.NewStopManager(0.01),
		risk: risk.NewManager(risk.Settings{
			RiskPct:       cfg.Risk.RiskPct,
			StopLossPct:   cfg.Risk.StopLossPct,
			TakeProfitPct: cfg.Risk.TakeProfitPct,
			AllowShort:    cfg.AllowShort,
		}),
		phase:         types.PhaseIdle,
		flattenOnStop: &atomic.Bool{},
	}
	c.flattenOnStop.Store(cfg.FlattenOnStop)
	return c
}
