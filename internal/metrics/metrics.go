package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trading-controller/internal/types"
)

var phases = []types.Phase{
	types.PhaseIdle, types.PhaseRunning, types.PhasePaused, types.PhaseFlattening, types.PhaseStopping,
}

// Recorder holds the controller's Prometheus collectors on a private registry.
// A nil *Recorder records nothing.
type Recorder struct {
	reg *prometheus.Registry

	phase           *prometheus.GaugeVec
	bars            *prometheus.CounterVec
	signals         *prometheus.CounterVec
	orders          *prometheus.CounterVec
	fills           *prometheus.CounterVec
	rejects         *prometheus.CounterVec
	exits           *prometheus.CounterVec
	feedTransitions *prometheus.CounterVec
	strategyErrors  prometheus.Counter
	realized        prometheus.Gauge
	unrealized      prometheus.Gauge
	equity          prometheus.Gauge
	openPositions   prometheus.Gauge
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		reg: reg,
		phase: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "controller_phase",
			Help: "1 for the controller's current phase, 0 otherwise.",
		}, []string{"phase"}),
		bars: f.NewCounterVec(prometheus.CounterOpts{
			Name: "controller_bars_total",
			Help: "Bars handed to the decision loop.",
		}, []string{"symbol"}),
		signals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "controller_signals_total",
			Help: "Strategy signals by direction.",
		}, []string{"symbol", "direction"}),
		orders: f.NewCounterVec(prometheus.CounterOpts{
			Name: "controller_orders_submitted_total",
			Help: "Orders accepted by the broker.",
		}, []string{"side", "tag"}),
		fills: f.NewCounterVec(prometheus.CounterOpts{
			Name: "controller_fills_total",
			Help: "Fill events applied to positions.",
		}, []string{"symbol", "side"}),
		rejects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "controller_order_rejects_total",
			Help: "Orders rejected, canceled or failed to submit.",
		}, []string{"reason"}),
		exits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "controller_risk_exits_total",
			Help: "Stop-loss and take-profit triggers.",
		}, []string{"tag"}),
		feedTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "controller_feed_transitions_total",
			Help: "Feed degrade and restore events.",
		}, []string{"feed", "to"}),
		strategyErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "controller_strategy_errors_total",
			Help: "Bars on which the strategy failed.",
		}),
		realized: f.NewGauge(prometheus.GaugeOpts{
			Name: "controller_realized_pnl",
			Help: "Realized P/L for the day.",
		}),
		unrealized: f.NewGauge(prometheus.GaugeOpts{
			Name: "controller_unrealized_pnl",
			Help: "Mark-to-market P/L of open positions.",
		}),
		equity: f.NewGauge(prometheus.GaugeOpts{
			Name: "controller_account_equity",
			Help: "Last account equity snapshot.",
		}),
		openPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "controller_open_positions",
			Help: "Symbols with an open position.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

func (r *Recorder) SetPhase(p types.Phase) {
	if r == nil {
		return
	}
	for _, ph := range phases {
		v := 0.0
		if ph == p {
			v = 1
		}
		r.phase.WithLabelValues(string(ph)).Set(v)
	}
}

func (r *Recorder) Bar(symbol string) {
	if r == nil {
		return
	}
	r.bars.WithLabelValues(symbol).Inc()
}

func (r *Recorder) Signal(symbol string, d types.Direction) {
	if r == nil {
		return
	}
	r.signals.WithLabelValues(symbol, string(d)).Inc()
}

func (r *Recorder) OrderSubmitted(side types.Side, tag string) {
	if r == nil {
		return
	}
	r.orders.WithLabelValues(string(side), tag).Inc()
}

func (r *Recorder) Fill(symbol string, side types.Side) {
	if r == nil {
		return
	}
	r.fills.WithLabelValues(symbol, string(side)).Inc()
}

func (r *Recorder) Reject(reason string) {
	if r == nil {
		return
	}
	r.rejects.WithLabelValues(reason).Inc()
}

func (r *Recorder) RiskExit(tag string) {
	if r == nil {
		return
	}
	r.exits.WithLabelValues(tag).Inc()
}

func (r *Recorder) FeedTransition(feed string, to types.FeedSource) {
	if r == nil {
		return
	}
	r.feedTransitions.WithLabelValues(feed, string(to)).Inc()
}

func (r *Recorder) StrategyError() {
	if r == nil {
		return
	}
	r.strategyErrors.Inc()
}

// PnL records realized and unrealized P/L, equity and the open position count.
func (r *Recorder) PnL(realized, unrealized, equity float64, open int) {
	if r == nil {
		return
	}
	r.realized.Set(realized)
	r.unrealized.Set(unrealized)
	r.equity.Set(equity)
	r.openPositions.Set(float64(open))
}
