package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-controller/internal/broker/paper"
	"trading-controller/internal/interfaces"
	"trading-controller/internal/store"
	"trading-controller/internal/types"
)

const waitFor = 5 * time.Second

type openCalendar struct{}

func (openCalendar) Clock(_ context.Context, now time.Time) (interfaces.ClockInfo, error) {
	return interfaces.ClockInfo{IsOpen: true, NextOpen: now}, nil
}

type barSource struct{ ch chan types.Bar }

func (b *barSource) StreamBars(context.Context, []string) (<-chan types.Bar, <-chan error, error) {
	return b.ch, nil, nil
}

type noPoller struct{}

func (noPoller) PollBars(context.Context, string, types.Timeframe, time.Time) ([]types.Bar, error) {
	return nil, nil
}

type failingPoller struct{}

func (failingPoller) PollBars(context.Context, string, types.Timeframe, time.Time) ([]types.Bar, error) {
	return nil, errors.New("poll refused")
}

type brokenCalendar struct{}

func (brokenCalendar) Clock(context.Context, time.Time) (interfaces.ClockInfo, error) {
	return interfaces.ClockInfo{}, errors.New("calendar down")
}

// scripted returns the planned direction on the n-th OnBar call.
type scripted struct {
	mu    sync.Mutex
	calls int
	plan  map[int]types.Direction
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) OnStart(context.Context, types.StrategyState) error { return nil }

func (s *scripted) OnBar(_ context.Context, _ string, _ types.Bar, _ types.StrategyState) (*types.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if d, ok := s.plan[s.calls]; ok {
		return &types.Signal{Direction: d, Reason: "scripted"}, nil
	}
	return nil, nil
}

func (s *scripted) OnStop(context.Context, types.StrategyState) error { return nil }

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type harness struct {
	t      *testing.T
	ctrl   *Controller
	bars   chan types.Bar
	broker *paper.Broker
	strat  *scripted
	base   time.Time
}

func newHarness(t *testing.T, mode string, plan map[int]types.Direction, configure func(*store.Config, *Deps)) *harness {
	t.Helper()
	t.Setenv("TRADER_LOG_DIR", t.TempDir())

	cfg := store.Default()
	cfg.Symbols = []string{"AAPL"}
	cfg.ForceMode = mode
	cfg.Blackout.Enabled = false
	cfg.Orders.Stream = false
	cfg.Orders.PollSeconds = 1
	cfg.Orders.AccountSeconds = 1
	cfg.Orders.FlattenTimeoutSeconds = 5

	h := &harness{
		t:      t,
		bars:   make(chan types.Bar, 16),
		broker: paper.New(100_000, time.UTC),
		strat:  &scripted{plan: plan},
		base:   time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
	}
	connect := func(context.Context) (*Connection, error) {
		return &Connection{Broker: h.broker, Streamer: h.broker, Poller: h.broker, Marker: h.broker}, nil
	}
	deps := Deps{
		Config:      cfg,
		Calendar:    openCalendar{},
		BarStreamer: &barSource{ch: h.bars},
		BarPoller:   noPoller{},
		Paper:       connect,
		Live:        connect,
		Strategy:    func() (interfaces.Strategy, error) { return h.strat, nil },
	}
	if configure != nil {
		configure(cfg, &deps)
	}
	h.ctrl = New(deps)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) bar(i int, open, high, low, close float64) {
	h.bars <- types.Bar{
		Symbol:    "AAPL",
		Timestamp: h.base.Add(time.Duration(i) * time.Minute),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    1000,
	}
}

func (h *harness) status() types.Status {
	h.t.Helper()
	st, err := h.ctrl.Status(context.Background())
	require.NoError(h.t, err)
	return st
}

func (h *harness) waitCalls(n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.strat.Calls() >= n }, waitFor, 10*time.Millisecond)
}

func (h *harness) waitPhase(p types.Phase) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.status().Phase == p }, waitFor, 10*time.Millisecond)
}

func (h *harness) waitPosition(open bool) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		st := h.status()
		_, ok := st.Positions["AAPL"]
		return ok == open && st.PendingOrders == 0
	}, waitFor, 20*time.Millisecond)
}

func TestTransitions(t *testing.T) {
	h := newHarness(t, "paper", nil, nil)
	ctx := context.Background()

	assert.ErrorIs(t, h.ctrl.Pause(ctx), ErrInvalidTransition)
	assert.ErrorIs(t, h.ctrl.Resume(ctx), ErrInvalidTransition)
	assert.ErrorIs(t, h.ctrl.Stop(ctx, false), ErrInvalidTransition)
	assert.Empty(t, h.status().Mode)

	require.NoError(t, h.ctrl.Start(ctx))
	assert.Equal(t, types.PhaseRunning, h.status().Phase)
	assert.Equal(t, types.ModePaper, h.status().Mode)
	assert.ErrorIs(t, h.ctrl.Start(ctx), ErrInvalidTransition)
	assert.ErrorIs(t, h.ctrl.Resume(ctx), ErrInvalidTransition)
	assert.ErrorIs(t, h.ctrl.ConfirmLive(ctx), ErrInvalidTransition)

	require.NoError(t, h.ctrl.Pause(ctx))
	assert.Equal(t, types.PhasePaused, h.status().Phase)
	assert.ErrorIs(t, h.ctrl.Pause(ctx), ErrInvalidTransition)

	require.NoError(t, h.ctrl.Resume(ctx))
	require.NoError(t, h.ctrl.Stop(ctx, false))
	assert.Equal(t, types.PhaseIdle, h.status().Phase)
	assert.Empty(t, h.status().Mode, "mode is unresolved between sessions")

	// a new session can start after returning to idle
	require.NoError(t, h.ctrl.Start(ctx))
	require.NoError(t, h.ctrl.Stop(ctx, false))
}

func TestAutoModeFallsBackToLive(t *testing.T) {
	h := newHarness(t, "auto", nil, func(_ *store.Config, d *Deps) {
		d.Paper = func(context.Context) (*Connection, error) { return nil, errors.New("paper unavailable") }
	})
	require.NoError(t, h.ctrl.Start(context.Background()))
	assert.Equal(t, types.ModeLive, h.status().Mode)
	assert.False(t, h.status().LiveConfirmed)
}

func TestStartFailsWithoutBroker(t *testing.T) {
	h := newHarness(t, "live", nil, func(_ *store.Config, d *Deps) { d.Live = nil })
	err := h.ctrl.Start(context.Background())
	assert.ErrorIs(t, err, ErrNoBroker)
	st := h.status()
	assert.Equal(t, types.PhaseIdle, st.Phase)
	assert.NotEmpty(t, st.LastError)
}

func TestStartFailsWithoutMarketData(t *testing.T) {
	h := newHarness(t, "paper", nil, func(_ *store.Config, d *Deps) {
		d.BarStreamer = nil
		d.BarPoller = nil
	})
	assert.ErrorIs(t, h.ctrl.Start(context.Background()), ErrNoMarketData)
	assert.Equal(t, types.PhaseIdle, h.status().Phase)
}

func TestStopWithoutFlattenLeavesPositions(t *testing.T) {
	h := newHarness(t, "paper", map[int]types.Direction{1: types.Long}, nil)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))

	h.bar(0, 100, 100.5, 99.5, 100)
	h.waitPosition(true)

	orders, err := h.broker.ListOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)

	require.NoError(t, h.ctrl.Stop(ctx, false))
	assert.Equal(t, types.PhaseIdle, h.status().Phase)

	orders, err = h.broker.ListOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, orders, 1, "stop must not submit orders")
	assert.Greater(t, h.broker.Positions()["AAPL"], 0)
}

func TestFlattenAndStopClosesEverything(t *testing.T) {
	h := newHarness(t, "paper", map[int]types.Direction{1: types.Long}, nil)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))

	h.bar(0, 100, 100.5, 99.5, 100)
	h.waitPosition(true)

	require.NoError(t, h.ctrl.FlattenAndStop(ctx, false))
	h.waitPhase(types.PhaseIdle)
	assert.Empty(t, h.broker.Positions())
}

func TestFlattenOnStopToggle(t *testing.T) {
	h := newHarness(t, "paper", map[int]types.Direction{1: types.Long}, nil)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))

	h.bar(0, 100, 100.5, 99.5, 100)
	h.waitPosition(true)

	require.NoError(t, h.ctrl.SetFlattenOnStop(ctx, true))
	assert.True(t, h.status().FlattenOnStop)
	require.NoError(t, h.ctrl.Stop(ctx, false))
	h.waitPhase(types.PhaseIdle)
	assert.Empty(t, h.broker.Positions())
}

func TestPausedSessionStillExitsOnStop(t *testing.T) {
	h := newHarness(t, "paper", map[int]types.Direction{1: types.Long, 3: types.Long}, nil)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))

	h.bar(0, 100, 100.5, 99.5, 100)
	h.waitPosition(true)
	pos := h.status().Positions["AAPL"]
	assert.InDelta(t, 99.0, pos.StopLoss, 1e-9)
	assert.InDelta(t, 102.0, pos.TakeProfit, 1e-9)

	require.NoError(t, h.ctrl.Pause(ctx))

	// close stays above the stop; only the low breaches it
	h.bar(1, 100, 100.2, 97, 99.5)
	h.waitPosition(false)
	assert.Empty(t, h.broker.Positions())

	// entries stay suppressed while paused
	h.bar(2, 99.5, 100, 99, 99.8)
	h.waitCalls(3)
	st := h.status()
	assert.Empty(t, st.Positions)
	assert.Zero(t, st.PendingOrders)
}

func TestDuplicateBarInvokesStrategyOnce(t *testing.T) {
	h := newHarness(t, "paper", nil, nil)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))

	h.bar(0, 100, 101, 99, 100)
	h.bar(0, 100, 101, 99, 100)
	h.bar(1, 100, 101, 99, 100.5)
	h.waitCalls(2)

	// one status round-trip drains anything still queued ahead of it
	_ = h.status()
	assert.Equal(t, 2, h.strat.Calls())
}

func TestLiveRequiresConfirmation(t *testing.T) {
	h := newHarness(t, "live", map[int]types.Direction{1: types.Long, 2: types.Long}, nil)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))
	assert.Equal(t, types.ModeLive, h.status().Mode)

	h.bar(0, 100, 100.5, 99.5, 100)
	h.waitCalls(1)
	orders, err := h.broker.ListOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders, "no live order before confirmation")

	require.NoError(t, h.ctrl.ConfirmLive(ctx))
	assert.True(t, h.status().LiveConfirmed)

	h.bar(1, 100, 101, 99.8, 101)
	h.waitPosition(true)

	// mark moves after the fill so equity drifts from last_equity
	h.bar(2, 101, 101.6, 100.5, 101.5)
	require.Eventually(t, func() bool {
		st := h.status()
		return st.Account.Equity != 0 && st.Account.Equity != st.Account.LastEquity
	}, waitFor, 20*time.Millisecond)
	st := h.status()
	assert.InDelta(t, st.Account.Equity-st.Account.LastEquity, st.RealizedPnL, 1e-9)

	assert.ErrorIs(t, h.ctrl.FlattenAndStop(ctx, false), ErrConfirmationRequired)
	require.NoError(t, h.ctrl.Stop(ctx, false))
	assert.Greater(t, h.broker.Positions()["AAPL"], 0)
}

func TestLiveFlattenWithConfirmation(t *testing.T) {
	h := newHarness(t, "live", map[int]types.Direction{1: types.Long}, nil)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))
	require.NoError(t, h.ctrl.ConfirmLive(ctx))

	h.bar(0, 100, 100.5, 99.5, 100)
	h.waitPosition(true)

	require.NoError(t, h.ctrl.SetFlattenOnStop(ctx, true))
	assert.ErrorIs(t, h.ctrl.Stop(ctx, false), ErrConfirmationRequired)
	assert.Equal(t, types.PhaseRunning, h.status().Phase)

	require.NoError(t, h.ctrl.Stop(ctx, true))
	h.waitPhase(types.PhaseIdle)
	assert.Empty(t, h.broker.Positions())
}

// feedFailure opens a long position, then kills the stream with a poller that
// always fails so the market feed gives up after one poll.
func feedFailure(t *testing.T, flattenOnStop bool) *harness {
	t.Helper()
	h := newHarness(t, "paper", map[int]types.Direction{1: types.Long}, func(cfg *store.Config, d *Deps) {
		cfg.Feed.MaxPollFailures = 1
		cfg.FlattenOnStop = flattenOnStop
		d.BarPoller = failingPoller{}
	})
	require.NoError(t, h.ctrl.Start(context.Background()))
	h.bar(0, 100, 100.5, 99.5, 100)
	h.waitPosition(true)

	close(h.bars)
	h.waitPhase(types.PhaseIdle)
	return h
}

func TestFeedFailureStopsSession(t *testing.T) {
	h := feedFailure(t, false)

	st := h.status()
	assert.Contains(t, st.LastError, "polling failed")
	assert.Equal(t, 1, strings.Count(st.LastError, "market feed"), st.LastError)
	assert.Greater(t, h.broker.Positions()["AAPL"], 0, "positions stay open without flatten-on-stop")
}

func TestFeedFailureFlattensWhenFlattenOnStop(t *testing.T) {
	h := feedFailure(t, true)

	assert.Empty(t, h.broker.Positions())
	orders, err := h.broker.ListOrders(context.Background())
	require.NoError(t, err)
	assert.Len(t, orders, 2, "entry and flatten order")
	assert.NotEmpty(t, h.status().LastError)
}

func TestStuckGateStopsSession(t *testing.T) {
	h := newHarness(t, "paper", nil, func(_ *store.Config, d *Deps) {
		d.Calendar = brokenCalendar{}
		d.GateRetry = time.Millisecond
	})
	require.NoError(t, h.ctrl.Start(context.Background()))
	h.waitPhase(types.PhaseIdle)

	st := h.status()
	assert.Contains(t, st.LastError, "market gate stuck closed")
	assert.Zero(t, h.strat.Calls())
}
