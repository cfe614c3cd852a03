package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"trading-controller/internal/calendar"
	"trading-controller/internal/feed"
	"trading-controller/internal/logger"
	"trading-controller/internal/risk"
	"trading-controller/internal/strategy"
	"trading-controller/internal/types"
)

type gateEvent struct {
	state calendar.State
	stuck bool
}

// session is the run state of one Idle-to-Idle cycle. Only Run touches it.
type session struct {
	id            string
	mode          types.Mode
	conn          *Connection
	runtime       *strategy.Runtime
	book          *risk.Book
	orders        map[string]*types.Order
	flattenTries  map[string]int
	account       types.AccountSnapshot
	liveConfirmed bool
	marketOpen    bool
	feedsStarted  bool
	marketSource  types.FeedSource
	orderSource   types.FeedSource
	blackout      []calendar.Window
	strategyFails int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	bars            chan types.Bar
	orderEvents     chan types.OrderEvent
	accounts        chan types.AccountSnapshot
	transitions     chan types.FeedTransition
	gates           chan gateEvent
	fatal           chan error
	flattenTimer    *time.Timer
	flattenDeadline <-chan time.Time
}

func (c *Controller) startSession(ctx context.Context) error {
	cfg := c.deps.Config
	if c.deps.BarPoller == nil && (c.deps.BarStreamer == nil || !cfg.Feed.Stream) {
		c.lastError = ErrNoMarketData.Error()
		return ErrNoMarketData
	}

	conn, err := c.connect(ctx)
	if err != nil {
		c.lastError = err.Error()
		return err
	}
	if err := conn.Broker.Start(ctx, cfg.Symbols); err != nil {
		c.lastError = err.Error()
		return fmt.Errorf("start %s broker: %w", conn.Mode, err)
	}

	strat, err := c.deps.Strategy()
	if err != nil {
		conn.Broker.Stop(ctx)
		c.lastError = err.Error()
		return fmt.Errorf("load strategy: %w", err)
	}

	var windows []calendar.Window
	if cfg.Blackout.Enabled {
		if windows, err = calendar.ParseWindows(cfg.Blackout.Windows); err != nil {
			conn.Broker.Stop(ctx)
			return err
		}
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		id:           uuid.NewString(),
		mode:         conn.Mode,
		conn:         conn,
		runtime:      strategy.NewRuntime(strat),
		book:         risk.NewBook(c.stops),
		orders:       make(map[string]*types.Order),
		flattenTries: make(map[string]int),
		blackout:     windows,
		ctx:          sctx,
		cancel:       cancel,
		bars:         make(chan types.Bar, 64),
		orderEvents:  make(chan types.OrderEvent, 64),
		accounts:     make(chan types.AccountSnapshot, 4),
		transitions:  make(chan types.FeedTransition, 8),
		gates:        make(chan gateEvent, 1),
		fatal:        make(chan error, 2),
	}

	if acct, err := conn.Broker.Account(ctx); err == nil {
		s.account = acct
	} else {
		logger.Warn(ctx, "Initial account snapshot failed", "error_kind", "broker", "error", err)
	}

	if err := s.runtime.Start(ctx, c.strategyState(s)); err != nil {
		cancel()
		conn.Broker.Stop(ctx)
		c.lastError = err.Error()
		return fmt.Errorf("strategy %s OnStart: %w", s.runtime.Name(), err)
	}

	c.sess = s
	c.lastError = ""
	c.setPhase(ctx, types.PhaseRunning, "start")
	logger.Info(ctx, "Session started",
		"session_id", s.id,
		"mode", s.mode,
		"strategy", s.runtime.Name(),
		"symbols", cfg.Symbols,
		"timeframe", cfg.Timeframe,
		"equity", s.account.Equity,
	)
	if s.mode == types.ModeLive {
		logger.Warn(ctx, "Live session: orders are held until live trading is confirmed", "session_id", s.id)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.runGate(s)
	}()
	return nil
}

// connect resolves the session mode. auto tries paper first, then live.
func (c *Controller) connect(ctx context.Context) (*Connection, error) {
	cfg := c.deps.Config
	try := func(mode types.Mode, conn Connector) (*Connection, error) {
		if conn == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoBroker, mode)
		}
		cn, err := conn(ctx)
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", mode, err)
		}
		cn.Mode = mode
		return cn, nil
	}

	switch types.Mode(cfg.ForceMode) {
	case types.ModePaper:
		return try(types.ModePaper, c.deps.Paper)
	case types.ModeLive:
		return try(types.ModeLive, c.deps.Live)
	}

	var errs []error
	if cfg.Paper.Enabled {
		cn, err := try(types.ModePaper, c.deps.Paper)
		if err == nil {
			return cn, nil
		}
		logger.Warn(ctx, "Paper connection failed, trying live", "error_kind", "broker", "error", err)
		errs = append(errs, err)
	}
	cn, err := try(types.ModeLive, c.deps.Live)
	if err == nil {
		return cn, nil
	}
	return nil, errors.Join(append(errs, err)...)
}

func (c *Controller) runGate(s *session) {
	cfg := c.deps.Config
	gate := calendar.NewGate(c.deps.Calendar, cfg.Location(), s.blackout)
	for {
		now := c.deps.Now()
		st := gate.Check(s.ctx, now)
		select {
		case s.gates <- gateEvent{state: st, stuck: gate.Stuck()}:
		case <-s.ctx.Done():
			return
		}

		wait := c.deps.GateInterval
		switch {
		case st.Err != nil:
			wait = c.deps.GateRetry
		case !st.Open:
			wait = calendar.WaitInterval(now, st.NextOpen)
		}
		t := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// startFeeds launches the market and order feeds the first time the market opens.
func (c *Controller) startFeeds(ctx context.Context, s *session) {
	cfg := c.deps.Config
	s.feedsStarted = true

	var barStreamer = c.deps.BarStreamer
	if !cfg.Feed.Stream {
		barStreamer = nil
	}
	market := feed.NewMarketFeed(feed.MarketConfig{
		Symbols:         cfg.Symbols,
		Timeframe:       cfg.TimeframeValue(),
		PollInterval:    seconds(cfg.Feed.PollSeconds),
		Liveness:        seconds(cfg.Feed.LivenessSeconds),
		StreamRetry:     seconds(cfg.Feed.StreamRetrySecs),
		MaxPollFailures: cfg.Feed.MaxPollFailures,
		Now:             c.deps.Now,
	}, barStreamer, c.deps.BarPoller)

	orderStreamer := s.conn.Streamer
	if !cfg.Orders.Stream {
		orderStreamer = nil
	}
	orders := feed.NewOrderFeed(feed.OrderConfig{
		PollInterval:    seconds(cfg.Orders.PollSeconds),
		AccountInterval: seconds(cfg.Orders.AccountSeconds),
		StreamRetry:     seconds(cfg.Feed.StreamRetrySecs),
		MaxPollFailures: cfg.Feed.MaxPollFailures,
		Now:             c.deps.Now,
	}, orderStreamer, s.conn.Poller, s.conn.Broker)

	s.marketSource = sourceOf(barStreamer != nil)
	s.orderSource = sourceOf(orderStreamer != nil)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := market.Run(s.ctx, s.bars, s.transitions); err != nil {
			s.fatal <- err
		}
	}()
	go func() {
		defer s.wg.Done()
		if err := orders.Run(s.ctx, s.orderEvents, s.accounts, s.transitions); err != nil {
			s.fatal <- err
		}
	}()
	logger.Info(ctx, "Feeds started", "market_source", s.marketSource, "order_source", s.orderSource)
}

// fail handles an unrecoverable error: the session stops, flattening first
// when flatten-on-stop is set and the session may submit orders.
func (c *Controller) fail(ctx context.Context, err error) {
	c.lastError = err.Error()
	logger.ErrorWithErr(ctx, "Unrecoverable session error", err, "error_kind", "fatal", "phase", c.phase)
	if c.sess == nil || c.phase == types.PhaseIdle {
		return
	}
	if c.phase == types.PhaseFlattening {
		// already closing out; the deadline still bounds it
		return
	}
	c.setPhase(ctx, types.PhaseStopping, "fatal")
	s := c.sess
	if c.flattenOnStop.Load() && (s.mode != types.ModeLive || s.liveConfirmed) {
		c.beginFlatten(ctx, "fatal")
		return
	}
	c.finish(ctx, "fatal")
}

func (c *Controller) beginFlatten(ctx context.Context, reason string) {
	s := c.sess
	c.setPhase(ctx, types.PhaseFlattening, reason)
	logger.Info(ctx, "Flattening positions", "positions", s.book.Len(), "pending_orders", len(s.orders))

	s.flattenTimer = time.NewTimer(seconds(c.deps.Config.Orders.FlattenTimeoutSeconds))
	s.flattenDeadline = s.flattenTimer.C
	c.continueFlatten(ctx)
}

// continueFlatten submits a closing order for every position without one in
// flight and ends the session once nothing is open or pending.
func (c *Controller) continueFlatten(ctx context.Context) {
	s := c.sess
	for _, sym := range s.book.Symbols() {
		if c.hasPending(sym) {
			continue
		}
		if s.flattenTries[sym] > c.deps.Config.Orders.MaxRetries {
			continue
		}
		s.flattenTries[sym]++
		pos, _ := s.book.Get(sym)
		c.submit(ctx, risk.FlattenIntent(pos), true)
	}
	if s.book.Len() == 0 && len(s.orders) == 0 {
		c.finish(ctx, "flattened")
	}
}

func (c *Controller) onFlattenTimeout(ctx context.Context) {
	s := c.sess
	logger.Error(ctx, "Flatten timed out, positions remain open",
		"error_kind", "broker",
		"open_positions", s.book.Symbols(),
		"pending_orders", len(s.orders),
	)
	c.lastError = "flatten timed out"
	c.finish(ctx, "flatten_timeout")
}

// finish runs on every exit path: OnStop, feed shutdown, broker stop, Idle.
func (c *Controller) finish(ctx context.Context, reason string) {
	s := c.sess
	if s == nil {
		c.setPhase(ctx, types.PhaseIdle, reason)
		return
	}
	if s.flattenTimer != nil {
		s.flattenTimer.Stop()
	}
	s.runtime.Stop(ctx, c.strategyState(s))

	s.cancel()
	s.wg.Wait()
	s.conn.Broker.Stop(ctx)

	logger.Info(ctx, "Session ended",
		"session_id", s.id,
		"reason", reason,
		"open_positions", s.book.Symbols(),
		"realized_pnl", s.account.DayPnL(),
		"unrealized_pnl", s.book.Unrealized(),
	)
	c.sess = nil
	c.setPhase(ctx, types.PhaseIdle, reason)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func sourceOf(streaming bool) types.FeedSource {
	if streaming {
		return types.SourceStreaming
	}
	return types.SourcePolling
}
