package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"trading-controller/internal/interfaces"
	"trading-controller/internal/logger"
	"trading-controller/internal/risk"
	"trading-controller/internal/types"
)

var (
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrConfirmationRequired = errors.New("live flatten requires explicit confirmation")
	ErrNotRunning           = errors.New("controller loop is not running")
	ErrNoBroker             = errors.New("no broker available for mode")
	ErrNoMarketData         = errors.New("no market data source configured")
)

type commandKind int

const (
	cmdStart commandKind = iota
	cmdPause
	cmdResume
	cmdStop
	cmdFlatten
	cmdConfirmLive
	cmdStatus
)

func (k commandKind) String() string {
	return [...]string{"start", "pause", "resume", "stop", "flatten_and_stop", "confirm_live", "status"}[k]
}

type command struct {
	kind      commandKind
	confirmed bool
	reply     chan error
	status    chan types.Status
}

// Controller is the run controller. Run owns every piece of run state; the
// exported methods only post commands to it and wait for the reply.
type Controller struct {
	deps  Deps
	cmds  chan command
	done  chan struct{}
	stops *risk.StopManager
	risk  *risk.Manager

	// owned by Run
	phase     types.Phase
	sess      *session
	lastError string

	flattenOnStop *atomic.Bool
}

var _ interfaces.Controller = (*Controller)(nil)

// Run processes commands and session events until ctx is canceled. A session
// still open at that point is stopped without flattening.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)
	c.deps.Metrics.SetPhase(c.phase)
	logger.Info(ctx, "Run controller ready", "force_mode", c.deps.Config.ForceMode, "symbols", c.deps.Config.Symbols)

	for {
		var (
			bars        <-chan types.Bar
			orderEvents <-chan types.OrderEvent
			accounts    <-chan types.AccountSnapshot
			transitions <-chan types.FeedTransition
			gates       <-chan gateEvent
			fatal       <-chan error
			deadline    <-chan time.Time
		)
		if s := c.sess; s != nil {
			bars, orderEvents, accounts = s.bars, s.orderEvents, s.accounts
			transitions, gates, fatal = s.transitions, s.gates, s.fatal
			deadline = s.flattenDeadline
		}

		select {
		case <-ctx.Done():
			if c.sess != nil {
				cleanup := context.WithoutCancel(ctx)
				c.setPhase(cleanup, types.PhaseStopping, "shutdown")
				c.finish(cleanup, "shutdown")
			}
			return nil
		case cmd := <-c.cmds:
			err := c.handle(ctx, &cmd)
			cmd.reply <- err
		case b := <-bars:
			c.onBar(ctx, b)
		case ev := <-orderEvents:
			c.onOrderEvent(ctx, ev)
		case snap := <-accounts:
			c.onAccount(ctx, snap)
		case tr := <-transitions:
			c.onTransition(ctx, tr)
		case ev := <-gates:
			c.onGate(ctx, ev)
		case err := <-fatal:
			c.fail(ctx, err)
		case <-deadline:
			c.onFlattenTimeout(ctx)
		}
	}
}

func (c *Controller) handle(ctx context.Context, cmd *command) error {
	if cmd.kind != cmdStatus {
		logger.Debug(ctx, "Controller command", "command", cmd.kind.String(), "phase", c.phase)
	}
	switch cmd.kind {
	case cmdStart:
		if c.phase != types.PhaseIdle {
			return c.invalid(cmd)
		}
		return c.startSession(ctx)

	case cmdPause:
		if c.phase != types.PhaseRunning {
			return c.invalid(cmd)
		}
		c.setPhase(ctx, types.PhasePaused, "pause")
		return nil

	case cmdResume:
		if c.phase != types.PhasePaused {
			return c.invalid(cmd)
		}
		c.setPhase(ctx, types.PhaseRunning, "resume")
		return nil

	case cmdStop:
		if !c.active() {
			return c.invalid(cmd)
		}
		// read at stop time so a toggle during the session takes effect
		if c.flattenOnStop.Load() {
			return c.requestFlatten(ctx, cmd.confirmed, "stop")
		}
		c.setPhase(ctx, types.PhaseStopping, "stop")
		c.finish(ctx, "stop")
		return nil

	case cmdFlatten:
		if !c.active() {
			return c.invalid(cmd)
		}
		return c.requestFlatten(ctx, cmd.confirmed, "flatten_and_stop")

	case cmdConfirmLive:
		if c.sess == nil || !c.active() {
			return c.invalid(cmd)
		}
		if c.sess.mode != types.ModeLive {
			return fmt.Errorf("%w: session mode is %s", ErrInvalidTransition, c.sess.mode)
		}
		if !c.sess.liveConfirmed {
			c.sess.liveConfirmed = true
			logger.Info(ctx, "Live trading confirmed", "session_id", c.sess.id)
		}
		return nil

	case cmdStatus:
		cmd.status <- c.snapshot()
		return nil
	}
	return fmt.Errorf("unknown command %d", cmd.kind)
}

func (c *Controller) active() bool {
	return c.phase == types.PhaseRunning || c.phase == types.PhasePaused
}

func (c *Controller) invalid(cmd *command) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, cmd.kind, c.phase)
}

func (c *Controller) requestFlatten(ctx context.Context, confirmed bool, reason string) error {
	if c.sess.mode == types.ModeLive && !confirmed {
		return ErrConfirmationRequired
	}
	c.beginFlatten(ctx, reason)
	return nil
}

func (c *Controller) setPhase(ctx context.Context, p types.Phase, reason string) {
	if p == c.phase {
		return
	}
	logger.Transition(ctx, "phase", string(c.phase), string(p), "reason", reason)
	c.phase = p
	c.deps.Metrics.SetPhase(p)
}

// send posts cmd to Run and waits for its reply.
func (c *Controller) send(ctx context.Context, cmd *command) error {
	cmd.reply = make(chan error, 1)
	select {
	case c.cmds <- *cmd:
	case <-c.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-c.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) Start(ctx context.Context) error {
	return c.send(ctx, &command{kind: cmdStart})
}

func (c *Controller) Pause(ctx context.Context) error {
	return c.send(ctx, &command{kind: cmdPause})
}

func (c *Controller) Resume(ctx context.Context) error {
	return c.send(ctx, &command{kind: cmdResume})
}

// Stop ends the session. With flatten-on-stop set it closes every position
// first, which in live mode requires confirmed.
func (c *Controller) Stop(ctx context.Context, confirmed bool) error {
	return c.send(ctx, &command{kind: cmdStop, confirmed: confirmed})
}

// FlattenAndStop closes every position and then ends the session.
func (c *Controller) FlattenAndStop(ctx context.Context, confirmed bool) error {
	return c.send(ctx, &command{kind: cmdFlatten, confirmed: confirmed})
}

// ConfirmLive releases order submission for a live session.
func (c *Controller) ConfirmLive(ctx context.Context) error {
	return c.send(ctx, &command{kind: cmdConfirmLive})
}

func (c *Controller) SetFlattenOnStop(ctx context.Context, on bool) error {
	if prev := c.flattenOnStop.Swap(on); prev != on {
		logger.Info(ctx, "Flatten-on-stop changed", "flatten_on_stop", on)
	}
	return nil
}

func (c *Controller) Status(ctx context.Context) (types.Status, error) {
	cmd := &command{kind: cmdStatus, status: make(chan types.Status, 1)}
	if err := c.send(ctx, cmd); err != nil {
		return types.Status{}, err
	}
	return <-cmd.status, nil
}
