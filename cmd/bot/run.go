package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"trading-controller/internal/control"
	"trading-controller/internal/engine"
	"trading-controller/internal/engine/engineobs"
	"trading-controller/internal/eod"
	"trading-controller/internal/interfaces"
	"trading-controller/internal/logger"
	"trading-controller/internal/metrics"
	"trading-controller/internal/strategy"
	"trading-controller/internal/trace"
	"trading-controller/internal/types"
)

var (
	autoStart bool
	addr      string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the controller and serve the control API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBot(cmd.Context())
	},
}

func init() {
	runCmd.Flags().BoolVar(&autoStart, "start", false, "start a session as soon as the controller is up")
	runCmd.Flags().StringVar(&addr, "addr", "", "control API listen address (overrides control.addr)")
}

func runBot(parent context.Context) error {
	if err := initializeSystem(); err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = trace.Shutdown(ctx)
	}()

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return err
	}
	compressOldLogs(ctx)
	summarizer := initializeEOD(cfg)

	pc := newPolygon(cfg)
	cal, err := initializeCalendar(ctx, cfg, pc)
	if err != nil {
		return err
	}

	deps := engine.Deps{
		Config:   cfg,
		Calendar: cal,
		Paper:    paperConnector(cfg),
		Live:     kiteConnector(cfg),
		Strategy: func() (interfaces.Strategy, error) {
			return strategy.Load(cfg.Strategy.Name, cfg.Strategy.Params, cfg.Strategy.SearchPaths)
		},
		Metrics: metrics.New(),
		EOD:     summarizer,
	}
	deps.BarStreamer, deps.BarPoller = initializeMarketData(ctx, cfg, pc)

	ctrl := engine.New(deps)
	observed := engineobs.Wrap(ctrl)
	srv := control.New(observed, deps.Metrics.Handler())

	listen := cfg.Control.Addr
	if addr != "" {
		listen = addr
	}

	// runCtx outlives ctx so a signal can stop the session before the loop exits
	runCtx, stopRun := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRun()

	errc := make(chan error, 2)
	go func() { errc <- ctrl.Run(runCtx) }()
	go func() { errc <- srv.ListenAndServe(runCtx, listen) }()

	logger.Info(ctx, "Bot started", "control_addr", listen, "force_mode", cfg.ForceMode, "strategy", cfg.Strategy.Name)
	if autoStart {
		if err := observed.Start(ctx); err != nil {
			logger.ErrorWithErr(ctx, "Auto start failed", err)
		}
	}

	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "Shutting down...")
		shutdown(observed)
		stopRun()
		err = errors.Join(<-errc, <-errc)
	case err = <-errc:
		logger.ErrorWithErr(ctx, "Bot component exited", err)
		stopRun()
		err = errors.Join(err, <-errc)
	}

	if p, serr := eod.SummarizeToday(); serr == nil && p != "" {
		logger.Info(context.Background(), "EOD CSV written", "path", p)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// shutdown asks the controller for a normal stop and waits for a flatten to
// finish. A live session that has not been confirmed refuses a flattening stop
// and is left to the context cancel.
func shutdown(ctrl interfaces.Controller) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	err := ctrl.Stop(ctx, false)
	switch {
	case errors.Is(err, engine.ErrInvalidTransition):
		return
	case err != nil:
		logger.Warn(ctx, "Stop on shutdown failed", "error", err)
		return
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		st, err := ctrl.Status(ctx)
		if err != nil || st.Phase == types.PhaseIdle {
			return
		}
		select {
		case <-ctx.Done():
			logger.Warn(ctx, "Session still open at shutdown", "phase", st.Phase)
			return
		case <-ticker.C:
		}
	}
}
