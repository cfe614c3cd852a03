package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"trading-controller/internal/backtest"
	"trading-controller/internal/broker/brokerobs"
	"trading-controller/internal/broker/paper"
	"trading-controller/internal/broker/zerodha"
	"trading-controller/internal/calendar"
	"trading-controller/internal/engine"
	"trading-controller/internal/eod"
	"trading-controller/internal/eod/eodobs"
	"trading-controller/internal/interfaces"
	"trading-controller/internal/logger"
	"trading-controller/internal/marketdata/polygon"
	"trading-controller/internal/store"
	"trading-controller/internal/trace"
	"trading-controller/internal/tradelog"
	"trading-controller/internal/types"
)

// initializeSystem loads .env and initializes the logger and tracer
func initializeSystem() error {
	_ = godotenv.Load()

	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := trace.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize tracer: %v\n", err)
	}
	return nil
}

// loadConfig loads the configuration and applies its time zone to the trade log
func loadConfig(ctx context.Context, path string) (*store.Config, error) {
	cfg, err := store.LoadConfig(path)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load config", err, "path", path)
		return nil, err
	}
	tradelog.SetLocation(cfg.Location())
	return cfg, nil
}

// compressOldLogs compresses old tradelog files if retention is configured
func compressOldLogs(ctx context.Context) {
	v := os.Getenv("TRADER_LOG_RETENTION_DAYS")
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn(ctx, "Ignoring invalid TRADER_LOG_RETENTION_DAYS", "value", v)
		return
	}
	if err := tradelog.CompressOlder(n); err != nil {
		logger.Warn(ctx, "Failed to compress old logs", "error", err)
	}
}

// initializeEOD wraps the session-local EOD summarizer with observability
func initializeEOD(cfg *store.Config) interfaces.EodSummarizer {
	cutoff, _ := store.ParseClock(cfg.Calendar.EODAfter)
	s := eodobs.Wrap(eod.NewSummarizer(cfg.Location(), cutoff))
	eod.SetDefaultSummarizer(s)
	return s
}

// newPolygon returns nil when no Polygon key is configured
func newPolygon(cfg *store.Config) *polygon.Client {
	key := os.Getenv("POLYGON_API_KEY")
	if key == "" {
		return nil
	}
	return polygon.NewClient(key, cfg.Feed.RequestsPerMinute, cfg.Location())
}

// initializeMarketData picks the bar source named by feed.source. A nil poller
// means sessions refuse to start.
func initializeMarketData(ctx context.Context, cfg *store.Config, pc *polygon.Client) (interfaces.BarStreamer, interfaces.BarPoller) {
	if cfg.Feed.Source == "kite" {
		md, err := zerodha.NewMarketData(kiteParams(cfg), cfg.Location())
		if err != nil {
			logger.Warn(ctx, "Kite market data unavailable, sessions will fail to start", "error", err)
			return nil, nil
		}
		logger.Info(ctx, "Market data from Kite", "exchange", cfg.Kite.Exchange, "stream", cfg.Feed.Stream)
		if !cfg.Feed.Stream {
			return nil, md
		}
		return md, md
	}

	if pc == nil {
		logger.Warn(ctx, "POLYGON_API_KEY is not set, sessions will fail to start without a market data source")
		return nil, nil
	}
	if cfg.ForceMode == string(types.ModeLive) {
		logger.Warn(ctx, "Live orders route to Kite while bars come from Polygon, set feed.source to kite for exchange data")
	}
	if !cfg.Feed.Stream {
		return nil, pc
	}
	return polygon.NewStream(cfg.Feed.StreamURL, os.Getenv("POLYGON_API_KEY"), cfg.Location()), pc
}

func kiteParams(cfg *store.Config) zerodha.Params {
	return zerodha.Params{
		APIKey:      os.Getenv("KITE_API_KEY"),
		AccessToken: os.Getenv("KITE_ACCESS_TOKEN"),
		Exchange:    cfg.Kite.Exchange,
		Product:     cfg.Kite.Product,
	}
}

// initializeCalendar builds the calendar source named by calendar.source
func initializeCalendar(ctx context.Context, cfg *store.Config, pc *polygon.Client) (interfaces.CalendarSource, error) {
	sessions, err := calendar.NewSessionCalendar(cfg.Location(), cfg.Calendar.Open, cfg.Calendar.Close, cfg.Calendar.Holidays)
	if err != nil {
		return nil, err
	}
	if cfg.Calendar.Source != "polygon" {
		return sessions, nil
	}
	if pc == nil {
		logger.Warn(ctx, "calendar.source is polygon but POLYGON_API_KEY is not set, using static sessions")
		return sessions, nil
	}
	return calendar.NewPolygonSource(pc.REST(), sessions), nil
}

// paperConnector opens a fresh simulated account per session
func paperConnector(cfg *store.Config) engine.Connector {
	return func(ctx context.Context) (*engine.Connection, error) {
		brk := paper.New(cfg.Paper.StartingCash, cfg.Location())
		logger.Info(ctx, "Paper broker ready", "starting_cash", cfg.Paper.StartingCash)
		return &engine.Connection{
			Mode:     types.ModePaper,
			Broker:   brokerobs.Wrap(brk, "paper"),
			Streamer: brk,
			Poller:   brk,
			Marker:   brk,
		}, nil
	}
}

// kiteConnector connects to Zerodha with the KITE_* credentials
func kiteConnector(cfg *store.Config) engine.Connector {
	return func(ctx context.Context) (*engine.Connection, error) {
		brk, err := zerodha.NewZerodha(kiteParams(cfg))
		if err != nil {
			return nil, err
		}
		if _, err := brk.Account(ctx); err != nil {
			return nil, fmt.Errorf("kite account check: %w", err)
		}
		conn := &engine.Connection{
			Mode:   types.ModeLive,
			Broker: brokerobs.Wrap(brk, "kite"),
			Poller: brk,
		}
		if cfg.Orders.Stream {
			conn.Streamer = brk
		}
		return conn, nil
	}
}

// historicalSource prefers Polygon and falls back to CSV files under backtest.data_dir
func historicalSource(ctx context.Context, cfg *store.Config, pc *polygon.Client) interfaces.HistoricalSource {
	csv := backtest.NewCSVSource(cfg.Backtest.DataDir, cfg.Location())
	if cfg.Backtest.Source == "csv" {
		return csv
	}
	if pc == nil {
		logger.Warn(ctx, "POLYGON_API_KEY is not set, backtest reads CSV history", "data_dir", cfg.Backtest.DataDir)
		return csv
	}
	return backtest.NewFallbackSource(pc, csv)
}

func blackoutWindows(cfg *store.Config) ([]calendar.Window, error) {
	if !cfg.Blackout.Enabled {
		return nil, nil
	}
	return calendar.ParseWindows(cfg.Blackout.Windows)
}
