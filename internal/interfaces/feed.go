package interfaces

import (
	"context"
	"time"

	"trading-controller/internal/types"
)

// BarStreamer opens a push subscription. Each call starts a new sequence.
type BarStreamer interface {
	StreamBars(ctx context.Context, symbols []string) (<-chan types.Bar, <-chan error, error)
}

// BarPoller returns completed bars for symbol strictly after since.
type BarPoller interface {
	PollBars(ctx context.Context, symbol string, tf types.Timeframe, since time.Time) ([]types.Bar, error)
}

// HistoricalSource loads a finite, ordered bar history for backtests.
type HistoricalSource interface {
	LoadBars(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time) ([]types.Bar, error)
}
