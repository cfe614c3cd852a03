package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"trading-controller/internal/interfaces"
	"trading-controller/internal/logger"
	"trading-controller/internal/types"
)

var ErrPollingExhausted = errors.New("polling failed too many times in a row")

// MarketConfig controls the market feed's sources.
type MarketConfig struct {
	Symbols         []string
	Timeframe       types.Timeframe
	PollInterval    time.Duration
	Liveness        time.Duration // streaming silence that counts as failure
	StreamRetry     time.Duration // 0 keeps the feed on polling after a degrade
	MaxPollFailures int
	Now             func() time.Time
}

// MarketFeed delivers bars from a streaming source, degrading to polling when
// the stream fails or goes silent. It is the only writer of its dedup state.
type MarketFeed struct {
	cfg      MarketConfig
	streamer interfaces.BarStreamer
	poller   interfaces.BarPoller
	dedup    *Deduper
}

// NewMarketFeed builds a feed. streamer may be nil for a polling-only feed.
func NewMarketFeed(cfg MarketConfig, streamer interfaces.BarStreamer, poller interfaces.BarPoller) *MarketFeed {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxPollFailures <= 0 {
		cfg.MaxPollFailures = 10
	}
	if cfg.Timeframe == 0 {
		cfg.Timeframe = types.OneMinute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.Liveness <= 0 {
		cfg.Liveness = 2 * time.Minute
	}
	return &MarketFeed{cfg: cfg, streamer: streamer, poller: poller, dedup: NewDeduper()}
}

// Run blocks until ctx is canceled or every source is exhausted. Bars are sent
// on out in non-decreasing timestamp order per symbol with duplicates removed.
func (f *MarketFeed) Run(ctx context.Context, out chan<- types.Bar, transitions chan<- types.FeedTransition) error {
	source := types.SourcePolling
	if f.streamer != nil {
		source = types.SourceStreaming
	}

	for {
		switch source {
		case types.SourceStreaming:
			reason := f.runStream(ctx, out)
			if ctx.Err() != nil {
				return nil
			}
			if f.poller == nil {
				return fmt.Errorf("market stream failed with no polling fallback: %s", reason)
			}
			f.emit(ctx, transitions, types.SourceStreaming, types.SourcePolling, reason)
			source = types.SourcePolling

		case types.SourcePolling:
			restore, err := f.runPoll(ctx, out)
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return err
			}
			if restore {
				f.emit(ctx, transitions, types.SourcePolling, types.SourceStreaming, "retrying stream")
				source = types.SourceStreaming
			}
		}
	}
}

func (f *MarketFeed) emit(ctx context.Context, transitions chan<- types.FeedTransition, from, to types.FeedSource, reason string) {
	tr := types.FeedTransition{Feed: "market", From: from, To: to, Reason: reason, At: f.cfg.Now()}
	select {
	case transitions <- tr:
	case <-ctx.Done():
	}
}

// runStream consumes one stream sequence and returns why it ended.
func (f *MarketFeed) runStream(ctx context.Context, out chan<- types.Bar) string {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bars, errs, err := f.streamer.StreamBars(sctx, f.cfg.Symbols)
	if err != nil {
		return fmt.Sprintf("stream connect: %v", err)
	}

	agg := NewAggregator(f.cfg.Timeframe)
	liveness := time.NewTimer(f.cfg.Liveness)
	defer liveness.Stop()

	for {
		select {
		case <-ctx.Done():
			return "canceled"
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			return fmt.Sprintf("stream error: %v", err)
		case <-liveness.C:
			return fmt.Sprintf("no bars for %s", f.cfg.Liveness)
		case b, ok := <-bars:
			if !ok {
				return "stream closed"
			}
			if !liveness.Stop() {
				select {
				case <-liveness.C:
				default:
				}
			}
			liveness.Reset(f.cfg.Liveness)

			for _, ab := range agg.Add(b) {
				if !f.deliver(ctx, out, ab) {
					return "canceled"
				}
			}
		}
	}
}

// runPoll polls until ctx is done, polling is exhausted, or it is time to retry the stream.
func (f *MarketFeed) runPoll(ctx context.Context, out chan<- types.Bar) (restore bool, err error) {
	enteredAt := f.cfg.Now()
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		if f.pollOnce(ctx, out) {
			failures = 0
		} else {
			failures++
			if failures >= f.cfg.MaxPollFailures {
				return false, fmt.Errorf("market feed: %w (%d attempts)", ErrPollingExhausted, failures)
			}
		}

		if f.streamer != nil && f.cfg.StreamRetry > 0 && f.cfg.Now().Sub(enteredAt) >= f.cfg.StreamRetry {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, nil
		case <-ticker.C:
		}
	}
}

// pollOnce fetches every symbol and reports whether at least one request succeeded.
func (f *MarketFeed) pollOnce(ctx context.Context, out chan<- types.Bar) bool {
	now := f.cfg.Now()
	tf := f.cfg.Timeframe.Duration()
	ok := false

	for _, sym := range f.cfg.Symbols {
		since, seen := f.dedup.Last(sym)
		if !seen {
			since = now.Add(-2 * tf)
		}

		bars, err := f.poller.PollBars(ctx, sym, f.cfg.Timeframe, since)
		if err != nil {
			if ctx.Err() != nil {
				return true
			}
			logger.Warn(ctx, "Bar poll failed", "symbol", sym, "error_kind", "feed", "error", err)
			continue
		}
		ok = true

		sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
		for _, b := range bars {
			// the bar for the current interval is still forming
			if b.Timestamp.Add(tf).After(now) {
				continue
			}
			if !f.deliver(ctx, out, b) {
				return true
			}
		}
	}
	return ok
}

func (f *MarketFeed) deliver(ctx context.Context, out chan<- types.Bar, b types.Bar) bool {
	if !f.dedup.Accept(b) {
		logger.Debug(ctx, "Duplicate bar dropped", "symbol", b.Symbol, "timestamp", b.Timestamp)
		return true
	}
	select {
	case out <- b:
		return true
	case <-ctx.Done():
		return false
	}
}
