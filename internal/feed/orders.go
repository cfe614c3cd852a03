package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trading-controller/internal/interfaces"
	"trading-controller/internal/logger"
	"trading-controller/internal/types"
)

// AccountFetcher returns the current account snapshot.
type AccountFetcher interface {
	Account(ctx context.Context) (types.AccountSnapshot, error)
}

// OrderConfig controls the order/account feed.
type OrderConfig struct {
	PollInterval    time.Duration
	AccountInterval time.Duration
	StreamRetry     time.Duration
	MaxPollFailures int
	Now             func() time.Time
}

// OrderFeed delivers order lifecycle events and periodic account snapshots.
// Order events come from a stream when available and from polling otherwise.
type OrderFeed struct {
	cfg      OrderConfig
	streamer interfaces.OrderStreamer
	poller   interfaces.OrderPoller
	account  AccountFetcher
	seen     map[string]types.OrderEvent
}

// NewOrderFeed builds a feed. streamer may be nil for a polling-only feed.
func NewOrderFeed(cfg OrderConfig, streamer interfaces.OrderStreamer, poller interfaces.OrderPoller, account AccountFetcher) *OrderFeed {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxPollFailures <= 0 {
		cfg.MaxPollFailures = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.AccountInterval <= 0 {
		cfg.AccountInterval = 2 * time.Second
	}
	return &OrderFeed{
		cfg:      cfg,
		streamer: streamer,
		poller:   poller,
		account:  account,
		seen:     make(map[string]types.OrderEvent),
	}
}

// Run blocks until ctx is canceled or a source is exhausted.
func (f *OrderFeed) Run(ctx context.Context, events chan<- types.OrderEvent, accounts chan<- types.AccountSnapshot, transitions chan<- types.FeedTransition) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := f.runOrders(ctx, events, transitions); err != nil {
			errc <- err
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		if err := f.runAccount(ctx, accounts); err != nil {
			errc <- err
			cancel()
		}
	}()
	wg.Wait()

	select {
	case err := <-errc:
		return err
	default:
		return nil
	}
}

func (f *OrderFeed) runOrders(ctx context.Context, events chan<- types.OrderEvent, transitions chan<- types.FeedTransition) error {
	source := types.SourcePolling
	if f.streamer != nil {
		source = types.SourceStreaming
	}

	for {
		switch source {
		case types.SourceStreaming:
			reason := f.runStream(ctx, events)
			if ctx.Err() != nil {
				return nil
			}
			if f.poller == nil {
				return fmt.Errorf("order stream failed with no polling fallback: %s", reason)
			}
			f.emit(ctx, transitions, types.SourceStreaming, types.SourcePolling, reason)
			source = types.SourcePolling

		case types.SourcePolling:
			restore, err := f.runPoll(ctx, events)
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

func (f *OrderFeed) emit(ctx context.Context, transitions chan<- types.FeedTransition, from, to types.FeedSource, reason string) {
	tr := types.FeedTransition{Feed: "orders", From: from, To: to, Reason: reason, At: f.cfg.Now()}
	select {
	case transitions <- tr:
	case <-ctx.Done():
	}
}

func (f *OrderFeed) runStream(ctx context.Context, events chan<- types.OrderEvent) string {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	evs, errs, err := f.streamer.StreamOrderEvents(sctx)
	if err != nil {
		return fmt.Sprintf("stream connect: %v", err)
	}
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
		case ev, ok := <-evs:
			if !ok {
				return "stream closed"
			}
			if !f.deliver(ctx, events, ev) {
				return "canceled"
			}
		}
	}
}

func (f *OrderFeed) runPoll(ctx context.Context, events chan<- types.OrderEvent) (bool, error) {
	enteredAt := f.cfg.Now()
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		list, err := f.poller.ListOrders(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return false, nil
		case err != nil:
			failures++
			logger.Warn(ctx, "Order poll failed", "error_kind", "feed", "error", err, "consecutive_failures", failures)
			if failures >= f.cfg.MaxPollFailures {
				return false, fmt.Errorf("order feed: %w (%d attempts)", ErrPollingExhausted, failures)
			}
		default:
			failures = 0
			for _, ev := range list {
				if !f.deliver(ctx, events, ev) {
					return false, nil
				}
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

// deliver forwards ev unless it repeats the last state seen for that order.
func (f *OrderFeed) deliver(ctx context.Context, events chan<- types.OrderEvent, ev types.OrderEvent) bool {
	if prev, ok := f.seen[ev.OrderID]; ok && prev.Status == ev.Status && prev.FilledQty == ev.FilledQty {
		return true
	}
	f.seen[ev.OrderID] = ev
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (f *OrderFeed) runAccount(ctx context.Context, accounts chan<- types.AccountSnapshot) error {
	ticker := time.NewTicker(f.cfg.AccountInterval)
	defer ticker.Stop()

	failures := 0
	for {
		snap, err := f.account.Account(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil
		case err != nil:
			failures++
			logger.Warn(ctx, "Account snapshot failed", "error_kind", "broker", "error", err, "consecutive_failures", failures)
			if failures >= f.cfg.MaxPollFailures {
				return fmt.Errorf("account feed: %w (%d attempts)", ErrPollingExhausted, failures)
			}
		default:
			failures = 0
			select {
			case accounts <- snap:
			case <-ctx.Done():
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
