package zerodha

import (
	"context"
	"fmt"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"trading-controller/internal/logger"
	"trading-controller/internal/types"
)

// StreamOrderEvents opens a Kite ticker connection and forwards its order
// postbacks. The error channel reports a connection that gave up reconnecting.
func (z *Zerodha) StreamOrderEvents(ctx context.Context) (<-chan types.OrderEvent, <-chan error, error) {
	t := kiteticker.New(z.p.APIKey, z.p.AccessToken)
	events := make(chan types.OrderEvent, 256)
	errs := make(chan error, 1)

	report := func(err error) {
		select {
		case errs <- err:
		default:
		}
	}

	t.OnConnect(func() {
		logger.Info(ctx, "Kite order stream connected")
	})
	t.OnError(func(err error) {
		logger.Warn(ctx, "Kite order stream error", "error_kind", "feed", "error", err)
	})
	t.OnReconnect(func(attempt int, delay time.Duration) {
		logger.Info(ctx, "Kite order stream reconnecting", "attempt", attempt, "delay", delay)
	})
	t.OnNoReconnect(func(attempt int) {
		report(fmt.Errorf("kite ticker gave up after %d reconnect attempts", attempt))
	})
	t.OnClose(func(code int, reason string) {
		logger.Debug(ctx, "Kite order stream closed", "code", code, "reason", reason)
	})
	t.OnOrderUpdate(func(o kiteconnect.Order) {
		select {
		case events <- toEvent(o):
		case <-ctx.Done():
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.Serve()
	}()
	go func() {
		select {
		case <-ctx.Done():
			t.Stop()
		case <-done:
			report(fmt.Errorf("kite ticker stopped"))
		}
	}()

	return events, errs, nil
}
