package zerodha

import (
	"context"
	"fmt"
	"sort"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"trading-controller/internal/broker"
	"trading-controller/internal/interfaces"
	"trading-controller/internal/logger"
	"trading-controller/internal/types"
)

// historyAPI is the part of the Kite Connect client market data uses.
type historyAPI interface {
	GetInstrumentsByExchange(exchange string) (kiteconnect.Instruments, error)
	GetHistoricalData(instrumentToken int, interval string, fromDate time.Time, toDate time.Time, continuous bool, oi bool) ([]kiteconnect.HistoricalData, error)
}

// MarketData serves exchange bars from Kite: minute bars built from ticker
// ticks when streaming and the historical candles API when polling.
type MarketData struct {
	p      Params
	kc     historyAPI
	mapper *instrumentMapper
	loc    *time.Location
	now    func() time.Time
}

var (
	_ interfaces.BarStreamer = (*MarketData)(nil)
	_ interfaces.BarPoller   = (*MarketData)(nil)
)

// NewMarketData builds the Kite bar source. Bars are stamped in loc.
func NewMarketData(p Params, loc *time.Location) (*MarketData, error) {
	if p.APIKey == "" || p.AccessToken == "" {
		return nil, fmt.Errorf("kite: %w", broker.ErrMissingCredentials)
	}
	if p.Exchange == "" {
		p.Exchange = kiteconnect.ExchangeNSE
	}
	kc := kiteconnect.New(p.APIKey)
	kc.SetAccessToken(p.AccessToken)
	return newMarketData(p, kc, loc), nil
}

func newMarketData(p Params, kc historyAPI, loc *time.Location) *MarketData {
	if loc == nil {
		loc = time.UTC
	}
	return &MarketData{
		p:      p,
		kc:     kc,
		mapper: newInstrumentMapper(p.Exchange, kc.GetInstrumentsByExchange),
		loc:    loc,
		now:    time.Now,
	}
}

// kiteInterval maps a timeframe onto Kite's candle interval names.
func kiteInterval(tf types.Timeframe) (string, error) {
	switch tf {
	case types.OneMinute:
		return "minute", nil
	case types.ThreeMinute:
		return "3minute", nil
	case types.FiveMinute:
		return "5minute", nil
	}
	return "", fmt.Errorf("kite: unsupported timeframe %dm", tf)
}

// PollBars returns the candles for symbol that start after since.
func (m *MarketData) PollBars(ctx context.Context, symbol string, tf types.Timeframe, since time.Time) ([]types.Bar, error) {
	interval, err := kiteInterval(tf)
	if err != nil {
		return nil, err
	}
	token, err := m.mapper.getToken(symbol)
	if err != nil {
		return nil, err
	}

	candles, err := m.kc.GetHistoricalData(int(token), interval, since.In(m.loc), m.now().In(m.loc), false, false)
	if err != nil {
		return nil, fmt.Errorf("kite historical %s: %w", symbol, err)
	}

	out := make([]types.Bar, 0, len(candles))
	for _, c := range candles {
		ts := c.Date.Time.In(m.loc)
		if !ts.After(since) {
			continue
		}
		out = append(out, types.Bar{
			Symbol:    symbol,
			Timestamp: ts,
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    float64(c.Volume),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// tickStream turns ticker callbacks into bars for one stream sequence.
type tickStream struct {
	ctx    context.Context
	mapper *instrumentMapper
	cache  *candleCache
	out    chan types.Bar
}

func (s *tickStream) onTick(tick models.Tick) {
	symbol := s.mapper.getSymbol(tick.InstrumentToken)
	if symbol == "" {
		return
	}
	bar, ok := s.cache.addTick(symbol, tick)
	if !ok {
		return
	}
	select {
	case s.out <- bar:
	case <-s.ctx.Done():
	}
}

// StreamBars subscribes the symbols on a Kite ticker in full mode. The
// subscription is renewed on every reconnect. The error channel reports a
// ticker that gave up reconnecting or stopped.
func (m *MarketData) StreamBars(ctx context.Context, symbols []string) (<-chan types.Bar, <-chan error, error) {
	tokens, err := m.mapper.tokens(symbols)
	if err != nil {
		return nil, nil, err
	}

	t := kiteticker.New(m.p.APIKey, m.p.AccessToken)
	stream := &tickStream{
		ctx:    ctx,
		mapper: m.mapper,
		cache:  newCandleCache(m.loc, m.now),
		out:    make(chan types.Bar, 256),
	}
	errs := make(chan error, 1)
	report := func(err error) {
		select {
		case errs <- err:
		default:
		}
	}

	t.OnConnect(func() {
		if err := t.Subscribe(tokens); err != nil {
			report(fmt.Errorf("kite subscribe: %w", err))
			return
		}
		if err := t.SetMode(kiteticker.ModeFull, tokens); err != nil {
			report(fmt.Errorf("kite ticker mode: %w", err))
			return
		}
		logger.Info(ctx, "Kite market stream subscribed", "exchange", m.p.Exchange, "symbols", symbols)
	})
	t.OnError(func(err error) {
		logger.Warn(ctx, "Kite market stream error", "error_kind", "feed", "error", err)
	})
	t.OnReconnect(func(attempt int, delay time.Duration) {
		logger.Info(ctx, "Kite market stream reconnecting", "attempt", attempt, "delay", delay)
	})
	t.OnNoReconnect(func(attempt int) {
		report(fmt.Errorf("kite ticker gave up after %d reconnect attempts", attempt))
	})
	t.OnClose(func(code int, reason string) {
		logger.Debug(ctx, "Kite market stream closed", "code", code, "reason", reason)
	})
	t.OnTick(stream.onTick)

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

	return stream.out, errs, nil
}
