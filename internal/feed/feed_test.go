package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-controller/internal/types"
)

var t0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func minute(sym string, i int, close float64) types.Bar {
	return types.Bar{
		Symbol:    sym,
		Timestamp: t0.Add(time.Duration(i) * time.Minute),
		Open:      close,
		High:      close + 1,
		Low:       close - 1,
		Close:     close,
		Volume:    10,
	}
}

func TestDeduper(t *testing.T) {
	d := NewDeduper()
	assert.True(t, d.Accept(minute("AAPL", 1, 1)))
	assert.False(t, d.Accept(minute("AAPL", 1, 1)))
	assert.False(t, d.Accept(minute("AAPL", 0, 1)))
	assert.True(t, d.Accept(minute("MSFT", 0, 1)))
	assert.True(t, d.Accept(minute("AAPL", 2, 1)))

	last, ok := d.Last("AAPL")
	require.True(t, ok)
	assert.Equal(t, t0.Add(2*time.Minute), last)
}

func TestAggregatorFiveMinute(t *testing.T) {
	a := NewAggregator(types.FiveMinute)
	var out []types.Bar
	for i := 0; i < 5; i++ {
		out = append(out, a.Add(minute("AAPL", i, float64(100+i)))...)
	}
	require.Len(t, out, 1)
	b := out[0]
	assert.Equal(t, t0, b.Timestamp)
	assert.Equal(t, 100.0, b.Open)
	assert.Equal(t, 104.0, b.Close)
	assert.Equal(t, 105.0, b.High)
	assert.Equal(t, 99.0, b.Low)
	assert.Equal(t, 50.0, b.Volume)

	// a bucket joined mid-way is dropped
	a = NewAggregator(types.FiveMinute)
	out = nil
	for i := 2; i < 10; i++ {
		out = append(out, a.Add(minute("AAPL", i, 1))...)
	}
	require.Len(t, out, 1)
	assert.Equal(t, t0.Add(5*time.Minute), out[0].Timestamp)
}

type scriptedStream struct {
	mu    sync.Mutex
	calls int
	bars  []types.Bar
}

// StreamBars delivers the scripted bars then closes the stream.
func (s *scriptedStream) StreamBars(ctx context.Context, _ []string) (<-chan types.Bar, <-chan error, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	bars := make(chan types.Bar, len(s.bars))
	for _, b := range s.bars {
		bars <- b
	}
	close(bars)
	return bars, nil, nil
}

// scriptedPoller returns every bar it holds for the symbol on each call,
// regardless of since, like a provider that rounds the window down.
type scriptedPoller struct {
	mu    sync.Mutex
	bars  []types.Bar
	err   error
	polls int
}

func (p *scriptedPoller) PollBars(_ context.Context, symbol string, _ types.Timeframe, _ time.Time) ([]types.Bar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	if p.err != nil {
		return nil, p.err
	}
	var out []types.Bar
	for _, b := range p.bars {
		if b.Symbol == symbol {
			out = append(out, b)
		}
	}
	return out, nil
}

func (p *scriptedPoller) Polls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls
}

// silentStream connects but never delivers a bar.
type silentStream struct{}

func (silentStream) StreamBars(context.Context, []string) (<-chan types.Bar, <-chan error, error) {
	return make(chan types.Bar), nil, nil
}

func nextTransition(t *testing.T, transitions <-chan types.FeedTransition) types.FeedTransition {
	t.Helper()
	select {
	case tr := <-transitions:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("no feed transition")
	}
	return types.FeedTransition{}
}

func TestMarketFeedDegradesToPollingWithoutDuplicates(t *testing.T) {
	stream := &scriptedStream{bars: []types.Bar{minute("AAPL", 0, 1), minute("AAPL", 1, 2)}}
	// polling overlaps the last streamed bar
	poller := &scriptedPoller{bars: []types.Bar{minute("AAPL", 1, 2), minute("AAPL", 2, 3)}}

	f := NewMarketFeed(MarketConfig{
		Symbols:      []string{"AAPL"},
		PollInterval: 10 * time.Millisecond,
		Now:          func() time.Time { return t0.Add(10 * time.Minute) },
	}, stream, poller)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan types.Bar, 16)
	transitions := make(chan types.FeedTransition, 4)
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, out, transitions) }()

	var got []time.Time
	for len(got) < 3 {
		select {
		case b := <-out:
			got = append(got, b.Timestamp)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d bars delivered", len(got))
		}
	}
	assert.Equal(t, []time.Time{t0, t0.Add(time.Minute), t0.Add(2 * time.Minute)}, got)

	tr := <-transitions
	assert.Equal(t, "market", tr.Feed)
	assert.Equal(t, types.SourceStreaming, tr.From)
	assert.Equal(t, types.SourcePolling, tr.To)
	assert.Equal(t, "stream closed", tr.Reason)

	// later polls keep returning the overlap and the newest bar
	require.Eventually(t, func() bool { return poller.Polls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	select {
	case b := <-out:
		t.Fatalf("unexpected extra bar %v", b.Timestamp)
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	assert.NoError(t, <-done)
}

func TestMarketFeedDegradesWhenStreamGoesSilent(t *testing.T) {
	poller := &scriptedPoller{bars: []types.Bar{minute("AAPL", 0, 1)}}
	f := NewMarketFeed(MarketConfig{
		Symbols:      []string{"AAPL"},
		PollInterval: 10 * time.Millisecond,
		Liveness:     20 * time.Millisecond,
		Now:          func() time.Time { return t0.Add(10 * time.Minute) },
	}, silentStream{}, poller)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan types.Bar, 4)
	transitions := make(chan types.FeedTransition, 4)
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, out, transitions) }()

	tr := nextTransition(t, transitions)
	assert.Equal(t, types.SourcePolling, tr.To)
	assert.Equal(t, "no bars for 20ms", tr.Reason)

	select {
	case b := <-out:
		assert.Equal(t, t0, b.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("polling delivered nothing")
	}
	cancel()
	assert.NoError(t, <-done)
}

func TestMarketFeedRetriesStreamAfterPolling(t *testing.T) {
	stream := &scriptedStream{}
	f := NewMarketFeed(MarketConfig{
		Symbols:      []string{"AAPL"},
		PollInterval: 5 * time.Millisecond,
		StreamRetry:  20 * time.Millisecond,
	}, stream, &scriptedPoller{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transitions := make(chan types.FeedTransition, 8)
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, make(chan types.Bar, 4), transitions) }()

	down := nextTransition(t, transitions)
	assert.Equal(t, types.SourceStreaming, down.From)
	assert.Equal(t, types.SourcePolling, down.To)

	up := nextTransition(t, transitions)
	assert.Equal(t, types.SourcePolling, up.From)
	assert.Equal(t, types.SourceStreaming, up.To)
	assert.Equal(t, "retrying stream", up.Reason)
	assert.False(t, up.At.Sub(down.At) < 20*time.Millisecond, "stream retried before StreamRetry elapsed")

	require.Eventually(t, func() bool {
		stream.mu.Lock()
		defer stream.mu.Unlock()
		return stream.calls >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestMarketFeedPollingExhausted(t *testing.T) {
	f := NewMarketFeed(MarketConfig{
		Symbols:         []string{"AAPL"},
		PollInterval:    time.Millisecond,
		MaxPollFailures: 3,
	}, nil, &scriptedPoller{err: errors.New("503")})

	err := f.Run(context.Background(), make(chan types.Bar, 1), make(chan types.FeedTransition, 1))
	assert.ErrorIs(t, err, ErrPollingExhausted)
}

func TestMarketFeedSkipsFormingBar(t *testing.T) {
	now := t0.Add(2*time.Minute + 30*time.Second)
	poller := &scriptedPoller{bars: []types.Bar{minute("AAPL", 1, 1), minute("AAPL", 2, 2)}}
	f := NewMarketFeed(MarketConfig{Symbols: []string{"AAPL"}, Now: func() time.Time { return now }}, nil, poller)

	out := make(chan types.Bar, 4)
	assert.True(t, f.pollOnce(context.Background(), out))
	require.Len(t, out, 1)
	assert.Equal(t, t0.Add(time.Minute), (<-out).Timestamp)
}

type orderSource struct {
	mu     sync.Mutex
	events []types.OrderEvent
}

func (o *orderSource) ListOrders(context.Context) ([]types.OrderEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]types.OrderEvent(nil), o.events...), nil
}

func (o *orderSource) Account(context.Context) (types.AccountSnapshot, error) {
	return types.AccountSnapshot{Equity: 101, LastEquity: 100}, nil
}

func TestOrderFeedPollsWithoutRepeats(t *testing.T) {
	src := &orderSource{events: []types.OrderEvent{
		{OrderID: "a", Status: types.OrderPending},
		{OrderID: "b", Status: types.OrderFilled, FilledQty: 5},
	}}
	f := NewOrderFeed(OrderConfig{PollInterval: 5 * time.Millisecond, AccountInterval: 5 * time.Millisecond}, nil, src, src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan types.OrderEvent, 16)
	accounts := make(chan types.AccountSnapshot, 16)
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, events, accounts, make(chan types.FeedTransition, 1)) }()

	recv := func() types.OrderEvent {
		select {
		case ev := <-events:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("no order event")
		}
		return types.OrderEvent{}
	}
	assert.Equal(t, "a", recv().OrderID)
	assert.Equal(t, "b", recv().OrderID)

	src.mu.Lock()
	src.events[0].Status = types.OrderFilled
	src.events[0].FilledQty = 3
	src.mu.Unlock()

	ev := recv()
	assert.Equal(t, "a", ev.OrderID)
	assert.Equal(t, types.OrderFilled, ev.Status)

	select {
	case snap := <-accounts:
		assert.Equal(t, 1.0, snap.DayPnL())
	case <-time.After(2 * time.Second):
		t.Fatal("no account snapshot")
	}

	select {
	case ev := <-events:
		t.Fatalf("repeated event %+v", ev)
	case <-time.After(30 * time.Millisecond):
	}
	cancel()
	assert.NoError(t, <-done)
}

// failingOrderStream delivers its events then reports a stream error.
type failingOrderStream struct{ events []types.OrderEvent }

func (s failingOrderStream) StreamOrderEvents(ctx context.Context) (<-chan types.OrderEvent, <-chan error, error) {
	evs := make(chan types.OrderEvent)
	errs := make(chan error)
	go func() {
		for _, ev := range s.events {
			select {
			case evs <- ev:
			case <-ctx.Done():
				return
			}
		}
		select {
		case errs <- errors.New("socket reset"):
		case <-ctx.Done():
		}
	}()
	return evs, errs, nil
}

func TestOrderFeedDegradesToPolling(t *testing.T) {
	filled := types.OrderEvent{OrderID: "a", Status: types.OrderFilled, FilledQty: 5}
	src := &orderSource{events: []types.OrderEvent{filled, {OrderID: "b", Status: types.OrderPending}}}
	f := NewOrderFeed(OrderConfig{PollInterval: 5 * time.Millisecond, AccountInterval: time.Second},
		failingOrderStream{events: []types.OrderEvent{filled}}, src, src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan types.OrderEvent, 16)
	transitions := make(chan types.FeedTransition, 4)
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, events, make(chan types.AccountSnapshot, 16), transitions) }()

	tr := nextTransition(t, transitions)
	assert.Equal(t, "orders", tr.Feed)
	assert.Equal(t, types.SourceStreaming, tr.From)
	assert.Equal(t, types.SourcePolling, tr.To)
	assert.Equal(t, "stream error: socket reset", tr.Reason)

	var ids []string
	for len(ids) < 2 {
		select {
		case ev := <-events:
			ids = append(ids, ev.OrderID)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d order events", len(ids))
		}
	}
	// the fill seen on the stream is not repeated by polling
	assert.Equal(t, []string{"a", "b"}, ids)
	select {
	case ev := <-events:
		t.Fatalf("repeated event %+v", ev)
	case <-time.After(30 * time.Millisecond):
	}
	cancel()
	assert.NoError(t, <-done)
}
