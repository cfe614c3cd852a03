package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-controller/internal/interfaces"
	"trading-controller/internal/types"
)

var day = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func bar(min int, high, low, close float64) types.Bar {
	return types.Bar{
		Symbol:    "AAPL",
		Timestamp: day.Add(time.Duration(min) * time.Minute),
		Open:      close,
		High:      high,
		Low:       low,
		Close:     close,
	}
}

func TestSMACrossSignals(t *testing.T) {
	ctx := context.Background()
	s, err := NewSMACross(map[string]any{"window": 3})
	require.NoError(t, err)
	require.NoError(t, s.OnStart(ctx, types.StrategyState{}))

	for i, c := range []float64{10, 10, 10} {
		sig, err := s.OnBar(ctx, "AAPL", bar(i, c, c, c), types.StrategyState{})
		require.NoError(t, err)
		assert.Nil(t, sig)
	}

	sig, err := s.OnBar(ctx, "AAPL", bar(3, 13, 13, 13), types.StrategyState{})
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, types.Long, sig.Direction)

	sig, err = s.OnBar(ctx, "AAPL", bar(4, 7, 7, 7), types.StrategyState{})
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, types.Short, sig.Direction)
}

func TestSMACrossRejectsBadWindow(t *testing.T) {
	_, err := NewSMACross(map[string]any{"window": 1})
	assert.Error(t, err)
	_, err = NewSMACross(map[string]any{"window": "ten"})
	assert.Error(t, err)
	_, err = NewSMACross(map[string]any{"window": 2.5})
	assert.Error(t, err)
}

func TestORBSignalsOncePerDay(t *testing.T) {
	ctx := context.Background()
	s, err := NewORB(map[string]any{"window_minutes": 2})
	require.NoError(t, err)
	require.NoError(t, s.OnStart(ctx, types.StrategyState{}))

	steps := []struct {
		bar  types.Bar
		want bool
	}{
		{bar(0, 101, 99, 100), false},
		{bar(1, 102, 98, 101), false},
		{bar(2, 101.5, 100, 101), false},
		{bar(3, 102, 100, 101.8), true},
		{bar(4, 103, 101, 102.5), false},
	}
	for i, st := range steps {
		sig, err := s.OnBar(ctx, "AAPL", st.bar, types.StrategyState{})
		require.NoError(t, err)
		if st.want {
			require.NotNil(t, sig, "step %d", i)
			assert.Equal(t, types.Long, sig.Direction)
			assert.Equal(t, 102.0, sig.Meta["range_high"])
		} else {
			assert.Nil(t, sig, "step %d", i)
		}
	}
}

func TestRegistry(t *testing.T) {
	assert.Subset(t, Names(), []string{"BaselineSMA", "GapAndGo", "ORB", "Router", "gap_and_go", "orb", "router", "sma_cross"})

	s, err := Load("BaselineSMA", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "sma_cross", s.Name())

	_, err = Load("nope", nil, []string{t.TempDir()})
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

type fakeStrategy struct {
	onBar   func() (*types.Signal, error)
	starts  int
	stops   int
	onBarN  int
	startEr error
}

func (f *fakeStrategy) Name() string { return "fake" }

func (f *fakeStrategy) OnStart(context.Context, types.StrategyState) error {
	f.starts++
	return f.startEr
}

func (f *fakeStrategy) OnBar(context.Context, string, types.Bar, types.StrategyState) (*types.Signal, error) {
	f.onBarN++
	return f.onBar()
}

func (f *fakeStrategy) OnStop(context.Context, types.StrategyState) error {
	f.stops++
	return errors.New("ignored")
}

var _ interfaces.Strategy = (*fakeStrategy)(nil)

func TestRuntimeLifecycle(t *testing.T) {
	ctx := context.Background()
	f := &fakeStrategy{onBar: func() (*types.Signal, error) {
		return &types.Signal{Direction: types.Long}, nil
	}}
	r := NewRuntime(f)

	assert.Nil(t, r.OnBar(ctx, "AAPL", bar(0, 1, 1, 1), types.StrategyState{}), "no bars before start")
	r.Stop(ctx, types.StrategyState{})
	assert.Zero(t, f.stops, "stop before start is a no-op")

	require.NoError(t, r.Start(ctx, types.StrategyState{}))
	require.NoError(t, r.Start(ctx, types.StrategyState{}))
	assert.Equal(t, 1, f.starts)

	sig := r.OnBar(ctx, "AAPL", bar(1, 1, 1, 1), types.StrategyState{})
	require.NotNil(t, sig)
	assert.Equal(t, "AAPL", sig.Symbol)

	assert.Nil(t, r.OnBar(ctx, "AAPL", bar(1, 1, 1, 1), types.StrategyState{}))
	assert.Nil(t, r.OnBar(ctx, "AAPL", bar(0, 1, 1, 1), types.StrategyState{}))
	assert.Equal(t, 1, f.onBarN)

	r.Stop(ctx, types.StrategyState{})
	r.Stop(ctx, types.StrategyState{})
	assert.Equal(t, 1, f.stops)
}

func TestRuntimeContainsFailures(t *testing.T) {
	ctx := context.Background()
	calls := 0
	f := &fakeStrategy{onBar: func() (*types.Signal, error) {
		calls++
		switch calls {
		case 1:
			panic("boom")
		case 2:
			return nil, errors.New("bad bar")
		case 3:
			return &types.Signal{Direction: "sideways"}, nil
		}
		return &types.Signal{Direction: types.Flat}, nil
	}}
	r := NewRuntime(f)
	require.NoError(t, r.Start(ctx, types.StrategyState{}))

	assert.Nil(t, r.OnBar(ctx, "AAPL", bar(0, 1, 1, 1), types.StrategyState{}))
	assert.Nil(t, r.OnBar(ctx, "AAPL", bar(1, 1, 1, 1), types.StrategyState{}))
	assert.Nil(t, r.OnBar(ctx, "AAPL", bar(2, 1, 1, 1), types.StrategyState{}))
	assert.Equal(t, 2, r.Failures())

	sig := r.OnBar(ctx, "AAPL", bar(3, 1, 1, 1), types.StrategyState{})
	require.NotNil(t, sig)
	assert.Equal(t, types.Flat, sig.Direction)
}

func TestRuntimeStartError(t *testing.T) {
	f := &fakeStrategy{startEr: errors.New("no data")}
	r := NewRuntime(f)
	assert.Error(t, r.Start(context.Background(), types.StrategyState{}))
}
