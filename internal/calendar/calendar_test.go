package calendar

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/polygon-io/client-go/rest/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-controller/internal/interfaces"
	"trading-controller/internal/store"
)

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

func TestSessionCalendar(t *testing.T) {
	loc := newYork(t)
	cal, err := NewSessionCalendar(loc, "09:30", "16:00", []string{"2026-07-03"})
	require.NoError(t, err)

	at := func(day, hh, mm int) time.Time { return time.Date(2026, 7, day, hh, mm, 0, 0, loc) }

	assert.True(t, cal.IsOpenAt(at(2, 9, 30)))
	assert.True(t, cal.IsOpenAt(at(2, 15, 59)))
	assert.False(t, cal.IsOpenAt(at(2, 16, 0)))
	assert.False(t, cal.IsOpenAt(at(2, 9, 29)))
	assert.False(t, cal.IsOpenAt(at(3, 11, 0)), "holiday")
	assert.False(t, cal.IsOpenAt(at(4, 11, 0)), "saturday")

	// thursday after close: friday is a holiday, so monday
	assert.Equal(t, at(6, 9, 30), cal.NextOpenAfter(at(2, 16, 30)))
	assert.Equal(t, at(2, 9, 30), cal.NextOpenAfter(at(2, 8, 0)))

	info, err := cal.Clock(context.Background(), at(2, 12, 0))
	require.NoError(t, err)
	assert.True(t, info.IsOpen)

	_, err = NewSessionCalendar(loc, "16:00", "09:30", nil)
	assert.Error(t, err)
}

func TestBlackout(t *testing.T) {
	loc := newYork(t)
	windows, err := ParseWindows([]store.Window{{Start: "12:00", End: "13:00"}})
	require.NoError(t, err)

	assert.True(t, InBlackout(time.Date(2026, 7, 2, 12, 0, 0, 0, loc), loc, windows))
	assert.True(t, InBlackout(time.Date(2026, 7, 2, 12, 59, 0, 0, loc), loc, windows))
	assert.False(t, InBlackout(time.Date(2026, 7, 2, 13, 0, 0, 0, loc), loc, windows))
	assert.False(t, InBlackout(time.Date(2026, 7, 2, 11, 59, 0, 0, loc), loc, windows))

	// the same instant expressed in UTC is judged in exchange time
	assert.True(t, InBlackout(time.Date(2026, 7, 2, 16, 30, 0, 0, time.UTC), loc, windows))
}

type failingSource struct{}

func (failingSource) Clock(context.Context, time.Time) (interfaces.ClockInfo, error) {
	return interfaces.ClockInfo{}, errors.New("unreachable")
}

func TestGateFailsClosed(t *testing.T) {
	g := NewGate(failingSource{}, time.UTC, nil)
	now := time.Date(2026, 7, 2, 15, 0, 0, 0, time.UTC)

	for i := 0; i < DefaultMaxFailures-1; i++ {
		st := g.Check(context.Background(), now)
		assert.False(t, st.Open)
		assert.ErrorIs(t, st.Err, ErrCalendarUnavailable)
	}
	assert.False(t, g.Stuck())
	g.Check(context.Background(), now)
	assert.True(t, g.Stuck())
}

func TestWaitInterval(t *testing.T) {
	now := time.Date(2026, 7, 2, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Second, WaitInterval(now, now.Add(time.Hour)))
	assert.Equal(t, 15*time.Second, WaitInterval(now, now.Add(3*time.Minute)))
	assert.Equal(t, 5*time.Second, WaitInterval(now, now.Add(30*time.Second)))
	assert.Equal(t, 5*time.Second, WaitInterval(now, now.Add(-time.Minute)))
}

type statusFetcher struct {
	market string
	err    error
}

func (f statusFetcher) GetMarketStatus(context.Context, ...models.RequestOption) (*models.GetMarketStatusResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.GetMarketStatusResponse{Market: f.market}, nil
}

func TestPolygonSource(t *testing.T) {
	loc := newYork(t)
	cal, err := NewSessionCalendar(loc, "09:30", "16:00", nil)
	require.NoError(t, err)
	now := time.Date(2026, 7, 2, 10, 0, 0, 0, loc)

	info, err := NewPolygonSource(statusFetcher{market: "open"}, cal).Clock(context.Background(), now)
	require.NoError(t, err)
	assert.True(t, info.IsOpen)
	assert.Equal(t, time.Date(2026, 7, 3, 9, 30, 0, 0, loc), info.NextOpen)

	info, err = NewPolygonSource(statusFetcher{market: "extended-hours"}, cal).Clock(context.Background(), now)
	require.NoError(t, err)
	assert.False(t, info.IsOpen)

	_, err = NewPolygonSource(statusFetcher{err: errors.New("429")}, cal).Clock(context.Background(), now)
	assert.Error(t, err)
}
