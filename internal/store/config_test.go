package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-controller/internal/types"
)

func TestDefaults(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, "auto", c.ForceMode)
	assert.Equal(t, types.OneMinute, c.TimeframeValue())
	assert.Equal(t, []Window{{Start: "12:00", End: "13:00"}}, c.Blackout.Windows)
	assert.True(t, c.Blackout.Enabled)
	assert.Equal(t, 2, c.Orders.MaxRetries)
	assert.Equal(t, "America/New_York", c.Location().String())
	assert.Equal(t, "polygon", c.Feed.Source)
}

func TestParseConfig(t *testing.T) {
	c, err := ParseConfig([]byte(`
symbols: [SPY]
timeframe: 5m
force_mode: paper
flatten_on_stop: true
feed:
  source: kite
risk:
  risk_pct: 0.5
strategy:
  name: orb
  params:
    window_minutes: 15
blackout:
  windows:
    - {start: "11:30", end: "13:30"}
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"SPY"}, c.Symbols)
	assert.Equal(t, types.FiveMinute, c.TimeframeValue())
	assert.True(t, c.FlattenOnStop)
	assert.Equal(t, "kite", c.Feed.Source)
	assert.Equal(t, 0.5, c.Risk.RiskPct)
	assert.Equal(t, 1.0, c.Risk.StopLossPct, "unset fields keep defaults")
	assert.Equal(t, 15, c.Strategy.Params["window_minutes"])
	assert.Equal(t, []Window{{Start: "11:30", End: "13:30"}}, c.Blackout.Windows)
}

func TestParseConfigRejects(t *testing.T) {
	cases := map[string]string{
		"timeframe":     "timeframe: 2m",
		"mode":          "force_mode: margin",
		"empty symbols": "symbols: []",
		"timezone":      "calendar: {timezone: Mars/Olympus}",
		"hours":         `calendar: {open: "16:00", close: "09:30"}`,
		"holiday":       "calendar: {holidays: [07/04/2026]}",
		"window":        `blackout: {windows: [{start: "13:00", end: "12:00"}]}`,
		"range":         "backtest: {from: 2026-02-01, to: 2026-01-01}",
		"feed source":   "feed: {source: bloomberg}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestBacktestRange(t *testing.T) {
	c := Default()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, c.Location())

	from, to, err := c.BacktestRange(now)
	require.NoError(t, err)
	assert.Equal(t, now, to)
	assert.Equal(t, now.AddDate(0, 0, -730), from)

	c.Backtest.From, c.Backtest.To = "2026-01-05", "2026-01-09"
	from, to, err = c.BacktestRange(now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 5, 0, 0, 0, 0, c.Location()), from)
	assert.Equal(t, 9, to.Day())
}

func TestParseClock(t *testing.T) {
	m, err := ParseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, 570, m)
	_, err = ParseClock("9.30")
	assert.Error(t, err)
}
