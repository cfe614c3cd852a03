package polygon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-controller/internal/types"
)

func TestPollBarsFiltersBySince(t *testing.T) {
	base := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	c := NewClient("key", 60, time.UTC)
	c.fetch = func(_ context.Context, symbol string, _ types.Timeframe, _, _ time.Time) ([]types.Bar, error) {
		return []types.Bar{
			{Symbol: symbol, Timestamp: base},
			{Symbol: symbol, Timestamp: base.Add(time.Minute)},
			{Symbol: symbol, Timestamp: base.Add(2 * time.Minute)},
		}, nil
	}

	bars, err := c.PollBars(context.Background(), "AAPL", types.OneMinute, base)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, base.Add(time.Minute), bars[0].Timestamp)
}

func TestLoadBarsClampsToDataLag(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	c := NewClient("key", 60, time.UTC)
	c.now = func() time.Time { return now }

	var gotTo time.Time
	c.fetch = func(_ context.Context, symbol string, _ types.Timeframe, _, to time.Time) ([]types.Bar, error) {
		gotTo = to
		return []types.Bar{{Symbol: symbol, Timestamp: now.Add(-time.Hour)}}, nil
	}
	_, err := c.LoadBars(context.Background(), "AAPL", types.OneMinute, now.Add(-48*time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-historicalLag), gotTo)

	c.fetch = func(context.Context, string, types.Timeframe, time.Time, time.Time) ([]types.Bar, error) {
		return nil, nil
	}
	_, err = c.LoadBars(context.Background(), "AAPL", types.OneMinute, now.Add(-48*time.Hour), now)
	assert.Error(t, err)
}

// fakeServer speaks enough of the stocks socket protocol for one client.
func fakeServer(t *testing.T, authOK bool, frames ...string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var auth action
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		status := "auth_success"
		if !authOK || auth.Params != "key" {
			status = "auth_failed"
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`[{"ev":"status","status":"`+status+`","message":"x"}]`))
		if status != "auth_success" {
			return
		}

		var sub action
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		assert.Equal(t, "subscribe", sub.Action)
		assert.Equal(t, "AM.AAPL,AM.MSFT", sub.Params)

		for _, f := range frames {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		// hold the connection until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(s *httptest.Server) string { return "ws" + strings.TrimPrefix(s.URL, "http") }

func TestStreamDeliversMinuteAggregates(t *testing.T) {
	start := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	frame, err := json.Marshal([]message{
		{Ev: "AM", Sym: "AAPL", Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 100, Start: start.UnixMilli()},
		{Ev: "status", Status: "connected"},
	})
	require.NoError(t, err)

	srv := fakeServer(t, true, string(frame), "not json")
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bars, _, err := NewStream(wsURL(srv), "key", time.UTC).StreamBars(ctx, []string{"AAPL", "MSFT"})
	require.NoError(t, err)

	select {
	case b := <-bars:
		assert.Equal(t, "AAPL", b.Symbol)
		assert.True(t, start.Equal(b.Timestamp))
		assert.Equal(t, 1.5, b.Close)
		assert.Equal(t, 100.0, b.Volume)
	case <-time.After(2 * time.Second):
		t.Fatal("no bar received")
	}

	cancel()
	select {
	case _, ok := <-bars:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("bar channel not closed after cancel")
	}
}

func TestStreamAuthFailure(t *testing.T) {
	srv := fakeServer(t, false)
	defer srv.Close()

	_, _, err := NewStream(wsURL(srv), "key", time.UTC).StreamBars(context.Background(), []string{"AAPL"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth_failed")
}
