package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-controller/internal/types"
)

func TestRecorder(t *testing.T) {
	r := New()
	r.SetPhase(types.PhaseRunning)
	r.Bar("AAPL")
	r.Bar("AAPL")
	r.OrderSubmitted(types.Buy, "ENTRY")
	r.PnL(12.5, -3, 100_000, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.phase.WithLabelValues("running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.phase.WithLabelValues("idle")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.bars.WithLabelValues("AAPL")))
	assert.Equal(t, 12.5, testutil.ToFloat64(r.realized))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `controller_orders_submitted_total{side="BUY",tag="ENTRY"} 1`)
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.SetPhase(types.PhaseIdle)
	r.Bar("AAPL")
	r.PnL(1, 2, 3, 4)
	assert.Nil(t, r.Registry())
}
