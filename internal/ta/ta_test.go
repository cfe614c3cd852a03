package ta

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSMA(t *testing.T) {
	assert.Equal(t, 2.5, SMA([]float64{1, 2, 3}, 2))
	assert.True(t, math.IsNaN(SMA([]float64{1}, 2)))
}

func TestTrueRange(t *testing.T) {
	assert.Equal(t, 1.0, TrueRange(11, 10, 10.5))
	assert.Equal(t, 2.0, TrueRange(11, 10.5, 9))
	assert.Equal(t, 1.5, TrueRange(10.5, 10, 11.5))
}

func TestATR(t *testing.T) {
	assert.InDelta(t, 0.25, ATR([]float64{0.3, 0.2}, 10), 1e-12)
	assert.InDelta(t, 0.3, ATR([]float64{0.1, 0.2, 0.4}, 2), 1e-12)
	assert.True(t, math.IsNaN(ATR(nil, 3)))
}
