package ta

import "math"

// SMA is the mean of the last n values, or NaN when fewer are available.
func SMA(closes []float64, n int) float64 {
	if len(closes) < n || n <= 0 {
		return math.NaN()
	}
	sum := 0.0
	for i := len(closes) - n; i < len(closes); i++ {
		sum += closes[i]
	}
	return sum / float64(n)
}

// TrueRange is the bar's range widened to include the previous close.
func TrueRange(high, low, prevClose float64) float64 {
	return math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
}

// ATR averages the last n true ranges, or all of them when fewer are
// available. It is NaN for an empty input.
func ATR(ranges []float64, n int) float64 {
	if len(ranges) == 0 || n <= 0 {
		return math.NaN()
	}
	if len(ranges) < n {
		n = len(ranges)
	}
	return SMA(ranges, n)
}
