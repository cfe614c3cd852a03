package feed

import (
	"time"

	"trading-controller/internal/types"
)

// Aggregator folds 1-minute bars into N-minute bars aligned to the clock.
// A bucket whose first minute was missed is dropped rather than emitted short.
type Aggregator struct {
	tf      types.Timeframe
	pending map[string]*bucket
}

type bucket struct {
	start    time.Time
	bar      types.Bar
	complete bool
}

func NewAggregator(tf types.Timeframe) *Aggregator {
	return &Aggregator{tf: tf, pending: make(map[string]*bucket)}
}

// Add folds one 1-minute bar and returns any bars completed by it.
func (a *Aggregator) Add(b types.Bar) []types.Bar {
	if a.tf <= types.OneMinute {
		return []types.Bar{b}
	}

	var out []types.Bar
	start := b.Timestamp.Truncate(a.tf.Duration())
	cur := a.pending[b.Symbol]

	if cur != nil && !cur.start.Equal(start) {
		if cur.complete {
			out = append(out, cur.bar)
		}
		cur = nil
		delete(a.pending, b.Symbol)
	}

	if cur == nil {
		cur = &bucket{
			start:    start,
			complete: b.Timestamp.Equal(start),
			bar: types.Bar{
				Symbol:    b.Symbol,
				Timestamp: start,
				Open:      b.Open,
				High:      b.High,
				Low:       b.Low,
				Close:     b.Close,
				Volume:    b.Volume,
			},
		}
		a.pending[b.Symbol] = cur
	} else {
		if b.High > cur.bar.High {
			cur.bar.High = b.High
		}
		if b.Low < cur.bar.Low {
			cur.bar.Low = b.Low
		}
		cur.bar.Close = b.Close
		cur.bar.Volume += b.Volume
	}

	if !b.Timestamp.Add(time.Minute).Before(start.Add(a.tf.Duration())) {
		if cur.complete {
			out = append(out, cur.bar)
		}
		delete(a.pending, b.Symbol)
	}
	return out
}
