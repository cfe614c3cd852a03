package zerodha

import (
	"sync"
	"time"

	"github.com/zerodha/gokiteconnect/v4/models"

	"trading-controller/internal/types"
)

// candleCache folds ticks into one-minute bars per symbol. A bar is complete
// once a tick from a later minute arrives.
type candleCache struct {
	loc     *time.Location
	now     func() time.Time
	buffers map[string]*candleBuffer
	mu      sync.Mutex
}

type candleBuffer struct {
	bar     types.Bar
	open    bool
	lastVol uint32 // cumulative day volume at the previous tick
	seenVol bool
}

func newCandleCache(loc *time.Location, now func() time.Time) *candleCache {
	if loc == nil {
		loc = time.UTC
	}
	return &candleCache{loc: loc, now: now, buffers: make(map[string]*candleBuffer)}
}

// addTick folds a tick and returns the bar it completed, if any.
func (cc *candleCache) addTick(symbol string, tick models.Tick) (types.Bar, bool) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	buf, ok := cc.buffers[symbol]
	if !ok {
		buf = &candleBuffer{}
		cc.buffers[symbol] = buf
	}

	price := tick.LastPrice
	minute := cc.tickTime(tick).Truncate(time.Minute)

	// Kite reports the day's cumulative volume; a bar gets the increase
	vol := 0.0
	if buf.seenVol && tick.VolumeTraded >= buf.lastVol {
		vol = float64(tick.VolumeTraded - buf.lastVol)
	}
	buf.lastVol, buf.seenVol = tick.VolumeTraded, true

	var done types.Bar
	completed := false
	switch {
	case buf.open && minute.Before(buf.bar.Timestamp):
		// late tick for a bar already emitted
		return types.Bar{}, false
	case buf.open && minute.After(buf.bar.Timestamp):
		done, completed = buf.bar, true
		buf.open = false
	}

	if !buf.open {
		buf.bar = types.Bar{Symbol: symbol, Timestamp: minute, Open: price, High: price, Low: price, Close: price}
		buf.open = true
	}
	b := &buf.bar
	if price > b.High {
		b.High = price
	}
	if price < b.Low {
		b.Low = price
	}
	b.Close = price
	b.Volume += vol
	return done, completed
}

func (cc *candleCache) tickTime(tick models.Tick) time.Time {
	switch {
	case !tick.LastTradeTime.Time.IsZero():
		return tick.LastTradeTime.Time.In(cc.loc)
	case !tick.Timestamp.Time.IsZero():
		return tick.Timestamp.Time.In(cc.loc)
	}
	return cc.now().In(cc.loc)
}
