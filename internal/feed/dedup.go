package feed

import (
	"time"

	"trading-controller/internal/types"
)

// Deduper drops bars whose timestamp is not after the last accepted one for the same symbol.
// It spans source transitions, so overlap at a streaming/polling boundary is suppressed.
type Deduper struct {
	last map[string]time.Time
}

func NewDeduper() *Deduper {
	return &Deduper{last: make(map[string]time.Time)}
}

// Accept records b and reports whether it is new.
func (d *Deduper) Accept(b types.Bar) bool {
	if last, ok := d.last[b.Symbol]; ok && !b.Timestamp.After(last) {
		return false
	}
	d.last[b.Symbol] = b.Timestamp
	return true
}

// Last returns the timestamp of the newest accepted bar for symbol.
func (d *Deduper) Last(symbol string) (time.Time, bool) {
	t, ok := d.last[symbol]
	return t, ok
}
