package strategy

import (
	"sync"

	"trading-controller/internal/types"
)

// barHistory keeps the most recent bars per symbol in a bounded buffer.
type barHistory struct {
	buffers map[string]*barBuffer
	maxSize int
	mu      sync.RWMutex
}

type barBuffer struct {
	bars []types.Bar
}

func newBarHistory(maxSize int) *barHistory {
	return &barHistory{
		buffers: make(map[string]*barBuffer),
		maxSize: maxSize,
	}
}

// add appends a bar, evicting the oldest one once the buffer is full.
func (h *barHistory) add(b types.Bar) {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf, ok := h.buffers[b.Symbol]
	if !ok {
		buf = &barBuffer{bars: make([]types.Bar, 0, h.maxSize+1)}
		h.buffers[b.Symbol] = buf
	}
	buf.bars = append(buf.bars, b)
	if len(buf.bars) > h.maxSize {
		buf.bars = buf.bars[1:]
	}
}

// closes returns up to the last n closes for symbol, oldest first.
func (h *barHistory) closes(symbol string, n int) []float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	buf, ok := h.buffers[symbol]
	if !ok {
		return nil
	}
	bars := buf.bars
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func (h *barHistory) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buffers = make(map[string]*barBuffer)
}
