package zerodha

import (
	"errors"
	"fmt"
	"sync"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
)

var ErrUnknownInstrument = errors.New("unknown instrument")

// instrumentMapper maps trading symbols to Kite instrument tokens for one
// exchange. The instrument dump is fetched once, on the first lookup.
type instrumentMapper struct {
	exchange string
	fetch    func(exchange string) (kiteconnect.Instruments, error)

	mu            sync.RWMutex
	loaded        bool
	symbolToToken map[string]uint32
	tokenToSymbol map[uint32]string
}

func newInstrumentMapper(exchange string, fetch func(string) (kiteconnect.Instruments, error)) *instrumentMapper {
	return &instrumentMapper{
		exchange:      exchange,
		fetch:         fetch,
		symbolToToken: make(map[string]uint32),
		tokenToSymbol: make(map[uint32]string),
	}
}

func (im *instrumentMapper) load() error {
	im.mu.RLock()
	loaded := im.loaded
	im.mu.RUnlock()
	if loaded {
		return nil
	}

	list, err := im.fetch(im.exchange)
	if err != nil {
		return fmt.Errorf("kite instruments %s: %w", im.exchange, err)
	}

	im.mu.Lock()
	defer im.mu.Unlock()
	for _, in := range list {
		if in.Exchange != "" && in.Exchange != im.exchange {
			continue
		}
		token := uint32(in.InstrumentToken)
		im.symbolToToken[in.Tradingsymbol] = token
		im.tokenToSymbol[token] = in.Tradingsymbol
	}
	im.loaded = true
	return nil
}

// tokens resolves every symbol or fails on the first unknown one.
func (im *instrumentMapper) tokens(symbols []string) ([]uint32, error) {
	if err := im.load(); err != nil {
		return nil, err
	}
	im.mu.RLock()
	defer im.mu.RUnlock()

	out := make([]uint32, 0, len(symbols))
	for _, s := range symbols {
		token, ok := im.symbolToToken[s]
		if !ok {
			return nil, fmt.Errorf("%w: %s on %s", ErrUnknownInstrument, s, im.exchange)
		}
		out = append(out, token)
	}
	return out, nil
}

func (im *instrumentMapper) getToken(symbol string) (uint32, error) {
	tokens, err := im.tokens([]string{symbol})
	if err != nil {
		return 0, err
	}
	return tokens[0], nil
}

// getSymbol returns "" for a token that was never resolved.
func (im *instrumentMapper) getSymbol(token uint32) string {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return im.tokenToSymbol[token]
}
