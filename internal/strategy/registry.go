package strategy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"sort"
	"sync"

	"trading-controller/internal/interfaces"
)

var (
	ErrUnknownStrategy = errors.New("unknown strategy")
	ErrInvalidPlugin   = errors.New("invalid strategy plugin")
)

// Factory builds a strategy from its configured params.
type Factory func(params map[string]any) (interfaces.Strategy, error)

// PluginSymbol is the function a strategy plugin must export.
const PluginSymbol = "New"

var (
	mu       sync.RWMutex
	registry = map[string]Factory{}
)

func init() {
	Register("sma_cross", NewSMACross)
	Register("BaselineSMA", NewSMACross)
	Register("orb", NewORB)
	Register("ORB", NewORB)
	Register("gap_and_go", NewGapAndGo)
	Register("GapAndGo", NewGapAndGo)
	Register("router", NewRouter)
	Register("Router", NewRouter)
}

// Register adds a built-in strategy. A later registration under the same name wins.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = f
}

// Names lists the registered strategy names.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Load resolves name against the built-in registry first, then against
// <dir>/<name>.so in each search path.
func Load(name string, params map[string]any, searchPaths []string) (interfaces.Strategy, error) {
	mu.RLock()
	f, ok := registry[name]
	mu.RUnlock()
	if ok {
		return f(params)
	}

	for _, dir := range searchPaths {
		path := filepath.Join(dir, name+".so")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		f, err := openPlugin(path)
		if err != nil {
			return nil, err
		}
		Register(name, f)
		return f(params)
	}
	return nil, fmt.Errorf("%w: %q (built-ins: %v)", ErrUnknownStrategy, name, Names())
}

func openPlugin(path string) (Factory, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrInvalidPlugin, path, err)
	}
	sym, err := p.Lookup(PluginSymbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %s does not export %s", ErrInvalidPlugin, path, PluginSymbol)
	}
	switch fn := sym.(type) {
	case func(map[string]any) (interfaces.Strategy, error):
		return fn, nil
	case *Factory:
		return *fn, nil
	}
	return nil, fmt.Errorf("%w: %s.%s has type %T", ErrInvalidPlugin, path, PluginSymbol, sym)
}
