package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"trading-controller/internal/interfaces"
	"trading-controller/internal/ta"
	"trading-controller/internal/types"
)

// GapAndGo trades stocks that open with a gap against the previous close. A
// gap up is bought when price breaks the premarket high and a gap down is
// sold short when it breaks the premarket low, in both cases only within the
// first minutes of the session. The strategy manages its own exit with an ATR
// stop that moves to breakeven after one R and then trails VWAP.
type GapAndGo struct {
	cfg      gapConfig
	days     map[string]*gapDay
	lastSeen map[string]float64 // last regular-session close, the next day's reference
}

type gapConfig struct {
	minGapPct, maxGapPct float64
	minPrice, maxPrice   float64
	minPremarketVolume   float64
	confirmBars          int
	volumeSurge          float64
	cutoffMinutes        int
	atrLen               int
	atrStopMult          float64
	trailFloorMult       float64
	vwapCrackBars        int
	allowLong            bool
	allowShort           bool
	premarket            int
	open, close, exitAt  int
	loc                  *time.Location
}

// gapDay is one symbol's state for one trading day.
type gapDay struct {
	day        string
	prevClose  float64
	pmSeen     bool
	pmHigh     float64
	pmLow      float64
	pmVolume   float64
	gapSet     bool
	gapPct     float64
	ranges     []float64
	lastClose  float64
	hasClose   bool
	pv, vol    float64
	volSamples []float64
	confirms   int
	entered    bool
	crack      int
	pos        *gapPosition
}

type gapPosition struct {
	dir       types.Direction
	entry     float64
	stop      float64
	r         float64
	breakeven bool
}

var _ interfaces.Strategy = (*GapAndGo)(nil)

// NewGapAndGo reads its filters and exit settings from params. Times are
// HH:MM in "timezone" (default America/New_York); "direction" is one of
// both, long_only or short_only.
func NewGapAndGo(params map[string]any) (interfaces.Strategy, error) {
	cfg, err := gapParams(params)
	if err != nil {
		return nil, err
	}
	return &GapAndGo{cfg: cfg, days: map[string]*gapDay{}, lastSeen: map[string]float64{}}, nil
}

func gapParams(params map[string]any) (gapConfig, error) {
	var (
		cfg gapConfig
		err error
	)
	floats := []struct {
		key string
		def float64
		dst *float64
	}{
		{"min_gap_pct", 2, &cfg.minGapPct},
		{"max_gap_pct", 35, &cfg.maxGapPct},
		{"min_price", 2, &cfg.minPrice},
		{"max_price", 20, &cfg.maxPrice},
		{"min_premarket_volume", 50000, &cfg.minPremarketVolume},
		{"volume_surge", 1.2, &cfg.volumeSurge},
		{"atr_stop_mult", 1.8, &cfg.atrStopMult},
		{"trail_floor_mult", 0.8, &cfg.trailFloorMult},
	}
	for _, f := range floats {
		if *f.dst, err = floatParam(params, f.key, f.def); err != nil {
			return cfg, err
		}
	}
	ints := []struct {
		key string
		def int
		dst *int
	}{
		{"confirm_bars", 2, &cfg.confirmBars},
		{"cutoff_minutes", 30, &cfg.cutoffMinutes},
		{"atr_len", 10, &cfg.atrLen},
		{"vwap_crack_bars", 2, &cfg.vwapCrackBars},
	}
	for _, i := range ints {
		if *i.dst, err = intParam(params, i.key, i.def); err != nil {
			return cfg, err
		}
	}
	clocks := []struct {
		key, def string
		dst      *int
	}{
		{"premarket", "04:00", &cfg.premarket},
		{"open", "09:30", &cfg.open},
		{"close", "16:00", &cfg.close},
		{"exit_time", "10:00", &cfg.exitAt},
	}
	for _, c := range clocks {
		if *c.dst, err = clockParam(params, c.key, c.def); err != nil {
			return cfg, err
		}
	}

	if cfg.minGapPct < 0 || cfg.maxGapPct < cfg.minGapPct {
		return cfg, fmt.Errorf("gap_and_go: gap range %.2f-%.2f%% is invalid", cfg.minGapPct, cfg.maxGapPct)
	}
	if cfg.atrLen < 1 || cfg.confirmBars < 1 || cfg.vwapCrackBars < 1 {
		return cfg, fmt.Errorf("gap_and_go: atr_len, confirm_bars and vwap_crack_bars must be positive")
	}

	dir, err := stringParam(params, "direction", "both")
	if err != nil {
		return cfg, err
	}
	switch dir {
	case "both":
		cfg.allowLong, cfg.allowShort = true, true
	case "long_only":
		cfg.allowLong = true
	case "short_only":
		cfg.allowShort = true
	default:
		return cfg, fmt.Errorf("gap_and_go: unknown direction %q", dir)
	}

	tz, err := stringParam(params, "timezone", "America/New_York")
	if err != nil {
		return cfg, err
	}
	if cfg.loc, err = time.LoadLocation(tz); err != nil {
		return cfg, fmt.Errorf("gap_and_go: %w", err)
	}
	return cfg, nil
}

func (g *GapAndGo) Name() string { return "gap_and_go" }

func (g *GapAndGo) OnStart(_ context.Context, _ types.StrategyState) error {
	g.days = map[string]*gapDay{}
	g.lastSeen = map[string]float64{}
	return nil
}

func (g *GapAndGo) OnStop(_ context.Context, _ types.StrategyState) error { return nil }

// holding reports whether the strategy is managing an open position on symbol.
func (g *GapAndGo) holding(symbol string) bool {
	d := g.days[symbol]
	return d != nil && d.pos != nil
}

func (g *GapAndGo) OnBar(_ context.Context, symbol string, bar types.Bar, _ types.StrategyState) (*types.Signal, error) {
	t := bar.Timestamp.In(g.cfg.loc)
	m := t.Hour()*60 + t.Minute()
	d := g.dayFor(symbol, t.Format("2006-01-02"))

	switch {
	case m >= g.cfg.premarket && m < g.cfg.open:
		d.trackPremarket(bar)
		return nil, nil
	case m < g.cfg.open || m > g.cfg.close:
		return nil, nil
	}

	d.update(bar, m-g.cfg.open, g.cfg.atrLen)
	g.lastSeen[symbol] = bar.Close
	if !d.gapSet {
		ref := d.prevClose
		if ref <= 0 {
			ref = bar.Open
		}
		d.gapPct = (bar.Open - ref) / ref * 100
		d.gapSet = true
	}

	if d.pos != nil {
		return g.manage(symbol, d, bar, m)
	}
	return g.enter(symbol, d, bar, m-g.cfg.open), nil
}

func (g *GapAndGo) dayFor(symbol, day string) *gapDay {
	d := g.days[symbol]
	if d != nil && d.day == day {
		return d
	}
	d = &gapDay{day: day, prevClose: g.lastSeen[symbol], pmHigh: math.Inf(-1), pmLow: math.Inf(1)}
	g.days[symbol] = d
	return d
}

func (d *gapDay) trackPremarket(bar types.Bar) {
	d.pmSeen = true
	d.pmHigh = math.Max(d.pmHigh, bar.High)
	d.pmLow = math.Min(d.pmLow, bar.Low)
	d.pmVolume += bar.Volume
}

// update folds a regular-session bar into the ATR, VWAP and volume averages.
func (d *gapDay) update(bar types.Bar, sinceOpen, atrLen int) {
	prev := bar.Close
	if d.hasClose {
		prev = d.lastClose
	}
	d.ranges = append(d.ranges, ta.TrueRange(bar.High, bar.Low, prev))
	if len(d.ranges) > atrLen {
		d.ranges = d.ranges[1:]
	}
	d.lastClose, d.hasClose = bar.Close, true

	d.pv += (bar.High + bar.Low + bar.Close) / 3 * bar.Volume
	d.vol += bar.Volume

	// the opening burst would inflate the baseline
	if sinceOpen > 5 {
		d.volSamples = append(d.volSamples, bar.Volume)
		if len(d.volSamples) > 100 {
			d.volSamples = d.volSamples[1:]
		}
	}
}

func (d *gapDay) atr(price float64) float64 {
	if len(d.ranges) == 0 {
		return price * 0.005
	}
	return ta.ATR(d.ranges, len(d.ranges))
}

func (d *gapDay) vwap() float64 {
	if d.vol <= 0 {
		return 0
	}
	return d.pv / d.vol
}

func (d *gapDay) avgVolume() float64 {
	if len(d.volSamples) == 0 {
		return 0
	}
	return ta.SMA(d.volSamples, len(d.volSamples))
}

func (g *GapAndGo) eligible(d *gapDay, bar types.Bar) bool {
	if bar.Close < g.cfg.minPrice || bar.Close > g.cfg.maxPrice {
		return false
	}
	if !d.pmSeen || d.pmVolume < g.cfg.minPremarketVolume {
		return false
	}
	if avg := d.avgVolume(); avg > 0 && bar.Volume < avg*g.cfg.volumeSurge {
		return false
	}
	return true
}

func (g *GapAndGo) enter(symbol string, d *gapDay, bar types.Bar, sinceOpen int) *types.Signal {
	if sinceOpen > g.cfg.cutoffMinutes || d.entered || !g.eligible(d, bar) {
		return nil
	}

	gap := d.gapPct
	var dir types.Direction
	switch {
	case g.cfg.allowLong && gap >= g.cfg.minGapPct && gap <= g.cfg.maxGapPct:
		dir = types.Long
	case g.cfg.allowShort && gap <= -g.cfg.minGapPct && gap >= -g.cfg.maxGapPct:
		dir = types.Short
	default:
		return nil
	}

	ref := d.pmHigh
	if dir == types.Short {
		ref = d.pmLow
	}
	offset := math.Max(0.03, 0.0005*ref)
	broke := bar.High >= ref+offset && bar.Close >= ref
	if dir == types.Short {
		broke = bar.Low <= ref-offset && bar.Close <= ref
	}
	if !broke {
		return nil
	}
	d.confirms++
	if d.confirms < g.cfg.confirmBars {
		return nil
	}

	atr := d.atr(bar.Close)
	if len(d.ranges) < 3 {
		atr = bar.Close * 0.01
	}
	stop := bar.Close - g.cfg.atrStopMult*atr
	if dir == types.Short {
		stop = bar.Close + g.cfg.atrStopMult*atr
	}
	r := math.Abs(bar.Close - stop)
	if r < bar.Close*0.005 {
		return nil
	}

	d.entered = true
	d.crack = 0
	d.pos = &gapPosition{dir: dir, entry: bar.Close, stop: stop, r: r}
	return &types.Signal{
		Symbol:    symbol,
		Direction: dir,
		StopPct:   r / bar.Close * 100,
		Reason:    "gap and go breakout",
		Meta: map[string]any{
			"gap_pct":   gap,
			"reference": ref,
			"stop":      stop,
			"atr":       atr,
		},
	}
}

// manage walks the stop and reports an exit on the exit time, a confirmed
// VWAP crack or a stop touch.
func (g *GapAndGo) manage(symbol string, d *gapDay, bar types.Bar, m int) (*types.Signal, error) {
	p := d.pos
	long := p.dir == types.Long
	exit := func(reason string) (*types.Signal, error) {
		d.pos = nil
		return &types.Signal{Symbol: symbol, Direction: types.Flat, Reason: reason,
			Meta: map[string]any{"entry": p.entry, "stop": p.stop}}, nil
	}

	if m >= g.cfg.exitAt {
		return exit("gap and go time exit")
	}

	atr := d.atr(p.entry)
	vwap := d.vwap()

	if !p.breakeven && ((long && bar.Close >= p.entry+p.r) || (!long && bar.Close <= p.entry-p.r)) {
		buffer := math.Max(0.02, math.Max(0.20*p.r, 0.4*atr))
		if p.entry < 10 {
			buffer = math.Max(0.03, math.Max(0.30*p.r, 0.5*atr))
		}
		if long {
			p.stop = p.entry + buffer
		} else {
			p.stop = p.entry - buffer
		}
		p.breakeven = true
	}

	if vwap > 0 {
		if long {
			p.stop = math.Max(p.stop, vwap-g.cfg.trailFloorMult*atr)
		} else {
			p.stop = math.Min(p.stop, vwap+g.cfg.trailFloorMult*atr)
		}

		buffer := math.Max(0.5*atr, 0.005*bar.Close)
		cracked := bar.Close < vwap-buffer
		if !long {
			cracked = bar.Close > vwap+buffer
		}
		if cracked {
			d.crack++
		} else {
			d.crack = 0
		}
		if d.crack >= g.cfg.vwapCrackBars {
			return exit("gap and go vwap crack")
		}
	}

	if (long && bar.Low <= p.stop) || (!long && bar.High >= p.stop) {
		return exit("gap and go stop")
	}
	return nil, nil
}
