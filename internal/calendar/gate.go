package calendar

import (
	"context"
	"errors"
	"time"

	"trading-controller/internal/interfaces"
	"trading-controller/internal/logger"
	"trading-controller/internal/store"
)

var ErrCalendarUnavailable = errors.New("calendar source unavailable")

// DefaultMaxFailures is how many consecutive source errors mark the gate as stuck.
const DefaultMaxFailures = 20

// Window is a blackout range in exchange-local minutes after midnight, [Start, End).
type Window struct {
	Start int
	End   int
}

// ParseWindows converts configured HH:MM windows.
func ParseWindows(ws []store.Window) ([]Window, error) {
	out := make([]Window, 0, len(ws))
	for _, w := range ws {
		s, err := store.ParseClock(w.Start)
		if err != nil {
			return nil, err
		}
		e, err := store.ParseClock(w.End)
		if err != nil {
			return nil, err
		}
		out = append(out, Window{Start: s, End: e})
	}
	return out, nil
}

// State is the gate's answer at a given instant.
type State struct {
	Open     bool
	NextOpen time.Time
	Err      error
}

// Gate answers market-hours and blackout questions. A failing source reads as closed.
type Gate struct {
	source      interfaces.CalendarSource
	loc         *time.Location
	windows     []Window
	retry       time.Duration
	maxFailures int
	failures    int
}

func NewGate(source interfaces.CalendarSource, loc *time.Location, windows []Window) *Gate {
	return &Gate{
		source:      source,
		loc:         loc,
		windows:     windows,
		retry:       30 * time.Second,
		maxFailures: DefaultMaxFailures,
	}
}

// Check queries the source once.
func (g *Gate) Check(ctx context.Context, now time.Time) State {
	info, err := g.source.Clock(ctx, now)
	if err != nil {
		g.failures++
		logger.Warn(ctx, "Calendar check failed, treating market as closed",
			"error_kind", "feed",
			"error", err,
			"consecutive_failures", g.failures,
		)
		return State{Open: false, NextOpen: now.Add(g.retry), Err: errors.Join(ErrCalendarUnavailable, err)}
	}
	g.failures = 0
	return State{Open: info.IsOpen, NextOpen: info.NextOpen}
}

func (g *Gate) IsOpen(ctx context.Context, now time.Time) bool {
	return g.Check(ctx, now).Open
}

func (g *Gate) NextOpen(ctx context.Context, now time.Time) time.Time {
	return g.Check(ctx, now).NextOpen
}

// Stuck reports whether the source has failed too many times in a row.
func (g *Gate) Stuck() bool { return g.failures >= g.maxFailures }

// InBlackout reports whether now falls in one of the gate's blackout windows.
func (g *Gate) InBlackout(now time.Time) bool {
	return InBlackout(now, g.loc, g.windows)
}

// InBlackout reports whether now, in loc, falls in any window.
func InBlackout(now time.Time, loc *time.Location, windows []Window) bool {
	m := minuteOfDay(now.In(loc))
	for _, w := range windows {
		if m >= w.Start && m < w.End {
			return true
		}
	}
	return false
}

// WaitInterval is how long to sleep before re-checking a closed market.
func WaitInterval(now, nextOpen time.Time) time.Duration {
	until := nextOpen.Sub(now)
	switch {
	case until <= 0:
		return 5 * time.Second
	case until <= time.Minute:
		return 5 * time.Second
	case until <= 5*time.Minute:
		return 15 * time.Second
	default:
		return 30 * time.Second
	}
}
