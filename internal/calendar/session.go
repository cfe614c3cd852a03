package calendar

import (
	"context"
	"fmt"
	"time"

	"trading-controller/internal/interfaces"
	"trading-controller/internal/store"
)

// maxLookaheadDays bounds the next-open search across weekends and holiday runs.
const maxLookaheadDays = 14

// SessionCalendar is a static weekday calendar with regular hours and a holiday list.
type SessionCalendar struct {
	loc      *time.Location
	open     int // minutes after midnight
	close    int
	holidays map[string]bool
}

var _ interfaces.CalendarSource = (*SessionCalendar)(nil)

// NewSessionCalendar builds a calendar from "HH:MM" bounds and YYYY-MM-DD holidays.
func NewSessionCalendar(loc *time.Location, open, close string, holidays []string) (*SessionCalendar, error) {
	o, err := store.ParseClock(open)
	if err != nil {
		return nil, err
	}
	c, err := store.ParseClock(close)
	if err != nil {
		return nil, err
	}
	if c <= o {
		return nil, fmt.Errorf("close %s must be after open %s", close, open)
	}
	h := make(map[string]bool, len(holidays))
	for _, d := range holidays {
		h[d] = true
	}
	return &SessionCalendar{loc: loc, open: o, close: c, holidays: h}, nil
}

func (s *SessionCalendar) Clock(_ context.Context, now time.Time) (interfaces.ClockInfo, error) {
	return interfaces.ClockInfo{IsOpen: s.IsOpenAt(now), NextOpen: s.NextOpenAfter(now)}, nil
}

// IsTradingDay reports whether the exchange-local date of t is a weekday and not a holiday.
func (s *SessionCalendar) IsTradingDay(t time.Time) bool {
	local := t.In(s.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !s.holidays[local.Format("2006-01-02")]
}

func (s *SessionCalendar) IsOpenAt(t time.Time) bool {
	if !s.IsTradingDay(t) {
		return false
	}
	m := minuteOfDay(t.In(s.loc))
	return m >= s.open && m < s.close
}

// NextOpenAfter returns the next session open strictly after t, or t's own
// session open if t is earlier that same day.
func (s *SessionCalendar) NextOpenAfter(t time.Time) time.Time {
	local := t.In(s.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	for i := 0; i <= maxLookaheadDays; i++ {
		d := day.AddDate(0, 0, i)
		openAt := d.Add(time.Duration(s.open) * time.Minute)
		if s.IsTradingDay(d) && openAt.After(local) {
			return openAt
		}
	}
	return day.AddDate(0, 0, maxLookaheadDays+1).Add(time.Duration(s.open) * time.Minute)
}

// SessionOpen returns the open of the session containing t.
func (s *SessionCalendar) SessionOpen(t time.Time) time.Time {
	local := t.In(s.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc).
		Add(time.Duration(s.open) * time.Minute)
}

func (s *SessionCalendar) Location() *time.Location { return s.loc }

func minuteOfDay(t time.Time) int { return t.Hour()*60 + t.Minute() }
