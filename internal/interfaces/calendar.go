package interfaces

import (
	"context"
	"time"
)

// ClockInfo is a calendar source's answer for a given instant.
type ClockInfo struct {
	IsOpen   bool
	NextOpen time.Time
}

// CalendarSource reports market hours. Errors make the gate fail closed.
type CalendarSource interface {
	Clock(ctx context.Context, now time.Time) (ClockInfo, error)
}
