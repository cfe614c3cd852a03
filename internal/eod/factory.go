package eod

import (
	"time"

	"trading-controller/internal/interfaces"
)

var defaultSummarizer interfaces.EodSummarizer = NewSummarizer(time.UTC, 16*60+10)

// SetDefaultSummarizer replaces the package-level summarizer, e.g. with an eodobs wrapper.
func SetDefaultSummarizer(summarizer interfaces.EodSummarizer) {
	defaultSummarizer = summarizer
}

// NewSummarizer summarizes trade logs for days in loc once the local clock
// passes cutoff, given in minutes after midnight.
func NewSummarizer(loc *time.Location, cutoff int) interfaces.EodSummarizer {
	return &eodSummarizer{loc: loc, cutoff: cutoff, now: time.Now}
}

func SummarizeDay(t time.Time) (string, error) {
	return defaultSummarizer.SummarizeDay(t)
}

func SummarizeToday() (string, error) {
	return defaultSummarizer.SummarizeToday()
}

func ShouldRunNow() (bool, string) {
	return defaultSummarizer.ShouldRunNow()
}
