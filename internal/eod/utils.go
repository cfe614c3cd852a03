package eod

import (
	"path/filepath"
	"time"

	"trading-controller/internal/tradelog"
)

func eodCSVPath(t time.Time) string {
	return filepath.Join(tradelog.Dir(), "eod", t.Format("2006-01-02")+".csv")
}

func cutoffTime(t time.Time, minutes int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), minutes/60, minutes%60, 0, 0, t.Location())
}

func round(x float64, places int) float64 {
	p := 1.0
	for i := 0; i < places; i++ {
		p *= 10
	}
	if x < 0 {
		return -float64(int64(-x*p+0.5)) / p
	}
	return float64(int64(x*p+0.5)) / p
}
