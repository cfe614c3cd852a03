package eod

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gocarina/gocsv"

	"trading-controller/internal/tradelog"
)

type eodSummarizer struct {
	loc    *time.Location
	cutoff int
	now    func() time.Time
}

// SummarizeDay aggregates the fills in t's trade log by symbol and writes the
// EOD CSV. It returns "" with no error when the day has no fills.
func (s *eodSummarizer) SummarizeDay(t time.Time) (string, error) {
	f, err := os.Open(tradelog.DailyPath(t))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	aggs := map[string]*aggRow{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var tl tradeLine
		if err := json.Unmarshal(sc.Bytes(), &tl); err != nil || tl.Kind != tradelog.KindFill {
			continue
		}
		row := aggs[tl.Symbol]
		if row == nil {
			row = &aggRow{Symbol: tl.Symbol}
			aggs[tl.Symbol] = row
		}
		row.Fills++
		row.RealizedPnL += tl.PnL
		switch tl.Side {
		case "BUY":
			row.BuyQty += tl.Qty
			row.BuyValue += float64(tl.Qty) * tl.Price
		case "SELL":
			row.SellQty += tl.Qty
			row.SellValue += float64(tl.Qty) * tl.Price
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	if len(aggs) == 0 {
		return "", nil
	}

	keys := make([]string, 0, len(aggs))
	for k := range aggs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]*aggRow, 0, len(keys)+1)
	total := &aggRow{Symbol: "TOTAL"}
	for _, k := range keys {
		r := aggs[k]
		if r.BuyQty > 0 {
			r.BuyAvg = round(r.BuyValue/float64(r.BuyQty), 4)
		}
		if r.SellQty > 0 {
			r.SellAvg = round(r.SellValue/float64(r.SellQty), 4)
		}
		r.RealizedPnL = round(r.RealizedPnL, 2)
		total.Fills += r.Fills
		total.BuyQty += r.BuyQty
		total.SellQty += r.SellQty
		total.BuyValue += r.BuyValue
		total.SellValue += r.SellValue
		total.RealizedPnL += r.RealizedPnL
		rows = append(rows, r)
	}
	total.RealizedPnL = round(total.RealizedPnL, 2)
	rows = append(rows, total)

	outPath := eodCSVPath(t.In(s.loc))
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", err
	}
	out, err := os.Create(outPath)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if err := gocsv.MarshalFile(&rows, out); err != nil {
		return "", err
	}
	return outPath, nil
}

func (s *eodSummarizer) SummarizeToday() (string, error) {
	return s.SummarizeDay(s.now().In(s.loc))
}

// ShouldRunNow is true after the cutoff until today's CSV exists.
func (s *eodSummarizer) ShouldRunNow() (bool, string) {
	now := s.now().In(s.loc)
	outPath := eodCSVPath(now)
	if now.After(cutoffTime(now, s.cutoff)) {
		if _, err := os.Stat(outPath); errors.Is(err, os.ErrNotExist) {
			return true, outPath
		}
	}
	return false, outPath
}
