package tradelog

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	mu  sync.Mutex
	loc = time.UTC
	now = time.Now
)

// Entry kinds.
const (
	KindFill   = "FILL"
	KindReject = "REJECT"
	KindCancel = "CANCEL"
	KindExit   = "EXIT"
	KindError  = "ERROR"
)

// Entry is one line of the daily trade log.
type Entry struct {
	Time    string         `json:"time"`
	Kind    string         `json:"kind"`
	Mode    string         `json:"mode,omitempty"`
	Symbol  string         `json:"symbol"`
	Side    string         `json:"side,omitempty"`
	Qty     int            `json:"qty,omitempty"`
	Price   float64        `json:"price,omitempty"`
	OrderID string         `json:"order_id,omitempty"`
	Tag     string         `json:"tag,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	PnL     float64        `json:"pnl,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

type SignalEntry struct {
	Time      string         `json:"time"`
	Strategy  string         `json:"strategy"`
	Symbol    string         `json:"symbol"`
	Direction string         `json:"direction"`
	Reason    string         `json:"reason,omitempty"`
	Price     float64        `json:"price"`
	BarTime   string         `json:"bar_time"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// SetLocation sets the zone used for timestamps and daily file names.
func SetLocation(l *time.Location) {
	mu.Lock()
	defer mu.Unlock()
	if l != nil {
		loc = l
	}
}

func Location() *time.Location {
	mu.Lock()
	defer mu.Unlock()
	return loc
}

func Dir() string {
	if v := os.Getenv("TRADER_LOG_DIR"); v != "" {
		return v
	}
	return "logs"
}

// DailyPath is the trade log file for the day containing t.
func DailyPath(t time.Time) string {
	return filepath.Join(Dir(), t.In(Location()).Format("2006-01-02")+".txt")
}

func signalsPath(t time.Time) string {
	return filepath.Join(Dir(), "signals", t.In(loc).Format("2006-01-02")+".txt")
}

func Append(e Entry) error {
	mu.Lock()
	defer mu.Unlock()
	t := now().In(loc)
	e.Time = t.Format("2006-01-02 15:04:05")
	return appendLine(filepath.Join(Dir(), t.Format("2006-01-02")+".txt"), e)
}

func AppendSignal(e SignalEntry) error {
	mu.Lock()
	defer mu.Unlock()
	t := now().In(loc)
	e.Time = t.Format("2006-01-02 15:04:05")
	return appendLine(signalsPath(t), e)
}

func appendLine(p string, v any) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(f, string(b))
	return err
}

// CompressOlder gzips log files last modified more than retentionDays ago.
func CompressOlder(retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	return filepath.WalkDir(Dir(), func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(p) != ".txt" {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		gz := p + ".gz"
		// an earlier run already compressed it
		if _, err := os.Stat(gz); err == nil {
			_ = os.Remove(p)
			return nil
		}
		if err := compress(p, gz); err == nil {
			_ = os.Remove(p)
		}
		return nil
	})
}

func compress(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	gw := gzip.NewWriter(out)
	_, err = io.Copy(gw, in)
	if cerr := gw.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}
