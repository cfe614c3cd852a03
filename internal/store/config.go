package store

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"trading-controller/internal/types"
)

type Window struct {
	Start string `yaml:"start" validate:"required"`
	End   string `yaml:"end" validate:"required"`
}

type Config struct {
	Symbols       []string `yaml:"symbols" default:"[\"AAPL\",\"MSFT\"]" validate:"min=1,dive,required"`
	Timeframe     string   `yaml:"timeframe" default:"1m" validate:"oneof=1m 3m 5m"`
	ForceMode     string   `yaml:"force_mode" default:"auto" validate:"oneof=auto paper live"`
	FlattenOnStop bool     `yaml:"flatten_on_stop"`
	AllowShort    bool     `yaml:"allow_short" default:"true"`

	Risk struct {
		RiskPct       float64 `yaml:"risk_pct" default:"1" validate:"gt=0,lte=100"`
		StopLossPct   float64 `yaml:"stop_loss_pct" default:"1" validate:"gte=0,lt=100"`
		TakeProfitPct float64 `yaml:"take_profit_pct" default:"2" validate:"gte=0"`
	} `yaml:"risk"`

	Calendar struct {
		Timezone string   `yaml:"timezone" default:"America/New_York"`
		Open     string   `yaml:"open" default:"09:30"`
		Close    string   `yaml:"close" default:"16:00"`
		Holidays []string `yaml:"holidays"`
		Source   string   `yaml:"source" default:"static" validate:"oneof=static polygon"`
		EODAfter string   `yaml:"eod_after" default:"16:10"`
	} `yaml:"calendar"`

	Blackout struct {
		Enabled bool     `yaml:"enabled" default:"true"`
		Windows []Window `yaml:"windows" validate:"dive"`
	} `yaml:"blackout"`

	Strategy struct {
		Name        string         `yaml:"name" default:"sma_cross" validate:"required"`
		Params      map[string]any `yaml:"params"`
		SearchPaths []string       `yaml:"search_paths"`
	} `yaml:"strategy"`

	Feed struct {
		Source            string `yaml:"source" default:"polygon" validate:"oneof=polygon kite"`
		Stream            bool   `yaml:"stream" default:"true"`
		StreamURL         string `yaml:"stream_url" default:"wss://socket.polygon.io/stocks" validate:"url"`
		PollSeconds       int    `yaml:"poll_seconds" default:"60" validate:"gt=0"`
		LivenessSeconds   int    `yaml:"liveness_seconds" default:"120" validate:"gt=0"`
		StreamRetrySecs   int    `yaml:"stream_retry_seconds" default:"300" validate:"gte=0"`
		MaxPollFailures   int    `yaml:"max_poll_failures" default:"10" validate:"gt=0"`
		RequestsPerMinute int    `yaml:"requests_per_minute" default:"5" validate:"gt=0"`
	} `yaml:"feed"`

	Orders struct {
		Stream                bool `yaml:"stream" default:"true"`
		PollSeconds           int  `yaml:"poll_seconds" default:"2" validate:"gt=0"`
		AccountSeconds        int  `yaml:"account_seconds" default:"2" validate:"gt=0"`
		MaxRetries            int  `yaml:"max_retries" default:"2" validate:"gte=0"`
		FlattenTimeoutSeconds int  `yaml:"flatten_timeout_seconds" default:"30" validate:"gt=0"`
	} `yaml:"orders"`

	Paper struct {
		Enabled      bool    `yaml:"enabled" default:"true"`
		StartingCash float64 `yaml:"starting_cash" default:"100000" validate:"gt=0"`
	} `yaml:"paper"`

	Kite struct {
		Exchange string `yaml:"exchange" default:"NSE"`
		Product  string `yaml:"product" default:"MIS"`
	} `yaml:"kite"`

	Backtest struct {
		StartingCash float64 `yaml:"starting_cash" default:"100000" validate:"gt=0"`
		FillPolicy   string  `yaml:"fill_policy" default:"close" validate:"oneof=close next_open"`
		Source       string  `yaml:"source" default:"polygon" validate:"oneof=polygon csv"`
		DataDir      string  `yaml:"data_dir" default:"data"`
		OutputDir    string  `yaml:"output_dir" default:"backtests"`
		From         string  `yaml:"from"`
		To           string  `yaml:"to"`
	} `yaml:"backtest"`

	Control struct {
		Addr string `yaml:"addr" default:":8080"`
	} `yaml:"control"`
}

// Default returns a Config populated only from default tags.
func Default() *Config {
	var c Config
	if err := defaults.Set(&c); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	c.applyImplicitDefaults()
	return &c
}

func (c *Config) applyImplicitDefaults() {
	if c.Blackout.Windows == nil {
		c.Blackout.Windows = []Window{{Start: "12:00", End: "13:00"}}
	}
	if c.Strategy.Params == nil {
		c.Strategy.Params = map[string]any{}
	}
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if _, err := time.LoadLocation(c.Calendar.Timezone); err != nil {
		return fmt.Errorf("calendar.timezone %q: %w", c.Calendar.Timezone, err)
	}
	open, err := ParseClock(c.Calendar.Open)
	if err != nil {
		return fmt.Errorf("calendar.open: %w", err)
	}
	closeAt, err := ParseClock(c.Calendar.Close)
	if err != nil {
		return fmt.Errorf("calendar.close: %w", err)
	}
	if closeAt <= open {
		return errors.New("calendar.close must be after calendar.open")
	}
	if _, err := ParseClock(c.Calendar.EODAfter); err != nil {
		return fmt.Errorf("calendar.eod_after: %w", err)
	}
	for i, h := range c.Calendar.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return fmt.Errorf("calendar.holidays[%d] %q: must be YYYY-MM-DD", i, h)
		}
	}
	for i, w := range c.Blackout.Windows {
		s, err := ParseClock(w.Start)
		if err != nil {
			return fmt.Errorf("blackout.windows[%d].start: %w", i, err)
		}
		e, err := ParseClock(w.End)
		if err != nil {
			return fmt.Errorf("blackout.windows[%d].end: %w", i, err)
		}
		if e <= s {
			return fmt.Errorf("blackout.windows[%d]: end must be after start", i)
		}
	}
	from, to, err := c.BacktestRange(time.Now())
	if err != nil {
		return err
	}
	if !to.After(from) {
		return errors.New("backtest.to must be after backtest.from")
	}
	return nil
}

// TimeframeValue returns the parsed bar timeframe.
func (c *Config) TimeframeValue() types.Timeframe {
	tf, err := types.ParseTimeframe(c.Timeframe)
	if err != nil {
		return types.OneMinute
	}
	return tf
}

// Location returns the exchange-local time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Calendar.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// BacktestRange resolves backtest.from/to. Missing values default to the two years before now.
func (c *Config) BacktestRange(now time.Time) (from, to time.Time, err error) {
	loc := c.Location()
	to = now.In(loc)
	if c.Backtest.To != "" {
		if to, err = time.ParseInLocation("2006-01-02", c.Backtest.To, loc); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("backtest.to %q: must be YYYY-MM-DD", c.Backtest.To)
		}
		to = to.Add(24*time.Hour - time.Nanosecond)
	}
	from = to.AddDate(0, 0, -730)
	if c.Backtest.From != "" {
		if from, err = time.ParseInLocation("2006-01-02", c.Backtest.From, loc); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("backtest.from %q: must be YYYY-MM-DD", c.Backtest.From)
		}
	}
	return from, to, nil
}

// ParseClock parses "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: must be HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(b)
}

// ParseConfig applies defaults, then the YAML document, then validation.
func ParseConfig(b []byte) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.applyImplicitDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &c, nil
}
