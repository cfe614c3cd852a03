package polygon

import (
	"context"
	"errors"
	"fmt"
	"time"

	polygon "github.com/polygon-io/client-go/rest"
	"github.com/polygon-io/client-go/rest/models"
	"golang.org/x/time/rate"

	"trading-controller/internal/interfaces"
	"trading-controller/internal/types"
)

// historicalLag keeps historical requests clear of the provider's delayed-data window.
const historicalLag = 20 * time.Minute

type aggsFunc func(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time) ([]types.Bar, error)

// Client polls and loads minute aggregates from the Polygon REST API.
type Client struct {
	rest    *polygon.Client
	limiter *rate.Limiter
	loc     *time.Location
	now     func() time.Time
	fetch   aggsFunc
}

var (
	_ interfaces.BarPoller        = (*Client)(nil)
	_ interfaces.HistoricalSource = (*Client)(nil)
)

// NewClient builds a client limited to requestsPerMinute calls.
func NewClient(apiKey string, requestsPerMinute int, loc *time.Location) *Client {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 5
	}
	c := &Client{
		rest:    polygon.New(apiKey),
		limiter: rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 1),
		loc:     loc,
		now:     time.Now,
	}
	c.fetch = c.listAggs
	return c
}

// REST exposes the underlying client for other Polygon endpoints.
func (c *Client) REST() *polygon.Client { return c.rest }

// PollBars returns bars for symbol with timestamps strictly after since.
func (c *Client) PollBars(ctx context.Context, symbol string, tf types.Timeframe, since time.Time) ([]types.Bar, error) {
	bars, err := c.fetch(ctx, symbol, tf, since, c.now())
	if err != nil {
		return nil, err
	}
	out := bars[:0]
	for _, b := range bars {
		if b.Timestamp.After(since) {
			out = append(out, b)
		}
	}
	return out, nil
}

// LoadBars returns the full history in [from, to]. to is clamped to now minus the data lag.
func (c *Client) LoadBars(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time) ([]types.Bar, error) {
	if limit := c.now().Add(-historicalLag); to.After(limit) {
		to = limit
	}
	if !to.After(from) {
		return nil, fmt.Errorf("empty range for %s: from %s to %s", symbol, from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	bars, err := c.fetch(ctx, symbol, tf, from, to)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, errors.New("polygon returned no bars for " + symbol)
	}
	return bars, nil
}

func (c *Client) listAggs(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time) ([]types.Bar, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := models.ListAggsParams{
		Ticker:     symbol,
		Multiplier: tf.Minutes(),
		Timespan:   models.Minute,
		From:       models.Millis(from),
		To:         models.Millis(to),
	}.WithOrder(models.Asc).WithAdjusted(true).WithLimit(50000)

	iter := c.rest.ListAggs(ctx, params)

	var bars []types.Bar
	for iter.Next() {
		agg := iter.Item()
		bars = append(bars, types.Bar{
			Symbol:    symbol,
			Timestamp: time.Time(agg.Timestamp).In(c.loc),
			Open:      agg.Open,
			High:      agg.High,
			Low:       agg.Low,
			Close:     agg.Close,
			Volume:    agg.Volume,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("polygon aggs %s: %w", symbol, err)
	}
	return bars, nil
}
