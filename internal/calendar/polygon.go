package calendar

import (
	"context"
	"fmt"
	"time"

	"github.com/polygon-io/client-go/rest/models"

	"trading-controller/internal/interfaces"
)

// MarketStatusFetcher is satisfied by the Polygon REST client.
type MarketStatusFetcher interface {
	GetMarketStatus(ctx context.Context, options ...models.RequestOption) (*models.GetMarketStatusResponse, error)
}

// PolygonSource asks Polygon whether the market is open and uses the static
// session calendar for the next open.
type PolygonSource struct {
	client   MarketStatusFetcher
	sessions *SessionCalendar
}

var _ interfaces.CalendarSource = (*PolygonSource)(nil)

func NewPolygonSource(client MarketStatusFetcher, sessions *SessionCalendar) *PolygonSource {
	return &PolygonSource{client: client, sessions: sessions}
}

func (p *PolygonSource) Clock(ctx context.Context, now time.Time) (interfaces.ClockInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res, err := p.client.GetMarketStatus(ctx)
	if err != nil {
		return interfaces.ClockInfo{}, fmt.Errorf("polygon market status: %w", err)
	}
	info := interfaces.ClockInfo{
		IsOpen:   res.Market == "open",
		NextOpen: p.sessions.NextOpenAfter(now),
	}
	return info, nil
}
