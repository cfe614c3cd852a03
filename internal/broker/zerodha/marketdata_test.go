package zerodha

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"github.com/zerodha/gokiteconnect/v4/models"

	"trading-controller/internal/broker"
	"trading-controller/internal/types"
)

var ist = time.FixedZone("IST", 5*3600+1800)

type fakeHistory struct {
	instruments kiteconnect.Instruments
	fetches     int
	candles     []kiteconnect.HistoricalData
	token       int
	interval    string
	err         error
}

func (f *fakeHistory) GetInstrumentsByExchange(exchange string) (kiteconnect.Instruments, error) {
	f.fetches++
	return f.instruments, nil
}

func (f *fakeHistory) GetHistoricalData(token int, interval string, from, to time.Time, continuous, oi bool) ([]kiteconnect.HistoricalData, error) {
	f.token, f.interval = token, interval
	return f.candles, f.err
}

func newTestMarketData(h *fakeHistory) *MarketData {
	h.instruments = kiteconnect.Instruments{
		{InstrumentToken: 408065, Tradingsymbol: "INFY", Exchange: "NSE"},
		{InstrumentToken: 738561, Tradingsymbol: "RELIANCE", Exchange: "NSE"},
		{InstrumentToken: 1, Tradingsymbol: "INFY", Exchange: "BSE"},
	}
	return newMarketData(Params{Exchange: "NSE"}, h, ist)
}

func candle(ts time.Time, close float64) kiteconnect.HistoricalData {
	return kiteconnect.HistoricalData{
		Date:   models.Time{Time: ts},
		Open:   close,
		High:   close + 1,
		Low:    close - 1,
		Close:  close,
		Volume: 100,
	}
}

func TestNewMarketDataRequiresCredentials(t *testing.T) {
	_, err := NewMarketData(Params{APIKey: "k"}, ist)
	assert.ErrorIs(t, err, broker.ErrMissingCredentials)
}

func TestInstrumentMapper(t *testing.T) {
	h := &fakeHistory{}
	md := newTestMarketData(h)

	tokens, err := md.mapper.tokens([]string{"RELIANCE", "INFY"})
	require.NoError(t, err)
	assert.Equal(t, []uint32{738561, 408065}, tokens)
	assert.Equal(t, "INFY", md.mapper.getSymbol(408065))
	assert.Empty(t, md.mapper.getSymbol(1), "other exchanges are ignored")

	_, err = md.mapper.getToken("TSLA")
	assert.ErrorIs(t, err, ErrUnknownInstrument)
	assert.Equal(t, 1, h.fetches, "instrument dump is fetched once")
}

func TestPollBarsReturnsCandlesAfterSince(t *testing.T) {
	open := time.Date(2026, 3, 2, 9, 15, 0, 0, ist)
	h := &fakeHistory{candles: []kiteconnect.HistoricalData{
		candle(open.Add(2*time.Minute), 1502),
		candle(open, 1500),
		candle(open.Add(time.Minute), 1501),
	}}
	md := newTestMarketData(h)

	bars, err := md.PollBars(context.Background(), "INFY", types.OneMinute, open)
	require.NoError(t, err)
	assert.Equal(t, 408065, h.token)
	assert.Equal(t, "minute", h.interval)
	require.Len(t, bars, 2)
	assert.Equal(t, open.Add(time.Minute), bars[0].Timestamp)
	assert.Equal(t, 1502.0, bars[1].Close)
	assert.Equal(t, 100.0, bars[1].Volume)
	assert.Equal(t, "INFY", bars[1].Symbol)

	_, err = md.PollBars(context.Background(), "INFY", types.FiveMinute, open)
	require.NoError(t, err)
	assert.Equal(t, "5minute", h.interval)

	h.err = errors.New("429")
	_, err = md.PollBars(context.Background(), "INFY", types.OneMinute, open)
	assert.ErrorContains(t, err, "kite historical INFY")

	_, err = md.PollBars(context.Background(), "TSLA", types.OneMinute, open)
	assert.ErrorIs(t, err, ErrUnknownInstrument)
}

func tick(token uint32, at time.Time, price float64, cumVol uint32) models.Tick {
	return models.Tick{
		InstrumentToken: token,
		LastTradeTime:   models.Time{Time: at},
		LastPrice:       price,
		VolumeTraded:    cumVol,
	}
}

func TestTicksFoldIntoMinuteBars(t *testing.T) {
	h := &fakeHistory{}
	md := newTestMarketData(h)
	_, err := md.mapper.tokens([]string{"INFY"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &tickStream{ctx: ctx, mapper: md.mapper, cache: newCandleCache(ist, time.Now), out: make(chan types.Bar, 4)}

	m0 := time.Date(2026, 3, 2, 9, 15, 0, 0, ist)
	s.onTick(tick(408065, m0.Add(5*time.Second), 100, 1000))
	s.onTick(tick(408065, m0.Add(20*time.Second), 103, 1200))
	s.onTick(tick(408065, m0.Add(40*time.Second), 99, 1500))
	s.onTick(tick(999, m0.Add(41*time.Second), 1, 1))
	assert.Empty(t, s.out, "the forming minute is held back")

	s.onTick(tick(408065, m0.Add(61*time.Second), 101, 1600))
	require.Len(t, s.out, 1)
	b := <-s.out
	assert.Equal(t, types.Bar{Symbol: "INFY", Timestamp: m0, Open: 100, High: 103, Low: 99, Close: 99, Volume: 500}, b)

	// a late tick for the emitted minute is dropped
	s.onTick(tick(408065, m0.Add(50*time.Second), 80, 1650))
	s.onTick(tick(408065, m0.Add(125*time.Second), 102, 1700))
	require.Len(t, s.out, 1)
	b = <-s.out
	assert.Equal(t, m0.Add(time.Minute), b.Timestamp)
	assert.Equal(t, 101.0, b.Open)
	assert.Equal(t, 101.0, b.Low)
	assert.Equal(t, 100.0, b.Volume)
}
