package polygon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"trading-controller/internal/interfaces"
	"trading-controller/internal/logger"
	"trading-controller/internal/types"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// Stream subscribes to per-minute aggregates (AM.<symbol>) over the Polygon websocket.
type Stream struct {
	url    string
	apiKey string
	loc    *time.Location
	dialer *websocket.Dialer
}

var _ interfaces.BarStreamer = (*Stream)(nil)

func NewStream(url, apiKey string, loc *time.Location) *Stream {
	return &Stream{
		url:    url,
		apiKey: apiKey,
		loc:    loc,
		dialer: websocket.DefaultDialer,
	}
}

type action struct {
	Action string `json:"action"`
	Params string `json:"params"`
}

type message struct {
	Ev      string  `json:"ev"`
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Sym     string  `json:"sym"`
	Open    float64 `json:"o"`
	High    float64 `json:"h"`
	Low     float64 `json:"l"`
	Close   float64 `json:"c"`
	Volume  float64 `json:"v"`
	Start   int64   `json:"s"`
	End     int64   `json:"e"`
}

// StreamBars dials, authenticates and subscribes. The returned channels close
// when the connection ends; a read failure is reported on the error channel first.
func (s *Stream) StreamBars(ctx context.Context, symbols []string) (<-chan types.Bar, <-chan error, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", s.url, err)
	}

	if err := s.handshake(conn, symbols); err != nil {
		conn.Close()
		return nil, nil, err
	}
	logger.Info(ctx, "Market stream subscribed", "url", s.url, "symbols", symbols)

	bars := make(chan types.Bar, 256)
	errs := make(chan error, 1)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	go func() {
		defer close(bars)
		defer close(done)
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					errs <- fmt.Errorf("read: %w", err)
				}
				return
			}
			msgs, err := decode(data)
			if err != nil {
				logger.Warn(ctx, "Malformed stream message dropped", "error_kind", "feed", "error", err)
				continue
			}
			for _, m := range msgs {
				switch m.Ev {
				case "AM":
					b := s.toBar(m)
					select {
					case bars <- b:
					case <-ctx.Done():
						return
					}
				case "status":
					logger.Debug(ctx, "Stream status", "status", m.Status, "message", m.Message)
				}
			}
		}
	}()

	return bars, errs, nil
}

func (s *Stream) handshake(conn *websocket.Conn, symbols []string) error {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	if err := s.write(conn, action{Action: "auth", Params: s.apiKey}); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := awaitStatus(conn, "auth_success", "auth_failed"); err != nil {
		return err
	}

	params := make([]string, len(symbols))
	for i, sym := range symbols {
		params[i] = "AM." + sym
	}
	if err := s.write(conn, action{Action: "subscribe", Params: strings.Join(params, ",")}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (s *Stream) write(conn *websocket.Conn, a action) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(a)
}

// awaitStatus reads until a status message equal to ok or fail arrives.
func awaitStatus(conn *websocket.Conn, ok, fail string) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("handshake read: %w", err)
		}
		msgs, err := decode(data)
		if err != nil {
			return fmt.Errorf("handshake decode: %w", err)
		}
		for _, m := range msgs {
			if m.Ev != "status" {
				continue
			}
			switch m.Status {
			case ok:
				return nil
			case fail:
				return errors.New("stream " + fail + ": " + m.Message)
			}
		}
	}
}

// decode accepts both a JSON array of events and a single event object.
func decode(data []byte) ([]message, error) {
	var msgs []message
	if err := json.Unmarshal(data, &msgs); err == nil {
		return msgs, nil
	}
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return []message{m}, nil
}

func (s *Stream) toBar(m message) types.Bar {
	return types.Bar{
		Symbol:    m.Sym,
		Timestamp: time.UnixMilli(m.Start).In(s.loc),
		Open:      m.Open,
		High:      m.High,
		Low:       m.Low,
		Close:     m.Close,
		Volume:    m.Volume,
	}
}
