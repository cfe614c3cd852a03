package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"trading-controller/internal/types"
)

// SessionClient drives a running bot through its control server.
type SessionClient struct {
	client *Client
}

// NewSessionClient targets the control server at baseURL, e.g. http://localhost:8080.
func NewSessionClient(baseURL string, opts ...ClientOption) *SessionClient {
	opts = append([]ClientOption{WithBaseURL(baseURL), WithTimeout(45 * time.Second)}, opts...)
	return &SessionClient{client: NewClient(opts...)}
}

func (s *SessionClient) Start(ctx context.Context) (types.Status, error) {
	return s.post(ctx, "/session/start")
}

func (s *SessionClient) Pause(ctx context.Context) (types.Status, error) {
	return s.post(ctx, "/session/pause")
}

func (s *SessionClient) Resume(ctx context.Context) (types.Status, error) {
	return s.post(ctx, "/session/resume")
}

func (s *SessionClient) Stop(ctx context.Context, confirm bool) (types.Status, error) {
	return s.post(ctx, "/session/stop?confirm="+strconv.FormatBool(confirm))
}

func (s *SessionClient) FlattenAndStop(ctx context.Context, confirm bool) (types.Status, error) {
	return s.post(ctx, "/session/flatten?confirm="+strconv.FormatBool(confirm))
}

func (s *SessionClient) ConfirmLive(ctx context.Context) (types.Status, error) {
	return s.post(ctx, "/session/confirm-live")
}

func (s *SessionClient) SetFlattenOnStop(ctx context.Context, on bool) (types.Status, error) {
	return s.post(ctx, "/session/flatten-on-stop?enabled="+strconv.FormatBool(on))
}

// Status is retried on transport errors and 5xx responses.
func (s *SessionClient) Status(ctx context.Context) (types.Status, error) {
	req := NewRequest(http.MethodGet, "/session/status").WithContext(ctx)
	resp, err := s.client.DoWithRetry(req, &RetryConfig{MaxAttempts: 3, InitialWait: 200 * time.Millisecond, MaxWait: time.Second})
	if err != nil {
		return types.Status{}, err
	}
	var st types.Status
	return st, resp.ParseJSON(&st)
}

// post is not retried: lifecycle commands are not idempotent.
func (s *SessionClient) post(ctx context.Context, path string) (types.Status, error) {
	resp, err := s.client.POST(ctx, path, nil)
	if err != nil {
		return types.Status{}, err
	}
	var st types.Status
	return st, resp.ParseJSON(&st)
}
