package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"trading-controller/internal/engine"
	"trading-controller/internal/interfaces"
	"trading-controller/internal/logger"
)

// Server exposes the run controller's lifecycle commands over HTTP.
type Server struct {
	ctrl    interfaces.Controller
	metrics http.Handler
	router  *mux.Router
}

type errorResponse struct {
	Type string `json:"type"`
	Msg  string `json:"message"`
}

type flattenOnStopRequest struct {
	Enabled *bool `json:"enabled"`
}

// New builds the router. metrics may be nil, in which case /metrics is not served.
func New(ctrl interfaces.Controller, metrics http.Handler) *Server {
	s := &Server{ctrl: ctrl, metrics: metrics, router: mux.NewRouter()}

	r := s.router.PathPrefix("/session").Subrouter()
	r.HandleFunc("/start", s.command(func(ctx context.Context, _ *http.Request) error {
		return s.ctrl.Start(ctx)
	})).Methods(http.MethodPost)
	r.HandleFunc("/pause", s.command(func(ctx context.Context, _ *http.Request) error {
		return s.ctrl.Pause(ctx)
	})).Methods(http.MethodPost)
	r.HandleFunc("/resume", s.command(func(ctx context.Context, _ *http.Request) error {
		return s.ctrl.Resume(ctx)
	})).Methods(http.MethodPost)
	r.HandleFunc("/stop", s.command(func(ctx context.Context, req *http.Request) error {
		return s.ctrl.Stop(ctx, confirmed(req))
	})).Methods(http.MethodPost)
	r.HandleFunc("/flatten", s.command(func(ctx context.Context, req *http.Request) error {
		return s.ctrl.FlattenAndStop(ctx, confirmed(req))
	})).Methods(http.MethodPost)
	r.HandleFunc("/confirm-live", s.command(func(ctx context.Context, _ *http.Request) error {
		return s.ctrl.ConfirmLive(ctx)
	})).Methods(http.MethodPost)
	r.HandleFunc("/flatten-on-stop", s.setFlattenOnStop).Methods(http.MethodPut, http.MethodPost)
	r.HandleFunc("/status", s.status).Methods(http.MethodGet)

	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	if metrics != nil {
		s.router.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info(ctx, "Control server listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// command runs fn and answers with the resulting status.
func (s *Server) command(fn func(context.Context, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context(), r); err != nil {
			logger.Warn(r.Context(), "Control command rejected", "path", r.URL.Path, "error", err)
			setErrorResponse(w, err)
			return
		}
		s.status(w, r)
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctrl.Status(r.Context())
	if err != nil {
		setErrorResponse(w, err)
		return
	}
	setResponse(w, st)
}

func (s *Server) setFlattenOnStop(w http.ResponseWriter, r *http.Request) {
	var on bool
	if v := r.URL.Query().Get("enabled"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			setError(w, "bad_request", http.StatusBadRequest, fmt.Errorf("enabled: %w", err))
			return
		}
		on = b
	} else {
		var req flattenOnStopRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
			setError(w, "bad_request", http.StatusBadRequest, errors.New(`expected ?enabled=true|false or {"enabled": bool}`))
			return
		}
		on = *req.Enabled
	}
	if err := s.ctrl.SetFlattenOnStop(r.Context(), on); err != nil {
		setErrorResponse(w, err)
		return
	}
	s.status(w, r)
}

func confirmed(r *http.Request) bool {
	ok, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
	return ok
}

func setResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

// setErrorResponse maps controller errors onto HTTP status codes.
func setErrorResponse(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidTransition):
		setError(w, "invalid_transition", http.StatusConflict, err)
	case errors.Is(err, engine.ErrConfirmationRequired):
		setError(w, "confirmation_required", http.StatusPreconditionRequired, err)
	case errors.Is(err, engine.ErrNotRunning):
		setError(w, "not_running", http.StatusServiceUnavailable, err)
	case errors.Is(err, engine.ErrNoBroker):
		setError(w, "no_broker", http.StatusBadGateway, err)
	case errors.Is(err, engine.ErrNoMarketData):
		setError(w, "no_market_data", http.StatusServiceUnavailable, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		setError(w, "timeout", http.StatusGatewayTimeout, err)
	default:
		setError(w, "internal", http.StatusInternalServerError, err)
	}
}

func setError(w http.ResponseWriter, errType string, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorResponse{Type: errType, Msg: err.Error()})
}
