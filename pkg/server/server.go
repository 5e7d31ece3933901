// Package server exposes the agent's status, history, metrics and control
// commands over local HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignition/privacy-agent/pkg/journal"
	"github.com/ignition/privacy-agent/pkg/privacy"
)

const (
	DefaultAddr         = "127.0.0.1:8189"
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
	maxRequestBytes     = 64 << 10
)

// IController is the command surface of the agent.
type IController interface {
	Status(ctx context.Context) privacy.Status
	EmergencyBlock(ctx context.Context)
	Resume(ctx context.Context) error
	AllowTemporarily(ctx context.Context, domain string, d time.Duration) (time.Time, error)
}

// IHistory serves journal queries.
type IHistory interface {
	Transitions(limit int) ([]journal.TransitionRecord, error)
	Activities(limit int) ([]journal.ActivityRecord, error)
}

type Config struct {
	Addr       string
	Controller IController
	// History and Metrics are optional; their routes answer 404 when unset.
	History IHistory
	Metrics *Metrics
	Logger  *slog.Logger
}

type Server struct {
	addr       string
	controller IController
	history    IHistory
	metrics    *Metrics
	logger     *slog.Logger
	router     chi.Router
}

// AllowRequest is the body of POST /allow.
type AllowRequest struct {
	Domain  string `json:"domain"`
	Seconds int    `json:"seconds,omitempty"`
}

// AllowResponse reports when a temporary allowance lapses.
type AllowResponse struct {
	Domain  string    `json:"domain"`
	Expires time.Time `json:"expires"`
}

func New(config Config) *Server {
	if config.Addr == "" {
		config.Addr = DefaultAddr
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	s := &Server{
		addr:       config.Addr,
		controller: config.Controller,
		history:    config.History,
		metrics:    config.Metrics,
		logger:     config.Logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })
	r.Get("/status", s.getStatus)
	r.Post("/emergency-block", s.emergencyBlock)
	r.Post("/resume", s.resume)
	r.Post("/allow", s.allow)
	r.Route("/history", func(r chi.Router) {
		r.Get("/transitions", s.transitions)
		r.Get("/activities", s.activities)
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           http.MaxBytesHandler(s.router, maxRequestBytes),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("control server listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("control server: %w", err)
	}
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic", "path", r.URL.Path, "panic", rec)
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Status(r.Context()))
}

func (s *Server) emergencyBlock(w http.ResponseWriter, r *http.Request) {
	s.controller.EmergencyBlock(r.Context())
	s.logger.Warn("emergency block requested", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, s.controller.Status(r.Context()))
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Resume(r.Context()); err != nil {
		if errors.Is(err, privacy.ErrNotBlocked) {
			writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Status(r.Context()))
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request) {
	var req AllowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	if req.Domain == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "domain is required"})
		return
	}
	if req.Seconds < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "seconds must not be negative"})
		return
	}
	expires, err := s.controller.AllowTemporarily(r.Context(), req.Domain, time.Duration(req.Seconds)*time.Second)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, AllowResponse{Domain: req.Domain, Expires: expires})
}

func historyLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return min(n, maxHistoryLimit), nil
}

func (s *Server) transitions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "journal disabled"})
		return
	}
	limit, err := historyLimit(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	records, err := s.history.Transitions(limit)
	if err != nil {
		s.logger.Error("reading transitions", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "journal unavailable"})
		return
	}
	if records == nil {
		records = []journal.TransitionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) activities(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "journal disabled"})
		return
	}
	limit, err := historyLimit(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	records, err := s.history.Activities(limit)
	if err != nil {
		s.logger.Error("reading activities", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "journal unavailable"})
		return
	}
	if records == nil {
		records = []journal.ActivityRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}
