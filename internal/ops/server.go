// SPDX-License-Identifier: MIT

// Package ops serves the operational HTTP surface: liveness, Prometheus
// metrics, and a live progress snapshot of the running import.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/scrobsky/scrobsky/internal/publish"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second

	// Generous for a single-operator tool; mostly guards against
	// a misconfigured scraper hammering /progress.
	rateLimitPerMinute = 120
)

// ProgressFunc supplies the current publisher snapshot.
type ProgressFunc func() publish.Progress

// Server is the ops HTTP server.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer builds the ops server listening on addr.
func NewServer(addr string, logger zerolog.Logger, progress ProgressFunc) *Server {
	return &Server{
		logger: logger,
		srv: &http.Server{
			Addr:              addr,
			Handler:           Handler(progress),
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

// Handler builds the ops route tree. Split out for tests.
func Handler(progress ProgressFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(httprate.LimitByIP(rateLimitPerMinute, time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/progress", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, progress())
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Run serves until ctx is cancelled, then drains connections. A clean
// shutdown returns nil.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().
			Str("event", "ops.listening").
			Str("addr", s.srv.Addr).
			Msg("ops server started")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info().Str("event", "ops.stopped").Msg("ops server stopped")
	return nil
}
