package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"btcwatch/internal/engine"
	"btcwatch/internal/market"
	"btcwatch/internal/storage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Store is the read-only persistence the API exposes.
type Store interface {
	Ping(ctx context.Context) error
	ListAlerts(ctx context.Context, owner string) ([]engine.Rule, error)
	ListRecentHistory(ctx context.Context, limit int) ([]storage.HistoryRecord, error)
}

// Pinger is an extra dependency probed by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SnapshotSource returns the snapshot of the latest evaluation cycle.
type SnapshotSource interface {
	LastSnapshot() (market.Snapshot, bool)
}

// Server exposes health probes, Prometheus metrics and a small JSON API.
type Server struct {
	addr            string
	shutdownTimeout time.Duration
	store           Store
	snapshots       SnapshotSource
	checks          map[string]Pinger
	logger          zerolog.Logger
	router          chi.Router
}

// New constructs the HTTP surface.
func New(addr string, shutdownTimeout time.Duration, store Store, snapshots SnapshotSource, logger zerolog.Logger) *Server {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	s := &Server{
		addr:            addr,
		shutdownTimeout: shutdownTimeout,
		store:           store,
		snapshots:       snapshots,
		checks:          make(map[string]Pinger),
		logger:          logger.With().Str("component", "http").Logger(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(Recover(s.logger))
	r.Use(Logger(s.logger))
	r.Use(Metrics())

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.health)
	r.Get("/readyz", s.ready)

	r.Route("/api", func(r chi.Router) {
		r.Get("/alerts", s.listAlerts)
		r.Get("/history", s.listHistory)
		r.Get("/snapshot", s.lastSnapshot)
	})
	return r
}

// AddCheck makes /readyz also depend on p. Call it before Run.
func (s *Server) AddCheck(name string, p Pinger) {
	s.checks[name] = p
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("readiness check failed")
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	for name, p := range s.checks {
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn().Err(err).Str("check", name).Msg("readiness check failed")
			writeError(w, http.StatusServiceUnavailable, name+" unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListAlerts(r.Context(), r.URL.Query().Get("chat_id"))
	if err != nil {
		s.logger.Error().Err(err).Msg("list alerts failed")
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	if rules == nil {
		rules = []engine.Rule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := s.store.ListRecentHistory(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list history failed")
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	if records == nil {
		records = []storage.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) lastSnapshot(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.snapshots.LastSnapshot()
	if !ok {
		writeError(w, http.StatusNotFound, "no snapshot yet")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
