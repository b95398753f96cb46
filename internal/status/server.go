// Package status serves health, progress and metrics while a load runs.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DeafMist/jawiki-indexer/internal/indexing"
)

// HealthChecker reports backend availability.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// ProgressSource exposes running counters.
type ProgressSource interface {
	Snapshot() indexing.Snapshot
}

type server struct {
	log      *slog.Logger
	es       HealthChecker
	progress ProgressSource
	runID    string
	started  time.Time
}

type errorResponse struct {
	Error string `json:"error"`
}

type progressResponse struct {
	RunID   string  `json:"run_id"`
	Elapsed string  `json:"elapsed"`
	Rate    float64 `json:"docs_per_second"`
	indexing.Snapshot
}

// NewRouter builds the status routes.
func NewRouter(log *slog.Logger, es HealthChecker, progress ProgressSource, gatherer prometheus.Gatherer, runID string) http.Handler {
	srv := &server{log: log, es: es, progress: progress, runID: runID, started: time.Now()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", srv.handleHealth)
	r.Get("/progress", srv.handleProgress)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

// Serve runs the status server on addr until ctx is done.
func Serve(ctx context.Context, log *slog.Logger, addr string, handler http.Handler) {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	go func() {
		log.Info("status server starting", slog.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("status server stopped", slog.Any("err", err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("status server shutdown", slog.Any("err", err))
		}
	}()
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.es.Health(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleProgress(w http.ResponseWriter, _ *http.Request) {
	snap := s.progress.Snapshot()
	elapsed := time.Since(s.started)

	resp := progressResponse{
		RunID:    s.runID,
		Elapsed:  elapsed.Truncate(time.Second).String(),
		Snapshot: snap,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		resp.Rate = float64(snap.Documents) / secs
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
