// Package server exposes the dashboard HTTP API together with health,
// readiness, and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/polytracker/internal/backend"
	"github.com/rewired-gh/polytracker/internal/leaderboard"
	"github.com/rewired-gh/polytracker/internal/logger"
	"github.com/rewired-gh/polytracker/internal/models"
	"github.com/rewired-gh/polytracker/internal/storage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Dashboard is the refresh pipeline the API reads from and drives.
type Dashboard interface {
	Current() (*models.Snapshot, bool)
	CheckReadiness(ctx context.Context) error
	Refresh(ctx context.Context) (*models.Snapshot, error)
	CollectAndRefresh(ctx context.Context, startDate string) (*models.Snapshot, error)
}

// History reads stored snapshots.
type History interface {
	ListSnapshots(limit int) ([]models.SnapshotSummary, error)
	BestHistory(limit int) ([]models.SnapshotSummary, error)
	GetSnapshot(id string) (*models.Snapshot, error)
}

// Options configures optional server behavior.
type Options struct {
	CORSOrigins []string
	AccessLog   io.Writer           // nil disables access logging
	Gatherer    prometheus.Gatherer // nil uses the default registry
}

// Server serves the dashboard API.
type Server struct {
	httpServer *http.Server
	dashboard  Dashboard
	history    History
}

// New creates a server listening on addr. history may be nil.
func New(addr string, dashboard Dashboard, history History, opts Options) *Server {
	s := &Server{
		dashboard: dashboard,
		history:   history,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	} else {
		r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/weather").Subrouter()
	api.HandleFunc("/chart", s.handleChart).Methods(http.MethodGet)
	api.HandleFunc("/leaderboard", s.handleLeaderboard).Methods(http.MethodGet)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/history/{id}", s.handleSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/best-history", s.handleBestHistory).Methods(http.MethodGet)
	api.HandleFunc("/collect", s.handleCollect).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost, http.MethodOptions)

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	var h http.Handler = handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(r)
	if opts.AccessLog != nil {
		h = handlers.LoggingHandler(opts.AccessLog, h)
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute, // collect waits for the backend and a refresh
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	logger.Info("HTTP server listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.dashboard.CheckReadiness(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type chartResponse struct {
	Series  []string              `json:"series"`
	Rows    []models.MergedRecord `json:"rows"`
	TakenAt time.Time             `json:"takenAt"`
}

func (s *Server) handleChart(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.dashboard.Current()
	if !ok {
		writeNoData(w)
		return
	}
	rows := snap.Records
	if rows == nil {
		rows = []models.MergedRecord{}
	}
	writeJSON(w, http.StatusOK, chartResponse{Series: snap.Series, Rows: rows, TakenAt: snap.TakenAt})
}

type leaderboardResponse struct {
	Best    *models.BestModel `json:"best"`
	Rows    []leaderboard.Row `json:"rows"`
	TakenAt time.Time         `json:"takenAt"`
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.dashboard.Current()
	if !ok {
		writeNoData(w)
		return
	}
	resp := leaderboardResponse{Rows: leaderboard.Rows(snap.Leaderboard), TakenAt: snap.TakenAt}
	if snap.HasBest {
		best := snap.Best
		resp.Best = &best
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.writeSummaries(w, r, func(h History, limit int) ([]models.SnapshotSummary, error) {
		return h.ListSnapshots(limit)
	})
}

func (s *Server) handleBestHistory(w http.ResponseWriter, r *http.Request) {
	s.writeSummaries(w, r, func(h History, limit int) ([]models.SnapshotSummary, error) {
		return h.BestHistory(limit)
	})
}

func (s *Server) writeSummaries(w http.ResponseWriter, r *http.Request, list func(History, int) ([]models.SnapshotSummary, error)) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []models.SnapshotSummary{})
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	summaries, err := list(s.history, limit)
	if err != nil {
		logger.Error("Failed to list snapshots: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list snapshots")
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

type snapshotResponse struct {
	ID          string                `json:"id"`
	TakenAt     time.Time             `json:"takenAt"`
	Series      []string              `json:"series"`
	Rows        []models.MergedRecord `json:"rows"`
	Best        *models.BestModel     `json:"best"`
	Leaderboard []leaderboard.Row     `json:"leaderboard"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeNoData(w)
		return
	}
	snap, err := s.history.GetSnapshot(mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		writeNoData(w)
		return
	}
	if err != nil {
		logger.Error("Failed to load snapshot: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load snapshot")
		return
	}
	resp := snapshotResponse{
		ID:          snap.ID,
		TakenAt:     snap.TakenAt,
		Series:      snap.Series,
		Rows:        snap.Records,
		Leaderboard: leaderboard.Rows(snap.Leaderboard),
	}
	if resp.Rows == nil {
		resp.Rows = []models.MergedRecord{}
	}
	if snap.HasBest {
		best := snap.Best
		resp.Best = &best
	}
	writeJSON(w, http.StatusOK, resp)
}

type collectRequest struct {
	StartDate string `json:"startDate"`
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	var req collectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := time.Parse(backend.StartDateLayout, req.StartDate); err != nil {
		writeError(w, http.StatusBadRequest, "startDate must be YYYY-MM-DD")
		return
	}

	snap, err := s.dashboard.CollectAndRefresh(r.Context(), req.StartDate)
	if err != nil {
		logger.Error("Collection for %s failed: %v", req.StartDate, err)
		writeError(w, upstreamStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "collected",
		"rows":    len(snap.Records),
		"takenAt": snap.TakenAt,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.dashboard.Refresh(r.Context())
	if err != nil {
		logger.Error("Manual refresh failed: %v", err)
		writeError(w, upstreamStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "refreshed",
		"rows":    len(snap.Records),
		"takenAt": snap.TakenAt,
	})
}

// upstreamStatus maps pipeline errors to a response status.
func upstreamStatus(err error) int {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeNoData(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"status": "no data"})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
