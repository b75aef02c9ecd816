package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/polytracker/internal/models"
	"github.com/rewired-gh/polytracker/internal/server"
	"github.com/rewired-gh/polytracker/internal/storage"
)

type mockDashboard struct {
	snap       *models.Snapshot
	refreshErr error
	collected  []string
}

func (m *mockDashboard) Current() (*models.Snapshot, bool) { return m.snap, m.snap != nil }

func (m *mockDashboard) CheckReadiness(_ context.Context) error {
	if m.snap == nil {
		return errors.New("no snapshot available yet")
	}
	return nil
}

func (m *mockDashboard) Refresh(_ context.Context) (*models.Snapshot, error) {
	if m.refreshErr != nil {
		return nil, m.refreshErr
	}
	return m.snap, nil
}

func (m *mockDashboard) CollectAndRefresh(ctx context.Context, startDate string) (*models.Snapshot, error) {
	m.collected = append(m.collected, startDate)
	return m.Refresh(ctx)
}

type mockHistory struct {
	limit     int
	summaries []models.SnapshotSummary
	best      []models.SnapshotSummary
	snapshots map[string]*models.Snapshot
	err       error
}

func (m *mockHistory) ListSnapshots(limit int) ([]models.SnapshotSummary, error) {
	m.limit = limit
	return m.summaries, m.err
}

func (m *mockHistory) BestHistory(limit int) ([]models.SnapshotSummary, error) {
	m.limit = limit
	return m.best, m.err
}

func (m *mockHistory) GetSnapshot(id string) (*models.Snapshot, error) {
	if m.err != nil {
		return nil, m.err
	}
	snap, ok := m.snapshots[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return snap, nil
}

var takenAt = time.Date(2024, 11, 22, 9, 0, 0, 0, time.UTC)

func sampleSnapshot() *models.Snapshot {
	return &models.Snapshot{
		ID:      "snap-1",
		TakenAt: takenAt,
		Series:  []string{"ECMWF", "NWS", models.ActualKey},
		Records: []models.MergedRecord{
			models.NewMergedRecord("Nov 21", map[string]float64{"NWS": 52, "ECMWF": 54, models.ActualKey: 53}),
			models.NewMergedRecord("Nov 22", map[string]float64{"NWS": 48}),
		},
		Leaderboard: []models.AccuracySummary{
			{Source: "NWS", MAE: 1.2, RMSE: 1.5, AccuracyPercent: 80, TotalForecasts: 10, TotalResolved: 5},
			{Source: "ECMWF", MAE: 2.5, RMSE: 3.0, AccuracyPercent: 40, TotalForecasts: 10, TotalResolved: 5},
		},
		Best: models.BestModel{
			Source: "NWS", MAE: 1.2, RMSE: 1.5, AccuracyPercent: 80,
			TotalForecasts: 10, TotalResolved: 5, IsHighConfidence: true,
		},
		HasBest: true,
	}
}

func newServer(d *mockDashboard, h server.History) *server.Server {
	return server.New(":0", d, h, server.Options{Gatherer: prometheus.NewRegistry()})
}

func do(t *testing.T, srv *server.Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealthzReturns200(t *testing.T) {
	rec := do(t, newServer(&mockDashboard{}, nil), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]string](t, rec)["status"])
}

func TestReadyz(t *testing.T) {
	rec := do(t, newServer(&mockDashboard{}, nil), http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "not ready", body["status"])
	assert.NotEmpty(t, body["error"])

	rec = do(t, newServer(&mockDashboard{snap: sampleSnapshot()}, nil), http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decode[map[string]string](t, rec)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "polytracker_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	srv := server.New(":0", &mockDashboard{}, nil, server.Options{Gatherer: reg})
	rec := do(t, srv, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "polytracker_test_total 1")
}

func TestChart(t *testing.T) {
	t.Run("no data", func(t *testing.T) {
		rec := do(t, newServer(&mockDashboard{}, nil), http.MethodGet, "/api/weather/chart", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "no data", decode[map[string]string](t, rec)["status"])
	})

	t.Run("rows flattened by date", func(t *testing.T) {
		rec := do(t, newServer(&mockDashboard{snap: sampleSnapshot()}, nil), http.MethodGet, "/api/weather/chart", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var body struct {
			Series  []string         `json:"series"`
			Rows    []map[string]any `json:"rows"`
			TakenAt time.Time        `json:"takenAt"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, []string{"ECMWF", "NWS", "Actual"}, body.Series)
		require.Len(t, body.Rows, 2)
		assert.Equal(t, map[string]any{"date": "Nov 21", "NWS": 52.0, "ECMWF": 54.0, "Actual": 53.0}, body.Rows[0])
		assert.Equal(t, map[string]any{"date": "Nov 22", "NWS": 48.0}, body.Rows[1])
		assert.True(t, takenAt.Equal(body.TakenAt))
	})
}

func TestLeaderboard(t *testing.T) {
	rec := do(t, newServer(&mockDashboard{snap: sampleSnapshot()}, nil), http.MethodGet, "/api/weather/leaderboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Best *models.BestModel `json:"best"`
		Rows []map[string]any  `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Best)
	assert.Equal(t, "NWS", body.Best.Source)
	assert.True(t, body.Best.IsHighConfidence)
	require.Len(t, body.Rows, 2)
	assert.Equal(t, "NWS", body.Rows[0]["source"])
	assert.Equal(t, true, body.Rows[0]["best"])
	assert.Equal(t, "1.20", body.Rows[0]["mae"])
	assert.Equal(t, false, body.Rows[1]["best"])
}

func TestLeaderboardWithoutAccuracyData(t *testing.T) {
	snap := sampleSnapshot()
	snap.Leaderboard = nil
	snap.HasBest = false
	snap.Best = models.BestModel{}

	rec := do(t, newServer(&mockDashboard{snap: snap}, nil), http.MethodGet, "/api/weather/leaderboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Nil(t, body["best"])
	assert.Equal(t, []any{}, body["rows"])
}

func TestCollect(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantDates  []string
	}{
		{"valid date", `{"startDate":"2024-11-21"}`, http.StatusAccepted, []string{"2024-11-21"}},
		{"missing date", `{}`, http.StatusBadRequest, nil},
		{"malformed date", `{"startDate":"11/21/2024"}`, http.StatusBadRequest, nil},
		{"invalid json", `{`, http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &mockDashboard{snap: sampleSnapshot()}
			rec := do(t, newServer(d, nil), http.MethodPost, "/api/weather/collect", []byte(tt.body))
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantDates, d.collected)
		})
	}
}

func TestCollectUpstreamFailure(t *testing.T) {
	d := &mockDashboard{refreshErr: errors.New("backend down")}
	rec := do(t, newServer(d, nil), http.MethodPost, "/api/weather/collect", []byte(`{"startDate":"2024-11-21"}`))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "backend down")
}

func TestRefresh(t *testing.T) {
	rec := do(t, newServer(&mockDashboard{snap: sampleSnapshot()}, nil), http.MethodPost, "/api/weather/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "refreshed", body["status"])
	assert.Equal(t, 2.0, body["rows"])

	rec = do(t, newServer(&mockDashboard{refreshErr: context.DeadlineExceeded}, nil), http.MethodPost, "/api/weather/refresh", nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestRefreshRejectsGet(t *testing.T) {
	rec := do(t, newServer(&mockDashboard{}, nil), http.MethodGet, "/api/weather/refresh", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHistory(t *testing.T) {
	h := &mockHistory{summaries: []models.SnapshotSummary{
		{ID: "b", TakenAt: takenAt, RecordCount: 3, BestSource: "NWS", BestMAE: 1.2, HasBest: true},
	}}
	srv := newServer(&mockDashboard{}, h)

	rec := do(t, srv, http.MethodGet, "/api/weather/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 50, h.limit)
	body := decode[[]map[string]any](t, rec)
	require.Len(t, body, 1)

	rec = do(t, srv, http.MethodGet, "/api/weather/history?limit=5000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 500, h.limit)

	rec = do(t, srv, http.MethodGet, "/api/weather/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.err = errors.New("disk full")
	rec = do(t, srv, http.MethodGet, "/api/weather/history?limit=1", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHistoryWithoutStore(t *testing.T) {
	rec := do(t, newServer(&mockDashboard{}, nil), http.MethodGet, "/api/weather/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestCORSHeaders(t *testing.T) {
	srv := server.New(":0", &mockDashboard{snap: sampleSnapshot()}, nil, server.Options{
		CORSOrigins: []string{"http://localhost:5173"},
		Gatherer:    prometheus.NewRegistry(),
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/weather/chart", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	srv := server.New(":0", &mockDashboard{}, nil, server.Options{AccessLog: &buf, Gatherer: prometheus.NewRegistry()})
	do(t, srv, http.MethodGet, "/healthz", nil)
	assert.Contains(t, buf.String(), "GET /healthz")
}

func TestBestHistory(t *testing.T) {
	h := &mockHistory{best: []models.SnapshotSummary{
		{ID: "b", TakenAt: takenAt, RecordCount: 3, BestSource: "NWS", BestMAE: 1.2, HasBest: true},
		{ID: "a", TakenAt: takenAt.Add(-time.Hour), RecordCount: 2, BestSource: "ECMWF", BestMAE: 1.9, HasBest: true},
	}}
	srv := newServer(&mockDashboard{}, h)

	rec := do(t, srv, http.MethodGet, "/api/weather/best-history?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, h.limit)
	body := decode[[]models.SnapshotSummary](t, rec)
	require.Len(t, body, 2)
	assert.Equal(t, "NWS", body[0].BestSource)
	assert.Equal(t, "ECMWF", body[1].BestSource)

	rec = do(t, srv, http.MethodGet, "/api/weather/best-history?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSnapshotByID(t *testing.T) {
	h := &mockHistory{snapshots: map[string]*models.Snapshot{"snap-1": sampleSnapshot()}}
	srv := newServer(&mockDashboard{}, h)

	rec := do(t, srv, http.MethodGet, "/api/weather/history/snap-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ID          string            `json:"id"`
		Rows        []map[string]any  `json:"rows"`
		Best        *models.BestModel `json:"best"`
		Leaderboard []map[string]any  `json:"leaderboard"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "snap-1", body.ID)
	require.Len(t, body.Rows, 2)
	assert.Equal(t, "Nov 21", body.Rows[0]["date"])
	require.NotNil(t, body.Best)
	assert.Equal(t, "NWS", body.Best.Source)
	require.Len(t, body.Leaderboard, 2)
	assert.Equal(t, 1.0, body.Leaderboard[0]["rank"])

	rec = do(t, srv, http.MethodGet, "/api/weather/history/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no data", decode[map[string]string](t, rec)["status"])

	h.err = errors.New("disk full")
	rec = do(t, srv, http.MethodGet, "/api/weather/history/snap-1", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
