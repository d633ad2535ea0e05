package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AI-God-Dev/Sales-Intelligence-Automation-System-sub002/internal/resolution"
)

func setupTestServer(t *testing.T) (*httptest.Server, sqlmock.Sqlmock, *resolution.ProgressTracker) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := resolution.NewStore(db, time.Second)
	executor := resolution.NewExecutor(db, time.Second)
	progress := resolution.NewProgressTracker(nil)
	job := resolution.NewJob(store, executor, progress, nil, nil, resolution.JobConfig{DefaultRegion: "US"})

	srv := httptest.NewServer(SetupRoutes(NewHandlers(store, job, progress, 50)))
	t.Cleanup(srv.Close)
	return srv, mock, progress
}

func decodeBody(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(target))
}

func runRows(recs ...resolution.RunRecord) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "entity_type", "mode", "status", "processed", "matched_manual",
		"matched_exact", "matched_fuzzy", "unmatched", "failed", "started_at", "finished_at",
	})
	for _, r := range recs {
		rows.AddRow(r.ID, r.EntityType, r.Mode, r.Status, r.Processed, r.MatchedManual,
			r.MatchedExact, r.MatchedFuzzy, r.Unmatched, r.Failed, r.StartedAt, r.FinishedAt)
	}
	return rows
}

func TestHealthCheck(t *testing.T) {
	srv, mock, _ := setupTestServer(t)
	mock.ExpectPing()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["warehouse"])
}

func TestHealthCheck_WarehouseDown(t *testing.T) {
	srv, mock, _ := setupTestServer(t)
	mock.ExpectPing().WillReturnError(sql.ErrConnDone)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestTriggerRun(t *testing.T) {
	srv, mock, _ := setupTestServer(t)

	mock.ExpectQuery(`pg_try_advisory_lock`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec(`INSERT INTO resolution_runs`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Empty first page: terminal success.
	mock.ExpectQuery(`FROM participants`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "source", "kind", "raw_value", "contact_id", "account_id",
			"match_confidence", "observed_at",
		}))
	mock.ExpectExec(`UPDATE resolution_runs`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`pg_advisory_unlock`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	resp, err := http.Post(srv.URL+"/api/resolution/runs", "application/json",
		strings.NewReader(`{"entity_type":"email"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var result resolution.Result
	decodeBody(t, resp, &result)
	assert.Equal(t, resolution.StatusSuccess, result.Status)
	assert.NotEqual(t, uuid.Nil, result.RunID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerRun_InvalidOptions(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	resp, err := http.Post(srv.URL+"/api/resolution/runs", "application/json",
		strings.NewReader(`{"entity_type":"carrier-pigeon"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTriggerRun_Conflict(t *testing.T) {
	srv, mock, _ := setupTestServer(t)

	mock.ExpectQuery(`pg_try_advisory_lock`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	resp, err := http.Post(srv.URL+"/api/resolution/runs", "application/json",
		strings.NewReader(`{"entity_type":"email"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRuns(t *testing.T) {
	srv, mock, _ := setupTestServer(t)

	finished := time.Now().UTC()
	rec := resolution.RunRecord{
		ID:           uuid.New(),
		EntityType:   "email",
		Mode:         resolution.ModeIncremental,
		Status:       resolution.StatusSuccess,
		Processed:    10,
		MatchedExact: 9,
		Unmatched:    1,
		StartedAt:    finished.Add(-time.Minute),
		FinishedAt:   &finished,
	}
	mock.ExpectQuery(`FROM resolution_runs`).
		WithArgs(5).
		WillReturnRows(runRows(rec))

	resp, err := http.Get(srv.URL + "/api/resolution/runs?limit=5")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Runs []resolution.RunRecord `json:"runs"`
	}
	decodeBody(t, resp, &body)
	require.Len(t, body.Runs, 1)
	assert.Equal(t, rec.ID, body.Runs[0].ID)
}

func TestListRuns_BadLimit(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	resp, err := http.Get(srv.URL + "/api/resolution/runs?limit=lots")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetRun(t *testing.T) {
	srv, mock, _ := setupTestServer(t)

	rec := resolution.RunRecord{
		ID:         uuid.New(),
		EntityType: "phone",
		Mode:       resolution.ModeReconciliation,
		Status:     resolution.StatusRunning,
		StartedAt:  time.Now().UTC(),
	}
	mock.ExpectQuery(`FROM resolution_runs`).
		WithArgs(rec.ID).
		WillReturnRows(runRows(rec))

	resp, err := http.Get(srv.URL + "/api/resolution/runs/" + rec.ID.String())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got resolution.RunRecord
	decodeBody(t, resp, &got)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, resolution.StatusRunning, got.Status)
}

func TestGetRun_NotFound(t *testing.T) {
	srv, mock, _ := setupTestServer(t)

	id := uuid.New()
	mock.ExpectQuery(`FROM resolution_runs`).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	resp, err := http.Get(srv.URL + "/api/resolution/runs/" + id.String())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetRun_BadID(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	resp, err := http.Get(srv.URL + "/api/resolution/runs/not-a-uuid")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetRunProgress(t *testing.T) {
	srv, _, progress := setupTestServer(t)

	runID := uuid.New()
	progress.Publish(context.Background(), resolution.Progress{
		RunID:      runID,
		Status:     resolution.StatusRunning,
		EntityType: "email",
		Processed:  420,
	})

	resp, err := http.Get(srv.URL + "/api/resolution/runs/" + runID.String() + "/progress")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got resolution.Progress
	decodeBody(t, resp, &got)
	assert.Equal(t, runID, got.RunID)
	assert.Equal(t, int64(420), got.Processed)
}

func TestGetRunProgress_Unknown(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	resp, err := http.Get(srv.URL + "/api/resolution/runs/" + uuid.NewString() + "/progress")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetStats(t *testing.T) {
	srv, mock, _ := setupTestServer(t)

	mock.ExpectQuery(`FROM participants`).
		WillReturnRows(sqlmock.NewRows([]string{"kind", "count", "count"}).
			AddRow("email", 1000, 930).
			AddRow("phone", 400, 350))

	resp, err := http.Get(srv.URL + "/api/resolution/stats")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		MatchRates []resolution.MatchRate `json:"match_rates"`
	}
	decodeBody(t, resp, &body)
	require.Len(t, body.MatchRates, 2)
	assert.Equal(t, resolution.KindEmail, body.MatchRates[0].Kind)
	assert.InDelta(t, 0.93, body.MatchRates[0].Rate, 0.001)
}
