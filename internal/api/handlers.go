package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/AI-God-Dev/Sales-Intelligence-Automation-System-sub002/internal/resolution"
)

// Handlers contains all HTTP handlers for the resolution API.
type Handlers struct {
	store     *resolution.Store
	job       *resolution.Job
	progress  *resolution.ProgressTracker
	runsLimit int
}

// NewHandlers creates a new Handlers instance. runsLimit is the default
// page size for run history listings.
func NewHandlers(store *resolution.Store, job *resolution.Job, progress *resolution.ProgressTracker, runsLimit int) *Handlers {
	if runsLimit <= 0 {
		runsLimit = 50
	}
	return &Handlers{store: store, job: job, progress: progress, runsLimit: runsLimit}
}

// HealthCheck reports liveness plus warehouse reachability.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	warehouse := "ok"
	status := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		warehouse = err.Error()
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]string{
		"status":    "ok",
		"warehouse": warehouse,
	})
}

// TriggerRun starts a resolution run and blocks until it completes.
// Runs are serialized by the job lock, so a second trigger gets a 409.
func (h *Handlers) TriggerRun(w http.ResponseWriter, r *http.Request) {
	var opts resolution.Options
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			respondError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
			return
		}
	}

	result, err := h.job.Run(r.Context(), opts)
	switch {
	case errors.Is(err, resolution.ErrInvalidOptions):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, resolution.ErrRunInProgress):
		respondError(w, http.StatusConflict, "a resolution run is already in progress")
		return
	case err != nil:
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":  err.Error(),
			"result": result,
		})
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

// ListRuns returns recent run records, newest first.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := h.runsLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			respondError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	runs, err := h.store.ListRuns(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []resolution.RunRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// GetRun returns a single run record.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "run id must be a UUID")
		return
	}

	rec, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// GetRunProgress returns the live counter snapshot for an in-flight run.
func (h *Handlers) GetRunProgress(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "run id must be a UUID")
		return
	}

	p, ok := h.progress.Get(r.Context(), id)
	if !ok {
		respondError(w, http.StatusNotFound, "no progress recorded for run")
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// GetStats returns the current match rate per endpoint kind.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	rates, err := h.store.MatchRates(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rates == nil {
		rates = []resolution.MatchRate{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"match_rates": rates})
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
