package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/insightops/fleetharvest/internal/metrics"
	"github.com/insightops/fleetharvest/internal/store"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
	historyTimeout  = 3 * time.Second
)

// RunHandler exposes read-only run history endpoints backed by the audit
// repository.
type RunHandler struct {
	repo    store.AuditRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunHandler wires the repository and logger.
func NewRunHandler(repo store.AuditRepository, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{
		repo:    repo,
		timeout: historyTimeout,
		logger:  logger,
	}
}

// ListRunJobs handles GET /v1/runs/{run_id}/jobs?limit=&offset=. It returns
// {"jobs": [...]} on success, 400 for invalid paging, 503 when the repository
// is unavailable, or 500 for repository errors.
func (h *RunHandler) ListRunJobs(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	runID := chi.URLParam(r, "run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	recs, err := h.repo.ListRunJobs(ctx, runID, limit, offset)
	if err != nil {
		h.logger.Error("list run jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list run jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": toJobDTOs(recs)})
}

// GetJob handles GET /v1/jobs/{job_id}. It returns {"job": {...}} on success,
// 400 for malformed IDs, 404 for unknown jobs, 503 when the repository is
// unavailable, or 500 otherwise.
func (h *RunHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	rec, err := h.repo.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("get job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": toJobDTO(rec)})
}

func parseJobID(r *http.Request) (uuid.UUID, error) {
	jobIDStr := chi.URLParam(r, "job_id")
	if jobIDStr == "" {
		return uuid.UUID{}, errors.New("job_id is required")
	}
	jobID, err := uuid.Parse(jobIDStr)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid job_id")
	}
	return jobID, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func toJobDTOs(in []store.JobRecord) []jobDTO {
	out := make([]jobDTO, 0, len(in))
	for _, rec := range in {
		out = append(out, toJobDTO(rec))
	}
	return out
}

func toJobDTO(rec store.JobRecord) jobDTO {
	return jobDTO{
		JobID:      rec.JobID.String(),
		RunID:      rec.RunID,
		ClientKey:  rec.ClientKey,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
		Outcome:    string(rec.Outcome),
		Attempts:   rec.Attempts,
		Error:      rec.ErrorMessage,
	}
}

type jobDTO struct {
	JobID      string     `json:"job_id"`
	RunID      string     `json:"run_id"`
	ClientKey  string     `json:"client_key"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Outcome    string     `json:"outcome"`
	Attempts   int        `json:"attempts"`
	Error      *string    `json:"error,omitempty"`
}

func toStatusDTO(snap metrics.Snapshot) statusDTO {
	dto := statusDTO{
		RunID:             snap.RunID,
		StartedAt:         snap.StartedAt,
		Total:             snap.Total,
		Processed:         snap.Processed,
		Succeeded:         snap.Succeeded,
		Failed:            snap.Failed,
		InFlight:          snap.InFlight,
		PersistErrors:     snap.PersistErrors,
		ThroughputPerHour: snap.ThroughputPerHour,
		RollingPerHour:    snap.RollingPerHour,
	}
	if !snap.FinishedAt.IsZero() {
		finished := snap.FinishedAt
		dto.FinishedAt = &finished
	}
	if snap.MeanJobDuration > 0 {
		dto.MeanJobSeconds = snap.MeanJobDuration.Seconds()
	}
	if snap.ETA != nil {
		secs := snap.ETA.Seconds()
		dto.ETASeconds = &secs
	}
	return dto
}

type statusDTO struct {
	RunID             string     `json:"run_id"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	Total             int        `json:"total"`
	Processed         int        `json:"processed"`
	Succeeded         int        `json:"succeeded"`
	Failed            int        `json:"failed"`
	InFlight          int        `json:"in_flight"`
	PersistErrors     int        `json:"persist_errors"`
	ThroughputPerHour float64    `json:"throughput_per_hour"`
	RollingPerHour    float64    `json:"rolling_per_hour"`
	MeanJobSeconds    float64    `json:"mean_job_seconds,omitempty"`
	ETASeconds        *float64   `json:"eta_seconds,omitempty"`
}
