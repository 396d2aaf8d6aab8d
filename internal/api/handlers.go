package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/bobarin/melovue/internal/metrics"
	"github.com/bobarin/melovue/internal/models"
	"github.com/bobarin/melovue/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JobStore is the part of the job store the API uses.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	SaveJob(ctx context.Context, job *models.Job) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, jobID uuid.UUID) error
}

type Limits struct {
	MaxAudioBytes   int64
	MaxImageBytes   int64
	SignedURLExpiry time.Duration
}

type Handler struct {
	store    JobStore
	queue    Enqueuer
	storage  storage.Storage
	validate *validator.Validate
	limits   Limits
	logger   *zap.Logger
}

func NewHandler(store JobStore, q Enqueuer, st storage.Storage, limits Limits, logger *zap.Logger) *Handler {
	if limits.MaxAudioBytes <= 0 {
		limits.MaxAudioBytes = 50 << 20
	}
	if limits.MaxImageBytes <= 0 {
		limits.MaxImageBytes = 10 << 20
	}
	if limits.SignedURLExpiry <= 0 {
		limits.SignedURLExpiry = time.Hour
	}
	return &Handler{
		store:    store,
		queue:    q,
		storage:  st,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		limits:   limits,
		logger:   logger.Named("api"),
	}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		respondValidation(w, err)
		return
	}

	job := models.NewJob(req.AudioURL, req.ImageURL, req.Options)
	if err := h.store.CreateJob(r.Context(), job); err != nil {
		h.logger.Error("failed to create job", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	if err := h.queue.Enqueue(r.Context(), job.ID); err != nil {
		h.logger.Error("failed to enqueue job", zap.String("job_id", job.ID.String()), zap.Error(err))
		h.failUnqueued(r.Context(), job, err)
		respondError(w, http.StatusServiceUnavailable, "Failed to enqueue job")
		return
	}

	metrics.JobsCreatedTotal.Inc()
	h.logger.Info("job created", zap.String("job_id", job.ID.String()))
	respondJSON(w, http.StatusCreated, models.CreateJobResponse{
		JobID:  job.ID,
		Status: job.Status,
	})
}

// failUnqueued marks a job that never reached the queue so it does not sit
// in queued forever.
func (h *Handler) failUnqueued(ctx context.Context, job *models.Job, cause error) {
	kind := models.ErrorKindInternal
	stage := models.StageQueue
	msg := cause.Error()
	if err := job.Transition(models.JobStatusFailed); err != nil {
		return
	}
	job.ErrorKind = &kind
	job.ErrorStage = &stage
	job.ErrorMessage = &msg
	job.Message = "Failed during queue"
	if err := h.store.SaveJob(context.WithoutCancel(ctx), job); err != nil {
		h.logger.Error("failed to mark unqueued job", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, job.StatusResponse())
}

// GetJobDownload handles GET /v1/jobs/{id}/download
func (h *Handler) GetJobDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	if job.Status != models.JobStatusDone || job.FinalVideoKey == nil {
		respondError(w, http.StatusConflict, "Video not ready")
		return
	}

	signedURL, err := h.storage.SignedURL(r.Context(), *job.FinalVideoKey, h.limits.SignedURLExpiry)
	if err != nil {
		h.logger.Error("failed to sign download", zap.String("job_id", job.ID.String()), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to generate download URL")
		return
	}

	respondJSON(w, http.StatusOK, models.DownloadResponse{
		JobID:     job.ID,
		URL:       signedURL,
		ExpiresAt: time.Now().UTC().Add(h.limits.SignedURLExpiry),
	})
}

func (h *Handler) loadJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return nil, false
	}

	job, err := h.store.GetJob(r.Context(), jobID)
	if errors.Is(err, models.ErrJobNotFound) {
		respondError(w, http.StatusNotFound, "Job not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to load job", zap.String("job_id", jobID.String()), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to load job")
		return nil, false
	}
	return job, true
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

type fieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

type validationResponse struct {
	Error   string       `json:"error"`
	Kind    string       `json:"error_kind"`
	Details []fieldError `json:"details"`
}

func respondValidation(w http.ResponseWriter, err error) {
	resp := validationResponse{
		Error: "Validation failed",
		Kind:  string(models.ErrorKindValidation),
	}

	var ve *models.ValidationError
	var fields validator.ValidationErrors
	switch {
	case errors.As(err, &fields):
		for _, f := range fields {
			resp.Details = append(resp.Details, fieldError{Field: f.Namespace(), Rule: f.Tag(), Param: f.Param()})
		}
	case errors.As(err, &ve):
		resp.Error = ve.Message
		resp.Details = []fieldError{{Field: ve.Field, Rule: "invalid"}}
	default:
		resp.Error = err.Error()
	}
	respondJSON(w, http.StatusBadRequest, resp)
}
