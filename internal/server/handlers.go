package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/spherical-ai/pagevision/internal/domain"
	"github.com/spherical-ai/pagevision/internal/observability"
	"github.com/spherical-ai/pagevision/internal/store"
)

// heartbeatInterval spaces the SSE comment lines that keep idle proxy
// connections alive while a long batch is in flight.
const heartbeatInterval = 15 * time.Second

// JobDefaults fills request fields the client leaves empty.
type JobDefaults struct {
	OutputDir    string
	Mode         domain.Mode
	Language     domain.Language
	BatchSize    int
	Concurrency  int
	CallInterval time.Duration
	Engine       string
	Model        string
}

// JobsHandler handles job submission, polling, streaming, and cancel.
type JobsHandler struct {
	logger   *observability.Logger
	jobs     *Jobs
	defaults JobDefaults
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(logger *observability.Logger, jobs *Jobs, defaults JobDefaults) *JobsHandler {
	return &JobsHandler{
		logger:   logger,
		jobs:     jobs,
		defaults: defaults,
	}
}

// CreateJobRequestDTO represents the API request for starting a run.
type CreateJobRequestDTO struct {
	PDFPath             string  `json:"pdfPath"`
	OutputDir           string  `json:"outputDir,omitempty"`
	Mode                string  `json:"mode,omitempty"`
	Language            string  `json:"language,omitempty"`
	StartPage           int     `json:"startPage,omitempty"`
	EndPage             int     `json:"endPage,omitempty"`
	BatchSize           int     `json:"batchSize,omitempty"`
	Concurrency         int     `json:"concurrency,omitempty"`
	CallIntervalSeconds float64 `json:"callIntervalSeconds,omitempty"`
	Engine              string  `json:"engine,omitempty"`
	Model               string  `json:"model,omitempty"`
}

// JobDTO represents the API view of a job.
type JobDTO struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	Progress         int    `json:"progress"`
	Message          string `json:"message,omitempty"`
	PDFPath          string `json:"pdfPath"`
	CreatedAt        string `json:"createdAt"`
	ConsolidatedPath string `json:"consolidatedPath,omitempty"`
	PagesRendered    int    `json:"pagesRendered,omitempty"`
	PagesTotal       int    `json:"pagesTotal,omitempty"`
	BatchesTotal     int    `json:"batchesTotal,omitempty"`
	BatchesFailed    int    `json:"batchesFailed,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Create handles POST /api/v1/jobs. The run itself is asynchronous; only
// input validation and opening the source document happen before the 202.
func (h *JobsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var reqDTO CreateJobRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if reqDTO.PDFPath == "" {
		writeError(w, http.StatusBadRequest, "pdfPath is required", "")
		return
	}

	jobID := uuid.New()
	job, err := h.buildJob(jobID, reqDTO)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job parameters", err.Error())
		return
	}

	h.logger.Info().
		Str("job_id", jobID.String()).
		Str("pdf", job.SourcePath).
		Str("mode", string(job.Mode)).
		Str("language", string(job.Language)).
		Msg("Job requested")

	if err := h.jobs.Start(jobID, job); err != nil {
		writeError(w, http.StatusBadRequest, "failed to start job", err.Error())
		return
	}

	resp := JobDTO{
		ID:        jobID.String(),
		Status:    string(domain.StatusIdle),
		PDFPath:   job.SourcePath,
		CreatedAt: time.Now().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(resp)
}

// buildJob merges the request with server defaults and validates the result.
func (h *JobsHandler) buildJob(jobID uuid.UUID, reqDTO CreateJobRequestDTO) (domain.Job, error) {
	job := domain.Job{
		SourcePath:      reqDTO.PDFPath,
		OutputDir:       reqDTO.OutputDir,
		StartPage:       reqDTO.StartPage,
		EndPage:         reqDTO.EndPage,
		Mode:            h.defaults.Mode,
		Language:        h.defaults.Language,
		BatchSize:       h.defaults.BatchSize,
		Concurrency:     h.defaults.Concurrency,
		MinCallInterval: h.defaults.CallInterval,
		Engine:          h.defaults.Engine,
		Model:           h.defaults.Model,
	}

	if job.OutputDir == "" {
		// Each job gets its own directory so concurrent runs never share
		// page files.
		job.OutputDir = filepath.Join(h.defaults.OutputDir, jobID.String())
	}

	if reqDTO.Mode != "" {
		mode, err := domain.ParseMode(reqDTO.Mode)
		if err != nil {
			return domain.Job{}, err
		}
		job.Mode = mode
	}

	if reqDTO.Language != "" {
		lang, err := domain.ParseLanguage(reqDTO.Language)
		if err != nil {
			return domain.Job{}, err
		}
		job.Language = lang
	}

	if reqDTO.BatchSize != 0 {
		job.BatchSize = reqDTO.BatchSize
	}
	if job.BatchSize < 1 || job.BatchSize > 4 {
		return domain.Job{}, fmt.Errorf("batchSize must be between 1 and 4")
	}

	if reqDTO.Concurrency != 0 {
		job.Concurrency = reqDTO.Concurrency
	}
	if job.Concurrency < 1 || job.Concurrency > 10 {
		return domain.Job{}, fmt.Errorf("concurrency must be between 1 and 10")
	}

	if reqDTO.CallIntervalSeconds != 0 {
		job.MinCallInterval = time.Duration(reqDTO.CallIntervalSeconds * float64(time.Second))
	}
	if job.MinCallInterval < 0 || job.MinCallInterval > 10*time.Second {
		return domain.Job{}, fmt.Errorf("callIntervalSeconds must be between 0 and 10")
	}

	if reqDTO.StartPage < 0 || reqDTO.EndPage < 0 {
		return domain.Job{}, fmt.Errorf("page numbers must be positive")
	}
	if reqDTO.StartPage > 0 && reqDTO.EndPage > 0 && reqDTO.EndPage < reqDTO.StartPage {
		return domain.Job{}, fmt.Errorf("endPage must not precede startPage")
	}

	if reqDTO.Engine != "" {
		job.Engine = reqDTO.Engine
	}
	if reqDTO.Model != "" {
		job.Model = reqDTO.Model
	}

	return job, nil
}

// Get handles GET /api/v1/jobs/{jobID}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id", err.Error())
		return
	}

	snapshot, err := h.jobs.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toJobDTO(snapshot))
}

// Cancel handles POST /api/v1/jobs/{jobID}/cancel. The stop is cooperative:
// in-flight model calls finish before the run settles on cancelled.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id", err.Error())
		return
	}

	snapshot, err := h.jobs.Cancel(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(toJobDTO(snapshot))
}

// Events handles GET /api/v1/jobs/{jobID}/events. The run's event stream is
// sent as SSE data frames; the stream ends when the run reaches a terminal
// status or the client disconnects.
func (h *JobsHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id", err.Error())
		return
	}

	snapshot, events, unsubscribe, err := h.jobs.Subscribe(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found", "")
		return
	}
	defer unsubscribe()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Replay the current state so late subscribers know where the run
	// stands before live events arrive.
	h.writeEvent(w, flusher, domain.StreamEvent{
		Type:      domain.EventStatus,
		Status:    snapshot.Status,
		Progress:  snapshot.Progress,
		Message:   snapshot.Message,
		Timestamp: time.Now(),
	})
	if snapshot.Status.Terminal() {
		h.writeEvent(w, flusher, domain.StreamEvent{
			Type:      domain.EventComplete,
			Status:    snapshot.Status,
			Progress:  snapshot.Progress,
			Message:   snapshot.Message,
			Timestamp: time.Now(),
		})
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			h.writeEvent(w, flusher, ev)
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func (h *JobsHandler) writeEvent(w http.ResponseWriter, flusher http.Flusher, ev domain.StreamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to encode stream event")
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func toJobDTO(s JobSnapshot) JobDTO {
	dto := JobDTO{
		ID:        s.ID.String(),
		Status:    string(s.Status),
		Progress:  s.Progress,
		Message:   s.Message,
		PDFPath:   s.SourcePath,
		CreatedAt: s.CreatedAt.Format(time.RFC3339),
		Error:     s.Err,
	}
	if s.Result != nil {
		dto.ConsolidatedPath = s.Result.ConsolidatedPath
		dto.PagesRendered = s.Result.PagesRendered
		dto.PagesTotal = s.Result.PagesTotal
		dto.BatchesTotal = s.Result.BatchesTotal
		dto.BatchesFailed = s.Result.BatchesFailed
	}
	return dto
}

// RunsHandler serves the run ledger.
type RunsHandler struct {
	logger *observability.Logger
	runs   *store.RunRepository
}

// NewRunsHandler creates a new runs handler. The repository may be nil when
// the ledger is disabled.
func NewRunsHandler(logger *observability.Logger, runs *store.RunRepository) *RunsHandler {
	return &RunsHandler{
		logger: logger,
		runs:   runs,
	}
}

// RunDTO represents one ledger entry.
type RunDTO struct {
	ID               string `json:"id"`
	Source           string `json:"source"`
	StartPage        int    `json:"startPage,omitempty"`
	EndPage          int    `json:"endPage,omitempty"`
	Mode             string `json:"mode"`
	Language         string `json:"language"`
	Engine           string `json:"engine"`
	Model            string `json:"model,omitempty"`
	Status           string `json:"status"`
	ConsolidatedPath string `json:"consolidatedPath,omitempty"`
	PagesDone        int    `json:"pagesDone"`
	PagesTotal       int    `json:"pagesTotal"`
	Error            string `json:"error,omitempty"`
	CreatedAt        string `json:"createdAt"`
	UpdatedAt        string `json:"updatedAt"`
}

// List handles GET /api/v1/runs.
func (h *RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run ledger disabled", "")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit", "")
			return
		}
		limit = n
	}

	runs, err := h.runs.List(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list runs")
		writeError(w, http.StatusInternalServerError, "failed to list runs", err.Error())
		return
	}

	dtos := make([]RunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toRunDTO(run))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"runs": dtos})
}

// Get handles GET /api/v1/runs/{runID}.
func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run ledger disabled", "")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id", err.Error())
		return
	}

	run, err := h.runs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found", "")
			return
		}
		h.logger.Error().Err(err).Msg("Failed to load run")
		writeError(w, http.StatusInternalServerError, "failed to load run", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toRunDTO(run))
}

func toRunDTO(run *store.Run) RunDTO {
	return RunDTO{
		ID:               run.ID.String(),
		Source:           run.Source,
		StartPage:        run.StartPage,
		EndPage:          run.EndPage,
		Mode:             run.Mode,
		Language:         run.Language,
		Engine:           run.Engine,
		Model:            run.Model,
		Status:           run.Status,
		ConsolidatedPath: run.ConsolidatedPath,
		PagesDone:        run.PagesDone,
		PagesTotal:       run.PagesTotal,
		Error:            run.Error,
		CreatedAt:        run.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        run.UpdatedAt.Format(time.RFC3339),
	}
}

func writeError(w http.ResponseWriter, status int, message, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]string{
		"error": message,
	}
	if detail != "" {
		resp["detail"] = detail
	}
	json.NewEncoder(w).Encode(resp)
}
