package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"atelier/internal/domain"
)

type generateRequest struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input"`
}

type jobResponse struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	State         string    `json:"state"`
	ProviderJobID string    `json:"provider_job_id,omitempty"`
	ArtifactID    string    `json:"artifact_id,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func toJobResponse(job *domain.Job) jobResponse {
	res := jobResponse{
		ID:            job.ID,
		Kind:          string(job.Kind),
		State:         string(job.State),
		ProviderJobID: job.ProviderJobID,
		Error:         job.ErrorMessage,
		CreatedAt:     job.CreatedAt,
	}
	if job.ArtifactID != nil {
		res.ArtifactID = *job.ArtifactID
	}
	return res
}

// GenerationsSubmit admits and submits an asynchronous generation job.
func (a *App) GenerationsSubmit(w http.ResponseWriter, r *http.Request) {
	principalID, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.Tool == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "tool is required")
		return
	}

	job, err := a.Engine.SubmitGeneration(r.Context(), principalID, req.Tool, req.Input)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, toJobResponse(job))
}

// JobGet returns the stored job, running the poll path first for
// non-terminal jobs so the caller observes fresh provider state.
func (a *App) JobGet(w http.ResponseWriter, r *http.Request) {
	principalID, ok := a.principal(w, r)
	if !ok {
		return
	}
	jobID := chi.URLParam(r, "id")

	job, err := a.Jobs.GetByID(r.Context(), jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if job.PrincipalID != principalID {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}

	if !job.State.Terminal() && job.ProviderJobID != "" {
		refreshed, err := a.Ingestor.Poll(r.Context(), jobID)
		if err != nil {
			// Poll failures are transient; the stored state still answers
			// the status question.
			a.Logger.Warn().Err(err).Str("job_id", jobID).Msg("status poll failed, serving stored state")
		} else {
			job = refreshed
		}
	}
	a.json(w, http.StatusOK, toJobResponse(job))
}

// JobUpscale attaches an upscale sub-job to a succeeded generation job.
func (a *App) JobUpscale(w http.ResponseWriter, r *http.Request) {
	principalID, ok := a.principal(w, r)
	if !ok {
		return
	}
	jobID := chi.URLParam(r, "id")

	job, err := a.Engine.SubmitUpscale(r.Context(), principalID, jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, toJobResponse(job))
}
