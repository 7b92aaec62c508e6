package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"atelier/internal/domain"
)

type workspaceCreateRequest struct {
	ModelRef string `json:"model_ref"`
}

type workspaceResponse struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	Ready         bool      `json:"ready"`
	ModelRef      string    `json:"model_ref"`
	TrainingJobID string    `json:"training_job_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func toWorkspaceResponse(ws *domain.Workspace) workspaceResponse {
	res := workspaceResponse{
		ID:        ws.ID,
		Status:    string(ws.Status),
		Ready:     ws.Ready(),
		ModelRef:  ws.ModelRef,
		CreatedAt: ws.CreatedAt,
	}
	if ws.TrainingJobID != nil {
		res.TrainingJobID = *ws.TrainingJobID
	}
	return res
}

// WorkspaceCreate registers a fine-tuning container. Training only starts
// later, once an unlock payment is confirmed and training is submitted.
func (a *App) WorkspaceCreate(w http.ResponseWriter, r *http.Request) {
	principalID, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req workspaceCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	ws := &domain.Workspace{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Status:      domain.WorkspaceStatusNotCreated,
		ModelRef:    req.ModelRef,
	}
	if ws.ModelRef == "" {
		ws.ModelRef = fmt.Sprintf("%s/workspace-%.8s", principalID, ws.ID)
	}
	if err := a.Workspaces.Create(r.Context(), ws); err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusCreated, toWorkspaceResponse(ws))
}

// WorkspaceGet returns workspace status including the ready flag.
func (a *App) WorkspaceGet(w http.ResponseWriter, r *http.Request) {
	principalID, ok := a.principal(w, r)
	if !ok {
		return
	}
	ws, err := a.Workspaces.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if ws.PrincipalID != principalID {
		a.error(w, http.StatusNotFound, "not_found", "workspace not found")
		return
	}
	a.json(w, http.StatusOK, toWorkspaceResponse(ws))
}

type trainRequest struct {
	Input map[string]any `json:"input"`
}

// WorkspaceTrain submits fine-tuning for an unlocked workspace.
func (a *App) WorkspaceTrain(w http.ResponseWriter, r *http.Request) {
	principalID, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req trainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	job, err := a.Engine.SubmitTraining(r.Context(), principalID, chi.URLParam(r, "id"), req.Input)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, toJobResponse(job))
}
