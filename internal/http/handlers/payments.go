package handlers

import (
	"encoding/json"
	"net/http"
)

type confirmRequest struct {
	SessionID string `json:"session_id"`
}

type confirmResponse struct {
	Applied     bool   `json:"applied"`
	Purpose     string `json:"purpose"`
	WorkspaceID string `json:"workspace_id,omitempty"`
}

// PaymentConfirm redeems a checkout session. Replays of an already-redeemed
// session return 200 with applied=false.
func (a *App) PaymentConfirm(w http.ResponseWriter, r *http.Request) {
	principalID, ok := a.principal(w, r)
	if !ok {
		return
	}
	if a.Confirmer == nil {
		a.error(w, http.StatusServiceUnavailable, "provider_unavailable", "payment confirmation is not configured")
		return
	}
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "session_id is required")
		return
	}

	res, err := a.Confirmer.Confirm(r.Context(), principalID, req.SessionID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, confirmResponse{
		Applied:     res.Applied,
		Purpose:     string(res.Purpose),
		WorkspaceID: res.WorkspaceID,
	})
}
