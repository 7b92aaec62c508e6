package handlers

import "net/http"

type creditsResponse struct {
	GeneralCredits int `json:"general_credits"`
	AuxCredits     int `json:"aux_credits"`
}

// CreditsBalance returns the caller's counters, materializing an unknown
// principal with the welcome grant.
func (a *App) CreditsBalance(w http.ResponseWriter, r *http.Request) {
	principalID, ok := a.principal(w, r)
	if !ok {
		return
	}
	balance, err := a.Ledger.Balance(r.Context(), principalID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, creditsResponse{
		GeneralCredits: balance.GeneralCredits,
		AuxCredits:     balance.AuxCredits,
	})
}
