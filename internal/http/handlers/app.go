// Package handlers exposes the HTTP surface. Handlers stay thin: decode,
// delegate to a service, classify the error. Domain errors carry the
// classification; this package only maps them onto status codes.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"atelier/internal/artifacts"
	"atelier/internal/billing"
	"atelier/internal/domain"
	"atelier/internal/engine"
	"atelier/internal/identity"
	"atelier/internal/infra"
	"atelier/internal/infra/geoip"
	"atelier/internal/ingest"
	"atelier/internal/ledger"
	"atelier/internal/middleware"
)

// App carries the wired services every handler needs.
type App struct {
	Ledger           *ledger.Service
	Engine           *engine.Engine
	Ingestor         *ingest.Ingestor
	Confirmer        *billing.Confirmer
	Identity         *identity.Processor
	IdentityVerifier *identity.Verifier
	Artifacts        *artifacts.Store
	Jobs             domain.JobRepository
	Workspaces       domain.WorkspaceRepository
	Geo              geoip.CountryResolver
	Logger           infra.Logger
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]any{
		"error":   errCode,
		"message": message,
	})
}

// fail maps a service error onto the wire. Unclassified errors become 500s
// with the detail kept in the log, not the response.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, errCode := classify(err)
	if code == http.StatusInternalServerError {
		a.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		a.error(w, code, errCode, "internal error")
		return
	}
	a.error(w, code, errCode, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, domain.ErrPaymentRequired):
		return http.StatusPaymentRequired, "payment_required"
	case errors.Is(err, domain.ErrProviderRejected):
		return http.StatusUnprocessableEntity, "provider_rejected"
	case errors.Is(err, domain.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, "provider_unavailable"
	case errors.Is(err, domain.ErrUnrecognizedOutput):
		return http.StatusBadGateway, "unrecognized_output"
	case errors.Is(err, domain.ErrAlreadyInProgress):
		return http.StatusConflict, "already_in_progress"
	case errors.Is(err, domain.ErrAlreadyCompleted):
		return http.StatusConflict, "already_completed"
	case errors.Is(err, domain.ErrStateConflict), errors.Is(err, domain.ErrDuplicateOperation), errors.Is(err, domain.ErrProviderJobImmutable):
		return http.StatusConflict, "state_conflict"
	case errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, engine.ErrToolNotSynchronous), errors.Is(err, engine.ErrToolNotAsynchronous):
		return http.StatusBadRequest, "bad_request"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// principal resolves the authenticated caller or writes a 401.
func (a *App) principal(w http.ResponseWriter, r *http.Request) (string, bool) {
	principalID := middleware.PrincipalID(r.Context())
	if principalID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing principal context")
		return "", false
	}
	return principalID, true
}

// country best-effort resolves the caller's country for request logs.
func (a *App) country(r *http.Request) string {
	if a.Geo == nil {
		return ""
	}
	code, err := a.Geo.CountryCode(clientIP(r))
	if err != nil {
		return ""
	}
	return code
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}
