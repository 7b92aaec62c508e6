package handlers

import (
	"io"
	"net/http"

	"atelier/internal/identity"
	"atelier/internal/providers/replicate"
)

// maxWebhookBody bounds webhook payloads. Provider envelopes are small; a
// megabyte leaves generous headroom for prediction logs.
const maxWebhookBody = 1 << 20

// ProviderWebhook ingests a signed completion delivery from the provider.
func (a *App) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	headers := replicate.WebhookHeaders{
		ID:        r.Header.Get("webhook-id"),
		Timestamp: r.Header.Get("webhook-timestamp"),
		Signature: r.Header.Get("webhook-signature"),
	}
	if err := a.Ingestor.Webhook(r.Context(), headers, body); err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

// IdentityWebhook applies principal lifecycle events from the identity
// provider.
func (a *App) IdentityWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	headers := identity.WebhookHeaders{
		ID:        r.Header.Get("svix-id"),
		Timestamp: r.Header.Get("svix-timestamp"),
		Signature: r.Header.Get("svix-signature"),
	}
	if err := a.IdentityVerifier.Verify(headers, body); err != nil {
		a.fail(w, r, err)
		return
	}
	ev, err := identity.ParseEvent(body)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "malformed event")
		return
	}
	if err := a.Identity.Process(r.Context(), ev); err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}
