// Package httpapi assembles the HTTP routing tree. Webhooks and health
// checks are public; everything else sits behind bearer authentication.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"atelier/internal/http/handlers"
	"atelier/internal/infra"
	"atelier/internal/middleware"
)

func NewRouter(cfg *infra.Config, logger infra.Logger, app *handlers.App) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(logger),
		middleware.CORS(cfg.AllowedOrigins),
	)

	r.Get("/healthz", app.Health)

	// Webhooks authenticate via their own signatures, not bearer tokens.
	r.Post("/v1/webhooks/provider", app.ProviderWebhook)
	r.Post("/v1/webhooks/identity", app.IdentityWebhook)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(cfg.AuthSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitPerMin, time.Minute))

		r.Get("/v1/credits/balance", app.CreditsBalance)
		r.Post("/v1/payments/confirm", app.PaymentConfirm)

		r.Post("/v1/tools/{name}/invoke", app.ToolsInvoke)
		r.Post("/v1/prompt/assist", app.PromptAssist)

		r.Post("/v1/generations", app.GenerationsSubmit)
		r.Get("/v1/jobs/{id}", app.JobGet)
		r.Post("/v1/jobs/{id}/upscale", app.JobUpscale)

		r.Get("/v1/artifacts", app.ArtifactsList)

		r.Post("/v1/workspaces", app.WorkspaceCreate)
		r.Get("/v1/workspaces/{id}", app.WorkspaceGet)
		r.Post("/v1/workspaces/{id}/train", app.WorkspaceTrain)
	})

	return r
}
