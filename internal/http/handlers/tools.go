package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"atelier/internal/providers/prompt"
)

type invokeRequest struct {
	Input map[string]any `json:"input"`
}

// ToolsInvoke runs a synchronous tool and returns the normalized result.
func (a *App) ToolsInvoke(w http.ResponseWriter, r *http.Request) {
	principalID, ok := a.principal(w, r)
	if !ok {
		return
	}
	toolName := chi.URLParam(r, "name")

	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	res, err := a.Engine.InvokeTool(r.Context(), principalID, toolName, req.Input)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.Logger.Info().
		Str("principal_id", principalID).
		Str("tool", toolName).
		Str("country", a.country(r)).
		Msg("tool invoked")
	a.json(w, http.StatusOK, res)
}

type assistRequest struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style"`
	Locale string `json:"locale"`
}

// PromptAssist rewrites a prompt, metered on auxiliary credits.
func (a *App) PromptAssist(w http.ResponseWriter, r *http.Request) {
	principalID, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req assistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.Prompt == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "prompt is required")
		return
	}

	res, err := a.Engine.AssistPrompt(r.Context(), principalID, prompt.AssistRequest{
		Prompt: req.Prompt,
		Style:  req.Style,
		Locale: req.Locale,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, res)
}
