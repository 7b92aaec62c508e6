package handlers

import (
	"net/http"
	"strconv"
	"time"

	"atelier/internal/domain"
)

type artifactResponse struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	UpscaledURL string    `json:"upscaled_url,omitempty"`
	SourceTag   string    `json:"source_tag"`
	Prompt      string    `json:"prompt,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ArtifactsList returns the caller's artifacts, newest first.
func (a *App) ArtifactsList(w http.ResponseWriter, r *http.Request) {
	principalID, ok := a.principal(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	items, err := a.Artifacts.List(r.Context(), principalID, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	out := make([]artifactResponse, 0, len(items))
	for _, item := range items {
		out = append(out, toArtifactResponse(item))
	}
	a.json(w, http.StatusOK, map[string]any{"artifacts": out})
}

func toArtifactResponse(item domain.Artifact) artifactResponse {
	res := artifactResponse{
		ID:        item.ID,
		URL:       item.URL,
		SourceTag: item.SourceTag,
		Prompt:    item.Prompt,
		CreatedAt: item.CreatedAt,
	}
	if item.UpscaledURL != nil {
		res.UpscaledURL = *item.UpscaledURL
	}
	return res
}
