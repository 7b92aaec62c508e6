package domain

import "time"

// Artifact is a persisted reference to a generated result. OriginalURL is
// the first URL ever seen for the result and is the de-duplication key;
// URL may be upgraded exactly once from a provider-hosted location to a
// durable-storage location.
type Artifact struct {
	ID          string
	PrincipalID string
	URL         string
	OriginalURL string
	UpscaledURL *string
	SourceTag   string
	Prompt      string
	CreatedAt   time.Time
}
