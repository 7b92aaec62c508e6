package domain

import (
	"encoding/json"
	"time"
)

// JobKind enumerates the units of provider work this core tracks.
type JobKind string

const (
	JobKindGeneration JobKind = "generation"
	JobKindTraining   JobKind = "training"
	JobKindUpscale    JobKind = "upscale"
)

// JobState enumerates lifecycle states across all job kinds. Generation and
// training jobs move through starting/processing into a terminal state;
// upscale sub-jobs use the NO/PENDING/PROCESSED triple.
type JobState string

const (
	JobStateStarting   JobState = "starting"
	JobStateProcessing JobState = "processing"
	JobStateSucceeded  JobState = "succeeded"
	JobStateFailed     JobState = "failed"

	UpscaleStateNone      JobState = "NO"
	UpscaleStatePending   JobState = "PENDING"
	UpscaleStateProcessed JobState = "PROCESSED"
)

// Terminal reports whether s is a sticky end state for its kind.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, UpscaleStateProcessed:
		return true
	}
	return false
}

// Job is one submitted unit of provider work. ProviderJobID is assigned by
// the provider at submission time and is set at most once; it anchors
// idempotent completion handling.
type Job struct {
	ID            string
	PrincipalID   string
	Kind          JobKind
	ProviderJobID string
	State         JobState
	Input         json.RawMessage
	ParentJobID   *string // upscale: the generation job being upscaled
	WorkspaceID   *string // training: the workspace being fine-tuned
	ArtifactID    *string // generation: the persisted result, set at completion
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
