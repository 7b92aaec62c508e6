package domain

import "time"

// WorkspaceStatus enumerates fine-tuning container states.
type WorkspaceStatus string

const (
	WorkspaceStatusNotCreated WorkspaceStatus = "not_created"
	WorkspaceStatusProcessing WorkspaceStatus = "processing"
	WorkspaceStatusSucceeded  WorkspaceStatus = "succeeded"
	WorkspaceStatusFailed     WorkspaceStatus = "failed"
)

// Workspace owns a provider-side trainable model. Once its training job
// succeeds the workspace is ready and generation jobs may target ModelRef.
type Workspace struct {
	ID            string
	PrincipalID   string
	Status        WorkspaceStatus
	TrainingJobID *string
	ModelRef      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Ready reports whether generation against the fine-tuned model is allowed.
func (w Workspace) Ready() bool {
	return w.Status == WorkspaceStatusSucceeded
}
