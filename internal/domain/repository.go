package domain

import "context"

// CreditRepository is the only component allowed to touch balance rows.
// Deduct operations are conditional writes: the decrement applies only if
// the stored counter is still >= amount at the moment of mutation.
type CreditRepository interface {
	Get(ctx context.Context, principalID string) (*CreditBalance, error)
	// CreateIfAbsent materializes a balance with the given grant and
	// returns the stored row, whether it already existed or not.
	CreateIfAbsent(ctx context.Context, principalID string, general, aux int) (*CreditBalance, error)
	// DeductGeneral returns the new balance, or ErrInsufficientCredits if
	// the conditional decrement matched no row.
	DeductGeneral(ctx context.Context, principalID string, amount int) (int, error)
	DeductAux(ctx context.Context, principalID string, amount int) (int, error)
	Grant(ctx context.Context, principalID string, general, aux int) (*CreditBalance, error)
}

// JobRepository persists jobs. CASState is a compare-and-swap on the stored
// state and reports whether the write applied.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, id string) (*Job, error)
	GetByProviderJobID(ctx context.Context, providerJobID string) (*Job, error)
	// GetUpscaleByParent returns the upscale job attached to a generation
	// job; ErrNotFound when none was ever submitted.
	GetUpscaleByParent(ctx context.Context, parentJobID string) (*Job, error)
	CASState(ctx context.Context, id string, from, to JobState, errMsg *string) (bool, error)
	// ReopenUpscale resets a failed upscale job to PENDING for another
	// attempt, clearing the provider id so the retry can bind a fresh
	// prediction. Reports false when the stored state is not failed.
	ReopenUpscale(ctx context.Context, id string) (bool, error)
	// SetProviderJobID sets the provider id if unset; a second call with a
	// different value fails with ErrProviderJobImmutable.
	SetProviderJobID(ctx context.Context, id, providerJobID string) error
	SetArtifact(ctx context.Context, id, artifactID string) error
	ListUnfinished(ctx context.Context, limit int) ([]Job, error)
	DeleteByPrincipal(ctx context.Context, principalID string) error
}

// ArtifactRepository persists generated artifact references.
type ArtifactRepository interface {
	Create(ctx context.Context, artifact *Artifact) error
	GetByID(ctx context.Context, id string) (*Artifact, error)
	// FindByURL matches either the current or the original URL for the
	// principal; ErrNotFound when no artifact matches.
	FindByURL(ctx context.Context, principalID, url string) (*Artifact, error)
	UpgradeURL(ctx context.Context, id, durableURL string) error
	// SetUpscaledURL applies only while the column is still empty and
	// reports whether the write happened.
	SetUpscaledURL(ctx context.Context, id, url string) (bool, error)
	ListByPrincipal(ctx context.Context, principalID string, limit int) ([]Artifact, error)
	DeleteByPrincipal(ctx context.Context, principalID string) error
}

// WorkspaceRepository persists fine-tuning workspaces.
type WorkspaceRepository interface {
	Create(ctx context.Context, ws *Workspace) error
	GetByID(ctx context.Context, id string) (*Workspace, error)
	CASStatus(ctx context.Context, id string, from, to WorkspaceStatus) (bool, error)
	SetTrainingJob(ctx context.Context, id, jobID string) error
	DeleteByPrincipal(ctx context.Context, principalID string) error
}

// PaymentRepository records applied checkout sessions. Record maps a
// primary-key violation to ErrDuplicateOperation, which is the signal the
// confirmation flow uses to skip re-application.
type PaymentRepository interface {
	Record(ctx context.Context, rec *PaymentRecord) error
	HasWorkspaceUnlock(ctx context.Context, workspaceID string) (bool, error)
}
