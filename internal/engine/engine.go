// Package engine is the execution engine: it admits work against the
// credit ledger, submits it to the provider and hands the resulting jobs to
// the completion ingestor. Admission is two-phase for synchronous tools
// (check before the provider call, deduct after a usable result) and
// deduct-at-submission for asynchronous ones, because the provider work is
// already committed once the submission returns.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"atelier/internal/artifacts"
	"atelier/internal/catalog"
	"atelier/internal/domain"
	"atelier/internal/infra"
	"atelier/internal/normalizer"
	"atelier/internal/providers/prompt"
	"atelier/internal/providers/replicate"
)

// Mode mismatches between a tool's catalog entry and the call site.
var (
	ErrToolNotSynchronous  = errors.New("tool must be submitted asynchronously")
	ErrToolNotAsynchronous = errors.New("tool runs synchronously")
)

const assistAuxCost = 1

// Provider is the slice of the prediction API the engine drives.
type Provider interface {
	Run(ctx context.Context, model string, input map[string]any) (any, error)
	CreatePrediction(ctx context.Context, model string, input map[string]any, webhookURL string) (*replicate.Prediction, error)
	CreateTraining(ctx context.Context, model, destination string, input map[string]any, webhookURL string) (*replicate.Prediction, error)
}

// Ledger is the slice of the credit ledger the engine consumes.
type Ledger interface {
	Check(ctx context.Context, principalID string, amount int) error
	CheckAux(ctx context.Context, principalID string, amount int) error
	Deduct(ctx context.Context, principalID string, amount int) (int, error)
	DeductAux(ctx context.Context, principalID string, amount int) (int, error)
	Refund(ctx context.Context, principalID string, amount int) error
}

// ArtifactPersister persists a normalized result reference.
type ArtifactPersister interface {
	Persist(ctx context.Context, principalID, url, sourceTag, prompt string) (*domain.Artifact, error)
}

// Engine wires admission, provider submission and job bookkeeping.
type Engine struct {
	catalog    *catalog.Catalog
	ledger     Ledger
	provider   Provider
	machine    UpscaleAdmitter
	jobs       domain.JobRepository
	workspaces domain.WorkspaceRepository
	payments   domain.PaymentRepository
	artifacts  ArtifactPersister
	artRepo    domain.ArtifactRepository
	assistant  prompt.Assistant
	webhookURL string
	logger     infra.Logger
}

// UpscaleAdmitter guards the NO -> PENDING admission of upscale jobs.
type UpscaleAdmitter interface {
	BeginUpscale(ctx context.Context, job *domain.Job) error
}

// Options collects the engine's collaborators.
type Options struct {
	Catalog    *catalog.Catalog
	Ledger     Ledger
	Provider   Provider
	Machine    UpscaleAdmitter
	Jobs       domain.JobRepository
	Workspaces domain.WorkspaceRepository
	Payments   domain.PaymentRepository
	Artifacts  ArtifactPersister
	ArtRepo    domain.ArtifactRepository
	Assistant  prompt.Assistant
	WebhookURL string
	Logger     infra.Logger
}

func New(opts Options) *Engine {
	cat := opts.Catalog
	if cat == nil {
		cat = catalog.Default()
	}
	return &Engine{
		catalog:    cat,
		ledger:     opts.Ledger,
		provider:   opts.Provider,
		machine:    opts.Machine,
		jobs:       opts.Jobs,
		workspaces: opts.Workspaces,
		payments:   opts.Payments,
		artifacts:  opts.Artifacts,
		artRepo:    opts.ArtRepo,
		assistant:  opts.Assistant,
		webhookURL: opts.WebhookURL,
		logger:     opts.Logger,
	}
}

// InvokeResult is the outcome of a synchronous tool invocation.
type InvokeResult struct {
	URL              string           `json:"url"`
	Artifact         *domain.Artifact `json:"artifact,omitempty"`
	RemainingCredits int              `json:"remaining_credits"`
	// BillingAnomaly is set when the deduction failed after the provider
	// already produced the result. The result is still returned; the
	// anomaly is surfaced for reconciliation.
	BillingAnomaly bool `json:"billing_anomaly,omitempty"`
}

// InvokeTool runs a synchronous tool end to end. The provider is never
// called for a principal who cannot afford the tool, and nothing is
// deducted when the provider fails or returns an unusable shape.
func (e *Engine) InvokeTool(ctx context.Context, principalID, toolName string, input map[string]any) (*InvokeResult, error) {
	tool, ok := e.catalog.Lookup(toolName)
	if !ok {
		return nil, fmt.Errorf("%w: tool %q", domain.ErrNotFound, toolName)
	}
	if tool.Async {
		return nil, fmt.Errorf("%w: %s", ErrToolNotSynchronous, toolName)
	}
	if err := e.ledger.Check(ctx, principalID, tool.Cost); err != nil {
		return nil, err
	}

	raw, err := e.provider.Run(ctx, tool.Model, tool.BuildInput(input))
	if err != nil {
		return nil, err
	}
	url, err := normalizer.Normalize(ctx, raw)
	if err != nil {
		return nil, err
	}

	result := &InvokeResult{URL: url}
	remaining, err := e.ledger.Deduct(ctx, principalID, tool.Cost)
	if err != nil {
		// The provider work is done and cannot be cancelled; the result
		// is returned anyway and the failed settlement is flagged.
		e.logger.Error().Err(err).
			Str("principal_id", principalID).
			Str("tool", toolName).
			Msg("deduction failed after successful provider call")
		result.BillingAnomaly = true
	} else {
		result.RemainingCredits = remaining
	}

	artifact, err := e.artifacts.Persist(ctx, principalID, url, "tool:"+toolName, promptText(input))
	if err != nil {
		e.logger.Warn().Err(err).Str("url", url).Msg("artifact persistence failed, returning provider url")
	} else {
		result.Artifact = artifact
	}
	return result, nil
}

// SubmitGeneration admits and submits an asynchronous generation job.
// Credits are deducted at submission time; a submission that never reaches
// the provider is refunded.
func (e *Engine) SubmitGeneration(ctx context.Context, principalID, toolName string, input map[string]any) (*domain.Job, error) {
	tool, ok := e.catalog.Lookup(toolName)
	if !ok {
		return nil, fmt.Errorf("%w: tool %q", domain.ErrNotFound, toolName)
	}
	if !tool.Async || tool.Kind == "training" {
		return nil, fmt.Errorf("%w: %s", ErrToolNotAsynchronous, toolName)
	}
	if err := e.ledger.Check(ctx, principalID, tool.Cost); err != nil {
		return nil, err
	}
	if _, err := e.ledger.Deduct(ctx, principalID, tool.Cost); err != nil {
		return nil, err
	}

	merged := tool.BuildInput(input)
	job, err := e.createJob(ctx, principalID, domain.JobKindGeneration, merged, nil, nil)
	if err != nil {
		e.refund(ctx, principalID, tool.Cost)
		return nil, err
	}

	pred, err := e.provider.CreatePrediction(ctx, tool.Model, merged, e.webhookURL)
	if err != nil {
		e.failSubmission(ctx, job, err)
		e.refund(ctx, principalID, tool.Cost)
		return nil, err
	}
	if err := e.jobs.SetProviderJobID(ctx, job.ID, pred.ID); err != nil {
		return nil, err
	}
	job.ProviderJobID = pred.ID
	e.logger.Info().Str("job_id", job.ID).Str("provider_job_id", pred.ID).Str("tool", toolName).Msg("generation submitted")
	return job, nil
}

// SubmitTraining starts fine-tuning for a workspace. Admission is the
// recorded workspace-unlock payment, not the credit ledger; the workspace
// moves not_created -> processing exactly once.
func (e *Engine) SubmitTraining(ctx context.Context, principalID, workspaceID string, input map[string]any) (*domain.Job, error) {
	tool, ok := e.trainingTool()
	if !ok {
		return nil, fmt.Errorf("%w: no training tool configured", domain.ErrNotFound)
	}

	ws, err := e.workspaces.GetByID(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", workspaceID, err)
	}
	if ws.PrincipalID != principalID {
		return nil, fmt.Errorf("%w: workspace %s", domain.ErrUnauthorized, workspaceID)
	}
	unlocked, err := e.payments.HasWorkspaceUnlock(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if !unlocked {
		return nil, fmt.Errorf("%w: workspace %s has no confirmed unlock payment", domain.ErrPaymentRequired, workspaceID)
	}

	applied, err := e.workspaces.CASStatus(ctx, workspaceID, domain.WorkspaceStatusNotCreated, domain.WorkspaceStatusProcessing)
	if err != nil {
		return nil, err
	}
	if !applied {
		current, err := e.workspaces.GetByID(ctx, workspaceID)
		if err != nil {
			return nil, err
		}
		switch current.Status {
		case domain.WorkspaceStatusProcessing:
			return nil, fmt.Errorf("%w: workspace %s training", domain.ErrAlreadyInProgress, workspaceID)
		case domain.WorkspaceStatusSucceeded:
			return nil, fmt.Errorf("%w: workspace %s trained", domain.ErrAlreadyCompleted, workspaceID)
		default:
			return nil, fmt.Errorf("%w: workspace %s is %s", domain.ErrStateConflict, workspaceID, current.Status)
		}
	}

	merged := tool.BuildInput(input)
	job, err := e.createJob(ctx, principalID, domain.JobKindTraining, merged, nil, &workspaceID)
	if err != nil {
		e.revertTraining(ctx, workspaceID)
		return nil, err
	}

	pred, err := e.provider.CreateTraining(ctx, tool.Model, ws.ModelRef, merged, e.webhookURL)
	if err != nil {
		e.failSubmission(ctx, job, err)
		e.revertTraining(ctx, workspaceID)
		return nil, err
	}
	if err := e.jobs.SetProviderJobID(ctx, job.ID, pred.ID); err != nil {
		return nil, err
	}
	if err := e.workspaces.SetTrainingJob(ctx, workspaceID, job.ID); err != nil {
		e.logger.Warn().Err(err).Str("workspace_id", workspaceID).Msg("workspace training-job link failed")
	}
	job.ProviderJobID = pred.ID
	e.logger.Info().Str("job_id", job.ID).Str("workspace_id", workspaceID).Msg("training submitted")
	return job, nil
}

// SubmitUpscale attaches an upscale sub-job to a succeeded generation job.
// Repeat submissions while one is pending fail with ErrAlreadyInProgress;
// submissions after completion fail with ErrAlreadyCompleted.
func (e *Engine) SubmitUpscale(ctx context.Context, principalID, parentJobID string) (*domain.Job, error) {
	tool, ok := e.catalog.Lookup("upscale")
	if !ok {
		return nil, fmt.Errorf("%w: no upscale tool configured", domain.ErrNotFound)
	}

	parent, err := e.jobs.GetByID(ctx, parentJobID)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", parentJobID, err)
	}
	if parent.PrincipalID != principalID {
		return nil, fmt.Errorf("%w: job %s", domain.ErrUnauthorized, parentJobID)
	}
	if parent.Kind != domain.JobKindGeneration {
		return nil, fmt.Errorf("%w: job %s is not a generation job", domain.ErrStateConflict, parentJobID)
	}
	if parent.State != domain.JobStateSucceeded {
		return nil, fmt.Errorf("%w: job %s is %s, not succeeded", domain.ErrStateConflict, parentJobID, parent.State)
	}
	if parent.ArtifactID == nil {
		return nil, fmt.Errorf("%w: job %s has no artifact to upscale", domain.ErrStateConflict, parentJobID)
	}
	source, err := e.artRepo.GetByID(ctx, *parent.ArtifactID)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", *parent.ArtifactID, err)
	}

	if err := e.ledger.Check(ctx, principalID, tool.Cost); err != nil {
		return nil, err
	}

	job, err := e.jobs.GetUpscaleByParent(ctx, parentJobID)
	if errors.Is(err, domain.ErrNotFound) {
		merged := tool.BuildInput(map[string]any{"image": source.URL})
		job, err = e.createJob(ctx, principalID, domain.JobKindUpscale, merged, &parentJobID, nil)
		if errors.Is(err, domain.ErrDuplicateOperation) {
			// Lost a concurrent create; adopt the winner.
			job, err = e.jobs.GetUpscaleByParent(ctx, parentJobID)
		}
	}
	if err != nil {
		return nil, err
	}

	if err := e.machine.BeginUpscale(ctx, job); err != nil {
		return nil, err
	}
	if _, err := e.ledger.Deduct(ctx, principalID, tool.Cost); err != nil {
		e.failJob(ctx, job, domain.UpscaleStatePending, err)
		return nil, err
	}

	pred, err := e.provider.CreatePrediction(ctx, tool.Model, tool.BuildInput(map[string]any{"image": source.URL}), e.webhookURL)
	if err != nil {
		e.failJob(ctx, job, domain.UpscaleStatePending, err)
		e.refund(ctx, principalID, tool.Cost)
		return nil, err
	}
	if err := e.jobs.SetProviderJobID(ctx, job.ID, pred.ID); err != nil {
		return nil, err
	}
	job.ProviderJobID = pred.ID
	job.State = domain.UpscaleStatePending
	e.logger.Info().Str("job_id", job.ID).Str("parent_job_id", parentJobID).Msg("upscale submitted")
	return job, nil
}

// AssistResult pairs the rewritten prompt with the caller's remaining
// auxiliary credits.
type AssistResult struct {
	*prompt.AssistResponse
	RemainingAux int `json:"remaining_aux_credits"`
}

// AssistPrompt runs the prompt assistant, metered on auxiliary credits.
func (e *Engine) AssistPrompt(ctx context.Context, principalID string, req prompt.AssistRequest) (*AssistResult, error) {
	if e.assistant == nil {
		return nil, fmt.Errorf("%w: prompt assist is not configured", domain.ErrNotFound)
	}
	if err := e.ledger.CheckAux(ctx, principalID, assistAuxCost); err != nil {
		return nil, err
	}
	res, err := e.assistant.Assist(ctx, req)
	if err != nil {
		return nil, err
	}
	remaining, err := e.ledger.DeductAux(ctx, principalID, assistAuxCost)
	if err != nil {
		e.logger.Error().Err(err).Str("principal_id", principalID).Msg("aux deduction failed after assist")
	}
	return &AssistResult{AssistResponse: res, RemainingAux: remaining}, nil
}

func (e *Engine) trainingTool() (catalog.Tool, bool) {
	for _, name := range e.catalog.Names() {
		if t, ok := e.catalog.Lookup(name); ok && t.Kind == "training" {
			return t, true
		}
	}
	return catalog.Tool{}, false
}

func (e *Engine) createJob(ctx context.Context, principalID string, kind domain.JobKind, input map[string]any, parentJobID, workspaceID *string) (*domain.Job, error) {
	encoded, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	state := domain.JobStateStarting
	if kind == domain.JobKindUpscale {
		state = domain.UpscaleStateNone
	}
	job := &domain.Job{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Kind:        kind,
		State:       state,
		Input:       encoded,
		ParentJobID: parentJobID,
		WorkspaceID: workspaceID,
	}
	if err := e.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// failSubmission marks a job failed when the provider rejected the
// submission outright, so the row does not linger as unfinished work.
func (e *Engine) failSubmission(ctx context.Context, job *domain.Job, cause error) {
	e.failJob(ctx, job, domain.JobStateStarting, cause)
}

func (e *Engine) failJob(ctx context.Context, job *domain.Job, from domain.JobState, cause error) {
	msg := cause.Error()
	target := domain.JobStateFailed
	if _, err := e.jobs.CASState(ctx, job.ID, from, target, &msg); err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to mark job failed")
		return
	}
	job.State = target
	job.ErrorMessage = msg
}

func (e *Engine) refund(ctx context.Context, principalID string, amount int) {
	if err := e.ledger.Refund(ctx, principalID, amount); err != nil {
		e.logger.Error().Err(err).Str("principal_id", principalID).Int("amount", amount).Msg("refund failed")
	}
}

// revertTraining returns a workspace to its pre-submission status after a
// submission that never reached the provider.
func (e *Engine) revertTraining(ctx context.Context, workspaceID string) {
	if _, err := e.workspaces.CASStatus(ctx, workspaceID, domain.WorkspaceStatusProcessing, domain.WorkspaceStatusNotCreated); err != nil {
		e.logger.Warn().Err(err).Str("workspace_id", workspaceID).Msg("workspace status revert failed")
	}
}

func promptText(input map[string]any) string {
	if p, ok := input["prompt"].(string); ok {
		return p
	}
	return ""
}

var _ ArtifactPersister = (*artifacts.Store)(nil)
