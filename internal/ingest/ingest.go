// Package ingest funnels provider completions into job state. Poll-driven
// and webhook-driven observations converge on one application path, so a
// completion that arrives through both channels settles exactly once.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"atelier/internal/domain"
	"atelier/internal/infra"
	"atelier/internal/jobstate"
	"atelier/internal/normalizer"
	"atelier/internal/providers/replicate"
)

// Provider is the slice of the prediction API the ingestor reads from.
type Provider interface {
	GetPrediction(ctx context.Context, id string) (*replicate.Prediction, error)
	GetTraining(ctx context.Context, id string) (*replicate.Prediction, error)
	DecodeOutput(raw json.RawMessage) any
	VerifyWebhook(headers replicate.WebhookHeaders, body []byte) error
}

// ArtifactSink persists results and augments parent artifacts.
type ArtifactSink interface {
	Persist(ctx context.Context, principalID, url, sourceTag, prompt string) (*domain.Artifact, error)
	AugmentUpscale(ctx context.Context, artifactID, upscaleURL string) error
}

// Ingestor applies provider-side completions to jobs, workspaces and
// artifacts.
type Ingestor struct {
	jobs       domain.JobRepository
	workspaces domain.WorkspaceRepository
	machine    *jobstate.Machine
	provider   Provider
	artifacts  ArtifactSink
	logger     infra.Logger
}

func New(jobs domain.JobRepository, workspaces domain.WorkspaceRepository, machine *jobstate.Machine, provider Provider, artifacts ArtifactSink, logger infra.Logger) *Ingestor {
	return &Ingestor{
		jobs:       jobs,
		workspaces: workspaces,
		machine:    machine,
		provider:   provider,
		artifacts:  artifacts,
		logger:     logger,
	}
}

// Poll re-reads the provider state for one job and applies it. Terminal
// jobs are returned as stored without a provider round trip.
func (i *Ingestor) Poll(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := i.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State.Terminal() || job.ProviderJobID == "" {
		return job, nil
	}

	var pred *replicate.Prediction
	if job.Kind == domain.JobKindTraining {
		pred, err = i.provider.GetTraining(ctx, job.ProviderJobID)
	} else {
		pred, err = i.provider.GetPrediction(ctx, job.ProviderJobID)
	}
	if err != nil {
		return nil, err
	}

	if err := i.apply(ctx, job, pred); err != nil {
		return nil, err
	}
	return i.jobs.GetByID(ctx, jobID)
}

// Webhook authenticates and applies one delivery. A bad signature changes
// no state; an unknown provider id is an error so the provider retries
// after the submission transaction landed.
func (i *Ingestor) Webhook(ctx context.Context, headers replicate.WebhookHeaders, body []byte) error {
	if err := i.provider.VerifyWebhook(headers, body); err != nil {
		return err
	}
	pred, err := replicate.ParseWebhook(body)
	if err != nil {
		return err
	}
	job, err := i.jobs.GetByProviderJobID(ctx, pred.ID)
	if err != nil {
		return fmt.Errorf("provider job %s: %w", pred.ID, err)
	}
	return i.apply(ctx, job, pred)
}

// apply maps one provider observation onto the job. Duplicate deliveries
// and out-of-order observations land as benign no-ops through the state
// machine's CAS semantics.
func (i *Ingestor) apply(ctx context.Context, job *domain.Job, pred *replicate.Prediction) error {
	switch pred.Status {
	case replicate.StatusStarting:
		return nil
	case replicate.StatusProcessing:
		if job.Kind == domain.JobKindUpscale {
			// PENDING already covers in-flight work.
			return nil
		}
		_, err := i.machine.Advance(ctx, job, domain.JobStateProcessing, nil)
		return err
	case replicate.StatusSucceeded:
		return i.applySuccess(ctx, job, pred)
	case replicate.StatusFailed, replicate.StatusCanceled:
		return i.applyFailure(ctx, job, pred)
	default:
		i.logger.Warn().Str("job_id", job.ID).Str("status", string(pred.Status)).Msg("ignoring unknown provider status")
		return nil
	}
}

func (i *Ingestor) applySuccess(ctx context.Context, job *domain.Job, pred *replicate.Prediction) error {
	if job.Kind == domain.JobKindTraining {
		return i.completeTraining(ctx, job, pred)
	}

	url, err := normalizer.Normalize(ctx, i.provider.DecodeOutput(pred.Output))
	if err != nil {
		// A success without a usable output cannot settle as succeeded.
		i.logger.Error().Err(err).Str("job_id", job.ID).Msg("provider success with unusable output")
		return i.applyFailure(ctx, job, &replicate.Prediction{Status: replicate.StatusFailed, Error: err.Error()})
	}

	switch job.Kind {
	case domain.JobKindGeneration:
		artifact, err := i.artifacts.Persist(ctx, job.PrincipalID, url, "generation", promptFrom(job.Input))
		if err != nil {
			i.logger.Warn().Err(err).Str("job_id", job.ID).Msg("artifact persistence failed at completion")
		}
		res, err := i.machine.Advance(ctx, job, domain.JobStateSucceeded, nil)
		if err != nil {
			return err
		}
		if res.Applied && artifact != nil {
			if err := i.jobs.SetArtifact(ctx, job.ID, artifact.ID); err != nil {
				i.logger.Warn().Err(err).Str("job_id", job.ID).Msg("artifact link failed")
			}
		}
		return nil
	case domain.JobKindUpscale:
		res, err := i.machine.Advance(ctx, job, domain.UpscaleStateProcessed, nil)
		if err != nil {
			return err
		}
		if res.Applied {
			return i.augmentParent(ctx, job, url)
		}
		return nil
	default:
		return fmt.Errorf("%w: unexpected kind %s for job %s", domain.ErrStateConflict, job.Kind, job.ID)
	}
}

func (i *Ingestor) applyFailure(ctx context.Context, job *domain.Job, pred *replicate.Prediction) error {
	var errMsg *string
	if pred.Error != "" {
		msg := pred.Error
		errMsg = &msg
	}
	res, err := i.machine.Advance(ctx, job, domain.JobStateFailed, errMsg)
	if err != nil {
		return err
	}
	if res.Applied && job.Kind == domain.JobKindTraining && job.WorkspaceID != nil {
		if _, err := i.workspaces.CASStatus(ctx, *job.WorkspaceID, domain.WorkspaceStatusProcessing, domain.WorkspaceStatusFailed); err != nil {
			i.logger.Warn().Err(err).Str("workspace_id", *job.WorkspaceID).Msg("workspace failure flip failed")
		}
	}
	return nil
}

func (i *Ingestor) completeTraining(ctx context.Context, job *domain.Job, pred *replicate.Prediction) error {
	res, err := i.machine.Advance(ctx, job, domain.JobStateSucceeded, nil)
	if err != nil {
		return err
	}
	if !res.Applied {
		return nil
	}
	if job.WorkspaceID == nil {
		i.logger.Warn().Str("job_id", job.ID).Msg("training job without workspace")
		return nil
	}
	if _, err := i.workspaces.CASStatus(ctx, *job.WorkspaceID, domain.WorkspaceStatusProcessing, domain.WorkspaceStatusSucceeded); err != nil {
		return fmt.Errorf("workspace %s ready flip: %w", *job.WorkspaceID, err)
	}
	return nil
}

// augmentParent attaches the upscaled URL to the parent generation job's
// artifact.
func (i *Ingestor) augmentParent(ctx context.Context, job *domain.Job, url string) error {
	if job.ParentJobID == nil {
		return fmt.Errorf("upscale job %s has no parent", job.ID)
	}
	parent, err := i.jobs.GetByID(ctx, *job.ParentJobID)
	if err != nil {
		return fmt.Errorf("parent job %s: %w", *job.ParentJobID, err)
	}
	if parent.ArtifactID == nil {
		return fmt.Errorf("parent job %s has no artifact to augment", parent.ID)
	}
	return i.artifacts.AugmentUpscale(ctx, *parent.ArtifactID, url)
}

func promptFrom(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var decoded struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(input, &decoded); err != nil {
		return ""
	}
	return decoded.Prompt
}
