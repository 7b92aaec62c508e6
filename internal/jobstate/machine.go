// Package jobstate tracks job lifecycles through fixed transition tables.
// Every transition is applied as a compare-and-swap against the record
// store, which makes duplicate webhook deliveries and overlapping polls
// safe without a distributed lock. Terminal states are sticky: an attempt
// to leave one is a recognized no-op, not an error.
package jobstate

import (
	"context"
	"fmt"

	"atelier/internal/domain"
)

// Result reports what a transition attempt did.
type Result struct {
	Applied bool
	From    domain.JobState
	To      domain.JobState
}

// legal maps each job kind to its allowed transitions.
var legal = map[domain.JobKind]map[domain.JobState][]domain.JobState{
	domain.JobKindGeneration: {
		domain.JobStateStarting:   {domain.JobStateProcessing, domain.JobStateSucceeded, domain.JobStateFailed},
		domain.JobStateProcessing: {domain.JobStateSucceeded, domain.JobStateFailed},
	},
	domain.JobKindTraining: {
		domain.JobStateStarting:   {domain.JobStateProcessing, domain.JobStateSucceeded, domain.JobStateFailed},
		domain.JobStateProcessing: {domain.JobStateSucceeded, domain.JobStateFailed},
	},
	domain.JobKindUpscale: {
		domain.UpscaleStateNone:    {domain.UpscaleStatePending},
		domain.UpscaleStatePending: {domain.UpscaleStateProcessed, domain.JobStateFailed},
	},
}

// Machine applies transitions for persisted jobs.
type Machine struct {
	jobs domain.JobRepository
}

// NewMachine builds a state machine over the job repository.
func NewMachine(jobs domain.JobRepository) *Machine {
	return &Machine{jobs: jobs}
}

// Advance moves job from its currently-observed state to target. The
// observed state is the CAS expectation: if the stored state changed since
// the caller read the job, Advance fails with ErrStateConflict and no
// write happens.
//
// Attempts that re-state an already-reached outcome (same target, or any
// target out of a terminal state) return Applied=false with a nil error.
func (m *Machine) Advance(ctx context.Context, job *domain.Job, target domain.JobState, errMsg *string) (Result, error) {
	res := Result{From: job.State, To: target}

	if job.State == target || job.State.Terminal() {
		return res, nil
	}
	if !allowed(job.Kind, job.State, target) {
		return res, fmt.Errorf("%w: %s job %s cannot move %s -> %s",
			domain.ErrStateConflict, job.Kind, job.ID, job.State, target)
	}

	applied, err := m.jobs.CASState(ctx, job.ID, job.State, target, errMsg)
	if err != nil {
		return res, err
	}
	if !applied {
		// Someone else moved the job first. Re-read to classify: reaching
		// the same target concurrently is benign, anything else is a
		// conflict the caller should re-observe.
		stored, err := m.jobs.GetByID(ctx, job.ID)
		if err != nil {
			return res, err
		}
		if stored.State == target || stored.State.Terminal() {
			res.From = stored.State
			return res, nil
		}
		return res, fmt.Errorf("%w: %s job %s expected %s, stored %s",
			domain.ErrStateConflict, job.Kind, job.ID, job.State, stored.State)
	}

	res.Applied = true
	job.State = target
	return res, nil
}

// BeginUpscale moves an upscale sub-job NO -> PENDING, mapping re-entrant
// submissions to the idempotency guards callers expect. A failed attempt
// is not sticky here: the job is reopened for another try.
func (m *Machine) BeginUpscale(ctx context.Context, job *domain.Job) error {
	switch job.State {
	case domain.UpscaleStatePending:
		return domain.ErrAlreadyInProgress
	case domain.UpscaleStateProcessed:
		return domain.ErrAlreadyCompleted
	case domain.JobStateFailed:
		return m.reopenUpscale(ctx, job)
	}
	res, err := m.Advance(ctx, job, domain.UpscaleStatePending, nil)
	if err != nil {
		return err
	}
	if !res.Applied {
		// Lost the race to a concurrent submit.
		if res.From == domain.UpscaleStateProcessed {
			return domain.ErrAlreadyCompleted
		}
		return domain.ErrAlreadyInProgress
	}
	return nil
}

// reopenUpscale re-admits a failed upscale job. It bypasses Advance on
// purpose: failed is terminal for every other path, only a fresh
// submission may leave it, and the stored provider id must be cleared in
// the same write so the retry can bind a new prediction.
func (m *Machine) reopenUpscale(ctx context.Context, job *domain.Job) error {
	applied, err := m.jobs.ReopenUpscale(ctx, job.ID)
	if err != nil {
		return err
	}
	if !applied {
		stored, err := m.jobs.GetByID(ctx, job.ID)
		if err != nil {
			return err
		}
		if stored.State == domain.UpscaleStateProcessed {
			return domain.ErrAlreadyCompleted
		}
		return domain.ErrAlreadyInProgress
	}
	job.State = domain.UpscaleStatePending
	job.ProviderJobID = ""
	job.ErrorMessage = ""
	return nil
}

func allowed(kind domain.JobKind, from, to domain.JobState) bool {
	for _, t := range legal[kind][from] {
		if t == to {
			return true
		}
	}
	return false
}
