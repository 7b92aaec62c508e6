package identity

import (
	"context"
	"fmt"

	"atelier/internal/domain"
	"atelier/internal/infra"
)

// BalanceMaterializer creates the welcome-granted balance for a principal
// the first time the service sees them.
type BalanceMaterializer interface {
	Balance(ctx context.Context, principalID string) (*domain.CreditBalance, error)
}

// ArtifactPurger removes a principal's stored artifacts.
type ArtifactPurger interface {
	PurgePrincipal(ctx context.Context, principalID string) error
}

// Processor applies identity lifecycle events to local state.
type Processor struct {
	ledger     BalanceMaterializer
	jobs       domain.JobRepository
	workspaces domain.WorkspaceRepository
	artifacts  ArtifactPurger
	logger     infra.Logger
}

func NewProcessor(ledger BalanceMaterializer, jobs domain.JobRepository, workspaces domain.WorkspaceRepository, artifacts ArtifactPurger, logger infra.Logger) *Processor {
	return &Processor{
		ledger:     ledger,
		jobs:       jobs,
		workspaces: workspaces,
		artifacts:  artifacts,
		logger:     logger,
	}
}

// Process dispatches one verified event. Unknown event types are logged and
// acknowledged so the provider does not retry them forever.
func (p *Processor) Process(ctx context.Context, ev *Event) error {
	principalID := ev.Data.ID
	switch ev.Type {
	case EventPrincipalCreated, EventPrincipalUpdated:
		if _, err := p.ledger.Balance(ctx, principalID); err != nil {
			return fmt.Errorf("materialize balance for %s: %w", principalID, err)
		}
		p.logger.Info().Str("principal_id", principalID).Str("event", ev.Type).Msg("principal materialized")
		return nil
	case EventPrincipalDeleted:
		return p.teardown(ctx, principalID)
	default:
		p.logger.Warn().Str("event", ev.Type).Msg("ignoring unknown identity event")
		return nil
	}
}

// teardown removes everything the principal owns. The credit balance row is
// kept as an audit trail of consumed grants; the identity provider owns the
// principal itself.
func (p *Processor) teardown(ctx context.Context, principalID string) error {
	if err := p.jobs.DeleteByPrincipal(ctx, principalID); err != nil {
		return fmt.Errorf("delete jobs for %s: %w", principalID, err)
	}
	if err := p.workspaces.DeleteByPrincipal(ctx, principalID); err != nil {
		return fmt.Errorf("delete workspaces for %s: %w", principalID, err)
	}
	if err := p.artifacts.PurgePrincipal(ctx, principalID); err != nil {
		return fmt.Errorf("purge artifacts for %s: %w", principalID, err)
	}
	p.logger.Info().Str("principal_id", principalID).Msg("principal state removed")
	return nil
}
