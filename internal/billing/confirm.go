package billing

import (
	"context"
	"errors"
	"fmt"

	"atelier/internal/domain"
	"atelier/internal/infra"
)

// CreditGranter applies confirmed top-ups to the ledger.
type CreditGranter interface {
	Grant(ctx context.Context, principalID string, general, aux int) (*domain.CreditBalance, error)
}

// ConfirmResult reports what a confirmation call did.
type ConfirmResult struct {
	// Applied is false when the session had already been confirmed; the
	// call is then a harmless no-op.
	Applied     bool                  `json:"applied"`
	Purpose     domain.PaymentPurpose `json:"purpose"`
	WorkspaceID string                `json:"workspace_id,omitempty"`
}

// Confirmer turns a paid checkout session into a ledger grant or a
// workspace unlock, exactly once per (session, purpose).
type Confirmer struct {
	sessions   SessionFetcher
	payments   domain.PaymentRepository
	workspaces domain.WorkspaceRepository
	granter    CreditGranter
	logger     infra.Logger
}

func NewConfirmer(sessions SessionFetcher, payments domain.PaymentRepository, workspaces domain.WorkspaceRepository, granter CreditGranter, logger infra.Logger) *Confirmer {
	return &Confirmer{
		sessions:   sessions,
		payments:   payments,
		workspaces: workspaces,
		granter:    granter,
		logger:     logger,
	}
}

// Confirm re-fetches the session, verifies it belongs to principalID, and
// applies its effect. The payment record is written before the effect, so a
// concurrent confirmation of the same session loses on the record's primary
// key and observes Applied=false instead of double-crediting.
func (c *Confirmer) Confirm(ctx context.Context, principalID, sessionID string) (*ConfirmResult, error) {
	session, err := c.sessions.FetchSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Paid() {
		return nil, fmt.Errorf("%w: session %s is not paid (status %q)", domain.ErrPaymentRequired, session.ID, session.PaymentStatus)
	}
	meta, err := session.ParseMetadata()
	if err != nil {
		return nil, err
	}
	if meta.PrincipalID != principalID {
		return nil, fmt.Errorf("%w: session %s belongs to another principal", domain.ErrUnauthorized, session.ID)
	}
	if meta.Purpose == domain.PaymentPurposeWorkspaceUnlock {
		ws, err := c.workspaces.GetByID(ctx, meta.WorkspaceID)
		if err != nil {
			return nil, fmt.Errorf("workspace %s: %w", meta.WorkspaceID, err)
		}
		if ws.PrincipalID != principalID {
			return nil, fmt.Errorf("%w: workspace %s belongs to another principal", domain.ErrUnauthorized, ws.ID)
		}
	}

	rec := &domain.PaymentRecord{
		SessionID:     session.ID,
		Purpose:       meta.Purpose,
		PrincipalID:   principalID,
		GeneralAmount: meta.GeneralAmount,
		AuxAmount:     meta.AuxAmount,
	}
	if meta.WorkspaceID != "" {
		rec.WorkspaceID = &meta.WorkspaceID
	}
	if err := c.payments.Record(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrDuplicateOperation) {
			return &ConfirmResult{Applied: false, Purpose: meta.Purpose, WorkspaceID: meta.WorkspaceID}, nil
		}
		return nil, fmt.Errorf("record payment: %w", err)
	}

	if meta.Purpose == domain.PaymentPurposeTopUp {
		if _, err := c.granter.Grant(ctx, principalID, meta.GeneralAmount, meta.AuxAmount); err != nil {
			// The record is already committed; the paid session must not
			// be lost. Surface the failure so the caller retries support
			// channels rather than re-confirming.
			c.logger.Error().Err(err).
				Str("session_id", session.ID).
				Str("principal_id", principalID).
				Msg("payment recorded but credit grant failed")
			return nil, fmt.Errorf("apply top-up for session %s: %w", session.ID, err)
		}
	}

	c.logger.Info().
		Str("session_id", session.ID).
		Str("principal_id", principalID).
		Str("purpose", string(meta.Purpose)).
		Msg("payment confirmed")
	return &ConfirmResult{Applied: true, Purpose: meta.Purpose, WorkspaceID: meta.WorkspaceID}, nil
}
