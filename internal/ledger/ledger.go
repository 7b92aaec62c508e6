// Package ledger is the only writer of credit balances. Admission is
// two-phase: Check before provider cost is incurred, Deduct only after the
// provider returned a usable result (or, for async work, once the work is
// committed). Deductions are conditional at write time, so concurrent
// spenders serialize on the row without a lock.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"atelier/internal/domain"
	"atelier/internal/infra"
	"atelier/internal/notify"
)

// Service exposes the credit ledger operations.
type Service struct {
	credits domain.CreditRepository
	events  notify.Publisher
	logger  infra.Logger
}

// NewService builds a ledger backed by the given repository. Every
// committed mutation is published to events.
func NewService(credits domain.CreditRepository, events notify.Publisher, logger infra.Logger) *Service {
	if events == nil {
		events = notify.Discard{}
	}
	return &Service{credits: credits, events: events, logger: logger}
}

// Balance returns the principal's counters, materializing the row with the
// welcome grant on first inquiry.
func (s *Service) Balance(ctx context.Context, principalID string) (*domain.CreditBalance, error) {
	balance, err := s.credits.Get(ctx, principalID)
	if errors.Is(err, domain.ErrNotFound) {
		return s.credits.CreateIfAbsent(ctx, principalID, domain.WelcomeGeneralCredits, domain.WelcomeAuxCredits)
	}
	return balance, err
}

// Check verifies the principal can afford amount general credits. It is
// side-effect free on the counters; an unknown principal is materialized
// with the welcome grant first.
func (s *Service) Check(ctx context.Context, principalID string, amount int) error {
	balance, err := s.Balance(ctx, principalID)
	if err != nil {
		return err
	}
	if balance.GeneralCredits < amount {
		return domain.ErrInsufficientCredits
	}
	return nil
}

// CheckStrict is Check without lazy materialization: an unknown principal
// fails with ErrNotFound.
func (s *Service) CheckStrict(ctx context.Context, principalID string, amount int) error {
	balance, err := s.credits.Get(ctx, principalID)
	if err != nil {
		return err
	}
	if balance.GeneralCredits < amount {
		return domain.ErrInsufficientCredits
	}
	return nil
}

// CheckAux mirrors Check for the secondary counter.
func (s *Service) CheckAux(ctx context.Context, principalID string, amount int) error {
	balance, err := s.Balance(ctx, principalID)
	if err != nil {
		return err
	}
	if balance.AuxCredits < amount {
		return domain.ErrInsufficientCredits
	}
	return nil
}

// Deduct decrements the general counter if and only if the stored balance
// is still >= amount at the moment of mutation, and returns the new
// balance. This is the race guard between admission and settlement.
func (s *Service) Deduct(ctx context.Context, principalID string, amount int) (int, error) {
	remaining, err := s.credits.DeductGeneral(ctx, principalID, amount)
	if err != nil {
		return 0, err
	}
	s.publish(ctx, principalID, "deduct")
	return remaining, nil
}

// DeductAux mirrors Deduct for the secondary counter.
func (s *Service) DeductAux(ctx context.Context, principalID string, amount int) (int, error) {
	remaining, err := s.credits.DeductAux(ctx, principalID, amount)
	if err != nil {
		return 0, err
	}
	s.publish(ctx, principalID, "deduct_aux")
	return remaining, nil
}

// Grant atomically increments both counters. Callers confirming payments
// must hold the payment-record uniqueness guarantee before invoking Grant;
// the ledger itself does not deduplicate external payment ids.
func (s *Service) Grant(ctx context.Context, principalID string, general, aux int) (*domain.CreditBalance, error) {
	balance, err := s.credits.Grant(ctx, principalID, general, aux)
	if errors.Is(err, domain.ErrNotFound) {
		if _, err := s.credits.CreateIfAbsent(ctx, principalID, domain.WelcomeGeneralCredits, domain.WelcomeAuxCredits); err != nil {
			return nil, fmt.Errorf("materialize balance: %w", err)
		}
		balance, err = s.credits.Grant(ctx, principalID, general, aux)
	}
	if err != nil {
		return nil, err
	}
	s.publish(ctx, principalID, "grant")
	return balance, nil
}

// Refund returns general credits after an admission that never reached the
// provider, e.g. an async submission that failed before a provider job
// existed.
func (s *Service) Refund(ctx context.Context, principalID string, amount int) error {
	if amount <= 0 {
		return nil
	}
	if _, err := s.credits.Grant(ctx, principalID, amount, 0); err != nil {
		return err
	}
	s.publish(ctx, principalID, "refund")
	return nil
}

func (s *Service) publish(ctx context.Context, principalID, cause string) {
	balance, err := s.credits.Get(ctx, principalID)
	if err != nil {
		s.logger.Warn().Err(err).Str("principal_id", principalID).Msg("ledger: balance readback for event failed")
		return
	}
	ev := notify.BalanceChanged{
		PrincipalID: principalID,
		General:     balance.GeneralCredits,
		Aux:         balance.AuxCredits,
		Cause:       cause,
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("principal_id", principalID).Msg("ledger: event publish failed")
	}
}
