package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrProviderRejected     = errors.New("provider rejected input")
	ErrProviderUnavailable  = errors.New("provider unavailable")
	ErrUnrecognizedOutput   = errors.New("unrecognized provider output shape")
	ErrStateConflict        = errors.New("state conflict")
	ErrAlreadyInProgress    = errors.New("already in progress")
	ErrAlreadyCompleted     = errors.New("already completed")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrDuplicateOperation   = errors.New("duplicate operation")
	ErrPaymentRequired      = errors.New("payment confirmation required")
	ErrProviderJobImmutable = errors.New("provider job id already set")
)
