package domain

import "time"

// Welcome grant applied when a balance is materialized for a new principal.
const (
	WelcomeGeneralCredits = 10
	WelcomeAuxCredits     = 10
)

// CreditBalance tracks the two metered counters owned by a principal.
// Both counters are invariantly non-negative; every mutation goes through
// the conditional operations on CreditRepository.
type CreditBalance struct {
	PrincipalID    string
	GeneralCredits int
	AuxCredits     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
