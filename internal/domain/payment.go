package domain

import "time"

// PaymentPurpose discriminates what a confirmed checkout session pays for.
type PaymentPurpose string

const (
	PaymentPurposeTopUp           PaymentPurpose = "top_up"
	PaymentPurposeWorkspaceUnlock PaymentPurpose = "workspace_unlock"
)

// PaymentRecord is the applied-once marker for an external checkout
// session. The (SessionID, Purpose) pair is unique; a second confirmation
// attempt for the same session hits the existing record and is a no-op.
type PaymentRecord struct {
	SessionID     string
	Purpose       PaymentPurpose
	PrincipalID   string
	GeneralAmount int
	AuxAmount     int
	WorkspaceID   *string
	CreatedAt     time.Time
}
