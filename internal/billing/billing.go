package billing

import (
	"context"

	"github.com/google/uuid"
)

// LimitDecision is the admission answer from the billing side.
type LimitDecision struct {
	Allowed bool
	Reason  string
}

// Service is the credit-ledger collaborator consumed by the orchestrator.
// Reservations are provisional holds: every reservation must be resolved by
// exactly one ChargeCredits or ReleaseReservedCredits.
type Service interface {
	CheckGenerationLimits(ctx context.Context, orgID uuid.UUID, generationType string, provider string) (LimitDecision, error)
	ReserveCredits(ctx context.Context, orgID uuid.UUID, amount float64) error
	ReleaseReservedCredits(ctx context.Context, orgID uuid.UUID, amount float64) error
	ChargeCredits(ctx context.Context, orgID uuid.UUID, reserved float64, actual float64, description string) error
}
