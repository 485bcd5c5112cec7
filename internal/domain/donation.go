/**
 * @description
 * This file defines the core domain models for the donation-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Monetary amounts are float64 EGP because the external feature service
 *   stores and serves them as doubles; the service never does arithmetic that
 *   requires sub-piaster precision.
 * - Using distinct types for API requests, ledger rows, and external service
 *   payloads keeps the layers separated and type safe.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// RecipientKind discriminates the two independent recipient record classes
// served by the external feature service.
type RecipientKind string

const (
	KindCharity RecipientKind = "charity"
	KindNeedy   RecipientKind = "needy"
)

// Valid reports whether the kind tag is one of the two known record classes.
func (k RecipientKind) Valid() bool {
	return k == KindCharity || k == KindNeedy
}

// Recipient is the unified view of a charity or needy-individual record as
// observed in a snapshot. The Kind field is the authoritative discriminant;
// lookups never probe fields to guess the record class.
type Recipient struct {
	Kind          RecipientKind `json:"kind"`
	ObjectID      int           `json:"objectid"`
	Name          string        `json:"name"`
	Email         string        `json:"email"` // may be empty (known data-quality gap)
	Category      string        `json:"category"`
	RemainingNeed float64       `json:"remaining_need"`
	X             *float64      `json:"x,omitempty"`
	Y             *float64      `json:"y,omitempty"`
}

// Donor is the donor record as served by the donors layer. The email is the
// only key the external store guarantees stable; objectids are re-resolved
// before every write.
type Donor struct {
	Email string   `json:"email"`
	X     *float64 `json:"x,omitempty"`
	Y     *float64 `json:"y,omitempty"`
}

// AllocationRequest is one item of a donor-submitted batch.
type AllocationRequest struct {
	RecipientID     int           `json:"recipientId"`
	RequestedAmount float64       `json:"requestedAmount"`
	Kind            RecipientKind `json:"kind"`
}

// AllocationResult reports one successfully applied item back to the caller.
type AllocationResult struct {
	RecipientID     int     `json:"id"`
	ActualAmount    float64 `json:"actualAmount"`
	RequestedAmount float64 `json:"requestedAmount"`
}

// BatchResult summarizes an allocation batch. Updated covers only items that
// were applied; skipped items are omitted entirely.
type BatchResult struct {
	Updated      []AllocationResult `json:"updated"`
	TotalDonated float64            `json:"totalDonated"`
}

// Reconcile states for a ledger row's remaining-need update.
const (
	ReconcileStatePending    = "pending"
	ReconcileStateReconciled = "reconciled"
	ReconcileStateAbandoned  = "abandoned"
)

// DonationRecord is the immutable ledger row mirrored locally for every
// donation committed to the external donations layer. Recipient identity is
// denormalized at write time so history survives later recipient mutation.
// ReconcileState tracks whether the recipient's published remaining need has
// been decremented yet; the commit point is the external append, never this row.
type DonationRecord struct {
	ID                uuid.UUID     `json:"id"`
	DonorEmail        string        `json:"donor_email"`
	DonorX            float64       `json:"donor_x"`
	DonorY            float64       `json:"donor_y"`
	RecipientKind     RecipientKind `json:"recipient_kind"`
	RecipientObjectID int           `json:"recipient_objectid"`
	RecipientName     string        `json:"recipient_name"`
	RecipientEmail    string        `json:"recipient_email"`
	DonationField     string        `json:"donation_field"`
	RecipientX        float64       `json:"recipient_x"`
	RecipientY        float64       `json:"recipient_y"`
	Amount            float64       `json:"amount"`
	DonatedAt         time.Time     `json:"donated_at"`
	ReconcileState    string        `json:"reconcile_state"`
	ReconcileAttempts int           `json:"reconcile_attempts"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}
