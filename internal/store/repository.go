/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for
 * all data access operations against the local donation ledger. The interface
 * decouples the allocation engine and reconciler from the PostgreSQL
 * implementation, so they can be tested against in-memory stubs.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: Ledger record identifiers.
 * - internal/domain: The service's domain models.
 */

package store

import (
	"context"

	"github.com/givemap/donation-service/internal/domain"
	"github.com/google/uuid"
)

// Repository defines the set of methods for interacting with the ledger database.
type Repository interface {
	// CreateDonation inserts one ledger row mirroring a donation already
	// committed to the external donations layer.
	CreateDonation(ctx context.Context, record *domain.DonationRecord) error

	// MarkDonationReconciled records that the recipient's published
	// remaining need was successfully decremented for this donation.
	MarkDonationReconciled(ctx context.Context, donationID uuid.UUID) error

	// RecordReconcileAttempt increments the attempt counter of a pending
	// row, moving it to the abandoned state once maxAttempts is reached.
	RecordReconcileAttempt(ctx context.Context, donationID uuid.UUID, maxAttempts int) error

	// ListPendingReconciliations returns up to limit ledger rows whose
	// remaining-need update is still outstanding, oldest first.
	ListPendingReconciliations(ctx context.Context, limit int) ([]domain.DonationRecord, error)

	// FindDonationsByDonorEmail returns a donor's donation history, newest first.
	FindDonationsByDonorEmail(ctx context.Context, donorEmail string) ([]domain.DonationRecord, error)
}
