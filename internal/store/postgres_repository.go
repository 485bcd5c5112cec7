/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains the SQL queries for the local donation ledger table, which mirrors
 * every donation committed to the external donations layer and carries the
 * reconciliation state for the recipient's remaining-need update.
 *
 * @dependencies
 * - context, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"

	"github.com/givemap/donation-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrDonationNotFound = errors.New("donation not found")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const donationColumns = `
	id, donor_email, donor_x, donor_y,
	recipient_kind, recipient_objectid, recipient_name, recipient_email,
	donation_field, recipient_x, recipient_y,
	amount, donated_at, reconcile_state, reconcile_attempts,
	created_at, updated_at`

// CreateDonation inserts one ledger row. The external append already
// happened by the time this is called; the row starts in the pending
// reconciliation state unless the caller set another.
func (r *PostgresRepository) CreateDonation(ctx context.Context, record *domain.DonationRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.ReconcileState == "" {
		record.ReconcileState = domain.ReconcileStatePending
	}
	query := `
		INSERT INTO donations (
			id, donor_email, donor_x, donor_y,
			recipient_kind, recipient_objectid, recipient_name, recipient_email,
			donation_field, recipient_x, recipient_y,
			amount, donated_at, reconcile_state, reconcile_attempts,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 0, NOW(), NOW())
	`
	_, err := r.db.Exec(ctx, query,
		record.ID,
		record.DonorEmail,
		record.DonorX,
		record.DonorY,
		string(record.RecipientKind),
		record.RecipientObjectID,
		record.RecipientName,
		record.RecipientEmail,
		record.DonationField,
		record.RecipientX,
		record.RecipientY,
		record.Amount,
		record.DonatedAt,
		record.ReconcileState,
	)
	return err
}

// MarkDonationReconciled moves a ledger row to the reconciled state.
func (r *PostgresRepository) MarkDonationReconciled(ctx context.Context, donationID uuid.UUID) error {
	query := `
		UPDATE donations
		SET reconcile_state = $1, updated_at = NOW()
		WHERE id = $2
	`
	tag, err := r.db.Exec(ctx, query, domain.ReconcileStateReconciled, donationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDonationNotFound
	}
	return nil
}

// RecordReconcileAttempt increments the attempt counter for a pending row and
// abandons it once the counter reaches maxAttempts. Abandoned rows are left
// for operator inspection; they are never retried automatically.
func (r *PostgresRepository) RecordReconcileAttempt(ctx context.Context, donationID uuid.UUID, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	query := `
		UPDATE donations
		SET reconcile_attempts = reconcile_attempts + 1,
		    reconcile_state = CASE
		        WHEN reconcile_attempts + 1 >= $1 THEN $2
		        ELSE reconcile_state
		    END,
		    updated_at = NOW()
		WHERE id = $3 AND reconcile_state = $4
	`
	tag, err := r.db.Exec(ctx, query, maxAttempts, domain.ReconcileStateAbandoned, donationID, domain.ReconcileStatePending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDonationNotFound
	}
	return nil
}

// ListPendingReconciliations returns pending rows oldest first so the
// reconciler drains the backlog in commit order.
func (r *PostgresRepository) ListPendingReconciliations(ctx context.Context, limit int) ([]domain.DonationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + donationColumns + `
		FROM donations
		WHERE reconcile_state = $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, domain.ReconcileStatePending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.DonationRecord
	for rows.Next() {
		var rec domain.DonationRecord
		var kind string
		if err := rows.Scan(
			&rec.ID, &rec.DonorEmail, &rec.DonorX, &rec.DonorY,
			&kind, &rec.RecipientObjectID, &rec.RecipientName, &rec.RecipientEmail,
			&rec.DonationField, &rec.RecipientX, &rec.RecipientY,
			&rec.Amount, &rec.DonatedAt, &rec.ReconcileState, &rec.ReconcileAttempts,
			&rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		rec.RecipientKind = domain.RecipientKind(kind)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// FindDonationsByDonorEmail returns a donor's donation history, newest first.
func (r *PostgresRepository) FindDonationsByDonorEmail(ctx context.Context, donorEmail string) ([]domain.DonationRecord, error) {
	query := `
		SELECT ` + donationColumns + `
		FROM donations
		WHERE lower(btrim(donor_email)) = lower(btrim($1))
		ORDER BY donated_at DESC
	`
	rows, err := r.db.Query(ctx, query, donorEmail)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.DonationRecord
	for rows.Next() {
		var rec domain.DonationRecord
		var kind string
		if err := rows.Scan(
			&rec.ID, &rec.DonorEmail, &rec.DonorX, &rec.DonorY,
			&kind, &rec.RecipientObjectID, &rec.RecipientName, &rec.RecipientEmail,
			&rec.DonationField, &rec.RecipientX, &rec.RecipientY,
			&rec.Amount, &rec.DonatedAt, &rec.ReconcileState, &rec.ReconcileAttempts,
			&rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		rec.RecipientKind = domain.RecipientKind(kind)
		records = append(records, rec)
	}
	return records, rows.Err()
}
