/**
 * @description
 * Background reconciliation of remaining-need updates that failed during
 * batch processing. The allocation engine leaves such ledger rows in the
 * pending state; each reconciler pass re-reads the recipients' current
 * remaining need and retries the decrement, clamped at zero. The donation
 * itself is never reprocessed — the external append already committed it.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/givemap/donation-service/internal/domain"
	"github.com/givemap/donation-service/internal/store"
	"github.com/givemap/donation-service/pkg/featureclient"
)

// Reconciler retries pending remaining-need updates from the ledger mirror.
type Reconciler struct {
	repo        store.Repository
	features    RecordStore
	maxAttempts int
	batchSize   int
}

// NewReconciler creates a reconciler. maxAttempts bounds the retries per
// ledger row before it is abandoned for operator inspection; batchSize
// bounds the rows drained per pass.
func NewReconciler(repo store.Repository, features RecordStore, maxAttempts, batchSize int) *Reconciler {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Reconciler{
		repo:        repo,
		features:    features,
		maxAttempts: maxAttempts,
		batchSize:   batchSize,
	}
}

// Run executes one reconcile pass and returns how many rows it reconciled.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	pending, err := r.repo.ListPendingReconciliations(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending reconciliations: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	// One snapshot pair per pass: the rows share recipients often enough
	// that per-row queries would hammer the feature service.
	charities, err := r.features.GetCharities(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch charity snapshot: %w", err)
	}
	needies, err := r.features.GetNeedies(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch needy snapshot: %w", err)
	}

	reconciled := 0
	for _, rec := range pending {
		recipient, found := r.findRecipient(rec, charities, needies)
		if !found {
			log.Printf("level=warn component=reconciler msg=\"recipient no longer resolvable\" donation_id=%s kind=%s objectid=%d email=%q",
				rec.ID, rec.RecipientKind, rec.RecipientObjectID, rec.RecipientEmail)
			r.recordAttempt(ctx, rec)
			continue
		}

		// Clamp against the recipient's current need, not the need observed
		// when the donation was committed.
		newNeed := math.Max(0, recipient.RemainingNeed-rec.Amount)
		if err := r.updateRemainingNeed(ctx, recipient, newNeed); err != nil {
			log.Printf("level=warn component=reconciler msg=\"remaining-need retry failed\" donation_id=%s attempts=%d err=%v",
				rec.ID, rec.ReconcileAttempts+1, err)
			r.recordAttempt(ctx, rec)
			continue
		}

		if err := r.repo.MarkDonationReconciled(ctx, rec.ID); err != nil {
			log.Printf("level=warn component=reconciler msg=\"failed to mark donation reconciled\" donation_id=%s err=%v", rec.ID, err)
			continue
		}
		reconciled++
	}

	log.Printf("level=info component=reconciler msg=\"pass complete\" pending=%d reconciled=%d", len(pending), reconciled)
	return reconciled, nil
}

// findRecipient re-resolves a ledger row's recipient in the current
// snapshots, preferring the denormalized contact email over the objectid
// captured at commit time.
func (r *Reconciler) findRecipient(rec domain.DonationRecord, charities []featureclient.CharityRecord, needies []featureclient.NeedyRecord) (*domain.Recipient, bool) {
	if rec.RecipientEmail != "" {
		switch rec.RecipientKind {
		case domain.KindCharity:
			for i := range charities {
				if charities[i].Email == rec.RecipientEmail {
					return charityToRecipient(&charities[i]), true
				}
			}
		case domain.KindNeedy:
			for i := range needies {
				if needies[i].Email == rec.RecipientEmail {
					return needyToRecipient(&needies[i]), true
				}
			}
		}
		return nil, false
	}
	return resolveRecipient(rec.RecipientKind, rec.RecipientObjectID, charities, needies)
}

func (r *Reconciler) updateRemainingNeed(ctx context.Context, recipient *domain.Recipient, newNeed float64) error {
	switch recipient.Kind {
	case domain.KindCharity:
		return r.features.UpdateCharityNeed(ctx, recipient.ObjectID, newNeed)
	case domain.KindNeedy:
		return r.features.UpdateNeedyNeed(ctx, recipient.ObjectID, newNeed)
	}
	return fmt.Errorf("unknown recipient kind %q", recipient.Kind)
}

func (r *Reconciler) recordAttempt(ctx context.Context, rec domain.DonationRecord) {
	if err := r.repo.RecordReconcileAttempt(ctx, rec.ID, r.maxAttempts); err != nil {
		log.Printf("level=warn component=reconciler msg=\"failed to record reconcile attempt\" donation_id=%s err=%v", rec.ID, err)
	}
}
