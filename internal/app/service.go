/**
 * @description
 * This file contains the core business logic for the donation-service. The
 * `Service` struct orchestrates donation allocation, coordinating between the
 * external feature service (the record store holding charities, needies,
 * donors, and the donations layer), the local Postgres ledger mirror, and the
 * message broker.
 *
 * Key features:
 * - Implements the batch allocation use case: resolve each recipient against
 *   one-time snapshots, cap the donation at the remaining need, append to the
 *   external donations layer (the commit point), then best-effort decrement
 *   the recipient's published remaining need.
 * - Per-item skip conditions never fail the batch; only a missing donor or a
 *   snapshot fetch failure is fatal.
 * - Publishes donation.recorded events to RabbitMQ for asynchronous consumers.
 *
 * @dependencies
 * - context, errors, fmt, log, math, strings, time: Standard Go libraries.
 * - github.com/google/uuid: For ledger record id generation.
 * - internal/domain, internal/store: For domain models and ledger access.
 * - pkg/featureclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/givemap/donation-service/internal/domain"
	"github.com/givemap/donation-service/internal/store"
	"github.com/givemap/donation-service/pkg/featureclient"
	"github.com/givemap/donation-service/pkg/rabbitmq"
	"github.com/google/uuid"
)

var (
	// ErrDonorNotFound fails a whole batch before any item is processed.
	ErrDonorNotFound = errors.New("donor email not found")
	// ErrBatchRateLimited rejects a batch before any item is processed.
	ErrBatchRateLimited = errors.New("donation batch rate limit exceeded")
)

// BatchRateLimitedError carries the limiter's retry hint alongside the
// rejection. It unwraps to ErrBatchRateLimited so callers can match with
// errors.Is without inspecting the type.
type BatchRateLimitedError struct {
	RetryAfterSeconds int
}

func (e *BatchRateLimitedError) Error() string {
	return ErrBatchRateLimited.Error()
}

func (e *BatchRateLimitedError) Unwrap() error { return ErrBatchRateLimited }

// RecordStore is the subset of the feature service client used by the
// allocation engine and the reconciler.
type RecordStore interface {
	GetDonorByEmail(ctx context.Context, email string) (*featureclient.DonorRecord, error)
	GetCharities(ctx context.Context) ([]featureclient.CharityRecord, error)
	GetNeedies(ctx context.Context) ([]featureclient.NeedyRecord, error)
	AddDonation(ctx context.Context, d featureclient.DonationFeature) error
	UpdateCharityNeed(ctx context.Context, objectID int, newNeed float64) error
	UpdateNeedyNeed(ctx context.Context, objectID int, newNeed float64) error
	UpdateCharityNeedByEmail(ctx context.Context, email string, newNeed float64) error
	UpdateNeedyNeedByEmail(ctx context.Context, email string, newNeed float64) error
}

// BatchRateLimiter bounds how often a donor may submit donation batches.
// It is implemented by the Redis fixed-window limiter.
type BatchRateLimiter interface {
	ConsumeBatchSlot(ctx context.Context, donorEmail string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic for donation allocation.
type Service struct {
	repo     store.Repository
	features RecordStore
	events   rabbitmq.Publisher

	minDonation float64
	maxDonation float64

	limiter            BatchRateLimiter
	batchRatePerMinute int
}

// NewService creates a new donation service instance. minDonation and
// maxDonation bound the per-item requested amount; zero disables the
// respective bound.
func NewService(repo store.Repository, features RecordStore, events rabbitmq.Publisher, minDonation, maxDonation float64) *Service {
	return &Service{
		repo:        repo,
		features:    features,
		events:      events,
		minDonation: minDonation,
		maxDonation: maxDonation,
	}
}

// SetBatchRateLimiter enables per-donor rate limiting on batch submission.
func (s *Service) SetBatchRateLimiter(limiter BatchRateLimiter, perMinute int) {
	s.limiter = limiter
	s.batchRatePerMinute = perMinute
}

// SubmitBatch processes a donor's ordered list of donation requests.
//
// The item loop is strictly sequential in input order: every step mutates
// external shared state that was read once at batch start, so input order is
// the only ordering guarantee available. Remaining-need figures are only as
// fresh as the snapshots fetched here; two concurrent batches can compute
// against the same stale value, and the system degrades to eventual
// correction (a later donation against a fully funded recipient applies
// zero) rather than hard rejection.
func (s *Service) SubmitBatch(ctx context.Context, donorEmail string, requests []domain.AllocationRequest) (*domain.BatchResult, error) {
	email := strings.TrimSpace(donorEmail)
	if email == "" {
		return nil, ErrDonorNotFound
	}

	if s.limiter != nil && s.batchRatePerMinute > 0 {
		count, retryAfter, err := s.limiter.ConsumeBatchSlot(ctx, email, s.batchRatePerMinute, time.Minute)
		if err != nil {
			// Fail open: a limiter outage must not block donations.
			log.Printf("level=warn component=allocation msg=\"rate limiter unavailable; allowing batch\" donor=%s err=%v", email, err)
		} else if count > s.batchRatePerMinute {
			return nil, &BatchRateLimitedError{RetryAfterSeconds: retryAfter}
		}
	}

	donor, err := s.features.GetDonorByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, featureclient.ErrNotFound) {
			return nil, ErrDonorNotFound
		}
		return nil, fmt.Errorf("failed to fetch donor record: %w", err)
	}

	// One-time snapshots for the whole batch. A fetch failure here is fatal;
	// nothing has been applied yet.
	charities, err := s.features.GetCharities(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch charity snapshot: %w", err)
	}
	needies, err := s.features.GetNeedies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch needy snapshot: %w", err)
	}

	donorX := floatOrZero(donor.X)
	donorY := floatOrZero(donor.Y)

	result := &domain.BatchResult{Updated: []domain.AllocationResult{}}
	for _, req := range requests {
		if req.RequestedAmount <= 0 {
			continue
		}
		if s.minDonation > 0 && req.RequestedAmount <= s.minDonation {
			continue
		}
		if s.maxDonation > 0 && req.RequestedAmount > s.maxDonation {
			continue
		}

		recipient, found := resolveRecipient(req.Kind, req.RecipientID, charities, needies)
		if !found {
			continue
		}

		applied := math.Min(req.RequestedAmount, recipient.RemainingNeed)
		if applied <= 0 {
			continue
		}

		now := time.Now().UTC()
		feature := featureclient.DonationFeature{
			DonorEmail:     email,
			RecipientEmail: recipient.Email,
			RecipientName:  recipient.Name,
			DonationField:  recipient.Category,
			Amount:         applied,
			DonatedAt:      now,
			DonorX:         donorX,
			DonorY:         donorY,
			RecipientX:     floatOrZero(recipient.X),
			RecipientY:     floatOrZero(recipient.Y),
		}

		// The external append is the commit point; a failed append means the
		// item was simply not applied.
		if err := s.features.AddDonation(ctx, feature); err != nil {
			log.Printf("level=warn component=allocation msg=\"donation append failed; item skipped\" donor=%s recipient_id=%d kind=%s err=%v",
				email, req.RecipientID, req.Kind, err)
			continue
		}

		record := &domain.DonationRecord{
			ID:                uuid.New(),
			DonorEmail:        email,
			DonorX:            donorX,
			DonorY:            donorY,
			RecipientKind:     recipient.Kind,
			RecipientObjectID: recipient.ObjectID,
			RecipientName:     recipient.Name,
			RecipientEmail:    recipient.Email,
			DonationField:     recipient.Category,
			RecipientX:        floatOrZero(recipient.X),
			RecipientY:        floatOrZero(recipient.Y),
			Amount:            applied,
			DonatedAt:         now,
			ReconcileState:    domain.ReconcileStatePending,
		}
		if err := s.repo.CreateDonation(ctx, record); err != nil {
			// The donation is already committed externally; losing the mirror
			// row costs history and reconciler coverage, never the donation.
			log.Printf("level=error component=allocation msg=\"ledger mirror insert failed\" donation_id=%s donor=%s err=%v",
				record.ID, email, err)
		}

		newNeed := math.Max(0, recipient.RemainingNeed-applied)
		if err := s.updateRemainingNeed(ctx, recipient, newNeed); err != nil {
			// Deliberate asymmetry: the committed donation is never rolled
			// back. The row stays pending for the background reconciler.
			log.Printf("level=warn component=allocation msg=\"remaining-need update failed; left pending\" donation_id=%s recipient_id=%d kind=%s err=%v",
				record.ID, recipient.ObjectID, recipient.Kind, err)
		} else if err := s.repo.MarkDonationReconciled(ctx, record.ID); err != nil {
			log.Printf("level=warn component=allocation msg=\"failed to mark donation reconciled\" donation_id=%s err=%v", record.ID, err)
		}

		if s.events != nil {
			event := rabbitmq.DonationRecordedEvent{
				DonationID:    record.ID,
				DonorEmail:    email,
				RecipientName: recipient.Name,
				RecipientKind: string(recipient.Kind),
				Amount:        applied,
				Timestamp:     now,
			}
			if err := s.events.PublishDonationRecorded(ctx, event); err != nil {
				log.Printf("level=warn component=allocation msg=\"donation event publish failed\" donation_id=%s err=%v", record.ID, err)
			}
		}

		result.Updated = append(result.Updated, domain.AllocationResult{
			RecipientID:     req.RecipientID,
			ActualAmount:    applied,
			RequestedAmount: req.RequestedAmount,
		})
		result.TotalDonated += applied
	}

	log.Printf("level=info component=allocation msg=\"batch processed\" donor=%s requested_items=%d applied_items=%d total_donated=%.2f",
		email, len(requests), len(result.Updated), result.TotalDonated)
	return result, nil
}

// DonationHistory returns the donor's ledger rows, newest first.
func (s *Service) DonationHistory(ctx context.Context, donorEmail string) ([]domain.DonationRecord, error) {
	return s.repo.FindDonationsByDonorEmail(ctx, strings.TrimSpace(donorEmail))
}

// updateRemainingNeed pushes a recipient's new remaining-need value to the
// external store. When a contact email is available the objectid is
// re-resolved through it first, because the store does not guarantee
// objectid stability across calls; otherwise the snapshot objectid is used
// directly.
func (s *Service) updateRemainingNeed(ctx context.Context, recipient *domain.Recipient, newNeed float64) error {
	switch recipient.Kind {
	case domain.KindCharity:
		if recipient.Email != "" {
			return s.features.UpdateCharityNeedByEmail(ctx, recipient.Email, newNeed)
		}
		return s.features.UpdateCharityNeed(ctx, recipient.ObjectID, newNeed)
	case domain.KindNeedy:
		if recipient.Email != "" {
			return s.features.UpdateNeedyNeedByEmail(ctx, recipient.Email, newNeed)
		}
		return s.features.UpdateNeedyNeed(ctx, recipient.ObjectID, newNeed)
	}
	return fmt.Errorf("unknown recipient kind %q", recipient.Kind)
}

func floatOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
