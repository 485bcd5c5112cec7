package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/givemap/donation-service/internal/app"
	"github.com/givemap/donation-service/internal/domain"
	"github.com/givemap/donation-service/internal/store"
	"github.com/givemap/donation-service/pkg/featureclient"
	"github.com/givemap/donation-service/pkg/rabbitmq"
	"github.com/google/uuid"
)

type apiRecordStoreStub struct {
	donor     *featureclient.DonorRecord
	donorErr  error
	charities []featureclient.CharityRecord
	needies   []featureclient.NeedyRecord
}

func (s *apiRecordStoreStub) GetDonorByEmail(ctx context.Context, email string) (*featureclient.DonorRecord, error) {
	if s.donorErr != nil {
		return nil, s.donorErr
	}
	return s.donor, nil
}

func (s *apiRecordStoreStub) GetCharities(ctx context.Context) ([]featureclient.CharityRecord, error) {
	return s.charities, nil
}

func (s *apiRecordStoreStub) GetNeedies(ctx context.Context) ([]featureclient.NeedyRecord, error) {
	return s.needies, nil
}

func (s *apiRecordStoreStub) AddDonation(ctx context.Context, d featureclient.DonationFeature) error {
	return nil
}

func (s *apiRecordStoreStub) UpdateCharityNeed(ctx context.Context, objectID int, newNeed float64) error {
	return nil
}

func (s *apiRecordStoreStub) UpdateNeedyNeed(ctx context.Context, objectID int, newNeed float64) error {
	return nil
}

func (s *apiRecordStoreStub) UpdateCharityNeedByEmail(ctx context.Context, email string, newNeed float64) error {
	return nil
}

func (s *apiRecordStoreStub) UpdateNeedyNeedByEmail(ctx context.Context, email string, newNeed float64) error {
	return nil
}

type apiRepoStub struct {
	store.Repository

	history []domain.DonationRecord
}

func (s *apiRepoStub) CreateDonation(ctx context.Context, record *domain.DonationRecord) error {
	return nil
}

func (s *apiRepoStub) MarkDonationReconciled(ctx context.Context, donationID uuid.UUID) error {
	return nil
}

func (s *apiRepoStub) ListPendingReconciliations(ctx context.Context, limit int) ([]domain.DonationRecord, error) {
	return nil, nil
}

func (s *apiRepoStub) FindDonationsByDonorEmail(ctx context.Context, donorEmail string) ([]domain.DonationRecord, error) {
	return s.history, nil
}

type apiPublisherStub struct{}

func (p *apiPublisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (p *apiPublisherStub) PublishDonationRecorded(ctx context.Context, event rabbitmq.DonationRecordedEvent) error {
	return nil
}

func (p *apiPublisherStub) Close() {}

func num(v float64) *featureclient.Number {
	n := featureclient.Number(v)
	return &n
}

func newTestRouter(features app.RecordStore, repo store.Repository, internalKey string) http.Handler {
	service := app.NewService(repo, features, &apiPublisherStub{}, 0, 0)
	reconciler := app.NewReconciler(repo, features, 5, 50)
	handlers := NewDonationHandlers(service, reconciler)
	return DonationRoutes(handlers, internalKey)
}

func TestSubmitDonationsHandler_Success(t *testing.T) {
	x, y := 31.2, 30.0
	features := &apiRecordStoreStub{
		donor: &featureclient.DonorRecord{ObjectID: 1, Email: "donor@example.com", X: &x, Y: &y},
		charities: []featureclient.CharityRecord{
			{ObjectID: 10, CharityName: "Food Bank", RemainingNeed: num(500), Email: "foodbank@example.com"},
		},
	}
	router := newTestRouter(features, &apiRepoStub{}, "")

	body := strings.NewReader(`[{"recipientId": 10, "requestedAmount": 700, "kind": "charity"}]`)
	req := httptest.NewRequest("POST", "/", body)
	req.Header.Set("X-Authenticated-Email", "donor@example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Success      bool    `json:"success"`
		TotalDonated float64 `json:"totalDonated"`
		Updated      []struct {
			ID              int     `json:"id"`
			ActualAmount    float64 `json:"actualAmount"`
			RequestedAmount float64 `json:"requestedAmount"`
		} `json:"updated"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not valid json: %v", err)
	}
	if !resp.Success {
		t.Fatal("expected success=true")
	}
	if len(resp.Updated) != 1 {
		t.Fatalf("expected 1 updated entry, got %d", len(resp.Updated))
	}
	got := resp.Updated[0]
	if got.ID != 10 || got.ActualAmount != 500 || got.RequestedAmount != 700 {
		t.Fatalf("unexpected updated entry: %+v", got)
	}
	if resp.TotalDonated != 500 {
		t.Fatalf("expected totalDonated 500, got %f", resp.TotalDonated)
	}
}

func TestSubmitDonationsHandler_DonorNotFound(t *testing.T) {
	features := &apiRecordStoreStub{donorErr: featureclient.ErrNotFound}
	router := newTestRouter(features, &apiRepoStub{}, "")

	req := httptest.NewRequest("POST", "/", strings.NewReader(`[]`))
	req.Header.Set("X-Authenticated-Email", "missing@example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	// Unknown donor is a business outcome, not a transport failure.
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not valid json: %v", err)
	}
	if resp.Success {
		t.Fatal("expected success=false")
	}
	if resp.Message != "Donor email not found." {
		t.Fatalf("unexpected message: %q", resp.Message)
	}
}

type apiBatchLimiterStub struct {
	count      int
	retryAfter int
}

func (s *apiBatchLimiterStub) ConsumeBatchSlot(ctx context.Context, donorEmail string, limit int, window time.Duration) (int, int, error) {
	return s.count, s.retryAfter, nil
}

func TestSubmitDonationsHandler_RateLimitedSetsRetryAfter(t *testing.T) {
	x, y := 31.2, 30.0
	features := &apiRecordStoreStub{
		donor: &featureclient.DonorRecord{ObjectID: 1, Email: "donor@example.com", X: &x, Y: &y},
	}
	service := app.NewService(&apiRepoStub{}, features, &apiPublisherStub{}, 0, 0)
	service.SetBatchRateLimiter(&apiBatchLimiterStub{count: 11, retryAfter: 37}, 10)
	handlers := NewDonationHandlers(service, app.NewReconciler(&apiRepoStub{}, features, 5, 50))
	router := DonationRoutes(handlers, "")

	body := strings.NewReader(`[{"recipientId": 10, "requestedAmount": 50, "kind": "charity"}]`)
	req := httptest.NewRequest("POST", "/", body)
	req.Header.Set("X-Authenticated-Email", "donor@example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Retry-After"); got != "37" {
		t.Fatalf("expected Retry-After 37, got %q", got)
	}
}

func TestSubmitDonationsHandler_MissingIdentityHeader(t *testing.T) {
	router := newTestRouter(&apiRecordStoreStub{}, &apiRepoStub{}, "")

	req := httptest.NewRequest("POST", "/", strings.NewReader(`[]`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity header, got %d", rec.Code)
	}
}

func TestSubmitDonationsHandler_InvalidJSON(t *testing.T) {
	router := newTestRouter(&apiRecordStoreStub{}, &apiRepoStub{}, "")

	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"not": "an array"`))
	req.Header.Set("X-Authenticated-Email", "donor@example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid body, got %d", rec.Code)
	}
}

func TestDonationHistoryHandler(t *testing.T) {
	repo := &apiRepoStub{
		history: []domain.DonationRecord{
			{
				ID:            uuid.New(),
				DonorEmail:    "donor@example.com",
				RecipientName: "Food Bank",
				RecipientKind: domain.KindCharity,
				DonationField: "food",
				Amount:        250,
			},
		},
	}
	router := newTestRouter(&apiRecordStoreStub{}, repo, "")

	req := httptest.NewRequest("GET", "/history", nil)
	req.Header.Set("X-Authenticated-Email", "donor@example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Donations []struct {
			RecipientName string  `json:"recipient_name"`
			Amount        float64 `json:"amount"`
		} `json:"donations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not valid json: %v", err)
	}
	if len(resp.Donations) != 1 || resp.Donations[0].RecipientName != "Food Bank" {
		t.Fatalf("unexpected history payload: %s", rec.Body.String())
	}
}

func TestReconcileHandler_RequiresInternalKey(t *testing.T) {
	router := newTestRouter(&apiRecordStoreStub{}, &apiRepoStub{}, "secret-key")

	req := httptest.NewRequest("POST", "/internal/reconcile", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without internal key, got %d", rec.Code)
	}

	req = httptest.NewRequest("POST", "/internal/reconcile", nil)
	req.Header.Set("X-Internal-API-Key", "secret-key")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with internal key, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Reconciled int `json:"reconciled"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not valid json: %v", err)
	}
	if resp.Reconciled != 0 {
		t.Fatalf("expected 0 reconciled with empty backlog, got %d", resp.Reconciled)
	}
}
