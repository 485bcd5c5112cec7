/**
 * @description
 * This file contains the HTTP handlers for the donation-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the
 * appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/givemap/donation-service/internal/app"
	"github.com/givemap/donation-service/internal/domain"
)

// DonationHandlers holds the application service that handlers will use.
type DonationHandlers struct {
	service    *app.Service
	reconciler *app.Reconciler
}

// batchResponse mirrors the structure expected by the web client: the
// frontend reads `updated` to refresh its recipient cards and `totalDonated`
// for the confirmation banner, so the field names are part of the contract.
type batchResponse struct {
	Success      bool                      `json:"success"`
	Updated      []domain.AllocationResult `json:"updated"`
	TotalDonated float64                   `json:"totalDonated"`
	Message      string                    `json:"message,omitempty"`
}

type historyEntry struct {
	DonationID    string  `json:"donation_id"`
	RecipientName string  `json:"recipient_name"`
	RecipientKind string  `json:"recipient_kind"`
	DonationField string  `json:"donation_field"`
	Amount        float64 `json:"amount"`
	DonatedAt     string  `json:"donated_at"`
}

type reconcileResponse struct {
	Reconciled int `json:"reconciled"`
}

// NewDonationHandlers creates a new instance of DonationHandlers.
func NewDonationHandlers(service *app.Service, reconciler *app.Reconciler) *DonationHandlers {
	return &DonationHandlers{service: service, reconciler: reconciler}
}

// SubmitDonationsHandler handles a donor's batch of donation requests.
func (h *DonationHandlers) SubmitDonationsHandler(w http.ResponseWriter, r *http.Request) {
	donorEmail, ok := GetDonorEmail(r.Context())
	if !ok {
		http.Error(w, "Could not get donor email from context", http.StatusInternalServerError)
		return
	}

	var requests []domain.AllocationRequest
	if err := json.NewDecoder(r.Body).Decode(&requests); err != nil {
		log.Printf("level=warn component=api endpoint=submit_donations outcome=reject reason=invalid_json donor=%s err=%v", donorEmail, err)
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	log.Printf("level=info component=api endpoint=submit_donations outcome=accepted donor=%s item_count=%d", donorEmail, len(requests))

	result, err := h.service.SubmitBatch(r.Context(), donorEmail, requests)
	if err != nil {
		if errors.Is(err, app.ErrDonorNotFound) {
			// The client treats an unknown donor as a business outcome, not a
			// transport failure, and keys off the message text.
			h.writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "message": "Donor email not found."})
			return
		}
		if errors.Is(err, app.ErrBatchRateLimited) {
			var limited *app.BatchRateLimitedError
			if errors.As(err, &limited) && limited.RetryAfterSeconds > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds))
			}
			h.writeError(w, http.StatusTooManyRequests, "Too many donation batches. Please wait a moment and try again.")
			return
		}
		log.Printf("level=warn component=api endpoint=submit_donations outcome=failed donor=%s err=%v", donorEmail, err)
		h.writeError(w, http.StatusBadGateway, "Donation service is temporarily unavailable")
		return
	}

	h.writeJSON(w, http.StatusOK, batchResponse{
		Success:      true,
		Updated:      result.Updated,
		TotalDonated: result.TotalDonated,
	})
}

// DonationHistoryHandler returns the authenticated donor's past donations.
func (h *DonationHandlers) DonationHistoryHandler(w http.ResponseWriter, r *http.Request) {
	donorEmail, ok := GetDonorEmail(r.Context())
	if !ok {
		http.Error(w, "Could not get donor email from context", http.StatusInternalServerError)
		return
	}

	records, err := h.service.DonationHistory(r.Context(), donorEmail)
	if err != nil {
		log.Printf("level=error component=api endpoint=donation_history outcome=failed donor=%s err=%v", donorEmail, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load donation history")
		return
	}

	entries := make([]historyEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, historyEntry{
			DonationID:    rec.ID.String(),
			RecipientName: rec.RecipientName,
			RecipientKind: string(rec.RecipientKind),
			DonationField: rec.DonationField,
			Amount:        rec.Amount,
			DonatedAt:     rec.DonatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"donations": entries})
}

// ReconcileHandler triggers a reconcile pass on demand. It backs the cron
// schedule for operators who need to drain pending rows immediately.
func (h *DonationHandlers) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	reconciled, err := h.reconciler.Run(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=reconcile outcome=failed err=%v", err)
		h.writeError(w, http.StatusBadGateway, "Reconcile pass failed")
		return
	}

	h.writeJSON(w, http.StatusOK, reconcileResponse{Reconciled: reconciled})
}

// writeJSON is a helper for writing JSON responses.
func (h *DonationHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode json response\" err=%v", err)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *DonationHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
