package handlers

import (
	"net/http"

	"github.com/PortNumber53/boxing-coach/backend/internal/checkout"
	"github.com/PortNumber53/boxing-coach/backend/internal/models"
	"github.com/PortNumber53/boxing-coach/backend/internal/store"
)

// CoachingPaymentIntent creates the full or first split payment for a coaching program.
func (h *CheckoutHandler) CoachingPaymentIntent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req checkout.CoachingPaymentRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		req.Tracking = withClient(req.Tracking, r)
		res, err := h.svc.CreateCoachingPaymentIntent(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// CoachingSetupIntent saves a card for monthly coaching billing.
func (h *CheckoutHandler) CoachingSetupIntent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req checkout.CoachingSetupRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		req.Tracking = withClient(req.Tracking, r)
		res, err := h.svc.CreateCoachingSetupIntent(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type coachingSubscriptionRequest struct {
	SetupIntentID string `json:"setupIntentId"`
}

// CoachingSubscription starts monthly coaching from a confirmed setup intent.
func (h *CheckoutHandler) CoachingSubscription() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req coachingSubscriptionRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		res, err := h.svc.CreateCoachingSubscription(r.Context(), req.SetupIntentID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// SaveSplitPayment records the second half of a split coaching payment.
func (h *CheckoutHandler) SaveSplitPayment() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req checkout.SaveSplitPaymentRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		res, err := h.svc.SaveSplitPayment(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		status := http.StatusCreated
		if res.AlreadyExists {
			status = http.StatusOK
		}
		writeJSON(w, status, res)
	}
}

// UpdateSplitPaymentStatus applies a status change reported by automation.
func (h *CheckoutHandler) UpdateSplitPaymentStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req checkout.UpdateSplitStatusRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		res, err := h.svc.UpdateSplitPaymentStatus(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type dueSplitPaymentsResponse struct {
	SplitPayments []models.SplitPayment `json:"split_payments"`
	Count         int                   `json:"count"`
}

// DueSplitPayments lists pending second payments whose due date has passed.
func (h *CheckoutHandler) DueSplitPayments() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		due, err := h.svc.ListDueSplitPayments(r.Context(), queryLimit(r, 100, store.MaxPageSize))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, dueSplitPaymentsResponse{SplitPayments: due, Count: len(due)})
	}
}

// ProcessSecondPayment charges the saved card for the second half of a split payment.
func (h *CheckoutHandler) ProcessSecondPayment() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req checkout.SecondPaymentRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		res, err := h.svc.ProcessSecondPayment(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
