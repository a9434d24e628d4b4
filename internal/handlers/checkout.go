package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/PortNumber53/boxing-coach/backend/internal/checkout"
	"github.com/PortNumber53/boxing-coach/backend/internal/models"
	"github.com/PortNumber53/boxing-coach/backend/internal/pricing"
	"github.com/PortNumber53/boxing-coach/backend/internal/recovery"
)

// CheckoutService is the checkout behaviour the HTTP layer exposes.
type CheckoutService interface {
	Quote(tier, discount string) (pricing.PriceCalculation, error)
	CreateMembershipSession(ctx context.Context, req checkout.MembershipSessionRequest) (*checkout.MembershipSessionResult, error)
	CreateMembershipIntent(ctx context.Context, req checkout.MembershipIntentRequest) (*checkout.IntentResult, error)
	UpdateCheckout(ctx context.Context, req checkout.UpdateCheckoutRequest) (*checkout.UpdateCheckoutResult, error)
	ActivateMembership(ctx context.Context, paymentIntentID string) (*checkout.ActivationResult, error)
	CreateCoachingPaymentIntent(ctx context.Context, req checkout.CoachingPaymentRequest) (*checkout.CoachingPaymentResult, error)
	CreateCoachingSetupIntent(ctx context.Context, req checkout.CoachingSetupRequest) (*checkout.IntentResult, error)
	CreateCoachingSubscription(ctx context.Context, setupIntentID string) (*checkout.ActivationResult, error)
	SaveSplitPayment(ctx context.Context, req checkout.SaveSplitPaymentRequest) (*checkout.SaveSplitPaymentResult, error)
	UpdateSplitPaymentStatus(ctx context.Context, req checkout.UpdateSplitStatusRequest) (*checkout.UpdateSplitStatusResult, error)
	ListDueSplitPayments(ctx context.Context, limit int) ([]models.SplitPayment, error)
	ProcessSecondPayment(ctx context.Context, req checkout.SecondPaymentRequest) (*checkout.SecondPaymentResult, error)
}

// CartScheduler schedules abandoned-cart checks.
type CartScheduler interface {
	Schedule(ctx context.Context, c recovery.Cart) (recovery.ScheduleResult, error)
}

// CheckoutHandler serves the checkout and coaching-checkout routes.
type CheckoutHandler struct {
	svc   CheckoutService
	carts CartScheduler
}

// NewCheckoutHandler creates a CheckoutHandler.
func NewCheckoutHandler(svc CheckoutService, carts CartScheduler) *CheckoutHandler {
	return &CheckoutHandler{svc: svc, carts: carts}
}

// RegisterRoutes mounts the public routes on router and the automation-only
// routes behind internalAuth.
func (h *CheckoutHandler) RegisterRoutes(router chi.Router, internalAuth func(http.Handler) http.Handler) {
	router.Route("/checkout", func(r chi.Router) {
		r.Get("/price", h.Price())
		r.Post("/membership-session", h.MembershipSession())
		r.Post("/membership-intent", h.MembershipIntent())
		r.Post("/update", h.Update())
		r.Post("/activate-membership", h.ActivateMembership())
		r.Post("/abandoned-cart", h.AbandonedCart())
	})

	router.Route("/coaching-checkout", func(r chi.Router) {
		r.Post("/create-payment-intent", h.CoachingPaymentIntent())
		r.Post("/create-setup-intent", h.CoachingSetupIntent())
		r.Post("/create-subscription", h.CoachingSubscription())
		r.Post("/save-split-payment", h.SaveSplitPayment())

		r.Group(func(r chi.Router) {
			if internalAuth != nil {
				r.Use(internalAuth)
			}
			r.Post("/update-split-payment-status", h.UpdateSplitPaymentStatus())
			r.Get("/split-payments/due", h.DueSplitPayments())
			r.Post("/process-second-payment", h.ProcessSecondPayment())
		})
	})
}

// Price quotes a community tier and discount.
func (h *CheckoutHandler) Price() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		calc, err := h.svc.Quote(q.Get("tier"), q.Get("discount"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, calc)
	}
}

// MembershipSession creates a hosted subscription checkout.
func (h *CheckoutHandler) MembershipSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req checkout.MembershipSessionRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		req.Tracking = withClient(req.Tracking, r)
		res, err := h.svc.CreateMembershipSession(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// MembershipIntent creates the first-period payment for a membership.
func (h *CheckoutHandler) MembershipIntent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req checkout.MembershipIntentRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		req.Tracking = withClient(req.Tracking, r)
		res, err := h.svc.CreateMembershipIntent(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// Update recomputes an open payment intent for a new product selection.
func (h *CheckoutHandler) Update() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req checkout.UpdateCheckoutRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		res, err := h.svc.UpdateCheckout(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type activateRequest struct {
	PaymentIntentID string `json:"paymentIntentId"`
}

// ActivateMembership creates the subscription behind a paid membership.
func (h *CheckoutHandler) ActivateMembership() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req activateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		res, err := h.svc.ActivateMembership(r.Context(), req.PaymentIntentID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// AbandonedCart schedules a recovery check for a checkout attempt.
func (h *CheckoutHandler) AbandonedCart() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.carts == nil {
			writeMessage(w, http.StatusServiceUnavailable, "abandoned cart recovery is not enabled")
			return
		}
		var req recovery.Cart
		if !decodeJSON(w, r, &req) {
			return
		}
		res, err := h.carts.Schedule(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		status := http.StatusOK
		if res.Scheduled && !res.AlreadyScheduled {
			status = http.StatusAccepted
		}
		writeJSON(w, status, res)
	}
}

// withClient adds the caller's address and user agent to tracking.
func withClient(t checkout.Tracking, r *http.Request) checkout.Tracking {
	if t.ClientIP == "" {
		t.ClientIP = r.RemoteAddr
	}
	if t.ClientUserAgent == "" {
		t.ClientUserAgent = r.UserAgent()
	}
	return t
}

func queryLimit(r *http.Request, def, ceiling int) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > ceiling {
		return ceiling
	}
	return limit
}
