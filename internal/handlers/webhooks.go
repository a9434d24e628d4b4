package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	stripeapi "github.com/stripe/stripe-go/v74"

	"github.com/PortNumber53/boxing-coach/backend/internal/checkout"
	"github.com/PortNumber53/boxing-coach/backend/internal/notify"
	stripeClient "github.com/PortNumber53/boxing-coach/backend/internal/stripe"
)

const maxWebhookBytes = 512 << 10

// Notifier posts operations messages.
type Notifier interface {
	Notify(ctx context.Context, msg notify.Message)
}

// WebhookHandler receives signed processor events.
type WebhookHandler struct {
	secret   string
	notifier Notifier
}

// NewWebhookHandler creates a WebhookHandler. notifier may be nil.
func NewWebhookHandler(secret string, notifier Notifier) *WebhookHandler {
	return &WebhookHandler{secret: secret, notifier: notifier}
}

// RegisterRoutes registers the processor webhook route.
func (h *WebhookHandler) RegisterRoutes(router chi.Router) {
	router.Post("/webhooks/stripe", h.HandleStripe())
}

// HandleStripe verifies and dispatches a processor event. Unhandled event
// types are acknowledged so the processor stops redelivering them.
func (h *WebhookHandler) HandleStripe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := log.With().Str("component", "webhook").Logger()
		if h.secret == "" {
			writeMessage(w, http.StatusServiceUnavailable, "webhook secret not configured")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "failed to read body")
			return
		}

		event, err := stripeClient.ConstructWebhookEvent(body, r.Header.Get("Stripe-Signature"), h.secret)
		if err != nil {
			logger.Warn().Err(err).Msg("rejected webhook")
			writeMessage(w, http.StatusBadRequest, "invalid webhook signature")
			return
		}

		logger.Info().Str("event_id", event.ID).Str("type", string(event.Type)).Msg("received event")

		switch string(event.Type) {
		case "payment_intent.succeeded":
			var pi stripeapi.PaymentIntent
			if err := decodeEventObject(event, &pi); err != nil {
				logger.Warn().Err(err).Str("event_id", event.ID).Msg("bad payment intent payload")
				break
			}
			h.paymentSucceeded(r.Context(), &pi)
		case "checkout.session.completed":
			var cs stripeapi.CheckoutSession
			if err := decodeEventObject(event, &cs); err != nil {
				logger.Warn().Err(err).Str("event_id", event.ID).Msg("bad checkout session payload")
				break
			}
			h.sessionCompleted(r.Context(), &cs)
		default:
			logger.Debug().Str("type", string(event.Type)).Msg("unhandled event type")
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func decodeEventObject(event stripeapi.Event, v any) error {
	if event.Data == nil {
		return io.ErrUnexpectedEOF
	}
	return json.Unmarshal(event.Data.Raw, v)
}

func (h *WebhookHandler) paymentSucceeded(ctx context.Context, pi *stripeapi.PaymentIntent) {
	md := pi.Metadata
	if md[checkout.MetaSplitPayment] != "true" {
		return
	}
	title := "Split payment: first installment received"
	if md[checkout.MetaPaymentNumber] == "2" {
		title = "Split payment: second installment received"
	}
	h.notify(ctx, title, map[string]string{
		"payment_intent": pi.ID,
		"email":          md[checkout.MetaCustomerEmail],
		"tier":           md[checkout.MetaCoachingTier],
		"amount":         strconv.FormatInt(pi.Amount, 10) + " " + string(pi.Currency),
		"second_payment": md[checkout.MetaSecondPaymentAmount],
	})
}

func (h *WebhookHandler) sessionCompleted(ctx context.Context, cs *stripeapi.CheckoutSession) {
	email := cs.Metadata[checkout.MetaCustomerEmail]
	if email == "" && cs.CustomerDetails != nil {
		email = cs.CustomerDetails.Email
	}
	fields := map[string]string{
		"session": cs.ID,
		"email":   email,
		"tier":    cs.Metadata[checkout.MetaTier],
		"funnel":  cs.Metadata[checkout.MetaFunnelType],
	}
	if cs.Subscription != nil {
		fields["subscription"] = cs.Subscription.ID
	}
	h.notify(ctx, "Checkout completed", fields)
}

func (h *WebhookHandler) notify(ctx context.Context, title string, fields map[string]string) {
	if h.notifier == nil {
		return
	}
	h.notifier.Notify(ctx, notify.Message{Title: title, Fields: fields})
}
