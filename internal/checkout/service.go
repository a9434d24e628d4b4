// Package checkout implements the checkout flows: hosted membership
// sessions, payment intent updates, membership and coaching subscription
// activation, the split-payment ledger and second-installment charges.
package checkout

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	stripeapi "github.com/stripe/stripe-go/v74"

	"github.com/PortNumber53/boxing-coach/backend/internal/catalog"
	"github.com/PortNumber53/boxing-coach/backend/internal/models"
	"github.com/PortNumber53/boxing-coach/backend/internal/notify"
	"github.com/PortNumber53/boxing-coach/backend/internal/pricing"
	"github.com/PortNumber53/boxing-coach/backend/internal/stripe"
)

// Gateway is the subset of the payment processor the checkout flows use.
type Gateway interface {
	CreateCustomer(ctx context.Context, in stripe.CustomerInput) (*stripeapi.Customer, error)
	GetCustomer(ctx context.Context, id string) (*stripeapi.Customer, error)
	SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error
	CreateCheckoutSession(ctx context.Context, params *stripeapi.CheckoutSessionParams) (*stripeapi.CheckoutSession, error)
	GetPaymentIntent(ctx context.Context, id string) (*stripeapi.PaymentIntent, error)
	CreatePaymentIntent(ctx context.Context, params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error)
	UpdatePaymentIntent(ctx context.Context, id string, params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error)
	ListSubscriptions(ctx context.Context, customerID, priceID string) ([]*stripeapi.Subscription, error)
	CreateSubscription(ctx context.Context, params *stripeapi.SubscriptionParams) (*stripeapi.Subscription, error)
	CreateSetupIntent(ctx context.Context, params *stripeapi.SetupIntentParams) (*stripeapi.SetupIntent, error)
	GetSetupIntent(ctx context.Context, id string) (*stripeapi.SetupIntent, error)
}

// Ledger persists split-payment commitments.
type Ledger interface {
	CreateSplitPayment(ctx context.Context, sp *models.SplitPayment) (*models.SplitPayment, bool, error)
	FindSplitPaymentByFirstIntent(ctx context.Context, paymentIntentID string) (*models.SplitPayment, error)
	GetSplitPayment(ctx context.Context, id string) (*models.SplitPayment, error)
	MarkSplitPaymentCompleted(ctx context.Context, id string, secondPaymentIntentID *string, paidAt time.Time) error
	MarkSplitPaymentFailed(ctx context.Context, id, reason string) (int, error)
	ListDueSplitPayments(ctx context.Context, asOf time.Time, limit int) ([]models.SplitPayment, error)
}

// Reservations guards second-installment charges against duplicates.
type Reservations interface {
	ReserveSecondPayment(ctx context.Context, a *models.SecondPaymentAttempt) (*models.SecondPaymentAttempt, bool, error)
	MarkSecondPaymentSucceeded(ctx context.Context, key, paymentIntentID string) error
	MarkSecondPaymentFailed(ctx context.Context, key, reason string) error
}

// ContextStore persists typed checkout contexts.
type ContextStore interface {
	UpsertCheckoutContext(ctx context.Context, cc *models.CheckoutContext) error
}

// Notifier posts best-effort operations messages.
type Notifier interface {
	Notify(ctx context.Context, msg notify.Message)
}

// Deps wires a Service. Contexts and Notifier are optional.
type Deps struct {
	Gateway      Gateway
	Ledger       Ledger
	Reservations Reservations
	Contexts     ContextStore
	Notifier     Notifier
	Catalog      *catalog.Catalog
	SiteBaseURL  string
	Now          func() time.Time
}

// Service runs the checkout flows.
type Service struct {
	gateway      Gateway
	ledger       Ledger
	reservations Reservations
	contexts     ContextStore
	notifier     Notifier
	catalog      *catalog.Catalog
	calculator   *pricing.Calculator
	siteBaseURL  string
	now          func() time.Time
	logger       zerolog.Logger
}

// NewService validates deps and returns a Service.
func NewService(deps Deps) (*Service, error) {
	if deps.Gateway == nil {
		return nil, errors.New("checkout: gateway cannot be nil")
	}
	if deps.Ledger == nil {
		return nil, errors.New("checkout: ledger cannot be nil")
	}
	if deps.Reservations == nil {
		return nil, errors.New("checkout: reservations cannot be nil")
	}
	if deps.Catalog == nil {
		return nil, errors.New("checkout: catalog cannot be nil")
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		gateway:      deps.Gateway,
		ledger:       deps.Ledger,
		reservations: deps.Reservations,
		contexts:     deps.Contexts,
		notifier:     deps.Notifier,
		catalog:      deps.Catalog,
		calculator: pricing.NewCalculator(pricing.IDsFromCatalog(
			deps.Catalog.Community.TierPriceIDs,
			deps.Catalog.Community.PromoCodeIDs,
		)),
		siteBaseURL: strings.TrimRight(deps.SiteBaseURL, "/"),
		now:         now,
		logger:      log.With().Str("component", "checkout").Logger(),
	}, nil
}

// Quote prices a community tier and discount for display. Unlike Calculate,
// an ineligible pair is rejected.
func (s *Service) Quote(tier, discount string) (pricing.PriceCalculation, error) {
	t, d, err := parseTierDiscount(tier, discount)
	if err != nil {
		return pricing.PriceCalculation{}, err
	}
	calc, err := s.calculator.Calculate(t, d)
	if err != nil {
		return pricing.PriceCalculation{}, internal("price calculation failed", err)
	}
	return calc, nil
}

func parseTierDiscount(tier, discount string) (pricing.Tier, pricing.Discount, error) {
	t, err := pricing.ParseTier(tier)
	if err != nil {
		return "", "", invalid("unknown tier %q", tier)
	}
	d, err := pricing.ParseDiscount(discount)
	if err != nil {
		return "", "", invalid("unknown discount %q", discount)
	}
	if !pricing.IsDiscountEligible(t, d) {
		return "", "", invalid("discount %s is not available for the %s tier", d, t)
	}
	return t, d, nil
}

// saveContext persists cc without failing the caller.
func (s *Service) saveContext(ctx context.Context, cc *models.CheckoutContext) {
	if s.contexts == nil || cc == nil {
		return
	}
	if err := s.contexts.UpsertCheckoutContext(ctx, cc); err != nil {
		s.logger.Warn().Err(err).Str("object_id", cc.ProcessorObjectID).Msg("failed to save checkout context")
	}
}

func (s *Service) notify(ctx context.Context, title string, fields map[string]string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, notify.Message{Title: title, Fields: fields})
}

// gatewayError maps a processor failure to a client-facing error.
func gatewayError(what string, err error) error {
	if stripe.IsNotFound(err) {
		return notFound(what+" not found", err)
	}
	return internal("payment processor error", err)
}

func customerID(c *stripeapi.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func paymentMethodID(pm *stripeapi.PaymentMethod) string {
	if pm == nil {
		return ""
	}
	return pm.ID
}

func liveSubscription(subs []*stripeapi.Subscription) *stripeapi.Subscription {
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if sub.Status == stripeapi.SubscriptionStatusActive || sub.Status == stripeapi.SubscriptionStatusTrialing {
			return sub
		}
	}
	return nil
}

// requireFields takes name/value pairs and reports every empty value.
func requireFields(pairs ...string) error {
	var missing []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			missing = append(missing, pairs[i])
		}
	}
	if len(missing) > 0 {
		return invalid("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}
