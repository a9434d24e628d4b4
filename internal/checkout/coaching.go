package checkout

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	stripeapi "github.com/stripe/stripe-go/v74"

	"github.com/PortNumber53/boxing-coach/backend/internal/catalog"
	"github.com/PortNumber53/boxing-coach/backend/internal/stripe"
)

// Coaching payment plans.
const (
	PlanFull  = "full"
	PlanSplit = "split"
)

// CoachingPaymentRequest starts a one-time coaching purchase, either paid in
// full or as the first of two installments.
type CoachingPaymentRequest struct {
	Email              string   `json:"email"`
	Name               string   `json:"name"`
	Phone              string   `json:"phone,omitempty"`
	Tier               string   `json:"tier"`
	Coach              string   `json:"coach,omitempty"`
	PaymentPlan        string   `json:"paymentPlan"`
	SixMonthCommitment bool     `json:"sixMonthCommitment"`
	Currency           string   `json:"currency,omitempty"`
	Tracking           Tracking `json:"tracking"`
}

// CoachingPaymentResult adds the second installment to IntentResult.
type CoachingPaymentResult struct {
	IntentResult
	SecondPaymentAmount string `json:"secondPaymentAmount,omitempty"`
}

func (s *Service) coachingTier(key string) (catalog.CoachingTier, error) {
	tier, ok := s.catalog.Coaching[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return catalog.CoachingTier{}, invalid("unknown coaching tier %q", key)
	}
	return tier, nil
}

func coachingMetadata(funnel string, email, name, phone string, tier catalog.CoachingTier, coach string, sixMonth bool) Metadata {
	md := identityMetadata(funnel, email, name, phone)
	md.Set(MetaCoachingTier, tier.Key)
	md.Set(MetaCoach, coach)
	md.Set(MetaSixMonthCommitment, strconv.FormatBool(sixMonth))
	return md
}

// CreateCoachingPaymentIntent creates a customer and the payment intent for a
// coaching purchase. Split plans charge the first installment now and save
// the card for the second.
func (s *Service) CreateCoachingPaymentIntent(ctx context.Context, req CoachingPaymentRequest) (*CoachingPaymentResult, error) {
	if err := requireFields("email", req.Email, "name", req.Name, "tier", req.Tier); err != nil {
		return nil, err
	}
	tier, err := s.coachingTier(req.Tier)
	if err != nil {
		return nil, err
	}
	plan := strings.ToLower(strings.TrimSpace(req.PaymentPlan))
	if plan == "" {
		plan = PlanFull
	}
	if plan != PlanFull && plan != PlanSplit {
		return nil, invalid("unknown payment plan %q", req.PaymentPlan)
	}
	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = "usd"
	}

	md := coachingMetadata(FunnelCoaching, req.Email, req.Name, req.Phone, tier, req.Coach, req.SixMonthCommitment)
	md.AddTracking(req.Tracking)
	md.Set(MetaPaymentPlan, plan)

	amount := tier.FullAmount
	result := &CoachingPaymentResult{}
	params := &stripeapi.PaymentIntentParams{
		Currency: stripeapi.String(currency),
		AutomaticPaymentMethods: &stripeapi.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripeapi.Bool(true),
		},
	}
	if plan == PlanSplit {
		first, second := tier.SplitAmounts()
		amount = first
		result.SecondPaymentAmount = second.StringFixed(2)
		md.Set(MetaSplitPayment, "true")
		md.Set(MetaPaymentNumber, "1")
		md.Set(MetaTotalPayments, "2")
		md.Set(MetaSecondPaymentAmount, second.StringFixed(2))
		md.Set(MetaProductName, tier.Name+" (Payment 1 of 2)")
		params.SetupFutureUsage = stripeapi.String(string(stripeapi.PaymentIntentSetupFutureUsageOffSession))
	} else {
		md.Set(MetaProductName, tier.Name)
	}

	cust, err := s.gateway.CreateCustomer(ctx, stripe.CustomerInput{
		Email:    req.Email,
		Name:     req.Name,
		Phone:    req.Phone,
		Metadata: identityMetadata(FunnelCoaching, req.Email, req.Name, req.Phone),
	})
	if err != nil {
		return nil, gatewayError("customer", err)
	}

	params.Customer = stripeapi.String(cust.ID)
	params.Amount = stripeapi.Int64(catalog.MinorUnits(amount))
	params.Description = stripeapi.String(md[MetaProductName])
	for k, v := range md {
		params.AddMetadata(k, v)
	}

	pi, err := s.gateway.CreatePaymentIntent(ctx, params)
	if err != nil {
		return nil, gatewayError("payment intent", err)
	}

	s.saveContext(ctx, contextFromMetadata(pi.ID, cust.ID, md, nil, req.Tracking))
	s.notify(ctx, "New coaching checkout started", map[string]string{
		"email":  req.Email,
		"tier":   tier.Key,
		"coach":  req.Coach,
		"plan":   plan,
		"amount": amount.StringFixed(2),
	})

	result.IntentResult = IntentResult{
		ClientSecret:    pi.ClientSecret,
		PaymentIntentID: pi.ID,
		CustomerID:      cust.ID,
		Amount:          amount.StringFixed(2),
		Currency:        currency,
	}
	return result, nil
}

// CoachingSetupRequest saves a card ahead of a monthly coaching subscription.
type CoachingSetupRequest struct {
	Email              string   `json:"email"`
	Name               string   `json:"name"`
	Phone              string   `json:"phone,omitempty"`
	Tier               string   `json:"tier"`
	Coach              string   `json:"coach,omitempty"`
	SixMonthCommitment bool     `json:"sixMonthCommitment"`
	Tracking           Tracking `json:"tracking"`
}

// CreateCoachingSetupIntent creates a customer and an off-session setup
// intent for a monthly coaching subscription.
func (s *Service) CreateCoachingSetupIntent(ctx context.Context, req CoachingSetupRequest) (*IntentResult, error) {
	if err := requireFields("email", req.Email, "name", req.Name, "tier", req.Tier); err != nil {
		return nil, err
	}
	tier, err := s.coachingTier(req.Tier)
	if err != nil {
		return nil, err
	}

	cust, err := s.gateway.CreateCustomer(ctx, stripe.CustomerInput{
		Email:    req.Email,
		Name:     req.Name,
		Phone:    req.Phone,
		Metadata: identityMetadata(FunnelCoachingMonthly, req.Email, req.Name, req.Phone),
	})
	if err != nil {
		return nil, gatewayError("customer", err)
	}

	md := coachingMetadata(FunnelCoachingMonthly, req.Email, req.Name, req.Phone, tier, req.Coach, req.SixMonthCommitment)
	md.AddTracking(req.Tracking)
	md.Set(MetaPriceID, tier.PriceID)

	params := &stripeapi.SetupIntentParams{
		Customer:           stripeapi.String(cust.ID),
		Usage:              stripeapi.String(string(stripeapi.SetupIntentUsageOffSession)),
		PaymentMethodTypes: stripeapi.StringSlice([]string{"card"}),
	}
	for k, v := range md {
		params.AddMetadata(k, v)
	}

	si, err := s.gateway.CreateSetupIntent(ctx, params)
	if err != nil {
		return nil, gatewayError("setup intent", err)
	}

	s.saveContext(ctx, contextFromMetadata(si.ID, cust.ID, md, nil, req.Tracking))
	s.notify(ctx, "New monthly coaching checkout started", map[string]string{
		"email": req.Email,
		"tier":  tier.Key,
		"coach": req.Coach,
	})

	return &IntentResult{
		ClientSecret:  si.ClientSecret,
		SetupIntentID: si.ID,
		CustomerID:    cust.ID,
	}, nil
}

// CreateCoachingSubscription starts the monthly coaching subscription for a
// confirmed setup intent. A live subscription on the same price is returned
// instead of creating another.
func (s *Service) CreateCoachingSubscription(ctx context.Context, setupIntentID string) (*ActivationResult, error) {
	if err := requireFields("setupIntentId", setupIntentID); err != nil {
		return nil, err
	}

	si, err := s.gateway.GetSetupIntent(ctx, setupIntentID)
	if err != nil {
		return nil, gatewayError("setup intent", err)
	}
	if si.Status != stripeapi.SetupIntentStatusSucceeded {
		return nil, invalid("card setup has not succeeded (status %s)", si.Status)
	}

	tierKey := si.Metadata[MetaCoachingTier]
	tier, ok := s.catalog.Coaching[tierKey]
	if !ok || tier.PriceID == "" {
		return nil, internal("coaching tier not configured", fmt.Errorf("tier %q on %s", tierKey, si.ID))
	}

	custID := customerID(si.Customer)
	pmID := paymentMethodID(si.PaymentMethod)
	if custID == "" || pmID == "" {
		return nil, internal("payment method missing", fmt.Errorf("setup intent %s has customer=%q payment_method=%q", si.ID, custID, pmID))
	}

	subs, err := s.gateway.ListSubscriptions(ctx, custID, tier.PriceID)
	if err != nil {
		return nil, gatewayError("subscription", err)
	}
	if existing := liveSubscription(subs); existing != nil {
		return &ActivationResult{SubscriptionID: existing.ID, AlreadyExists: true}, nil
	}

	if err := s.gateway.SetDefaultPaymentMethod(ctx, custID, pmID); err != nil {
		return nil, gatewayError("customer", err)
	}

	md := Metadata(si.Metadata).Merge(Metadata{MetaActivatedFromSI: si.ID})
	params := &stripeapi.SubscriptionParams{
		Customer:             stripeapi.String(custID),
		Items:                []*stripeapi.SubscriptionItemsParams{{Price: stripeapi.String(tier.PriceID)}},
		DefaultPaymentMethod: stripeapi.String(pmID),
	}
	for k, v := range md {
		params.AddMetadata(k, v)
	}
	params.SetIdempotencyKey("coaching-subscription-" + si.ID)

	sub, err := s.gateway.CreateSubscription(ctx, params)
	if err != nil {
		return nil, gatewayError("subscription", err)
	}

	s.logger.Info().Str("setup_intent_id", si.ID).Str("subscription_id", sub.ID).Str("tier", tier.Key).
		Msg("coaching subscription created")
	s.notify(ctx, "Coaching subscription started", map[string]string{
		"email":        si.Metadata[MetaCustomerEmail],
		"tier":         tier.Key,
		"coach":        si.Metadata[MetaCoach],
		"subscription": sub.ID,
	})

	return &ActivationResult{SubscriptionID: sub.ID}, nil
}
