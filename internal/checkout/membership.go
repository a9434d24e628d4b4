package checkout

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	stripeapi "github.com/stripe/stripe-go/v74"

	"github.com/PortNumber53/boxing-coach/backend/internal/catalog"
	"github.com/PortNumber53/boxing-coach/backend/internal/pricing"
	"github.com/PortNumber53/boxing-coach/backend/internal/stripe"
)

const (
	annualTrial  = 365 * 24 * time.Hour
	monthlyTrial = 30 * 24 * time.Hour
)

// MembershipSessionRequest starts a hosted subscription checkout for a
// community tier.
type MembershipSessionRequest struct {
	Email    string   `json:"email"`
	Name     string   `json:"name"`
	Phone    string   `json:"phone,omitempty"`
	Tier     string   `json:"tier"`
	Discount string   `json:"discount,omitempty"`
	AddOns   []string `json:"addOns,omitempty"`
	Tracking Tracking `json:"tracking"`
}

// MembershipSessionResult is returned after the session is created.
type MembershipSessionResult struct {
	SessionID  string                   `json:"sessionId"`
	URL        string                   `json:"url"`
	CustomerID string                   `json:"customerId"`
	Price      pricing.PriceCalculation `json:"price"`
}

// CreateMembershipSession creates a customer and a subscription-mode checkout
// session for the requested tier, discount and add-ons.
func (s *Service) CreateMembershipSession(ctx context.Context, req MembershipSessionRequest) (*MembershipSessionResult, error) {
	if err := requireFields("email", req.Email, "name", req.Name, "tier", req.Tier); err != nil {
		return nil, err
	}
	tier, discount, err := parseTierDiscount(req.Tier, req.Discount)
	if err != nil {
		return nil, err
	}

	calc, err := s.calculator.Calculate(tier, discount)
	if err != nil {
		return nil, internal("price calculation failed", err)
	}
	if calc.PriceID == "" {
		return nil, internal("price not configured", fmt.Errorf("no price id for tier %s", tier))
	}

	lineItems := []*stripeapi.CheckoutSessionLineItemParams{{
		Price:    stripeapi.String(calc.PriceID),
		Quantity: stripeapi.Int64(1),
	}}
	addOnKeys := make([]string, 0, len(req.AddOns))
	for _, key := range req.AddOns {
		addOn, ok := s.catalog.AddOn(key)
		if !ok {
			return nil, invalid("unknown add-on %q", key)
		}
		if addOn.PriceID == "" {
			return nil, internal("price not configured", fmt.Errorf("no price id for add-on %s", key))
		}
		lineItems = append(lineItems, &stripeapi.CheckoutSessionLineItemParams{
			Price:    stripeapi.String(addOn.PriceID),
			Quantity: stripeapi.Int64(1),
		})
		addOnKeys = append(addOnKeys, key)
	}

	md := identityMetadata(FunnelCommunity, req.Email, req.Name, req.Phone)
	md.AddTracking(req.Tracking)
	md.Set(MetaTier, string(tier))
	md.Set(MetaDiscount, string(calc.DiscountType))
	md.Set(MetaPriceID, calc.PriceID)
	md.Set(MetaAddOnsIncluded, strings.Join(addOnKeys, ","))

	cust, err := s.gateway.CreateCustomer(ctx, stripe.CustomerInput{
		Email:    req.Email,
		Name:     req.Name,
		Phone:    req.Phone,
		Metadata: identityMetadata(FunnelCommunity, req.Email, req.Name, req.Phone),
	})
	if err != nil {
		return nil, gatewayError("customer", err)
	}

	params := &stripeapi.CheckoutSessionParams{
		Customer:   stripeapi.String(cust.ID),
		Mode:       stripeapi.String(string(stripeapi.CheckoutSessionModeSubscription)),
		LineItems:  lineItems,
		SuccessURL: stripeapi.String(s.siteBaseURL + "/checkout/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  stripeapi.String(s.siteBaseURL + "/checkout?tier=" + url.QueryEscape(string(tier))),
		SubscriptionData: &stripeapi.CheckoutSessionSubscriptionDataParams{
			Metadata: md.Merge(nil),
		},
	}
	if calc.PromoCodeID != "" {
		params.Discounts = []*stripeapi.CheckoutSessionDiscountParams{{
			PromotionCode: stripeapi.String(calc.PromoCodeID),
		}}
	}
	for k, v := range md {
		params.AddMetadata(k, v)
	}

	sess, err := s.gateway.CreateCheckoutSession(ctx, params)
	if err != nil {
		return nil, gatewayError("checkout session", err)
	}

	s.logger.Info().Str("session_id", sess.ID).Str("tier", string(tier)).Str("discount", string(calc.DiscountType)).
		Msg("created membership checkout session")
	s.saveContext(ctx, contextFromMetadata(sess.ID, cust.ID, md, addOnKeys, req.Tracking))
	s.notify(ctx, "New community checkout started", map[string]string{
		"email":    req.Email,
		"name":     req.Name,
		"tier":     string(tier),
		"discount": string(calc.DiscountType),
		"total":    calc.FinalPrice.StringFixed(2),
	})

	return &MembershipSessionResult{
		SessionID:  sess.ID,
		URL:        sess.URL,
		CustomerID: cust.ID,
		Price:      calc,
	}, nil
}

// MembershipIntentRequest collects the first membership period with a
// one-time payment.
type MembershipIntentRequest struct {
	Email    string   `json:"email"`
	Name     string   `json:"name"`
	Phone    string   `json:"phone,omitempty"`
	Interval string   `json:"interval"`
	Currency string   `json:"currency,omitempty"`
	Tracking Tracking `json:"tracking"`
}

// IntentResult is returned for flows that confirm on the client.
type IntentResult struct {
	ClientSecret    string `json:"clientSecret"`
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
	SetupIntentID   string `json:"setupIntentId,omitempty"`
	CustomerID      string `json:"customerId"`
	Amount          string `json:"amount,omitempty"`
	Currency        string `json:"currency,omitempty"`
}

// CreateMembershipIntent creates a customer and a payment intent for the
// first membership period. The card is saved for the subscription that
// ActivateMembership creates afterwards.
func (s *Service) CreateMembershipIntent(ctx context.Context, req MembershipIntentRequest) (*IntentResult, error) {
	if err := requireFields("email", req.Email, "name", req.Name, "interval", req.Interval); err != nil {
		return nil, err
	}
	plan, ok := s.catalog.Membership[strings.ToLower(req.Interval)]
	if !ok {
		return nil, invalid("unknown membership interval %q", req.Interval)
	}
	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = "usd"
	}

	cust, err := s.gateway.CreateCustomer(ctx, stripe.CustomerInput{
		Email:    req.Email,
		Name:     req.Name,
		Phone:    req.Phone,
		Metadata: identityMetadata(FunnelMembership, req.Email, req.Name, req.Phone),
	})
	if err != nil {
		return nil, gatewayError("customer", err)
	}

	md := identityMetadata(FunnelMembership, req.Email, req.Name, req.Phone)
	md.AddTracking(req.Tracking)
	md.Set(MetaMembershipInterval, plan.Key)
	md.Set(MetaPriceID, plan.PriceID)
	md.Set(MetaProductName, plan.Name)

	params := &stripeapi.PaymentIntentParams{
		Amount:           stripeapi.Int64(catalog.MinorUnits(plan.Amount)),
		Currency:         stripeapi.String(currency),
		Customer:         stripeapi.String(cust.ID),
		SetupFutureUsage: stripeapi.String(string(stripeapi.PaymentIntentSetupFutureUsageOffSession)),
		Description:      stripeapi.String(plan.Name),
		AutomaticPaymentMethods: &stripeapi.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripeapi.Bool(true),
		},
	}
	for k, v := range md {
		params.AddMetadata(k, v)
	}

	pi, err := s.gateway.CreatePaymentIntent(ctx, params)
	if err != nil {
		return nil, gatewayError("payment intent", err)
	}

	s.saveContext(ctx, contextFromMetadata(pi.ID, cust.ID, md, nil, req.Tracking))
	s.notify(ctx, "New membership checkout started", map[string]string{
		"email":    req.Email,
		"interval": plan.Key,
		"amount":   plan.Amount.StringFixed(2),
	})

	return &IntentResult{
		ClientSecret:    pi.ClientSecret,
		PaymentIntentID: pi.ID,
		CustomerID:      cust.ID,
		Amount:          plan.Amount.StringFixed(2),
		Currency:        currency,
	}, nil
}

// ActivationResult reports the subscription backing a paid membership.
type ActivationResult struct {
	SubscriptionID string `json:"subscriptionId"`
	AlreadyExists  bool   `json:"alreadyExists"`
	TrialEnd       int64  `json:"trialEnd,omitempty"`
}

// ActivateMembership turns a succeeded membership payment into a recurring
// subscription whose first invoice is deferred by a trial covering the
// period already paid for.
func (s *Service) ActivateMembership(ctx context.Context, paymentIntentID string) (*ActivationResult, error) {
	if err := requireFields("paymentIntentId", paymentIntentID); err != nil {
		return nil, err
	}

	pi, err := s.gateway.GetPaymentIntent(ctx, paymentIntentID)
	if err != nil {
		return nil, gatewayError("payment intent", err)
	}
	if pi.Status != stripeapi.PaymentIntentStatusSucceeded {
		return nil, invalid("payment has not succeeded (status %s)", pi.Status)
	}
	if pi.Metadata[MetaFunnelType] != FunnelMembership {
		return nil, invalid("payment is not a membership purchase")
	}

	custID := customerID(pi.Customer)
	pmID := paymentMethodID(pi.PaymentMethod)
	if custID == "" || pmID == "" {
		return nil, internal("payment method missing", fmt.Errorf("payment intent %s has customer=%q payment_method=%q", pi.ID, custID, pmID))
	}

	interval := pi.Metadata[MetaMembershipInterval]
	plan, ok := s.catalog.Membership[interval]
	if !ok {
		return nil, internal("membership plan not configured", fmt.Errorf("interval %q on %s", interval, pi.ID))
	}
	priceID := pi.Metadata[MetaPriceID]
	if priceID == "" {
		priceID = plan.PriceID
	}

	subs, err := s.gateway.ListSubscriptions(ctx, custID, priceID)
	if err != nil {
		return nil, gatewayError("subscription", err)
	}
	if existing := liveSubscription(subs); existing != nil {
		s.logger.Info().Str("payment_intent_id", pi.ID).Str("subscription_id", existing.ID).
			Msg("membership already activated")
		return &ActivationResult{SubscriptionID: existing.ID, AlreadyExists: true, TrialEnd: existing.TrialEnd}, nil
	}

	if err := s.gateway.SetDefaultPaymentMethod(ctx, custID, pmID); err != nil {
		return nil, gatewayError("customer", err)
	}

	trial := monthlyTrial
	if interval == "annual" {
		trial = annualTrial
	}
	trialEnd := membershipTrialEnd(pi.Created, trial, s.now())

	md := Metadata(pi.Metadata).Merge(Metadata{
		MetaActivatedFromPI:       pi.ID,
		MetaFirstPaymentCollected: "true",
	})
	params := &stripeapi.SubscriptionParams{
		Customer:             stripeapi.String(custID),
		Items:                []*stripeapi.SubscriptionItemsParams{{Price: stripeapi.String(priceID)}},
		TrialEnd:             stripeapi.Int64(trialEnd),
		DefaultPaymentMethod: stripeapi.String(pmID),
	}
	for k, v := range md {
		params.AddMetadata(k, v)
	}
	params.SetIdempotencyKey("activate-membership-" + pi.ID)

	sub, err := s.gateway.CreateSubscription(ctx, params)
	if err != nil {
		if stripe.IsIdempotencyConflict(err) {
			return s.concurrentActivation(ctx, pi.ID, custID, priceID, err)
		}
		return nil, gatewayError("subscription", err)
	}

	s.logger.Info().Str("payment_intent_id", pi.ID).Str("subscription_id", sub.ID).Int64("trial_end", trialEnd).
		Msg("membership activated")
	s.notify(ctx, "Membership activated", map[string]string{
		"email":        pi.Metadata[MetaCustomerEmail],
		"interval":     interval,
		"subscription": sub.ID,
	})

	return &ActivationResult{SubscriptionID: sub.ID, TrialEnd: trialEnd}, nil
}

// membershipTrialEnd anchors the trial to the payment so repeated
// activations send identical parameters under the same idempotency key.
func membershipTrialEnd(paidAt int64, trial time.Duration, now time.Time) int64 {
	if paidAt > 0 {
		if end := time.Unix(paidAt, 0).Add(trial); end.After(now) {
			return end.Unix()
		}
	}
	return now.Add(trial).Unix()
}

// concurrentActivation resolves an idempotency conflict by returning the
// subscription another request created for the same payment.
func (s *Service) concurrentActivation(ctx context.Context, piID, custID, priceID string, cause error) (*ActivationResult, error) {
	subs, err := s.gateway.ListSubscriptions(ctx, custID, priceID)
	if err != nil {
		return nil, gatewayError("subscription", err)
	}
	existing := liveSubscription(subs)
	if existing == nil {
		return nil, gatewayError("subscription", cause)
	}
	s.logger.Info().Str("payment_intent_id", piID).Str("subscription_id", existing.ID).
		Msg("membership activated by a concurrent request")
	return &ActivationResult{SubscriptionID: existing.ID, AlreadyExists: true, TrialEnd: existing.TrialEnd}, nil
}
