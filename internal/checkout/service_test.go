package checkout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	stripeapi "github.com/stripe/stripe-go/v74"

	"github.com/PortNumber53/boxing-coach/backend/internal/models"
)

func TestNewServiceRequiresDeps(t *testing.T) {
	if _, err := NewService(Deps{}); err == nil {
		t.Fatal("expected error for empty deps")
	}
}

func TestQuoteRejectsIneligiblePair(t *testing.T) {
	f := newFixture(t)

	if _, err := f.svc.Quote("monthly", "challenge_winner"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	calc, err := f.svc.Quote("annual", "first_4_months")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !calc.FinalPrice.Equal(decimal.RequireFromString("700")) {
		t.Fatalf("expected 700 got %s", calc.FinalPrice)
	}
}

func TestCreateMembershipSessionRejectsIneligibleDiscount(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateMembershipSession(context.Background(), MembershipSessionRequest{
		Email:    "fighter@example.com",
		Name:     "Fighter",
		Tier:     "monthly",
		Discount: "challenge_winner",
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(f.gateway.customers) != 0 {
		t.Fatal("no customer should be created for an invalid request")
	}
}

func TestCreateMembershipSessionMissingFields(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateMembershipSession(context.Background(), MembershipSessionRequest{Tier: "annual"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if msg := PublicMessage(err); !strings.Contains(msg, "email") || !strings.Contains(msg, "name") {
		t.Fatalf("message should list missing fields: %q", msg)
	}
}

func TestCreateMembershipSession(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.CreateMembershipSession(context.Background(), MembershipSessionRequest{
		Email:    "fighter@example.com",
		Name:     "Fighter",
		Phone:    "+15551234567",
		Tier:     "annual",
		Discount: "first_4_months",
		AddOns:   []string{"nutrition_plan"},
		Tracking: Tracking{UTMSource: "ig"},
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if res.SessionID == "" || res.URL == "" {
		t.Fatalf("unexpected result: %+v", res)
	}

	params := f.gateway.sessions[0]
	if got := stripeapi.StringValue(params.Mode); got != "subscription" {
		t.Fatalf("expected subscription mode, got %s", got)
	}
	if len(params.LineItems) != 2 {
		t.Fatalf("expected tier + add-on line items, got %d", len(params.LineItems))
	}
	if len(params.Discounts) != 1 || stripeapi.StringValue(params.Discounts[0].PromotionCode) != "promo_first_4_months" {
		t.Fatalf("promo code not applied: %+v", params.Discounts)
	}
	if params.Metadata[MetaTier] != "annual" || params.Metadata["utm_source"] != "ig" {
		t.Fatalf("unexpected metadata: %v", params.Metadata)
	}
	if !strings.HasPrefix(stripeapi.StringValue(params.SuccessURL), "https://boxing.test/checkout/success") {
		t.Fatalf("unexpected success url: %s", stripeapi.StringValue(params.SuccessURL))
	}

	cc := f.contexts.rows[res.SessionID]
	if cc == nil || cc.Tier == nil || *cc.Tier != "annual" {
		t.Fatalf("checkout context not saved: %+v", cc)
	}
	if len(f.notifier.messages) != 1 {
		t.Fatalf("expected one ops message, got %d", len(f.notifier.messages))
	}
}

func TestCreateMembershipSessionUnknownAddOn(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateMembershipSession(context.Background(), MembershipSessionRequest{
		Email:  "fighter@example.com",
		Name:   "Fighter",
		Tier:   "monthly",
		AddOns: []string{"gloves"},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func membershipIntent(f *fixture, status stripeapi.PaymentIntentStatus) *stripeapi.PaymentIntent {
	pi := &stripeapi.PaymentIntent{
		ID:            "pi_membership",
		Status:        status,
		Customer:      &stripeapi.Customer{ID: "cus_member"},
		PaymentMethod: &stripeapi.PaymentMethod{ID: "pm_card"},
		Metadata: map[string]string{
			MetaFunnelType:         FunnelMembership,
			MetaMembershipInterval: "annual",
			MetaPriceID:            "price_membership_annual",
			MetaCustomerEmail:      "member@example.com",
		},
	}
	f.addPaymentIntent(pi)
	return pi
}

func TestActivateMembershipIsIdempotent(t *testing.T) {
	f := newFixture(t)
	membershipIntent(f, stripeapi.PaymentIntentStatusSucceeded)

	first, err := f.svc.ActivateMembership(context.Background(), "pi_membership")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if first.AlreadyExists {
		t.Fatal("first activation should create a subscription")
	}
	if want := f.now.Add(365 * 24 * time.Hour).Unix(); first.TrialEnd != want {
		t.Fatalf("expected trial end %d got %d", want, first.TrialEnd)
	}

	second, err := f.svc.ActivateMembership(context.Background(), "pi_membership")
	if err != nil {
		t.Fatalf("second activate: %v", err)
	}
	if !second.AlreadyExists || second.SubscriptionID != first.SubscriptionID {
		t.Fatalf("expected existing subscription, got %+v", second)
	}
	if len(f.gateway.createdSubs) != 1 {
		t.Fatalf("expected one subscription created, got %d", len(f.gateway.createdSubs))
	}

	params := f.gateway.createdSubs[0]
	if got := stripeapi.StringValue(params.IdempotencyKey); got != "activate-membership-pi_membership" {
		t.Fatalf("unexpected idempotency key %q", got)
	}
	if params.Metadata[MetaActivatedFromPI] != "pi_membership" || params.Metadata[MetaCustomerEmail] != "member@example.com" {
		t.Fatalf("metadata not carried over: %v", params.Metadata)
	}
	if f.gateway.defaultPMs["cus_member"] != "pm_card" {
		t.Fatal("default payment method not set")
	}
}

func TestActivateMembershipTrialAnchoredToPayment(t *testing.T) {
	f := newFixture(t)
	pi := membershipIntent(f, stripeapi.PaymentIntentStatusSucceeded)
	paidAt := f.now.Add(-10 * time.Minute)
	pi.Created = paidAt.Unix()

	res, err := f.svc.ActivateMembership(context.Background(), "pi_membership")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if want := paidAt.Add(365 * 24 * time.Hour).Unix(); res.TrialEnd != want {
		t.Fatalf("expected trial end %d got %d", want, res.TrialEnd)
	}
}

func TestActivateMembershipIdempotencyConflict(t *testing.T) {
	f := newFixture(t)
	membershipIntent(f, stripeapi.PaymentIntentStatusSucceeded)
	f.gateway.createSubErr = &stripeapi.Error{Type: stripeapi.ErrorTypeIdempotency, HTTPStatusCode: 400}

	res, err := f.svc.ActivateMembership(context.Background(), "pi_membership")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !res.AlreadyExists || res.SubscriptionID == "" {
		t.Fatalf("expected the concurrent subscription, got %+v", res)
	}
}

func TestActivateMembershipRequiresSucceededPayment(t *testing.T) {
	f := newFixture(t)
	membershipIntent(f, stripeapi.PaymentIntentStatusRequiresPaymentMethod)

	if _, err := f.svc.ActivateMembership(context.Background(), "pi_membership"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.svc.ActivateMembership(context.Background(), "pi_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateCheckoutMergesMetadata(t *testing.T) {
	f := newFixture(t)
	f.addPaymentIntent(&stripeapi.PaymentIntent{
		ID:       "pi_cart",
		Status:   stripeapi.PaymentIntentStatusRequiresPaymentMethod,
		Amount:   19700,
		Customer: &stripeapi.Customer{ID: "cus_cart"},
		Metadata: map[string]string{
			MetaCustomerEmail: "cart@example.com",
			MetaFunnelType:    FunnelProduct,
		},
	})

	res, err := f.svc.UpdateCheckout(context.Background(), UpdateCheckoutRequest{
		PaymentIntentID: "pi_cart",
		ProductID:       "fight_ready",
		Currency:        "GBP",
		AddOns:          []string{"nutrition_plan", "hand_wraps_guide", "unknown"},
		Metadata:        map[string]string{"utm_campaign": "spring"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !res.Amount.Equal(decimal.RequireFromString("179")) {
		t.Fatalf("expected 179 got %s", res.Amount)
	}
	if len(res.LineItems) != 2 {
		t.Fatalf("expected product + one add-on, got %+v", res.LineItems)
	}

	pi := f.gateway.paymentIntents["pi_cart"]
	if pi.Amount != 17900 {
		t.Fatalf("expected amount 17900 got %d", pi.Amount)
	}
	if pi.Metadata[MetaCustomerEmail] != "cart@example.com" {
		t.Fatal("existing metadata was dropped")
	}
	if pi.Metadata[MetaAddOnsIncluded] != "nutrition_plan" {
		t.Fatalf("unexpected add_ons_included %q", pi.Metadata[MetaAddOnsIncluded])
	}
	if pi.Metadata["utm_campaign"] != "spring" || pi.Metadata[MetaProductID] != "fight_ready" {
		t.Fatalf("new metadata missing: %v", pi.Metadata)
	}
}

func TestUpdateCheckoutErrors(t *testing.T) {
	f := newFixture(t)
	f.addPaymentIntent(&stripeapi.PaymentIntent{ID: "pi_open", Status: stripeapi.PaymentIntentStatusRequiresPaymentMethod})
	f.addPaymentIntent(&stripeapi.PaymentIntent{ID: "pi_paid", Status: stripeapi.PaymentIntentStatusSucceeded})

	tests := []struct {
		name string
		req  UpdateCheckoutRequest
		kind error
	}{
		{"missing product", UpdateCheckoutRequest{PaymentIntentID: "pi_open"}, ErrValidation},
		{"unknown product", UpdateCheckoutRequest{PaymentIntentID: "pi_open", ProductID: "nope"}, ErrServer},
		{"currency not sold", UpdateCheckoutRequest{PaymentIntentID: "pi_open", ProductID: "footwork_fundamentals", Currency: "eur"}, ErrValidation},
		{"already paid", UpdateCheckoutRequest{PaymentIntentID: "pi_paid", ProductID: "fight_ready"}, ErrValidation},
		{"unknown intent", UpdateCheckoutRequest{PaymentIntentID: "pi_gone", ProductID: "fight_ready"}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.UpdateCheckout(context.Background(), tt.req)
			if !errors.Is(err, tt.kind) {
				t.Fatalf("expected %v got %v", tt.kind, err)
			}
		})
	}
}

func TestCreateCoachingPaymentIntentSplit(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.CreateCoachingPaymentIntent(context.Background(), CoachingPaymentRequest{
		Email:       "student@example.com",
		Name:        "Student",
		Tier:        "private",
		Coach:       "mike",
		PaymentPlan: "split",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Amount != "1500.00" || res.SecondPaymentAmount != "1500.00" {
		t.Fatalf("unexpected amounts: %+v", res)
	}

	params := f.gateway.createdPIs[0]
	if stripeapi.Int64Value(params.Amount) != 150000 {
		t.Fatalf("unexpected charge %d", stripeapi.Int64Value(params.Amount))
	}
	if stripeapi.StringValue(params.SetupFutureUsage) != "off_session" {
		t.Fatal("card must be saved for the second installment")
	}
	md := params.Metadata
	if md[MetaSplitPayment] != "true" || md[MetaPaymentNumber] != "1" || md[MetaTotalPayments] != "2" {
		t.Fatalf("split metadata missing: %v", md)
	}
	if md[MetaCoach] != "mike" || md[MetaCoachingTier] != "private" {
		t.Fatalf("coaching metadata missing: %v", md)
	}
}

func TestCreateCoachingPaymentIntentRejectsUnknownPlan(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateCoachingPaymentIntent(context.Background(), CoachingPaymentRequest{
		Email: "a@example.com", Name: "A", Tier: "group", PaymentPlan: "weekly",
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateCoachingSubscription(t *testing.T) {
	f := newFixture(t)

	setup, err := f.svc.CreateCoachingSetupIntent(context.Background(), CoachingSetupRequest{
		Email: "monthly@example.com", Name: "Monthly", Tier: "group", Coach: "ana",
	})
	if err != nil {
		t.Fatalf("setup intent: %v", err)
	}

	if _, err := f.svc.CreateCoachingSubscription(context.Background(), setup.SetupIntentID); !errors.Is(err, ErrValidation) {
		t.Fatalf("unconfirmed setup should be rejected, got %v", err)
	}

	si := f.gateway.setupIntents[setup.SetupIntentID]
	si.Status = stripeapi.SetupIntentStatusSucceeded
	si.PaymentMethod = &stripeapi.PaymentMethod{ID: "pm_monthly"}

	first, err := f.svc.CreateCoachingSubscription(context.Background(), setup.SetupIntentID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, err := f.svc.CreateCoachingSubscription(context.Background(), setup.SetupIntentID)
	if err != nil {
		t.Fatalf("second subscribe: %v", err)
	}
	if !second.AlreadyExists || second.SubscriptionID != first.SubscriptionID {
		t.Fatalf("expected existing subscription, got %+v", second)
	}
	if len(f.gateway.createdSubs) != 1 {
		t.Fatalf("expected one subscription, got %d", len(f.gateway.createdSubs))
	}
	if got := f.gateway.createdSubs[0].Metadata[MetaCoach]; got != "ana" {
		t.Fatalf("coach not carried to subscription: %q", got)
	}

	if _, err := f.svc.CreateCoachingSubscription(context.Background(), "seti_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func splitRequest() SaveSplitPaymentRequest {
	return SaveSplitPaymentRequest{
		CustomerEmail:        "split@example.com",
		CustomerName:         "Split",
		StripeCustomerID:     "cus_split",
		FirstPaymentIntentID: "pi_first",
		FirstPaymentAmount:   decimal.RequireFromString("600"),
		SecondPaymentAmount:  decimal.RequireFromString("600"),
		Tier:                 "group",
		Coach:                "ana",
	}
}

func TestSaveSplitPaymentIsIdempotent(t *testing.T) {
	f := newFixture(t)

	first, err := f.svc.SaveSplitPayment(context.Background(), splitRequest())
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	second, err := f.svc.SaveSplitPayment(context.Background(), splitRequest())
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if first.AlreadyExists || !second.AlreadyExists {
		t.Fatalf("unexpected already_exists flags: %v %v", first.AlreadyExists, second.AlreadyExists)
	}
	if first.SplitPaymentID != second.SplitPaymentID {
		t.Fatalf("expected same id, got %s and %s", first.SplitPaymentID, second.SplitPaymentID)
	}
	if len(f.ledger.rows) != 1 {
		t.Fatalf("expected one row, got %d", len(f.ledger.rows))
	}

	row := f.ledger.rows[first.SplitPaymentID]
	if want := f.now.Add(30 * 24 * time.Hour); !row.SecondPaymentDueDate.Equal(want) {
		t.Fatalf("expected due %s got %s", want, row.SecondPaymentDueDate)
	}
	if first.DueDate != "2026-03-31T12:00:00Z" {
		t.Fatalf("unexpected due date %q", first.DueDate)
	}
}

func TestSaveSplitPaymentValidation(t *testing.T) {
	f := newFixture(t)

	req := splitRequest()
	req.SecondPaymentAmount = decimal.Zero
	if _, err := f.svc.SaveSplitPayment(context.Background(), req); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	req = splitRequest()
	req.FirstPaymentIntentID = ""
	if _, err := f.svc.SaveSplitPayment(context.Background(), req); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUpdateSplitPaymentStatus(t *testing.T) {
	f := newFixture(t)
	saved, err := f.svc.SaveSplitPayment(context.Background(), splitRequest())
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	ctx := context.Background()

	for want := 1; want <= 2; want++ {
		res, err := f.svc.UpdateSplitPaymentStatus(ctx, UpdateSplitStatusRequest{
			SplitPaymentID: saved.SplitPaymentID, Status: "failed", Error: "card_declined",
		})
		if err != nil {
			t.Fatalf("mark failed: %v", err)
		}
		if res.RetryCount != want {
			t.Fatalf("expected retry_count %d got %d", want, res.RetryCount)
		}
	}
	last := f.notifier.messages[len(f.notifier.messages)-1]
	if last.Title != "Second installment failed" || last.Fields["retry_count"] != "2" {
		t.Fatalf("unexpected failure notification: %+v", last)
	}

	if _, err := f.svc.UpdateSplitPaymentStatus(ctx, UpdateSplitStatusRequest{
		SplitPaymentID: saved.SplitPaymentID, Status: "completed", SecondPaymentIntentID: "pi_second",
	}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	row := f.ledger.rows[saved.SplitPaymentID]
	if row.SecondPaymentDate == nil || row.SecondPaymentIntentID == nil || *row.SecondPaymentIntentID != "pi_second" {
		t.Fatalf("completion not recorded: %+v", row)
	}

	if _, err := f.svc.UpdateSplitPaymentStatus(ctx, UpdateSplitStatusRequest{
		SplitPaymentID: saved.SplitPaymentID, Status: "failed",
	}); !errors.Is(err, ErrValidation) {
		t.Fatalf("completed row should not change, got %v", err)
	}

	tests := []struct {
		name string
		req  UpdateSplitStatusRequest
		kind error
	}{
		{"bad status", UpdateSplitStatusRequest{SplitPaymentID: saved.SplitPaymentID, Status: "pending"}, ErrValidation},
		{"malformed id", UpdateSplitStatusRequest{SplitPaymentID: "nope", Status: "failed"}, ErrNotFound},
		{"unknown id", UpdateSplitStatusRequest{SplitPaymentID: "1b4e28ba-2fa1-11d2-883f-0016d3cca427", Status: "failed"}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.UpdateSplitPaymentStatus(ctx, tt.req); !errors.Is(err, tt.kind) {
				t.Fatalf("expected %v got %v", tt.kind, err)
			}
		})
	}
}

func TestListDueSplitPayments(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.SaveSplitPayment(context.Background(), splitRequest()); err != nil {
		t.Fatalf("save: %v", err)
	}

	due, err := f.svc.ListDueSplitPayments(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("nothing should be due yet, got %d", len(due))
	}

	f.now = f.now.Add(31 * 24 * time.Hour)
	due, err = f.svc.ListDueSplitPayments(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected one due row, got %d", len(due))
	}
}

func splitFirstPayment(f *fixture) {
	f.addCustomer("cus_split", "pm_default")
	f.addPaymentIntent(&stripeapi.PaymentIntent{
		ID:            "pi_first",
		Amount:        60000,
		Currency:      "usd",
		Status:        stripeapi.PaymentIntentStatusSucceeded,
		Customer:      &stripeapi.Customer{ID: "cus_split"},
		PaymentMethod: &stripeapi.PaymentMethod{ID: "pm_first"},
		Metadata: map[string]string{
			MetaSplitPayment:        "true",
			MetaPaymentNumber:       "1",
			MetaTotalPayments:       "2",
			MetaSecondPaymentAmount: "600.00",
			MetaProductName:         "Group Coaching (Payment 1 of 2)",
			MetaCustomerEmail:       "split@example.com",
		},
	})
}

func TestProcessSecondPaymentFromContext(t *testing.T) {
	f := newFixture(t)
	splitFirstPayment(f)
	saved, err := f.svc.SaveSplitPayment(context.Background(), splitRequest())
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	res, err := f.svc.ProcessSecondPayment(context.Background(), SecondPaymentRequest{FirstPaymentIntentID: "pi_first"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Amount != "600.00" || res.Status != "succeeded" {
		t.Fatalf("unexpected result: %+v", res)
	}

	charge := f.gateway.createdPIs[0]
	if stripeapi.StringValue(charge.PaymentMethod) != "pm_default" {
		t.Fatalf("expected customer default card, got %s", stripeapi.StringValue(charge.PaymentMethod))
	}
	if !stripeapi.BoolValue(charge.Confirm) || !stripeapi.BoolValue(charge.OffSession) {
		t.Fatal("charge must be confirmed off-session")
	}
	if charge.Metadata[MetaPaymentNumber] != "2" || charge.Metadata[MetaProductName] != "Group Coaching (Payment 2 of 2)" {
		t.Fatalf("unexpected charge metadata: %v", charge.Metadata)
	}
	if charge.Metadata[MetaCustomerEmail] != "split@example.com" {
		t.Fatal("first payment metadata not copied")
	}
	if got := stripeapi.StringValue(charge.IdempotencyKey); got != "second-payment:pi_first:attempt-1" {
		t.Fatalf("unexpected idempotency key %q", got)
	}

	first := f.gateway.paymentIntents["pi_first"]
	if first.Metadata[MetaSecondPaymentProcessed] != "true" || first.Metadata[MetaSecondPaymentIntentID] != res.PaymentIntentID {
		t.Fatalf("first payment not flagged: %v", first.Metadata)
	}
	if row := f.ledger.rows[saved.SplitPaymentID]; row.SecondPaymentStatus != models.SplitPaymentCompleted {
		t.Fatalf("ledger not completed: %s", row.SecondPaymentStatus)
	}
}

func TestProcessSecondPaymentBlocksDoubleCharge(t *testing.T) {
	f := newFixture(t)
	splitFirstPayment(f)
	f.gateway.createPIDelay = 10 * time.Millisecond

	const callers = 5
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ProcessSecondPayment(context.Background(), SecondPaymentRequest{FirstPaymentIntentID: "pi_first"})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one success, got %d", successes)
	}
	if n := f.gateway.chargeCount(); n != 1 {
		t.Fatalf("expected one charge, got %d", n)
	}
}

func TestProcessSecondPaymentWhenFlagUpdateWasLost(t *testing.T) {
	f := newFixture(t)
	splitFirstPayment(f)

	if _, err := f.svc.ProcessSecondPayment(context.Background(), SecondPaymentRequest{FirstPaymentIntentID: "pi_first"}); err != nil {
		t.Fatalf("process: %v", err)
	}
	// Simulate the metadata update never reaching the processor.
	delete(f.gateway.paymentIntents["pi_first"].Metadata, MetaSecondPaymentProcessed)

	_, err := f.svc.ProcessSecondPayment(context.Background(), SecondPaymentRequest{FirstPaymentIntentID: "pi_first"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected already processed, got %v", err)
	}
	if n := f.gateway.chargeCount(); n != 1 {
		t.Fatalf("expected one charge, got %d", n)
	}
}

func TestProcessSecondPaymentDeclineAllowsRetry(t *testing.T) {
	f := newFixture(t)
	splitFirstPayment(f)
	f.gateway.createPIErr = &stripeapi.Error{
		Type:        stripeapi.ErrorTypeCard,
		Code:        stripeapi.ErrorCodeCardDeclined,
		DeclineCode: stripeapi.DeclineCodeInsufficientFunds,
		Msg:         "Your card has insufficient funds.",
	}

	_, err := f.svc.ProcessSecondPayment(context.Background(), SecondPaymentRequest{FirstPaymentIntentID: "pi_first"})
	var declined *DeclinedError
	if !errors.As(err, &declined) {
		t.Fatalf("expected decline, got %v", err)
	}
	if declined.Code != "card_declined" || declined.DeclineCode != "insufficient_funds" {
		t.Fatalf("unexpected decline detail: %+v", declined)
	}
	if f.reservations.rows["second-payment:pi_first"].Status != models.AttemptFailed {
		t.Fatal("reservation should be released after a decline")
	}

	f.gateway.createPIErr = nil
	if _, err := f.svc.ProcessSecondPayment(context.Background(), SecondPaymentRequest{FirstPaymentIntentID: "pi_first"}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := stripeapi.StringValue(f.gateway.createdPIs[1].IdempotencyKey); got != "second-payment:pi_first:attempt-2" {
		t.Fatalf("retry must use a fresh processor key, got %q", got)
	}
}

func TestProcessSecondPaymentRejections(t *testing.T) {
	f := newFixture(t)
	f.addCustomer("cus_nocard", "")
	f.gateway.customers["cus_gone"] = &stripeapi.Customer{ID: "cus_gone", Deleted: true}
	f.addPaymentIntent(&stripeapi.PaymentIntent{
		ID:       "pi_single",
		Customer: &stripeapi.Customer{ID: "cus_nocard"},
		Metadata: map[string]string{MetaPaymentPlan: "full"},
	})
	f.addPaymentIntent(&stripeapi.PaymentIntent{
		ID:       "pi_deleted",
		Customer: &stripeapi.Customer{ID: "cus_gone"},
		Metadata: map[string]string{MetaSplitPayment: "true"},
	})
	f.addPaymentIntent(&stripeapi.PaymentIntent{
		ID:       "pi_nocard",
		Amount:   1000,
		Customer: &stripeapi.Customer{ID: "cus_nocard"},
		Metadata: map[string]string{MetaSplitPayment: "true"},
	})
	amount := decimal.RequireFromString("100")

	tests := []struct {
		name string
		req  SecondPaymentRequest
		kind error
	}{
		{"empty request", SecondPaymentRequest{}, ErrValidation},
		{"unknown intent", SecondPaymentRequest{FirstPaymentIntentID: "pi_missing"}, ErrNotFound},
		{"not split", SecondPaymentRequest{FirstPaymentIntentID: "pi_single"}, ErrValidation},
		{"deleted customer", SecondPaymentRequest{FirstPaymentIntentID: "pi_deleted"}, ErrValidation},
		{"no card", SecondPaymentRequest{FirstPaymentIntentID: "pi_nocard"}, ErrValidation},
		{"direct without key", SecondPaymentRequest{CustomerID: "cus_nocard", Amount: &amount}, ErrValidation},
		{"direct without amount", SecondPaymentRequest{CustomerID: "cus_nocard", IdempotencyKey: "k"}, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.ProcessSecondPayment(context.Background(), tt.req); !errors.Is(err, tt.kind) {
				t.Fatalf("expected %v got %v", tt.kind, err)
			}
		})
	}
	if n := f.gateway.chargeCount(); n != 0 {
		t.Fatalf("no charge expected, got %d", n)
	}
}

func TestProcessSecondPaymentDirect(t *testing.T) {
	f := newFixture(t)
	f.addCustomer("cus_direct", "pm_direct")
	amount := decimal.RequireFromString("249.50")
	req := SecondPaymentRequest{CustomerID: "cus_direct", Amount: &amount, IdempotencyKey: "invoice-42"}

	res, err := f.svc.ProcessSecondPayment(context.Background(), req)
	if err != nil {
		t.Fatalf("direct: %v", err)
	}
	if res.Amount != "249.50" {
		t.Fatalf("unexpected amount %s", res.Amount)
	}
	if stripeapi.Int64Value(f.gateway.createdPIs[0].Amount) != 24950 {
		t.Fatalf("unexpected minor units %d", stripeapi.Int64Value(f.gateway.createdPIs[0].Amount))
	}

	if _, err := f.svc.ProcessSecondPayment(context.Background(), req); !errors.Is(err, ErrValidation) {
		t.Fatalf("repeat direct call should be rejected, got %v", err)
	}
	if n := f.gateway.chargeCount(); n != 1 {
		t.Fatalf("expected one charge, got %d", n)
	}
}
