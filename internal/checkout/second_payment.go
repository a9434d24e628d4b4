package checkout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	stripeapi "github.com/stripe/stripe-go/v74"

	"github.com/PortNumber53/boxing-coach/backend/internal/catalog"
	"github.com/PortNumber53/boxing-coach/backend/internal/models"
	"github.com/PortNumber53/boxing-coach/backend/internal/stripe"
)

// SecondPaymentRequest charges the second installment. Either
// FirstPaymentIntentID is set, or CustomerID with Amount and IdempotencyKey.
type SecondPaymentRequest struct {
	FirstPaymentIntentID string           `json:"firstPaymentIntentId,omitempty"`
	CustomerID           string           `json:"customerId,omitempty"`
	Amount               *decimal.Decimal `json:"amount,omitempty"`
	Currency             string           `json:"currency,omitempty"`
	IdempotencyKey       string           `json:"idempotencyKey,omitempty"`
	Description          string           `json:"description,omitempty"`
}

// SecondPaymentResult describes a successful charge.
type SecondPaymentResult struct {
	PaymentIntentID string `json:"paymentIntentId"`
	Status          string `json:"status"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	CustomerID      string `json:"customerId"`
}

// ProcessSecondPayment charges a customer's saved card off-session for the
// second installment. Each charge is reserved by an idempotency key first,
// so concurrent or repeated calls charge at most once.
func (s *Service) ProcessSecondPayment(ctx context.Context, req SecondPaymentRequest) (*SecondPaymentResult, error) {
	if req.FirstPaymentIntentID != "" {
		return s.secondPaymentFromContext(ctx, req)
	}
	if req.CustomerID != "" {
		return s.secondPaymentDirect(ctx, req)
	}
	return nil, invalid("firstPaymentIntentId or customerId is required")
}

func (s *Service) secondPaymentFromContext(ctx context.Context, req SecondPaymentRequest) (*SecondPaymentResult, error) {
	first, err := s.gateway.GetPaymentIntent(ctx, req.FirstPaymentIntentID)
	if err != nil {
		return nil, gatewayError("payment intent", err)
	}
	if first.Metadata[MetaSplitPayment] != "true" {
		return nil, invalid("payment %s is not a split payment", first.ID)
	}
	if first.Metadata[MetaSecondPaymentProcessed] == "true" {
		return nil, invalid("second payment already processed")
	}

	custID := customerID(first.Customer)
	if custID == "" {
		return nil, invalid("payment %s has no customer", first.ID)
	}
	cust, err := s.liveCustomer(ctx, custID)
	if err != nil {
		return nil, err
	}
	pmID := defaultPaymentMethod(cust)
	if pmID == "" {
		pmID = paymentMethodID(first.PaymentMethod)
	}
	if pmID == "" {
		return nil, invalid("no payment method on file")
	}

	currency := string(first.Currency)
	if req.Currency != "" {
		currency = req.Currency
	}
	amount, err := secondAmount(req.Amount, first)
	if err != nil {
		return nil, err
	}

	md := Metadata(first.Metadata).Merge(Metadata{
		MetaPaymentNumber:        "2",
		MetaTotalPayments:        "2",
		MetaFirstPaymentIntentID: first.ID,
	})
	delete(md, MetaSecondPaymentAmount)
	name := first.Metadata[MetaProductName]
	if name == "" {
		name = "Coaching"
	}
	md.Set(MetaProductName, trimPaymentSuffix(name)+" (Payment 2 of 2)")

	key := "second-payment:" + first.ID
	result, err := s.chargeReserved(ctx, chargeRequest{
		key:           key,
		firstIntentID: first.ID,
		customerID:    custID,
		paymentMethod: pmID,
		amount:        amount,
		currency:      currency,
		description:   md[MetaProductName],
		metadata:      md,
	})
	if err != nil {
		return nil, err
	}

	s.markFirstPaymentProcessed(ctx, first.ID, result.PaymentIntentID)
	s.completeLedger(ctx, first.ID, result.PaymentIntentID)
	s.notify(ctx, "Second installment collected", map[string]string{
		"email":   first.Metadata[MetaCustomerEmail],
		"amount":  result.Amount,
		"payment": result.PaymentIntentID,
		"first":   first.ID,
	})
	return result, nil
}

func (s *Service) secondPaymentDirect(ctx context.Context, req SecondPaymentRequest) (*SecondPaymentResult, error) {
	if req.Amount == nil || !req.Amount.IsPositive() {
		return nil, invalid("amount must be positive")
	}
	if req.IdempotencyKey == "" {
		return nil, invalid("idempotencyKey is required for direct charges")
	}
	cust, err := s.liveCustomer(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	pmID := defaultPaymentMethod(cust)
	if pmID == "" {
		return nil, invalid("no payment method on file")
	}

	currency := req.Currency
	if currency == "" {
		currency = "usd"
	}
	description := req.Description
	if description == "" {
		description = "Coaching (Payment 2 of 2)"
	}
	md := Metadata{}
	md.Set(MetaPaymentNumber, "2")
	md.Set(MetaTotalPayments, "2")
	md.Set(MetaProductName, description)

	result, err := s.chargeReserved(ctx, chargeRequest{
		key:           "second-payment:direct:" + req.IdempotencyKey,
		customerID:    cust.ID,
		paymentMethod: pmID,
		amount:        catalog.MinorUnits(*req.Amount),
		currency:      currency,
		description:   description,
		metadata:      md,
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, "Direct installment collected", map[string]string{
		"customer": cust.ID,
		"email":    cust.Email,
		"amount":   result.Amount,
		"payment":  result.PaymentIntentID,
	})
	return result, nil
}

type chargeRequest struct {
	key           string
	firstIntentID string
	customerID    string
	paymentMethod string
	amount        int64
	currency      string
	description   string
	metadata      Metadata
}

// chargeReserved reserves req.key, creates the off-session charge and records
// the outcome on the reservation.
func (s *Service) chargeReserved(ctx context.Context, req chargeRequest) (*SecondPaymentResult, error) {
	attempt, reserved, err := s.reservations.ReserveSecondPayment(ctx, &models.SecondPaymentAttempt{
		IdempotencyKey:       req.key,
		FirstPaymentIntentID: strPtr(req.firstIntentID),
		CustomerID:           req.customerID,
		AmountCents:          req.amount,
	})
	if err != nil {
		return nil, internal("failed to reserve payment", err)
	}
	if !reserved {
		s.logger.Warn().Str("idempotency_key", req.key).Str("status", string(attempt.Status)).
			Msg("second payment already reserved")
		return nil, invalid("second payment already processed")
	}

	params := &stripeapi.PaymentIntentParams{
		Amount:        stripeapi.Int64(req.amount),
		Currency:      stripeapi.String(req.currency),
		Customer:      stripeapi.String(req.customerID),
		PaymentMethod: stripeapi.String(req.paymentMethod),
		Description:   stripeapi.String(req.description),
		Confirm:       stripeapi.Bool(true),
		OffSession:    stripeapi.Bool(true),
	}
	for k, v := range req.metadata {
		params.AddMetadata(k, v)
	}
	// The processor replays the first response for a reused key, so each
	// reservation attempt gets its own.
	params.SetIdempotencyKey(req.key + ":attempt-" + strconv.Itoa(attempt.Attempts))

	pi, err := s.gateway.CreatePaymentIntent(ctx, params)
	if err != nil {
		if !stripe.Rejected(err) {
			// The charge may have succeeded. The reservation stays in
			// processing until someone reconciles it with the processor.
			s.logger.Error().Err(err).Str("idempotency_key", req.key).Str("customer_id", req.customerID).
				Msg("second payment outcome unknown")
			s.notify(ctx, "Second installment needs review", map[string]string{
				"customer":        req.customerID,
				"idempotency_key": req.key,
				"error":           truncate(err.Error(), 200),
			})
			return nil, internal("payment outcome unknown, contact support before retrying", err)
		}
		s.releaseReservation(ctx, req.key, err.Error())
		if d, ok := stripe.AsDecline(err); ok {
			s.logger.Warn().Str("customer_id", req.customerID).Str("code", d.Code).Str("decline_code", d.DeclineCode).
				Msg("second payment declined")
			s.notify(ctx, "Second installment declined", map[string]string{
				"customer":     req.customerID,
				"code":         d.Code,
				"decline_code": d.DeclineCode,
			})
			return nil, &DeclinedError{Code: d.Code, DeclineCode: d.DeclineCode, Message: d.Message}
		}
		return nil, gatewayError("payment", err)
	}
	if pi.Status != stripeapi.PaymentIntentStatusSucceeded && pi.Status != stripeapi.PaymentIntentStatusProcessing {
		s.releaseReservation(ctx, req.key, "payment status "+string(pi.Status))
		return nil, &DeclinedError{Code: string(pi.Status), Message: "payment requires customer action"}
	}

	if err := s.reservations.MarkSecondPaymentSucceeded(ctx, req.key, pi.ID); err != nil {
		s.logger.Error().Err(err).Str("idempotency_key", req.key).Str("payment_intent_id", pi.ID).
			Msg("charge succeeded but reservation was not finalized")
	}
	s.logger.Info().Str("payment_intent_id", pi.ID).Str("customer_id", req.customerID).Int64("amount", req.amount).
		Msg("second payment charged")

	return &SecondPaymentResult{
		PaymentIntentID: pi.ID,
		Status:          string(pi.Status),
		Amount:          catalog.FromMinorUnits(req.amount).StringFixed(2),
		Currency:        req.currency,
		CustomerID:      req.customerID,
	}, nil
}

func (s *Service) releaseReservation(ctx context.Context, key, reason string) {
	if err := s.reservations.MarkSecondPaymentFailed(ctx, key, truncate(reason, 1000)); err != nil {
		s.logger.Error().Err(err).Str("idempotency_key", key).Msg("failed to release second payment reservation")
	}
}

// liveCustomer loads a customer and rejects deleted ones.
func (s *Service) liveCustomer(ctx context.Context, id string) (*stripeapi.Customer, error) {
	cust, err := s.gateway.GetCustomer(ctx, id)
	if err != nil {
		if stripe.IsNotFound(err) {
			return nil, invalid("customer %s not found", id)
		}
		return nil, gatewayError("customer", err)
	}
	if cust.Deleted {
		return nil, invalid("customer %s has been deleted", id)
	}
	return cust, nil
}

func defaultPaymentMethod(c *stripeapi.Customer) string {
	if c == nil || c.InvoiceSettings == nil {
		return ""
	}
	return paymentMethodID(c.InvoiceSettings.DefaultPaymentMethod)
}

// secondAmount resolves the charge in minor units: the request amount, then
// the recorded second installment, then the first payment's amount.
func secondAmount(requested *decimal.Decimal, first *stripeapi.PaymentIntent) (int64, error) {
	if requested != nil {
		if !requested.IsPositive() {
			return 0, invalid("amount must be positive")
		}
		return catalog.MinorUnits(*requested), nil
	}
	if raw := first.Metadata[MetaSecondPaymentAmount]; raw != "" {
		amt, err := decimal.NewFromString(raw)
		if err == nil && amt.IsPositive() {
			return catalog.MinorUnits(amt), nil
		}
	}
	if first.Amount <= 0 {
		return 0, invalid("amount could not be determined")
	}
	return first.Amount, nil
}

func trimPaymentSuffix(name string) string {
	const suffix = " (Payment 1 of 2)"
	if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
		return name[:len(name)-len(suffix)]
	}
	return name
}

// markFirstPaymentProcessed flags the first payment so tooling can see the
// plan is settled. The reservation already prevents a repeat charge.
func (s *Service) markFirstPaymentProcessed(ctx context.Context, firstID, secondID string) {
	params := &stripeapi.PaymentIntentParams{}
	params.AddMetadata(MetaSecondPaymentProcessed, "true")
	params.AddMetadata(MetaSecondPaymentIntentID, secondID)
	params.AddMetadata(MetaSecondPaymentProcessedAt, s.now().UTC().Format(time.RFC3339))
	if _, err := s.gateway.UpdatePaymentIntent(ctx, firstID, params); err != nil {
		s.logger.Error().Err(err).Str("payment_intent_id", firstID).Str("second_payment_intent_id", secondID).
			Msg("failed to flag first payment as settled")
	}
}

func (s *Service) completeLedger(ctx context.Context, firstID, secondID string) {
	sp, err := s.ledger.FindSplitPaymentByFirstIntent(ctx, firstID)
	if err != nil {
		s.logger.Error().Err(err).Str("payment_intent_id", firstID).Msg("failed to load split payment")
		return
	}
	if sp == nil || sp.SecondPaymentStatus == models.SplitPaymentCompleted {
		return
	}
	err = s.ledger.MarkSplitPaymentCompleted(ctx, sp.ID, &secondID, s.now().UTC())
	if err != nil {
		s.logger.Error().Err(fmt.Errorf("complete split payment %s: %w", sp.ID, err)).Msg("failed to update split payment")
	}
}

// IsDeclined reports whether err is a card decline.
func IsDeclined(err error) bool {
	var de *DeclinedError
	return errors.As(err, &de)
}
