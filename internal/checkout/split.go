package checkout

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/PortNumber53/boxing-coach/backend/internal/models"
	"github.com/PortNumber53/boxing-coach/backend/internal/store"
)

// SaveSplitPaymentRequest records the commitment for a second installment.
type SaveSplitPaymentRequest struct {
	CustomerEmail        string          `json:"customer_email"`
	CustomerName         string          `json:"customer_name"`
	StripeCustomerID     string          `json:"stripe_customer_id"`
	FirstPaymentIntentID string          `json:"first_payment_intent_id"`
	FirstPaymentAmount   decimal.Decimal `json:"first_payment_amount"`
	SecondPaymentAmount  decimal.Decimal `json:"second_payment_amount"`
	Tier                 string          `json:"tier"`
	Coach                string          `json:"coach,omitempty"`
	SixMonthCommitment   bool            `json:"six_month_commitment"`
}

// SaveSplitPaymentResult identifies the stored commitment.
type SaveSplitPaymentResult struct {
	SplitPaymentID string `json:"split_payment_id"`
	AlreadyExists  bool   `json:"already_exists"`
	DueDate        string `json:"second_payment_due_date"`
}

// SaveSplitPayment stores a split-payment commitment once per first payment
// intent. Repeated calls return the existing row. The due date is always
// computed here, 30 days after the call.
func (s *Service) SaveSplitPayment(ctx context.Context, req SaveSplitPaymentRequest) (*SaveSplitPaymentResult, error) {
	if err := requireFields(
		"customer_email", req.CustomerEmail,
		"customer_name", req.CustomerName,
		"stripe_customer_id", req.StripeCustomerID,
		"first_payment_intent_id", req.FirstPaymentIntentID,
		"tier", req.Tier,
	); err != nil {
		return nil, err
	}
	if !req.FirstPaymentAmount.IsPositive() || !req.SecondPaymentAmount.IsPositive() {
		return nil, invalid("payment amounts must be positive")
	}

	existing, err := s.ledger.FindSplitPaymentByFirstIntent(ctx, req.FirstPaymentIntentID)
	if err != nil {
		return nil, internal("failed to save split payment", err)
	}
	if existing != nil {
		return splitResult(existing, true), nil
	}

	now := s.now().UTC()
	sp := &models.SplitPayment{
		CustomerEmail:        strings.TrimSpace(req.CustomerEmail),
		CustomerName:         strings.TrimSpace(req.CustomerName),
		StripeCustomerID:     req.StripeCustomerID,
		FirstPaymentIntentID: req.FirstPaymentIntentID,
		FirstPaymentDate:     now,
		FirstPaymentAmount:   req.FirstPaymentAmount,
		SecondPaymentAmount:  req.SecondPaymentAmount,
		SecondPaymentDueDate: now.Add(models.SplitPaymentInterval),
		SecondPaymentStatus:  models.SplitPaymentPending,
		Tier:                 req.Tier,
		Coach:                strPtr(req.Coach),
		SixMonthCommitment:   req.SixMonthCommitment,
	}

	stored, created, err := s.ledger.CreateSplitPayment(ctx, sp)
	if err != nil {
		return nil, internal("failed to save split payment", err)
	}
	if created {
		s.logger.Info().Str("split_payment_id", stored.ID).Str("first_payment_intent_id", stored.FirstPaymentIntentID).
			Time("due", stored.SecondPaymentDueDate).Msg("split payment recorded")
	}
	return splitResult(stored, !created), nil
}

func splitResult(sp *models.SplitPayment, existed bool) *SaveSplitPaymentResult {
	return &SaveSplitPaymentResult{
		SplitPaymentID: sp.ID,
		AlreadyExists:  existed,
		DueDate:        sp.SecondPaymentDueDate.UTC().Format(time.RFC3339),
	}
}

// UpdateSplitStatusRequest reports the outcome of a second installment.
type UpdateSplitStatusRequest struct {
	SplitPaymentID        string `json:"split_payment_id"`
	Status                string `json:"status"`
	SecondPaymentIntentID string `json:"second_payment_intent_id,omitempty"`
	Error                 string `json:"error,omitempty"`
}

// UpdateSplitStatusResult is the ledger row state after an update.
type UpdateSplitStatusResult struct {
	SplitPaymentID string `json:"split_payment_id"`
	Status         string `json:"status"`
	RetryCount     int    `json:"retry_count"`
}

// UpdateSplitPaymentStatus moves a split payment to completed or failed.
// Failures increment retry_count in the database.
func (s *Service) UpdateSplitPaymentStatus(ctx context.Context, req UpdateSplitStatusRequest) (*UpdateSplitStatusResult, error) {
	if err := requireFields("split_payment_id", req.SplitPaymentID, "status", req.Status); err != nil {
		return nil, err
	}
	status := models.SplitPaymentStatus(strings.ToLower(req.Status))
	if status != models.SplitPaymentCompleted && status != models.SplitPaymentFailed {
		return nil, invalid("status must be completed or failed")
	}
	if _, err := uuid.Parse(req.SplitPaymentID); err != nil {
		return nil, notFound("split payment not found", err)
	}

	sp, err := s.ledger.GetSplitPayment(ctx, req.SplitPaymentID)
	if err != nil {
		return nil, internal("failed to load split payment", err)
	}
	if sp == nil {
		return nil, notFound("split payment not found", nil)
	}
	if sp.SecondPaymentStatus == models.SplitPaymentCompleted {
		return nil, invalid("split payment already completed")
	}

	result := &UpdateSplitStatusResult{SplitPaymentID: sp.ID, Status: string(status), RetryCount: sp.RetryCount}
	switch status {
	case models.SplitPaymentCompleted:
		err = s.ledger.MarkSplitPaymentCompleted(ctx, sp.ID, strPtr(req.SecondPaymentIntentID), s.now().UTC())
	case models.SplitPaymentFailed:
		reason := req.Error
		if reason == "" {
			reason = "second payment failed"
		}
		result.RetryCount, err = s.ledger.MarkSplitPaymentFailed(ctx, sp.ID, truncate(reason, 1000))
	}
	if errors.Is(err, store.ErrSplitPaymentSettled) {
		return nil, invalid("split payment already completed")
	}
	if err != nil {
		return nil, internal("failed to update split payment", err)
	}

	s.logger.Info().Str("split_payment_id", sp.ID).Str("status", string(status)).Int("retry_count", result.RetryCount).
		Msg("split payment updated")
	if status == models.SplitPaymentFailed {
		s.notify(ctx, "Second installment failed", map[string]string{
			"email":       sp.CustomerEmail,
			"split":       sp.ID,
			"retry_count": strconv.Itoa(result.RetryCount),
			"error":       req.Error,
		})
	}
	return result, nil
}

// ListDueSplitPayments returns pending commitments whose due date has passed.
func (s *Service) ListDueSplitPayments(ctx context.Context, limit int) ([]models.SplitPayment, error) {
	due, err := s.ledger.ListDueSplitPayments(ctx, s.now().UTC(), limit)
	if err != nil {
		return nil, internal("failed to list split payments", err)
	}
	if due == nil {
		due = []models.SplitPayment{}
	}
	return due, nil
}
