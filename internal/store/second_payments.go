package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/boxing-coach/backend/internal/models"
)

// ReserveSecondPayment takes the reservation for a second-installment
// charge. A new key, or a key whose last attempt failed, is (re)claimed and
// returned with reserved=true and Attempts incremented. A key that is
// processing or already succeeded is returned unchanged with reserved=false.
func (s *Store) ReserveSecondPayment(ctx context.Context, a *models.SecondPaymentAttempt) (*models.SecondPaymentAttempt, bool, error) {
	query := `
INSERT INTO second_payment_attempts (
	idempotency_key, first_payment_intent_id, customer_id, amount_cents, status, attempts
) VALUES ($1, $2, $3, $4, 'processing', 1)
ON CONFLICT (idempotency_key) DO UPDATE SET
	status = 'processing',
	attempts = second_payment_attempts.attempts + 1,
	amount_cents = EXCLUDED.amount_cents,
	last_error = NULL,
	updated_at = now()
WHERE second_payment_attempts.status = 'failed'
RETURNING ` + attemptColumns

	reserved, err := scanAttempt(s.db.QueryRowContext(ctx, query,
		a.IdempotencyKey,
		a.FirstPaymentIntentID,
		a.CustomerID,
		a.AmountCents,
	))
	if err == nil {
		return reserved, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("store: reserve second payment: %w", err)
	}

	existing, err := scanAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM second_payment_attempts WHERE idempotency_key = $1`,
		a.IdempotencyKey,
	))
	if err != nil {
		return nil, false, fmt.Errorf("store: load second payment reservation: %w", err)
	}
	return existing, false, nil
}

// MarkSecondPaymentSucceeded finalizes a reservation with the charge's id.
func (s *Store) MarkSecondPaymentSucceeded(ctx context.Context, key, paymentIntentID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE second_payment_attempts
		 SET status = 'succeeded', payment_intent_id = $2, last_error = NULL, updated_at = now()
		 WHERE idempotency_key = $1`,
		key, paymentIntentID,
	)
	if err != nil {
		return fmt.Errorf("store: mark second payment succeeded: %w", err)
	}
	return nil
}

// MarkSecondPaymentFailed releases a reservation so a later call may retry.
func (s *Store) MarkSecondPaymentFailed(ctx context.Context, key, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE second_payment_attempts
		 SET status = 'failed', last_error = $2, updated_at = now()
		 WHERE idempotency_key = $1 AND status = 'processing'`,
		key, reason,
	)
	if err != nil {
		return fmt.Errorf("store: mark second payment failed: %w", err)
	}
	return nil
}

const attemptColumns = `idempotency_key, first_payment_intent_id, customer_id, amount_cents,
	status, payment_intent_id, last_error, attempts, created_at, updated_at`

func scanAttempt(row rowScanner) (*models.SecondPaymentAttempt, error) {
	var a models.SecondPaymentAttempt
	err := row.Scan(
		&a.IdempotencyKey,
		&a.FirstPaymentIntentID,
		&a.CustomerID,
		&a.AmountCents,
		&a.Status,
		&a.PaymentIntentID,
		&a.LastError,
		&a.Attempts,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
