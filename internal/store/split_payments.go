package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/PortNumber53/boxing-coach/backend/internal/models"
)

// ErrSplitPaymentSettled is returned when a status update targets a split
// payment whose second installment is already completed.
var ErrSplitPaymentSettled = errors.New("store: split payment already completed")

const splitPaymentColumns = `
	id, customer_email, customer_name, stripe_customer_id, first_payment_intent_id,
	first_payment_date, first_payment_amount, second_payment_amount, second_payment_due_date,
	second_payment_status, second_payment_intent_id, second_payment_date, tier, coach,
	six_month_commitment, retry_count, last_error, created_at, updated_at`

// CreateSplitPayment inserts sp unless a row already exists for its
// first_payment_intent_id. It returns the stored row and whether this call
// created it. ID and timestamps on sp are assigned here.
func (s *Store) CreateSplitPayment(ctx context.Context, sp *models.SplitPayment) (*models.SplitPayment, bool, error) {
	if sp.ID == "" {
		sp.ID = uuid.NewString()
	}
	if sp.SecondPaymentStatus == "" {
		sp.SecondPaymentStatus = models.SplitPaymentPending
	}

	query := `
INSERT INTO coaching_split_payments (
	id, customer_email, customer_name, stripe_customer_id, first_payment_intent_id,
	first_payment_date, first_payment_amount, second_payment_amount, second_payment_due_date,
	second_payment_status, tier, coach, six_month_commitment
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (first_payment_intent_id) DO NOTHING
RETURNING ` + splitPaymentColumns

	created, err := scanSplitPayment(s.db.QueryRowContext(ctx, query,
		sp.ID,
		sp.CustomerEmail,
		sp.CustomerName,
		sp.StripeCustomerID,
		sp.FirstPaymentIntentID,
		sp.FirstPaymentDate,
		sp.FirstPaymentAmount,
		sp.SecondPaymentAmount,
		sp.SecondPaymentDueDate,
		sp.SecondPaymentStatus,
		sp.Tier,
		sp.Coach,
		sp.SixMonthCommitment,
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("store: insert split payment: %w", err)
	}

	existing, err := s.FindSplitPaymentByFirstIntent(ctx, sp.FirstPaymentIntentID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("store: split payment for %s vanished after conflict", sp.FirstPaymentIntentID)
	}
	return existing, false, nil
}

// FindSplitPaymentByFirstIntent returns the split payment recorded for the
// given first payment intent, or nil if there is none.
func (s *Store) FindSplitPaymentByFirstIntent(ctx context.Context, paymentIntentID string) (*models.SplitPayment, error) {
	query := `SELECT ` + splitPaymentColumns + ` FROM coaching_split_payments WHERE first_payment_intent_id = $1`

	sp, err := scanSplitPayment(s.db.QueryRowContext(ctx, query, paymentIntentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find split payment by first intent: %w", err)
	}
	return sp, nil
}

// GetSplitPayment returns the split payment with id, or nil if there is none.
func (s *Store) GetSplitPayment(ctx context.Context, id string) (*models.SplitPayment, error) {
	query := `SELECT ` + splitPaymentColumns + ` FROM coaching_split_payments WHERE id = $1`

	sp, err := scanSplitPayment(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get split payment: %w", err)
	}
	return sp, nil
}

// MarkSplitPaymentCompleted records a collected second installment. A nil
// secondPaymentIntentID keeps whatever value was stored before.
func (s *Store) MarkSplitPaymentCompleted(ctx context.Context, id string, secondPaymentIntentID *string, paidAt time.Time) error {
	query := `
UPDATE coaching_split_payments
SET second_payment_status = 'completed',
	second_payment_date = $2,
	second_payment_intent_id = COALESCE($3, second_payment_intent_id),
	last_error = NULL,
	updated_at = now()
WHERE id = $1 AND second_payment_status <> 'completed'
	`

	result, err := s.db.ExecContext(ctx, query, id, paidAt, secondPaymentIntentID)
	if err != nil {
		return fmt.Errorf("store: complete split payment: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrSplitPaymentSettled
	}
	return nil
}

// MarkSplitPaymentFailed records a failed second installment attempt and
// returns the new retry count. The increment happens in the database.
func (s *Store) MarkSplitPaymentFailed(ctx context.Context, id, reason string) (int, error) {
	query := `
UPDATE coaching_split_payments
SET second_payment_status = 'failed',
	retry_count = retry_count + 1,
	last_error = $2,
	updated_at = now()
WHERE id = $1 AND second_payment_status <> 'completed'
RETURNING retry_count
	`

	var retryCount int
	err := s.db.QueryRowContext(ctx, query, id, reason).Scan(&retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrSplitPaymentSettled
	}
	if err != nil {
		return 0, fmt.Errorf("store: fail split payment: %w", err)
	}
	return retryCount, nil
}

// ListDueSplitPayments returns pending split payments whose second
// installment was due at or before asOf, oldest first.
func (s *Store) ListDueSplitPayments(ctx context.Context, asOf time.Time, limit int) ([]models.SplitPayment, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}

	query := `SELECT ` + splitPaymentColumns + `
FROM coaching_split_payments
WHERE second_payment_status = 'pending' AND second_payment_due_date <= $1
ORDER BY second_payment_due_date ASC
LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list due split payments: %w", err)
	}
	defer rows.Close()

	var out []models.SplitPayment
	for rows.Next() {
		sp, err := scanSplitPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan split payment: %w", err)
		}
		out = append(out, *sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate split payments: %w", err)
	}
	return out, nil
}

func scanSplitPayment(row rowScanner) (*models.SplitPayment, error) {
	var sp models.SplitPayment
	err := row.Scan(
		&sp.ID,
		&sp.CustomerEmail,
		&sp.CustomerName,
		&sp.StripeCustomerID,
		&sp.FirstPaymentIntentID,
		&sp.FirstPaymentDate,
		&sp.FirstPaymentAmount,
		&sp.SecondPaymentAmount,
		&sp.SecondPaymentDueDate,
		&sp.SecondPaymentStatus,
		&sp.SecondPaymentIntentID,
		&sp.SecondPaymentDate,
		&sp.Tier,
		&sp.Coach,
		&sp.SixMonthCommitment,
		&sp.RetryCount,
		&sp.LastError,
		&sp.CreatedAt,
		&sp.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sp, nil
}
