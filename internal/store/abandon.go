package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/boxing-coach/backend/internal/models"
)

// ErrAbandonAlreadyRecorded is returned when a recovery send was already
// recorded for the same payment intent.
var ErrAbandonAlreadyRecorded = errors.New("store: abandon webhook already recorded")

// AbandonSentToPhoneSince reports whether a recovery notification went to
// phone at or after since.
func (s *Store) AbandonSentToPhoneSince(ctx context.Context, phone string, since time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM abandon_webhooks_sent WHERE phone = $1 AND sent_at >= $2)`,
		phone, since,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: lookup abandon cooldown: %w", err)
	}
	return exists, nil
}

// AbandonSentForPaymentIntent reports whether a recovery notification was
// ever sent for paymentIntentID.
func (s *Store) AbandonSentForPaymentIntent(ctx context.Context, paymentIntentID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM abandon_webhooks_sent WHERE payment_intent_id = $1)`,
		paymentIntentID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: lookup abandon by payment intent: %w", err)
	}
	return exists, nil
}

// RecordAbandonSent stores a cooldown row for a recovery notification that
// was delivered.
func (s *Store) RecordAbandonSent(ctx context.Context, rec *models.AbandonWebhookSent) error {
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now().UTC()
	}

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO abandon_webhooks_sent (phone, email, payment_intent_id, sent_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		rec.Phone, rec.Email, rec.PaymentIntentID, rec.SentAt,
	).Scan(&rec.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAbandonAlreadyRecorded
		}
		return fmt.Errorf("store: record abandon webhook: %w", err)
	}
	return nil
}
