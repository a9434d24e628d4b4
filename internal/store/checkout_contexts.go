package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/PortNumber53/boxing-coach/backend/internal/models"
)

// UpsertCheckoutContext stores the funnel context for a processor object.
// Later writes overwrite non-null fields and merge tracking keys.
func (s *Store) UpsertCheckoutContext(ctx context.Context, cc *models.CheckoutContext) error {
	if cc.ProcessorObjectID == "" {
		return errors.New("store: checkout context requires a processor object id")
	}

	query := `
INSERT INTO checkout_contexts (
	processor_object_id, funnel_type, customer_id, email, name, phone,
	tier, discount, coach, product_id, add_ons, tracking
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (processor_object_id) DO UPDATE SET
	funnel_type = COALESCE(NULLIF(EXCLUDED.funnel_type, ''), checkout_contexts.funnel_type),
	customer_id = COALESCE(EXCLUDED.customer_id, checkout_contexts.customer_id),
	email = COALESCE(EXCLUDED.email, checkout_contexts.email),
	name = COALESCE(EXCLUDED.name, checkout_contexts.name),
	phone = COALESCE(EXCLUDED.phone, checkout_contexts.phone),
	tier = COALESCE(EXCLUDED.tier, checkout_contexts.tier),
	discount = COALESCE(EXCLUDED.discount, checkout_contexts.discount),
	coach = COALESCE(EXCLUDED.coach, checkout_contexts.coach),
	product_id = COALESCE(EXCLUDED.product_id, checkout_contexts.product_id),
	add_ons = CASE WHEN cardinality(EXCLUDED.add_ons) > 0 THEN EXCLUDED.add_ons ELSE checkout_contexts.add_ons END,
	tracking = checkout_contexts.tracking || EXCLUDED.tracking,
	updated_at = now()
RETURNING created_at, updated_at`

	addOns := cc.AddOns
	if addOns == nil {
		addOns = []string{}
	}

	err := s.db.QueryRowContext(ctx, query,
		cc.ProcessorObjectID,
		cc.FunnelType,
		cc.CustomerID,
		cc.Email,
		cc.Name,
		cc.Phone,
		cc.Tier,
		cc.Discount,
		cc.Coach,
		cc.ProductID,
		pq.Array(addOns),
		cc.Tracking,
	).Scan(&cc.CreatedAt, &cc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert checkout context: %w", err)
	}
	return nil
}

// GetCheckoutContext returns the context for a processor object id, or nil.
func (s *Store) GetCheckoutContext(ctx context.Context, processorObjectID string) (*models.CheckoutContext, error) {
	query := `
SELECT processor_object_id, funnel_type, customer_id, email, name, phone,
	tier, discount, coach, product_id, add_ons, tracking, created_at, updated_at
FROM checkout_contexts
WHERE processor_object_id = $1`

	var cc models.CheckoutContext
	err := s.db.QueryRowContext(ctx, query, processorObjectID).Scan(
		&cc.ProcessorObjectID,
		&cc.FunnelType,
		&cc.CustomerID,
		&cc.Email,
		&cc.Name,
		&cc.Phone,
		&cc.Tier,
		&cc.Discount,
		&cc.Coach,
		&cc.ProductID,
		pq.Array(&cc.AddOns),
		&cc.Tracking,
		&cc.CreatedAt,
		&cc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get checkout context: %w", err)
	}
	return &cc, nil
}
