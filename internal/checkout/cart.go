package checkout

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
	stripeapi "github.com/stripe/stripe-go/v74"

	"github.com/PortNumber53/boxing-coach/backend/internal/catalog"
)

// UpdateCheckoutRequest changes the product and add-ons on an open payment
// intent.
type UpdateCheckoutRequest struct {
	PaymentIntentID string            `json:"paymentIntentId"`
	ProductID       string            `json:"productId"`
	Currency        string            `json:"currency,omitempty"`
	AddOns          []string          `json:"addOns,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// LineItem is one priced entry on an updated checkout.
type LineItem struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Amount decimal.Decimal `json:"amount"`
}

// UpdateCheckoutResult is the recomputed checkout.
type UpdateCheckoutResult struct {
	PaymentIntentID string          `json:"paymentIntentId"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	LineItems       []LineItem      `json:"lineItems"`
}

// UpdateCheckout recomputes the payment intent amount from the catalog as
// the main product plus every valid add-on, and merges new line-item
// descriptors into the existing metadata. Add-ons that are unknown, not
// offered with the product, or unpriced in the currency are skipped.
func (s *Service) UpdateCheckout(ctx context.Context, req UpdateCheckoutRequest) (*UpdateCheckoutResult, error) {
	if err := requireFields("paymentIntentId", req.PaymentIntentID, "productId", req.ProductID); err != nil {
		return nil, err
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "usd"
	}

	pi, err := s.gateway.GetPaymentIntent(ctx, req.PaymentIntentID)
	if err != nil {
		return nil, gatewayError("payment intent", err)
	}
	if pi.Status == stripeapi.PaymentIntentStatusSucceeded || pi.Status == stripeapi.PaymentIntentStatusCanceled {
		return nil, invalid("payment can no longer be changed (status %s)", pi.Status)
	}

	product, err := s.catalog.Product(req.ProductID)
	if err != nil {
		return nil, internal("product not found", err)
	}
	base, err := product.Price(currency)
	if err != nil {
		return nil, invalid("product %s is not sold in %s", product.Key, strings.ToUpper(currency))
	}

	items := []LineItem{{ID: product.Key, Name: product.Name, Amount: base}}
	total := base
	var applied []string
	for _, key := range req.AddOns {
		addOn, ok := s.catalog.AddOn(key)
		if !ok || !product.OffersAddOn(key) {
			s.logger.Debug().Str("add_on", key).Str("product", product.Key).Msg("skipping add-on not offered")
			continue
		}
		price, err := addOn.Price(currency)
		if err != nil {
			s.logger.Debug().Str("add_on", key).Str("currency", currency).Msg("skipping add-on without price")
			continue
		}
		items = append(items, LineItem{ID: addOn.Key, Name: addOn.Name, Amount: price})
		total = total.Add(price)
		applied = append(applied, addOn.Key)
	}

	update := Metadata{}
	for k, v := range req.Metadata {
		update.Set(k, v)
	}
	update[MetaProductID] = product.Key
	update[MetaProductName] = truncate(product.Name, maxMetadataValue)
	update[MetaAddOnsIncluded] = strings.Join(applied, ",")
	update[MetaLineItems] = encodeLineItems(items)
	merged := Metadata(pi.Metadata).Merge(update)

	params := &stripeapi.PaymentIntentParams{
		Amount:   stripeapi.Int64(catalog.MinorUnits(total)),
		Currency: stripeapi.String(currency),
	}
	for k, v := range merged {
		params.AddMetadata(k, v)
	}

	updated, err := s.gateway.UpdatePaymentIntent(ctx, pi.ID, params)
	if err != nil {
		return nil, gatewayError("payment intent", err)
	}

	s.logger.Info().Str("payment_intent_id", pi.ID).Str("product", product.Key).Strs("add_ons", applied).
		Str("amount", total.StringFixed(2)).Msg("updated checkout")
	s.saveContext(ctx, contextFromMetadata(pi.ID, customerID(updated.Customer), merged, applied, Tracking{}))

	return &UpdateCheckoutResult{
		PaymentIntentID: updated.ID,
		Amount:          total,
		Currency:        currency,
		LineItems:       items,
	}, nil
}

// encodeLineItems renders items compactly enough to fit in one metadata value.
func encodeLineItems(items []LineItem) string {
	type compact struct {
		ID     string `json:"id"`
		Amount string `json:"amount"`
	}
	out := make([]compact, 0, len(items))
	for _, it := range items {
		out = append(out, compact{ID: it.ID, Amount: it.Amount.StringFixed(2)})
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return ""
	}
	return truncate(string(raw), maxMetadataValue)
}
