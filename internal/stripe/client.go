// Package stripe adapts the Stripe SDK to the calls the checkout flows need.
// Every call carries the caller's context so request cancellation reaches
// the HTTP round trip.
package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	stripeapi "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"github.com/stripe/stripe-go/v74/webhook"
)

// Client wraps a Stripe API client.
type Client struct {
	api *client.API
}

// NewClient creates a new Stripe API client. backends may be nil to use the
// SDK defaults.
func NewClient(secretKey string, backends *stripeapi.Backends) *Client {
	api := &client.API{}
	api.Init(secretKey, backends)
	return &Client{api: api}
}

// CustomerInput holds the identity used when creating a customer.
type CustomerInput struct {
	Email    string
	Name     string
	Phone    string
	Metadata map[string]string
}

// CreateCustomer creates a new customer.
func (c *Client) CreateCustomer(ctx context.Context, in CustomerInput) (*stripeapi.Customer, error) {
	params := &stripeapi.CustomerParams{
		Email: stripeapi.String(in.Email),
		Name:  stripeapi.String(in.Name),
	}
	if in.Phone != "" {
		params.Phone = stripeapi.String(in.Phone)
	}
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	cust, err := c.api.Customers.New(params)
	if err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}
	log.Debug().Str("component", "stripe").Str("customer_id", cust.ID).Msg("created customer")
	return cust, nil
}

// GetCustomer retrieves a customer, including deleted customers.
func (c *Client) GetCustomer(ctx context.Context, id string) (*stripeapi.Customer, error) {
	params := &stripeapi.CustomerParams{}
	params.Context = ctx
	params.AddExpand("invoice_settings.default_payment_method")

	cust, err := c.api.Customers.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("get customer %s: %w", id, err)
	}
	return cust, nil
}

// SetDefaultPaymentMethod makes paymentMethodID the customer's invoice default.
func (c *Client) SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	params := &stripeapi.CustomerParams{
		InvoiceSettings: &stripeapi.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripeapi.String(paymentMethodID),
		},
	}
	params.Context = ctx

	if _, err := c.api.Customers.Update(customerID, params); err != nil {
		return fmt.Errorf("set default payment method for %s: %w", customerID, err)
	}
	return nil
}

// CreateCheckoutSession creates a hosted checkout session.
func (c *Client) CreateCheckoutSession(ctx context.Context, params *stripeapi.CheckoutSessionParams) (*stripeapi.CheckoutSession, error) {
	params.Context = ctx
	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return sess, nil
}

// GetPaymentIntent retrieves a payment intent.
func (c *Client) GetPaymentIntent(ctx context.Context, id string) (*stripeapi.PaymentIntent, error) {
	params := &stripeapi.PaymentIntentParams{}
	params.Context = ctx

	pi, err := c.api.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("get payment intent %s: %w", id, err)
	}
	return pi, nil
}

// CreatePaymentIntent creates a payment intent. Set an idempotency key on
// params for any call that charges.
func (c *Client) CreatePaymentIntent(ctx context.Context, params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error) {
	params.Context = ctx
	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	return pi, nil
}

// UpdatePaymentIntent updates amount and metadata on a payment intent.
func (c *Client) UpdatePaymentIntent(ctx context.Context, id string, params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error) {
	params.Context = ctx
	pi, err := c.api.PaymentIntents.Update(id, params)
	if err != nil {
		return nil, fmt.Errorf("update payment intent %s: %w", id, err)
	}
	return pi, nil
}

// ListPaymentIntents returns payment intents created in [from, to).
func (c *Client) ListPaymentIntents(ctx context.Context, from, to time.Time) ([]*stripeapi.PaymentIntent, error) {
	params := &stripeapi.PaymentIntentListParams{
		CreatedRange: &stripeapi.RangeQueryParams{
			GreaterThanOrEqual: from.Unix(),
			LesserThan:         to.Unix(),
		},
	}
	params.Context = ctx
	params.Limit = stripeapi.Int64(100)

	var out []*stripeapi.PaymentIntent
	iter := c.api.PaymentIntents.List(params)
	for iter.Next() {
		out = append(out, iter.PaymentIntent())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list payment intents: %w", err)
	}
	return out, nil
}

// ListSubscriptions returns the customer's non-canceled subscriptions on priceID.
func (c *Client) ListSubscriptions(ctx context.Context, customerID, priceID string) ([]*stripeapi.Subscription, error) {
	params := &stripeapi.SubscriptionListParams{
		Customer: stripeapi.String(customerID),
		Price:    stripeapi.String(priceID),
	}
	params.Context = ctx

	var out []*stripeapi.Subscription
	iter := c.api.Subscriptions.List(params)
	for iter.Next() {
		out = append(out, iter.Subscription())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions for %s: %w", customerID, err)
	}
	return out, nil
}

// CreateSubscription creates a subscription.
func (c *Client) CreateSubscription(ctx context.Context, params *stripeapi.SubscriptionParams) (*stripeapi.Subscription, error) {
	params.Context = ctx
	sub, err := c.api.Subscriptions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	log.Info().Str("component", "stripe").Str("subscription_id", sub.ID).Str("status", string(sub.Status)).
		Msg("created subscription")
	return sub, nil
}

// CreateSetupIntent creates a setup intent.
func (c *Client) CreateSetupIntent(ctx context.Context, params *stripeapi.SetupIntentParams) (*stripeapi.SetupIntent, error) {
	params.Context = ctx
	si, err := c.api.SetupIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("create setup intent: %w", err)
	}
	return si, nil
}

// GetSetupIntent retrieves a setup intent.
func (c *Client) GetSetupIntent(ctx context.Context, id string) (*stripeapi.SetupIntent, error) {
	params := &stripeapi.SetupIntentParams{}
	params.Context = ctx

	si, err := c.api.SetupIntents.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("get setup intent %s: %w", id, err)
	}
	return si, nil
}

// ConstructWebhookEvent verifies the Stripe-Signature header against secret
// and decodes the event.
func ConstructWebhookEvent(body []byte, signature, secret string) (stripeapi.Event, error) {
	event, err := webhook.ConstructEventWithOptions(body, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripeapi.Event{}, fmt.Errorf("verify webhook event: %w", err)
	}
	return event, nil
}
