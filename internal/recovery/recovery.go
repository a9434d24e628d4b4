// Package recovery runs the abandoned-cart workflow: a delayed check per
// checkout attempt that sends one recovery message through the automation
// webhook, plus an hourly sweep that catches attempts the check missed.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	stripeapi "github.com/stripe/stripe-go/v74"

	"github.com/PortNumber53/boxing-coach/backend/internal/automation"
	"github.com/PortNumber53/boxing-coach/backend/internal/checkout"
	"github.com/PortNumber53/boxing-coach/backend/internal/models"
	"github.com/PortNumber53/boxing-coach/backend/internal/notify"
	"github.com/PortNumber53/boxing-coach/backend/internal/store"
)

// Outcome is the terminal state of one evaluation.
type Outcome string

const (
	OutcomeSkippedTestAccount Outcome = "skipped_test_account"
	OutcomePaid               Outcome = "paid"
	OutcomeSkippedCooldown    Outcome = "skipped_cooldown"
	OutcomeWebhookFailed      Outcome = "webhook_failed"
	OutcomeRecovered          Outcome = "recovered"
)

var (
	// ErrInvalidCart is returned when a cart lacks the fields needed to
	// contact the customer.
	ErrInvalidCart = errors.New("recovery: invalid cart")
	// ErrWebhookFailed is returned when the automation webhook rejected the
	// recovery message.
	ErrWebhookFailed = errors.New("recovery: automation webhook failed")
)

const (
	sweepMinAge = time.Hour
	sweepMaxAge = 2 * time.Hour
)

// Gateway reads payment intents from the processor.
type Gateway interface {
	GetPaymentIntent(ctx context.Context, id string) (*stripeapi.PaymentIntent, error)
	ListPaymentIntents(ctx context.Context, from, to time.Time) ([]*stripeapi.PaymentIntent, error)
}

// CooldownStore records which contacts have been messaged.
type CooldownStore interface {
	AbandonSentToPhoneSince(ctx context.Context, phone string, since time.Time) (bool, error)
	AbandonSentForPaymentIntent(ctx context.Context, paymentIntentID string) (bool, error)
	RecordAbandonSent(ctx context.Context, rec *models.AbandonWebhookSent) error
}

// JobQueue enqueues durable jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, job *models.Job) error
}

// Sender delivers the recovery message.
type Sender interface {
	SendAbandon(ctx context.Context, p automation.AbandonPayload) error
}

// Notifier posts best-effort operations messages.
type Notifier interface {
	Notify(ctx context.Context, msg notify.Message)
}

// Config tunes the workflow.
type Config struct {
	Delay         time.Duration
	Cooldown      time.Duration
	SweepInterval time.Duration
	TestEmails    []string
	TestPhones    []string
	SiteBaseURL   string
}

// Deps wires a Workflow. Notifier is optional.
type Deps struct {
	Gateway  Gateway
	Cooldown CooldownStore
	Jobs     JobQueue
	Sender   Sender
	Notifier Notifier
	Config   Config
	Now      func() time.Time
}

// Workflow schedules and evaluates abandoned carts.
type Workflow struct {
	gateway  Gateway
	cooldown CooldownStore
	jobs     JobQueue
	sender   Sender
	notifier Notifier
	cfg      Config
	now      func() time.Time
	logger   zerolog.Logger

	testEmails map[string]struct{}
	testPhones map[string]struct{}
}

// New validates deps and returns a Workflow.
func New(deps Deps) (*Workflow, error) {
	if deps.Gateway == nil {
		return nil, errors.New("recovery: gateway cannot be nil")
	}
	if deps.Cooldown == nil {
		return nil, errors.New("recovery: cooldown store cannot be nil")
	}
	if deps.Jobs == nil {
		return nil, errors.New("recovery: job queue cannot be nil")
	}
	if deps.Sender == nil {
		return nil, errors.New("recovery: sender cannot be nil")
	}
	if deps.Config.Delay <= 0 {
		return nil, errors.New("recovery: delay must be positive")
	}
	if deps.Config.Cooldown <= 0 {
		return nil, errors.New("recovery: cooldown must be positive")
	}
	if deps.Config.SweepInterval <= 0 {
		deps.Config.SweepInterval = time.Hour
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	w := &Workflow{
		gateway:    deps.Gateway,
		cooldown:   deps.Cooldown,
		jobs:       deps.Jobs,
		sender:     deps.Sender,
		notifier:   deps.Notifier,
		cfg:        deps.Config,
		now:        now,
		logger:     log.With().Str("component", "recovery").Logger(),
		testEmails: map[string]struct{}{},
		testPhones: map[string]struct{}{},
	}
	w.cfg.SiteBaseURL = strings.TrimRight(w.cfg.SiteBaseURL, "/")
	for _, e := range deps.Config.TestEmails {
		if e = NormalizeEmail(e); e != "" {
			w.testEmails[e] = struct{}{}
		}
	}
	for _, p := range deps.Config.TestPhones {
		if p = NormalizePhone(p); p != "" {
			w.testPhones[p] = struct{}{}
		}
	}
	return w, nil
}

// Cart is one checkout attempt that may be abandoned.
type Cart struct {
	PaymentIntentID string `json:"paymentIntentId"`
	Name            string `json:"name"`
	Email           string `json:"email,omitempty"`
	Phone           string `json:"phone,omitempty"`
	Product         string `json:"product,omitempty"`
}

func (c Cart) normalized() Cart {
	c.PaymentIntentID = strings.TrimSpace(c.PaymentIntentID)
	c.Name = strings.TrimSpace(c.Name)
	c.Email = NormalizeEmail(c.Email)
	c.Phone = NormalizePhone(c.Phone)
	c.Product = strings.TrimSpace(c.Product)
	return c
}

func (c Cart) validate() error {
	switch {
	case c.PaymentIntentID == "":
		return fmt.Errorf("%w: paymentIntentId is required", ErrInvalidCart)
	case c.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidCart)
	case c.Email == "" && c.Phone == "":
		return fmt.Errorf("%w: email or phone is required", ErrInvalidCart)
	}
	return nil
}

func (c Cart) payload() models.JSONB {
	return models.JSONB{
		"payment_intent_id": c.PaymentIntentID,
		"name":              c.Name,
		"email":             c.Email,
		"phone":             c.Phone,
		"product":           c.Product,
	}
}

func cartFromPayload(p models.JSONB) Cart {
	return Cart{
		PaymentIntentID: p.String("payment_intent_id"),
		Name:            p.String("name"),
		Email:           p.String("email"),
		Phone:           p.String("phone"),
		Product:         p.String("product"),
	}
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizePhone reduces a phone number to +<digits>. Ten-digit numbers are
// assumed to be North American.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	switch {
	case digits == "":
		return ""
	case len(digits) == 10:
		return "+1" + digits
	default:
		return "+" + digits
	}
}

// IsTestAccount reports whether the cart belongs to an allowlisted test
// contact.
func (w *Workflow) IsTestAccount(c Cart) bool {
	c = c.normalized()
	if _, ok := w.testEmails[c.Email]; ok && c.Email != "" {
		return true
	}
	if _, ok := w.testPhones[c.Phone]; ok && c.Phone != "" {
		return true
	}
	return false
}

// RecoveryURL returns the checkout link carrying the cart's contact details.
func (w *Workflow) RecoveryURL(c Cart) string {
	q := url.Values{}
	for k, v := range map[string]string{"name": c.Name, "email": c.Email, "phone": c.Phone, "product": c.Product} {
		if v != "" {
			q.Set(k, v)
		}
	}
	u := w.cfg.SiteBaseURL + "/checkout"
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}

// Evaluate decides what to do with a cart once its delay has passed and
// sends the recovery message when needed.
func (w *Workflow) Evaluate(ctx context.Context, c Cart) (Outcome, error) {
	c = c.normalized()
	if err := c.validate(); err != nil {
		return "", err
	}
	logger := w.logger.With().Str("payment_intent_id", c.PaymentIntentID).Logger()

	if w.IsTestAccount(c) {
		logger.Debug().Msg("skipping test account")
		return OutcomeSkippedTestAccount, nil
	}

	pi, err := w.gateway.GetPaymentIntent(ctx, c.PaymentIntentID)
	if err != nil {
		return "", fmt.Errorf("recovery: load payment intent: %w", err)
	}
	if pi.Status == stripeapi.PaymentIntentStatusSucceeded {
		logger.Info().Msg("checkout completed during the wait")
		return OutcomePaid, nil
	}

	if c.Phone != "" {
		sent, err := w.cooldown.AbandonSentToPhoneSince(ctx, c.Phone, w.now().Add(-w.cfg.Cooldown))
		if err != nil {
			return "", err
		}
		if sent {
			logger.Info().Msg("phone is in cooldown")
			return OutcomeSkippedCooldown, nil
		}
	}
	sent, err := w.cooldown.AbandonSentForPaymentIntent(ctx, c.PaymentIntentID)
	if err != nil {
		return "", err
	}
	if sent {
		logger.Info().Msg("recovery already sent for payment intent")
		return OutcomeSkippedCooldown, nil
	}

	recoveryURL := w.RecoveryURL(c)
	err = w.sender.SendAbandon(ctx, automation.AbandonPayload{
		Name:            c.Name,
		Email:           c.Email,
		Phone:           c.Phone,
		PaymentIntentID: c.PaymentIntentID,
		Product:         c.Product,
		RecoveryURL:     recoveryURL,
	})
	if err != nil {
		logger.Error().Err(err).Msg("abandon webhook failed")
		return OutcomeWebhookFailed, fmt.Errorf("%w: %v", ErrWebhookFailed, err)
	}

	rec := &models.AbandonWebhookSent{
		Phone:           strPtr(c.Phone),
		Email:           strPtr(c.Email),
		PaymentIntentID: c.PaymentIntentID,
		SentAt:          w.now().UTC(),
	}
	if err := w.cooldown.RecordAbandonSent(ctx, rec); err != nil && !errors.Is(err, store.ErrAbandonAlreadyRecorded) {
		logger.Error().Err(err).Msg("recovery sent but cooldown was not recorded")
	}

	logger.Info().Str("recovery_url", recoveryURL).Msg("recovery message sent")
	if w.notifier != nil {
		w.notifier.Notify(ctx, notify.Message{
			Title: "Abandoned checkout follow-up sent",
			Fields: map[string]string{
				"name":    c.Name,
				"email":   c.Email,
				"phone":   c.Phone,
				"product": c.Product,
				"payment": c.PaymentIntentID,
			},
		})
	}
	return OutcomeRecovered, nil
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Checked   int            `json:"checked"`
	Outcomes  map[string]int `json:"outcomes"`
	Errors    int            `json:"errors"`
	FromTime  time.Time      `json:"from"`
	UntilTime time.Time      `json:"until"`
}

// Sweep evaluates every unpaid checkout created one to two hours ago that
// carries contact details. Individual failures are logged and counted.
func (w *Workflow) Sweep(ctx context.Context) (SweepResult, error) {
	now := w.now()
	res := SweepResult{
		Outcomes:  map[string]int{},
		FromTime:  now.Add(-sweepMaxAge),
		UntilTime: now.Add(-sweepMinAge),
	}
	intents, err := w.gateway.ListPaymentIntents(ctx, res.FromTime, res.UntilTime)
	if err != nil {
		return res, fmt.Errorf("recovery: list payment intents: %w", err)
	}

	for _, pi := range intents {
		if pi == nil || pi.Status == stripeapi.PaymentIntentStatusSucceeded || pi.Status == stripeapi.PaymentIntentStatusCanceled {
			continue
		}
		c, ok := cartFromIntent(pi)
		if !ok {
			continue
		}
		res.Checked++
		outcome, err := w.Evaluate(ctx, c)
		if err != nil {
			res.Errors++
			w.logger.Warn().Err(err).Str("payment_intent_id", pi.ID).Msg("sweep evaluation failed")
		}
		if outcome != "" {
			res.Outcomes[string(outcome)]++
		}
	}

	w.logger.Info().Int("listed", len(intents)).Int("checked", res.Checked).Int("errors", res.Errors).
		Msg("abandoned cart sweep finished")
	return res, nil
}

// cartFromIntent builds a cart from a funnel checkout. Off-session
// installment charges are not carts and are skipped.
func cartFromIntent(pi *stripeapi.PaymentIntent) (Cart, bool) {
	md := pi.Metadata
	if md[checkout.MetaPaymentNumber] == "2" || md[checkout.MetaFirstPaymentIntentID] != "" {
		return Cart{}, false
	}
	c := Cart{
		PaymentIntentID: pi.ID,
		Name:            md[checkout.MetaCustomerName],
		Email:           md[checkout.MetaCustomerEmail],
		Phone:           md[checkout.MetaCustomerPhone],
		Product:         md[checkout.MetaProductName],
	}
	c = c.normalized()
	return c, c.validate() == nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
