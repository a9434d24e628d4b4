package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SplitPaymentStatus is the lifecycle state of the second installment.
type SplitPaymentStatus string

const (
	SplitPaymentPending   SplitPaymentStatus = "pending"
	SplitPaymentCompleted SplitPaymentStatus = "completed"
	SplitPaymentFailed    SplitPaymentStatus = "failed"
)

// SplitPaymentInterval is the gap between the first and second installment.
const SplitPaymentInterval = 30 * 24 * time.Hour

// SplitPayment is a row of coaching_split_payments: the commitment for the
// second of a two-installment coaching plan.
type SplitPayment struct {
	ID                    string             `json:"id"`
	CustomerEmail         string             `json:"customer_email"`
	CustomerName          string             `json:"customer_name"`
	StripeCustomerID      string             `json:"stripe_customer_id"`
	FirstPaymentIntentID  string             `json:"first_payment_intent_id"`
	FirstPaymentDate      time.Time          `json:"first_payment_date"`
	FirstPaymentAmount    decimal.Decimal    `json:"first_payment_amount"`
	SecondPaymentAmount   decimal.Decimal    `json:"second_payment_amount"`
	SecondPaymentDueDate  time.Time          `json:"second_payment_due_date"`
	SecondPaymentStatus   SplitPaymentStatus `json:"second_payment_status"`
	SecondPaymentIntentID *string            `json:"second_payment_intent_id,omitempty"`
	SecondPaymentDate     *time.Time         `json:"second_payment_date,omitempty"`
	Tier                  string             `json:"tier"`
	Coach                 *string            `json:"coach,omitempty"`
	SixMonthCommitment    bool               `json:"six_month_commitment"`
	RetryCount            int                `json:"retry_count"`
	LastError             *string            `json:"last_error,omitempty"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

// AbandonWebhookSent records one recovery notification that was actually sent.
// Rows are only read back as a cooldown key.
type AbandonWebhookSent struct {
	ID              int64     `json:"id"`
	Phone           *string   `json:"phone,omitempty"`
	Email           *string   `json:"email,omitempty"`
	PaymentIntentID string    `json:"payment_intent_id"`
	SentAt          time.Time `json:"sent_at"`
}

// AttemptStatus is the state of a second-installment charge reservation.
type AttemptStatus string

const (
	AttemptProcessing AttemptStatus = "processing"
	AttemptSucceeded  AttemptStatus = "succeeded"
	AttemptFailed     AttemptStatus = "failed"
)

// SecondPaymentAttempt is a reservation taken before charging a second
// installment. IdempotencyKey is also sent to the processor.
type SecondPaymentAttempt struct {
	IdempotencyKey       string        `json:"idempotency_key"`
	FirstPaymentIntentID *string       `json:"first_payment_intent_id,omitempty"`
	CustomerID           string        `json:"customer_id"`
	AmountCents          int64         `json:"amount_cents"`
	Status               AttemptStatus `json:"status"`
	PaymentIntentID      *string       `json:"payment_intent_id,omitempty"`
	LastError            *string       `json:"last_error,omitempty"`
	Attempts             int           `json:"attempts"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// CheckoutContext is the typed funnel context for one processor object
// (checkout session, payment intent or setup intent).
type CheckoutContext struct {
	ProcessorObjectID string    `json:"processor_object_id"`
	FunnelType        string    `json:"funnel_type"`
	CustomerID        *string   `json:"customer_id,omitempty"`
	Email             *string   `json:"email,omitempty"`
	Name              *string   `json:"name,omitempty"`
	Phone             *string   `json:"phone,omitempty"`
	Tier              *string   `json:"tier,omitempty"`
	Discount          *string   `json:"discount,omitempty"`
	Coach             *string   `json:"coach,omitempty"`
	ProductID         *string   `json:"product_id,omitempty"`
	AddOns            []string  `json:"add_ons"`
	Tracking          JSONB     `json:"tracking"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
