package stripe

import (
	"errors"
	"fmt"
	"testing"

	stripeapi "github.com/stripe/stripe-go/v74"
)

func TestIsNotFound(t *testing.T) {
	missing := &stripeapi.Error{Code: stripeapi.ErrorCodeResourceMissing, HTTPStatusCode: 404}
	if !IsNotFound(fmt.Errorf("get payment intent pi_1: %w", missing)) {
		t.Fatal("expected wrapped resource_missing to be not found")
	}
	if IsNotFound(&stripeapi.Error{Type: stripeapi.ErrorTypeAPI, HTTPStatusCode: 500}) {
		t.Fatal("api error must not be not found")
	}
	if IsNotFound(errors.New("boom")) {
		t.Fatal("plain error must not be not found")
	}
}

func TestAsDecline(t *testing.T) {
	card := &stripeapi.Error{
		Type:        stripeapi.ErrorTypeCard,
		Code:        stripeapi.ErrorCodeCardDeclined,
		DeclineCode: stripeapi.DeclineCodeInsufficientFunds,
		Msg:         "Your card has insufficient funds.",
	}

	d, ok := AsDecline(fmt.Errorf("create payment intent: %w", card))
	if !ok {
		t.Fatal("expected card error to be a decline")
	}
	if d.Code != "card_declined" || d.DeclineCode != "insufficient_funds" {
		t.Fatalf("unexpected decline %+v", d)
	}

	if _, ok := AsDecline(&stripeapi.Error{Type: stripeapi.ErrorTypeInvalidRequest}); ok {
		t.Fatal("invalid request must not be a decline")
	}
}

func TestRejected(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"card decline", &stripeapi.Error{Type: stripeapi.ErrorTypeCard, HTTPStatusCode: 402}, true},
		{"invalid request", &stripeapi.Error{Type: stripeapi.ErrorTypeInvalidRequest, HTTPStatusCode: 400}, true},
		{"rate limited", &stripeapi.Error{Type: stripeapi.ErrorTypeInvalidRequest, HTTPStatusCode: 429}, true},
		{"idempotency conflict", &stripeapi.Error{Type: stripeapi.ErrorTypeIdempotency, HTTPStatusCode: 400}, false},
		{"lock conflict", &stripeapi.Error{Type: stripeapi.ErrorTypeInvalidRequest, HTTPStatusCode: 409}, false},
		{"api error", &stripeapi.Error{Type: stripeapi.ErrorTypeAPI, HTTPStatusCode: 500}, false},
		{"connection reset", errors.New("read tcp: connection reset by peer"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Rejected(fmt.Errorf("create payment intent: %w", tt.err)); got != tt.want {
				t.Fatalf("Rejected() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConstructWebhookEventRejectsBadSignature(t *testing.T) {
	if _, err := ConstructWebhookEvent([]byte(`{"id":"evt_1"}`), "t=1,v1=deadbeef", "whsec_test"); err == nil {
		t.Fatal("expected signature verification to fail")
	}
}

func TestIsIdempotencyConflict(t *testing.T) {
	if !IsIdempotencyConflict(fmt.Errorf("create subscription: %w", &stripeapi.Error{Type: stripeapi.ErrorTypeIdempotency})) {
		t.Fatal("expected idempotency_error to be a conflict")
	}
	if IsIdempotencyConflict(&stripeapi.Error{Type: stripeapi.ErrorTypeCard, HTTPStatusCode: 402}) {
		t.Fatal("card error must not be a conflict")
	}
}
