package stripe

import (
	"errors"

	stripeapi "github.com/stripe/stripe-go/v74"
)

// Decline describes a card error returned by the processor.
type Decline struct {
	Code        string
	DeclineCode string
	Message     string
}

// IsNotFound reports whether err is the processor's resource_missing error.
func IsNotFound(err error) bool {
	var se *stripeapi.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == stripeapi.ErrorCodeResourceMissing || se.HTTPStatusCode == 404
}

// AsDecline extracts card-decline details from err.
func AsDecline(err error) (Decline, bool) {
	var se *stripeapi.Error
	if !errors.As(err, &se) || se.Type != stripeapi.ErrorTypeCard {
		return Decline{}, false
	}
	return Decline{
		Code:        string(se.Code),
		DeclineCode: string(se.DeclineCode),
		Message:     se.Msg,
	}, true
}

// Rejected reports whether err proves the processor refused the request
// without charging: a card error or a 4xx response other than an
// idempotency conflict. Network failures and 5xx responses are not
// rejections because the charge may have gone through.
func Rejected(err error) bool {
	var se *stripeapi.Error
	if !errors.As(err, &se) {
		return false
	}
	switch {
	case se.Type == stripeapi.ErrorTypeCard:
		return true
	case se.Type == stripeapi.ErrorTypeIdempotency, se.HTTPStatusCode == 409:
		return false
	}
	return se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500
}

// IsIdempotencyConflict reports whether the processor refused a request
// because its idempotency key was used with different parameters or is
// still in flight.
func IsIdempotencyConflict(err error) bool {
	var se *stripeapi.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Type == stripeapi.ErrorTypeIdempotency || se.HTTPStatusCode == 409
}
