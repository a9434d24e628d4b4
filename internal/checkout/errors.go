package checkout

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to callers. Handlers map them to HTTP status codes.
var (
	ErrValidation = errors.New("checkout: validation failed")
	ErrNotFound   = errors.New("checkout: not found")
	ErrServer     = errors.New("checkout: server error")
)

// Error is a client-facing failure. Message is safe to return to the caller;
// Err carries internal detail for logs only.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// DeclinedError is a card decline on an off-session charge. Code and
// DeclineCode are the processor's and are returned to the caller.
type DeclinedError struct {
	Code        string
	DeclineCode string
	Message     string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("checkout: payment declined (%s/%s)", e.Code, e.DeclineCode)
}

func invalid(format string, args ...interface{}) error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func notFound(message string, cause error) error {
	return &Error{Kind: ErrNotFound, Message: message, Err: cause}
}

func internal(message string, cause error) error {
	return &Error{Kind: ErrServer, Message: message, Err: cause}
}

// PublicMessage returns the text that may be shown to a caller for err.
func PublicMessage(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Message
	}
	var de *DeclinedError
	if errors.As(err, &de) {
		if de.Message != "" {
			return de.Message
		}
		return "payment declined"
	}
	return "internal server error"
}
