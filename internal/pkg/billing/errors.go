package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned when the webhook secret or gateway key is missing.
	ErrNotConfigured = errors.New("billing: not configured")
	// ErrInvalidSignature is returned for missing or mismatching webhook signatures.
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")

	ErrSubscriptionNotFound = errors.New("billing: subscription not found")
	ErrUserNotFound         = errors.New("billing: user not found")
	ErrInvoiceNotFound      = errors.New("billing: invoice not found")
	ErrCheckoutNotFound     = errors.New("billing: checkout session not found")

	// ErrInFlight signals that another delivery of the same event holds the claim.
	ErrInFlight = errors.New("billing: event is already being processed")
	// ErrInvalidTransition is returned when an explicit action is not allowed
	// from the subscription's current status.
	ErrInvalidTransition = errors.New("billing: subscription status does not allow this action")
)

// PermanentError wraps failures that cannot succeed on redelivery, such as a
// payload that does not decode. The retry wrapper stops on it.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as non-retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err or anything it wraps is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ValidationError carries per-field messages for malformed API bodies.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %d field(s)", len(e.Fields))
}
