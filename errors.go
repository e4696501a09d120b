package webpush

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for errors.Is() checks.
var (
	// ErrInvalidInput matches every *ValidationError. No network request was
	// attempted.
	ErrInvalidInput = errors.New("webpush: invalid input")

	// ErrCrypto matches every *CryptoError.
	ErrCrypto = errors.New("webpush: cryptographic failure")

	// ErrDelivery matches every *DeliveryError. A request was attempted.
	ErrDelivery = errors.New("webpush: delivery failed")
)

// ValidationError reports malformed or missing caller input.
type ValidationError struct {
	// Field names the offending input, e.g. "subscription.keys.p256dh".
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "webpush: " + e.Reason
	}
	return fmt.Sprintf("webpush: invalid %s: %s", e.Field, e.Reason)
}

// Is implements errors.Is for sentinel error matching.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// CryptoError reports a failure of key agreement, encryption or signing,
// such as key bytes of the right length that are not a valid curve point.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("webpush: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *CryptoError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for sentinel error matching.
func (e *CryptoError) Is(target error) bool {
	return target == ErrCrypto
}

// DeliveryError reports a non-2xx response from the push service or a
// transport failure. StatusCode is zero when no response was received.
type DeliveryError struct {
	Message    string
	StatusCode int
	Header     http.Header
	Body       string
	Endpoint   string
	// Err is the transport error, if any.
	Err error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		if e.Err != nil {
			return fmt.Sprintf("webpush: %s: push service returned %d: %v", e.Message, e.StatusCode, e.Err)
		}
		if e.Body != "" {
			return fmt.Sprintf("webpush: %s: push service returned %d: %s", e.Message, e.StatusCode, e.Body)
		}
		return fmt.Sprintf("webpush: %s: push service returned %d", e.Message, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("webpush: %s: %v", e.Message, e.Err)
	}
	return "webpush: " + e.Message
}

// Unwrap returns the underlying transport error.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for sentinel error matching.
func (e *DeliveryError) Is(target error) bool {
	return target == ErrDelivery
}
