package signature

import (
	"errors"
	"fmt"
)

// ErrAuthentication matches every verification failure.
var ErrAuthentication = errors.New("webhook authentication failed")

// Reason classifies why a delivery was rejected. It is meant for logs and
// metrics only and must never reach the webhook caller.
type Reason string

const (
	ReasonMissingHeaders   Reason = "missing_headers"
	ReasonMissingSecret    Reason = "missing_secret"
	ReasonInvalidTimestamp Reason = "invalid_timestamp"
	ReasonStaleTimestamp   Reason = "stale_timestamp"
	ReasonFutureTimestamp  Reason = "future_timestamp"
	ReasonInvalidSignature Reason = "invalid_signature"
	ReasonMalformedPayload Reason = "malformed_payload"
)

// Configuration reports whether the failure is an operator problem rather
// than a bad or forged delivery.
func (r Reason) Configuration() bool {
	return r == ReasonMissingSecret
}

// AuthError is returned for every rejected delivery.
type AuthError struct {
	Reason Reason
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrAuthentication, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrAuthentication, e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == ErrAuthentication }

func authError(reason Reason, err error) error {
	return &AuthError{Reason: reason, Err: err}
}

// ReasonOf extracts the failure reason from err, or "" if err is not an AuthError.
func ReasonOf(err error) Reason {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Reason
	}
	return ""
}
