package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured matches every ConfigError.
	ErrNotConfigured = errors.New("relay not configured")
	// ErrDelivery matches every DeliveryError.
	ErrDelivery = errors.New("alert delivery failed")
)

// ConfigError reports a destination or setting missing at the point of use.
// It is an operator problem and is never worth retrying as is.
type ConfigError struct {
	Setting string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s is not set", ErrNotConfigured, e.Setting)
}

func (e *ConfigError) Is(target error) bool { return target == ErrNotConfigured }

// DeliveryError reports a failed POST to the chat webhook.
// StatusCode is zero when no response was received.
type DeliveryError struct {
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", ErrDelivery, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", ErrDelivery, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool { return target == ErrDelivery }

// StatusError is returned by HTTPSender when the webhook answers outside 2xx.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook responded %s", e.Status)
}
