package funnel

import (
	"errors"
	"fmt"
)

// Reason codes carried by ConfigurationError.
const (
	ReasonDirectionNotFound = "direction_not_found"
	ReasonDirectionDisabled = "direction_disabled"
	ReasonDirectionMissing  = "direction_unlinked"
	ReasonSourceMismatch    = "source_mismatch"
	ReasonEmptyTriggers     = "empty_triggers"
	ReasonBadTriggers       = "invalid_triggers"
)

// ConfigurationError means a direction cannot produce signals as configured.
// It results in a skipped outcome and is not retried until the config changes.
type ConfigurationError struct {
	DirectionID uint
	Reason      string
	Detail      string
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("funnel: direction %d: %s", e.DirectionID, e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// IsConfigurationError reports whether err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// DeliveryError means the conversion API rejected the event or could not be
// reached. The sent flag has been reverted by the time callers see it.
type DeliveryError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("funnel: delivery failed: %v", e.Err)
	}
	return fmt.Sprintf("funnel: delivery failed: status %d: %s", e.StatusCode, e.Body)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

var (
	// ErrAlreadySent is the dedup short-circuit. It is not a failure.
	ErrAlreadySent = errors.New("funnel: level already sent")

	// ErrLevel1Required means a level 2/3 claim was refused because level 1
	// has not been sent in this epoch.
	ErrLevel1Required = errors.New("funnel: level 1 not yet sent")
)
