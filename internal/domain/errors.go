package domain

import (
	"errors"
	"fmt"
)

var (
	ErrEventNotFound    = errors.New("event not found")
	ErrVersionConflict  = errors.New("event version conflict")
	ErrTriggerNotFound  = errors.New("trigger not found")
	ErrDuplicateTrigger = errors.New("active trigger already exists for event and type")

	// ErrClaimConflict means another executor holds (or just took) the claim.
	ErrClaimConflict = errors.New("trigger claim conflict")

	// ErrClaimExpired means the caller's claim token is no longer current.
	// It is a recovery signal, not a failure.
	ErrClaimExpired = errors.New("trigger claim expired")

	ErrAttemptsExceeded = errors.New("trigger attempts exceeded")
	ErrDownstreamNotify = errors.New("downstream notify failed")
)

// ConfigurationError rejects malformed event timing before anything is
// scheduled.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid event timing: %s: %s", e.Field, e.Message)
}

// TransientStoreError wraps a store failure that may succeed on retry.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientStoreError unless it is nil or one of
// the domain sentinels that must not be retried.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrEventNotFound, ErrVersionConflict, ErrTriggerNotFound, ErrDuplicateTrigger, ErrClaimConflict, ErrClaimExpired} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return &TransientStoreError{Op: op, Err: err}
}

func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

func IsTransient(err error) bool {
	var te *TransientStoreError
	return errors.As(err, &te)
}
