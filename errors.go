package almoner

import (
	"errors"
	"fmt"

	"github.com/xraph/almoner/entitlement"
	"github.com/xraph/almoner/notify"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("almoner: not found")
	ErrAlreadyExists = errors.New("almoner: already exists")
	ErrInvalidInput  = errors.New("almoner: invalid input")

	// Ledger errors
	ErrRequestNotFound = errors.New("almoner: request not found")
	ErrAccountNotFound = errors.New("almoner: account not found")
	ErrConflict        = errors.New("almoner: version conflict")
	ErrAlreadyDecided  = errors.New("almoner: request already decided")

	// Entitlement errors
	ErrFeatureNotFound    = errors.New("almoner: feature not found")
	ErrFeatureDisabled    = errors.New("almoner: feature disabled")
	ErrInsufficientCredit = errors.New("almoner: insufficient credit")
	ErrContention         = errors.New("almoner: account contention, retry later")
	ErrReceiptNotFound    = errors.New("almoner: receipt not found")

	// Dispatch errors
	ErrDeliveryNotFound = errors.New("almoner: delivery not found")
	ErrNoDeliverer      = errors.New("almoner: no deliverer configured")

	// Store errors
	ErrStoreClosed     = errors.New("almoner: store is closed")
	ErrMigrationFailed = errors.New("almoner: migration failed")
)

// ValidationError represents malformed input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("almoner: validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

func invalid(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

// ConflictError reports a lost optimistic-concurrency race or an attempt
// to mutate a terminal request. Callers must re-read before retrying.
type ConflictError struct {
	Resource        string
	ID              string
	ExpectedVersion int64
	Reason          error
}

func (e *ConflictError) Error() string {
	if errors.Is(e.Reason, ErrAlreadyDecided) {
		return fmt.Sprintf("almoner: %s %s is already decided", e.Resource, e.ID)
	}
	return fmt.Sprintf("almoner: %s %s changed since version %d", e.Resource, e.ID, e.ExpectedVersion)
}

func (e *ConflictError) Unwrap() []error {
	if e.Reason != nil && e.Reason != ErrConflict {
		return []error{ErrConflict, e.Reason}
	}
	return []error{ErrConflict}
}

// ContentionError means the entitlement gate ran out of retries against
// concurrent writers. The caller may retry later.
type ContentionError struct {
	AccountID string
	Attempts  int
}

func (e *ContentionError) Error() string {
	if e.Attempts == 0 {
		return fmt.Sprintf("almoner: account %s has a debit in flight for this idempotency key", e.AccountID)
	}
	return fmt.Sprintf("almoner: account %s still contended after %d attempts", e.AccountID, e.Attempts)
}

func (e *ContentionError) Unwrap() error { return ErrContention }

// EntitlementError is a deterministic denial by the entitlement gate.
type EntitlementError struct {
	AccountID string
	FeatureID string
	Reason    entitlement.Reason
	Required  int64
	Available int64
}

func (e *EntitlementError) Error() string {
	if e.Reason == entitlement.ReasonInsufficientCredit {
		return fmt.Sprintf("almoner: feature %s denied for account %s: %s (required %d, available %d)",
			e.FeatureID, e.AccountID, e.Reason, e.Required, e.Available)
	}
	return fmt.Sprintf("almoner: feature %s denied for account %s: %s", e.FeatureID, e.AccountID, e.Reason)
}

func (e *EntitlementError) Unwrap() error {
	switch e.Reason {
	case entitlement.ReasonFeatureDisabled:
		return ErrFeatureDisabled
	case entitlement.ReasonInsufficientCredit:
		return ErrInsufficientCredit
	default:
		return nil
	}
}

// DispatchError reports a failed delivery to one audience.
type DispatchError = notify.DispatchError

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrRequestNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrFeatureNotFound) ||
		errors.Is(err, ErrReceiptNotFound) ||
		errors.Is(err, ErrDeliveryNotFound)
}

// IsConflict returns true if the error is a version conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsEntitlementDenied returns true if the entitlement gate refused the use.
func IsEntitlementDenied(err error) bool {
	return errors.Is(err, ErrFeatureDisabled) ||
		errors.Is(err, ErrInsufficientCredit)
}

// IsRetryable returns true if the error is temporary and the operation can
// be retried. Version conflicts are retryable after re-reading; a request
// that is already decided is not.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrContention) ||
		(errors.Is(err, ErrConflict) && !errors.Is(err, ErrAlreadyDecided))
}
