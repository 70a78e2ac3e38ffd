// Package entitlement holds the records produced by the entitlement gate.
package entitlement

import (
	"time"

	"github.com/xraph/almoner/id"
	"github.com/xraph/almoner/types"
)

// Reason explains why an entitlement check was denied.
type Reason string

const (
	ReasonFeatureDisabled    Reason = "feature_disabled"
	ReasonInsufficientCredit Reason = "insufficient_credit"
)

// ReceiptStatus tracks a receipt through a keyed debit.
type ReceiptStatus string

const (
	// ReceiptPending marks a claimed idempotency key whose debit has not
	// committed yet.
	ReceiptPending ReceiptStatus = "pending"
	// ReceiptSettled marks a committed debit.
	ReceiptSettled ReceiptStatus = "settled"
)

// Receipt records one successful debit of an account for a feature.
type Receipt struct {
	types.Entity
	ID             id.ReceiptID  `json:"id"`
	AccountID      id.AccountID  `json:"account_id"`
	FeatureID      id.FeatureID  `json:"feature_id"`
	Amount         int64         `json:"amount"`
	BalanceAfter   int64         `json:"balance_after"`
	AccountVersion int64         `json:"account_version"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Status         ReceiptStatus `json:"status"`
	SettledAt      *time.Time    `json:"settled_at,omitempty"`

	// Replayed is set on receipts returned for a repeated idempotency key.
	// It is never persisted.
	Replayed bool `json:"replayed,omitempty"`
}

// IsSettled reports whether the debit behind the receipt committed.
func (r *Receipt) IsSettled() bool {
	return r.Status == ReceiptSettled
}
