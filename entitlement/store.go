package entitlement

import (
	"context"

	"github.com/xraph/almoner/id"
)

// Store persists receipts. CreateReceipt fails with an already-exists
// error when a receipt with the same (AccountID, IdempotencyKey) exists,
// which is how keyed debits are claimed.
type Store interface {
	CreateReceipt(ctx context.Context, r *Receipt) error
	GetReceipt(ctx context.Context, receiptID id.ReceiptID) (*Receipt, error)
	GetReceiptByKey(ctx context.Context, accountID id.AccountID, key string) (*Receipt, error)
	UpdateReceipt(ctx context.Context, r *Receipt) error
	DeleteReceipt(ctx context.Context, receiptID id.ReceiptID) error
}
