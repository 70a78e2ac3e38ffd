package account

import (
	"context"

	"github.com/xraph/almoner/id"
)

// Store persists accounts. SwapAccount replaces the stored record only
// while its version still equals expectedVersion.
type Store interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, accountID id.AccountID) (*Account, error)
	SwapAccount(ctx context.Context, a *Account, expectedVersion int64) error
}
