package store

import (
	"context"

	"github.com/xraph/almoner/account"
	"github.com/xraph/almoner/audit"
	"github.com/xraph/almoner/entitlement"
	"github.com/xraph/almoner/feature"
	"github.com/xraph/almoner/id"
	"github.com/xraph/almoner/meter"
	"github.com/xraph/almoner/notify"
	"github.com/xraph/almoner/request"
)

// Store is the unified storage interface for all Almoner records.
// Instead of embedding the sub-interfaces, we explicitly declare all methods
// so a backend can be checked against the whole surface in one place.
//
// SwapRequest and SwapAccount are conditional writes on (id, version):
// they fail with almoner.ErrConflict when the stored version differs from
// expectedVersion and with the record's not-found sentinel when it does
// not exist.
type Store interface {
	// Request methods
	CreateRequest(ctx context.Context, r *request.Request) error
	GetRequest(ctx context.Context, requestID id.RequestID) (*request.Request, error)
	SwapRequest(ctx context.Context, r *request.Request, expectedVersion int64) error
	ListRequests(ctx context.Context, opts request.ListOpts) ([]*request.Request, error)

	// Account methods
	CreateAccount(ctx context.Context, a *account.Account) error
	GetAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error)
	SwapAccount(ctx context.Context, a *account.Account, expectedVersion int64) error

	// Feature methods
	CreateFeature(ctx context.Context, f *feature.Feature) error
	GetFeature(ctx context.Context, featureID id.FeatureID) (*feature.Feature, error)
	UpdateFeature(ctx context.Context, f *feature.Feature) error

	// Usage methods
	RecordUsage(ctx context.Context, events []*meter.UsageEvent) error

	// Receipt methods
	CreateReceipt(ctx context.Context, r *entitlement.Receipt) error
	GetReceipt(ctx context.Context, receiptID id.ReceiptID) (*entitlement.Receipt, error)
	GetReceiptByKey(ctx context.Context, accountID id.AccountID, key string) (*entitlement.Receipt, error)
	UpdateReceipt(ctx context.Context, r *entitlement.Receipt) error
	DeleteReceipt(ctx context.Context, receiptID id.ReceiptID) error

	// Delivery methods
	ClaimDelivery(ctx context.Context, d *notify.Delivery) (*notify.Delivery, error)
	CompleteDelivery(ctx context.Context, d *notify.Delivery) error
	GetDelivery(ctx context.Context, deliveryID id.DeliveryID) (*notify.Delivery, error)
	ListDeliveries(ctx context.Context, requestID id.RequestID) ([]*notify.Delivery, error)

	// Audit methods
	AppendAudit(ctx context.Context, e *audit.Entry) error
	QueryAudit(ctx context.Context, q audit.Query) ([]*audit.Entry, error)

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// compile-time checks that the unified interface covers every record
// store the engine hands out.
var (
	_ request.Store     = Store(nil)
	_ account.Store     = Store(nil)
	_ feature.Store     = Store(nil)
	_ entitlement.Store = Store(nil)
	_ meter.Store       = Store(nil)
	_ notify.Store      = Store(nil)
	_ audit.Store       = Store(nil)
)
