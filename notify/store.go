package notify

import (
	"context"

	"github.com/xraph/almoner/id"
)

// Store persists delivery records.
//
// ClaimDelivery inserts d as pending. If a record with the same key exists
// and has failed, it is reclaimed: set back to pending with Attempts
// incremented, keeping its ID. If the existing record is pending or
// delivered, ClaimDelivery returns it with ErrAlreadyClaimed. The returned
// record is the one now stored.
type Store interface {
	ClaimDelivery(ctx context.Context, d *Delivery) (*Delivery, error)
	CompleteDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, deliveryID id.DeliveryID) (*Delivery, error)
	ListDeliveries(ctx context.Context, requestID id.RequestID) ([]*Delivery, error)
}
