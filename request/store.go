package request

import (
	"context"

	"github.com/xraph/almoner/id"
)

// Store persists requests. Swap is a conditional write: it replaces the
// stored record only while its version still equals expectedVersion and
// CanReplace holds. A refused swap over a decided record is reported as
// almoner.ErrAlreadyDecided.
type Store interface {
	CreateRequest(ctx context.Context, r *Request) error
	GetRequest(ctx context.Context, requestID id.RequestID) (*Request, error)
	SwapRequest(ctx context.Context, r *Request, expectedVersion int64) error
	ListRequests(ctx context.Context, opts ListOpts) ([]*Request, error)
}

type ListOpts struct {
	Status      Status
	Kind        Kind
	SubmitterID string
	Limit       int
	Offset      int
}
