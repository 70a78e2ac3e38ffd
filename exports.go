package almoner

import (
	"github.com/xraph/almoner/account"
	"github.com/xraph/almoner/audit"
	"github.com/xraph/almoner/entitlement"
	"github.com/xraph/almoner/feature"
	"github.com/xraph/almoner/notify"
	"github.com/xraph/almoner/request"
	"github.com/xraph/almoner/routing"
	"github.com/xraph/almoner/types"
)

// Re-export common types so callers can work from the root package.

type (
	Entity      = types.Entity
	Request     = request.Request
	Account     = account.Account
	Feature     = feature.Feature
	Receipt     = entitlement.Receipt
	AuditEntry  = audit.Entry
	RoutingInfo = routing.Info
	Audience    = routing.Audience
	Deliverer   = notify.Deliverer
)

// Request kinds and statuses.
const (
	KindScholarship   = request.KindScholarship
	KindMaterials     = request.KindMaterials
	KindTuition       = request.KindTuition
	KindDonationMatch = request.KindDonationMatch

	StatusPending  = request.StatusPending
	StatusApproved = request.StatusApproved
	StatusRejected = request.StatusRejected
)

// NewEntity is re-exported from the types package.
var NewEntity = types.NewEntity
