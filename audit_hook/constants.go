package audithook

// Action constants for audit events.
const (
	// Request actions
	ActionRequestSubmitted = "request.submitted"
	ActionRequestApproved  = "request.approved"
	ActionRequestRejected  = "request.rejected"

	// Credit actions
	ActionCreditDebited     = "credit.debited"
	ActionEntitlementDenied = "entitlement.denied"
	ActionCreditContended   = "credit.contended"

	// Delivery actions
	ActionDeliveryFailed = "delivery.failed"

	// Audit log actions
	ActionAuditWriteFailed = "audit.write_failed"
)

// Resource constants for audit events.
const (
	ResourceRequest  = "request"
	ResourceAccount  = "account"
	ResourceDelivery = "delivery"
	ResourceAudit    = "audit"
)

// Category constants for audit events.
const (
	CategoryCase     = "case"
	CategoryAccess   = "access"
	CategoryDelivery = "delivery"
	CategorySystem   = "system"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
