// Package plugin provides an extensible plugin system for Almoner.
// Plugins hook into lifecycle events of requests, debits and deliveries.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/almoner/audit"
	"github.com/xraph/almoner/entitlement"
	"github.com/xraph/almoner/notify"
	"github.com/xraph/almoner/request"
	"github.com/xraph/almoner/routing"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts. engine is the *almoner.Engine.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Request hooks
// ──────────────────────────────────────────────────

// OnRequestSubmitted is called after a request is created.
type OnRequestSubmitted interface {
	Plugin
	OnRequestSubmitted(ctx context.Context, r *request.Request) error
}

// OnRequestDecided is called after a decision is committed.
type OnRequestDecided interface {
	Plugin
	OnRequestDecided(ctx context.Context, r *request.Request, info routing.Info) error
}

// ──────────────────────────────────────────────────
// Entitlement hooks
// ──────────────────────────────────────────────────

// OnCreditDebited is called after a debit is committed.
type OnCreditDebited interface {
	Plugin
	OnCreditDebited(ctx context.Context, receipt *entitlement.Receipt) error
}

// OnEntitlementDenied is called when the gate refuses a feature use.
type OnEntitlementDenied interface {
	Plugin
	OnEntitlementDenied(ctx context.Context, accountID, featureID string, reason entitlement.Reason) error
}

// OnContention is called when a debit runs out of retries.
type OnContention interface {
	Plugin
	OnContention(ctx context.Context, accountID string, attempts int) error
}

// ──────────────────────────────────────────────────
// Delivery hooks
// ──────────────────────────────────────────────────

// OnDelivery is called once per target after a dispatch.
type OnDelivery interface {
	Plugin
	OnDelivery(ctx context.Context, requestID string, outcome notify.Outcome) error
}

// ──────────────────────────────────────────────────
// Usage hooks
// ──────────────────────────────────────────────────

// OnUsageFlushed is called when usage events are flushed to the store.
type OnUsageFlushed interface {
	Plugin
	OnUsageFlushed(ctx context.Context, count int, elapsed time.Duration) error
}

// ──────────────────────────────────────────────────
// Audit hooks
// ──────────────────────────────────────────────────

// OnAuditFailed is called when an audit entry could not be stored.
type OnAuditFailed interface {
	Plugin
	OnAuditFailed(ctx context.Context, entry *audit.Entry, err error) error
}
