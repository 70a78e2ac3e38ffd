// Package audithook bridges Almoner lifecycle events to an external audit
// trail backend.
//
// It defines a local Recorder interface so the package does not import a
// backend directly. Callers inject a RecorderFunc adapter at wiring time.
// The engine's own append-only audit log is written regardless; this hook
// forwards the same events, plus denials and failures, elsewhere.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/almoner/audit"
	"github.com/xraph/almoner/entitlement"
	"github.com/xraph/almoner/notify"
	"github.com/xraph/almoner/plugin"
	"github.com/xraph/almoner/request"
	"github.com/xraph/almoner/routing"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin              = (*Extension)(nil)
	_ plugin.OnRequestSubmitted  = (*Extension)(nil)
	_ plugin.OnRequestDecided    = (*Extension)(nil)
	_ plugin.OnCreditDebited     = (*Extension)(nil)
	_ plugin.OnEntitlementDenied = (*Extension)(nil)
	_ plugin.OnContention        = (*Extension)(nil)
	_ plugin.OnDelivery          = (*Extension)(nil)
	_ plugin.OnAuditFailed       = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a backend-neutral audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges Almoner lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Request lifecycle hooks
// ──────────────────────────────────────────────────

// OnRequestSubmitted implements plugin.OnRequestSubmitted.
func (e *Extension) OnRequestSubmitted(ctx context.Context, r *request.Request) error {
	return e.record(ctx, ActionRequestSubmitted, SeverityInfo, OutcomeSuccess,
		ResourceRequest, r.ID.String(), CategoryCase, nil,
		"kind", string(r.Kind),
		"submitter_id", r.SubmitterID,
	)
}

// OnRequestDecided implements plugin.OnRequestDecided.
func (e *Extension) OnRequestDecided(ctx context.Context, r *request.Request, info routing.Info) error {
	action := ActionRequestApproved
	if r.Status == request.StatusRejected {
		action = ActionRequestRejected
	}
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceRequest, r.ID.String(), CategoryCase, nil,
		"kind", string(r.Kind),
		"version", r.Version,
		"decided_by", r.DecidedBy,
		"dashboards", audienceNames(info.Dashboards),
		"notify", audienceNames(info.Notify),
	)
}

// ──────────────────────────────────────────────────
// Entitlement hooks
// ──────────────────────────────────────────────────

// OnCreditDebited implements plugin.OnCreditDebited.
func (e *Extension) OnCreditDebited(ctx context.Context, receipt *entitlement.Receipt) error {
	return e.record(ctx, ActionCreditDebited, SeverityInfo, OutcomeSuccess,
		ResourceAccount, receipt.AccountID.String(), CategoryAccess, nil,
		"feature_id", receipt.FeatureID.String(),
		"amount", receipt.Amount,
		"balance_after", receipt.BalanceAfter,
		"receipt_id", receipt.ID.String(),
	)
}

// OnEntitlementDenied implements plugin.OnEntitlementDenied.
func (e *Extension) OnEntitlementDenied(ctx context.Context, accountID, featureID string, reason entitlement.Reason) error {
	return e.record(ctx, ActionEntitlementDenied, SeverityWarning, OutcomeFailure,
		ResourceAccount, accountID, CategoryAccess, nil,
		"feature_id", featureID,
		"reason", string(reason),
	)
}

// OnContention implements plugin.OnContention.
func (e *Extension) OnContention(ctx context.Context, accountID string, attempts int) error {
	return e.record(ctx, ActionCreditContended, SeverityWarning, OutcomeFailure,
		ResourceAccount, accountID, CategoryAccess, nil,
		"attempts", attempts,
	)
}

// ──────────────────────────────────────────────────
// Delivery and audit hooks
// ──────────────────────────────────────────────────

// OnDelivery implements plugin.OnDelivery. Only failures are recorded.
func (e *Extension) OnDelivery(ctx context.Context, requestID string, outcome notify.Outcome) error {
	if outcome.Status != notify.OutcomeFailed {
		return nil
	}
	return e.record(ctx, ActionDeliveryFailed, SeverityError, OutcomeFailure,
		ResourceDelivery, requestID, CategoryDelivery, outcome.Err,
		"audience", string(outcome.Target.Audience),
		"channels", notify.JoinChannels(outcome.Target.Channels),
	)
}

// OnAuditFailed implements plugin.OnAuditFailed.
func (e *Extension) OnAuditFailed(ctx context.Context, entry *audit.Entry, err error) error {
	return e.record(ctx, ActionAuditWriteFailed, SeverityCritical, OutcomeFailure,
		ResourceAudit, entry.SubjectID, CategorySystem, err,
		"audit_action", entry.Action,
		"actor", entry.Actor,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

func audienceNames(s routing.Set) []string {
	names := make([]string, len(s))
	for i, a := range s {
		names[i] = string(a)
	}
	return names
}

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
