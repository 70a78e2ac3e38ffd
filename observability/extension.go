// Package observability provides a metrics extension for Almoner that
// records lifecycle event counts through a MetricFactory.
package observability

import (
	"context"
	"time"

	"github.com/xraph/almoner/audit"
	"github.com/xraph/almoner/entitlement"
	"github.com/xraph/almoner/notify"
	"github.com/xraph/almoner/plugin"
	"github.com/xraph/almoner/request"
	"github.com/xraph/almoner/routing"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin              = (*MetricsExtension)(nil)
	_ plugin.OnInit              = (*MetricsExtension)(nil)
	_ plugin.OnRequestSubmitted  = (*MetricsExtension)(nil)
	_ plugin.OnRequestDecided    = (*MetricsExtension)(nil)
	_ plugin.OnCreditDebited     = (*MetricsExtension)(nil)
	_ plugin.OnEntitlementDenied = (*MetricsExtension)(nil)
	_ plugin.OnContention        = (*MetricsExtension)(nil)
	_ plugin.OnDelivery          = (*MetricsExtension)(nil)
	_ plugin.OnUsageFlushed      = (*MetricsExtension)(nil)
	_ plugin.OnAuditFailed       = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as an Almoner plugin to track requests, debits and deliveries.
type MetricsExtension struct {
	factory MetricFactory

	// Request metrics
	RequestSubmitted Counter
	RequestApproved  Counter
	RequestRejected  Counter
	RoutedAudiences  Histogram

	// Entitlement metrics
	CreditDebited        Counter
	CreditAmount         Histogram
	DeniedDisabled       Counter
	DeniedInsufficient   Counter
	EntitlementContended Counter
	ContentionAttempts   Histogram

	// Delivery metrics
	DeliveryDelivered Counter
	DeliveryDuplicate Counter
	DeliveryFailed    Counter

	// Usage metrics
	UsageEventsFlushed Counter
	UsageFlushLatency  Histogram

	// Error metrics
	AuditFailures Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use app.Metrics() in forge extensions, or NewPrometheusFactory standalone.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		// Request metrics
		RequestSubmitted: factory.Counter("almoner.request.submitted"),
		RequestApproved:  factory.Counter("almoner.request.approved"),
		RequestRejected:  factory.Counter("almoner.request.rejected"),
		RoutedAudiences:  factory.Histogram("almoner.request.routed_audiences"),

		// Entitlement metrics
		CreditDebited:        factory.Counter("almoner.credit.debited"),
		CreditAmount:         factory.Histogram("almoner.credit.amount"),
		DeniedDisabled:       factory.Counter("almoner.entitlement.denied.feature_disabled"),
		DeniedInsufficient:   factory.Counter("almoner.entitlement.denied.insufficient_credit"),
		EntitlementContended: factory.Counter("almoner.entitlement.contended"),
		ContentionAttempts:   factory.Histogram("almoner.entitlement.contention_attempts"),

		// Delivery metrics
		DeliveryDelivered: factory.Counter("almoner.delivery.delivered"),
		DeliveryDuplicate: factory.Counter("almoner.delivery.duplicate"),
		DeliveryFailed:    factory.Counter("almoner.delivery.failed"),

		// Usage metrics
		UsageEventsFlushed: factory.Counter("almoner.usage.events.flushed"),
		UsageFlushLatency:  factory.Histogram("almoner.usage.flush.latency_ms"),

		// Error metrics
		AuditFailures: factory.Counter("almoner.audit.failures"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	return nil
}

// ──────────────────────────────────────────────────
// Request lifecycle hooks
// ──────────────────────────────────────────────────

// OnRequestSubmitted implements plugin.OnRequestSubmitted.
func (m *MetricsExtension) OnRequestSubmitted(_ context.Context, _ *request.Request) error {
	m.RequestSubmitted.Inc()
	return nil
}

// OnRequestDecided implements plugin.OnRequestDecided.
func (m *MetricsExtension) OnRequestDecided(_ context.Context, r *request.Request, info routing.Info) error {
	switch r.Status {
	case request.StatusApproved:
		m.RequestApproved.Inc()
	case request.StatusRejected:
		m.RequestRejected.Inc()
	}
	m.RoutedAudiences.Observe(float64(len(info.Dashboards) + len(info.Notify)))
	return nil
}

// ──────────────────────────────────────────────────
// Entitlement lifecycle hooks
// ──────────────────────────────────────────────────

// OnCreditDebited implements plugin.OnCreditDebited.
func (m *MetricsExtension) OnCreditDebited(_ context.Context, receipt *entitlement.Receipt) error {
	m.CreditDebited.Inc()
	m.CreditAmount.Observe(float64(receipt.Amount))
	return nil
}

// OnEntitlementDenied implements plugin.OnEntitlementDenied.
func (m *MetricsExtension) OnEntitlementDenied(_ context.Context, _, _ string, reason entitlement.Reason) error {
	switch reason {
	case entitlement.ReasonFeatureDisabled:
		m.DeniedDisabled.Inc()
	case entitlement.ReasonInsufficientCredit:
		m.DeniedInsufficient.Inc()
	}
	return nil
}

// OnContention implements plugin.OnContention.
func (m *MetricsExtension) OnContention(_ context.Context, _ string, attempts int) error {
	m.EntitlementContended.Inc()
	m.ContentionAttempts.Observe(float64(attempts))
	return nil
}

// ──────────────────────────────────────────────────
// Delivery hooks
// ──────────────────────────────────────────────────

// OnDelivery implements plugin.OnDelivery.
func (m *MetricsExtension) OnDelivery(_ context.Context, _ string, outcome notify.Outcome) error {
	switch outcome.Status {
	case notify.OutcomeDelivered:
		m.DeliveryDelivered.Inc()
	case notify.OutcomeDuplicate:
		m.DeliveryDuplicate.Inc()
	case notify.OutcomeFailed:
		m.DeliveryFailed.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Usage and audit hooks
// ──────────────────────────────────────────────────

// OnUsageFlushed implements plugin.OnUsageFlushed.
func (m *MetricsExtension) OnUsageFlushed(_ context.Context, count int, elapsed time.Duration) error {
	m.UsageEventsFlushed.Add(float64(count))
	m.UsageFlushLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}

// OnAuditFailed implements plugin.OnAuditFailed.
func (m *MetricsExtension) OnAuditFailed(_ context.Context, _ *audit.Entry, _ error) error {
	m.AuditFailures.Inc()
	return nil
}
