package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/almoner/audit"
	"github.com/xraph/almoner/entitlement"
	"github.com/xraph/almoner/notify"
	"github.com/xraph/almoner/request"
	"github.com/xraph/almoner/routing"
)

const defaultHookTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery so emitting an event never type-asserts.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit              []OnInit
	onShutdown          []OnShutdown
	onRequestSubmitted  []OnRequestSubmitted
	onRequestDecided    []OnRequestDecided
	onCreditDebited     []OnCreditDebited
	onEntitlementDenied []OnEntitlementDenied
	onContention        []OnContention
	onDelivery          []OnDelivery
	onUsageFlushed      []OnUsageFlushed
	onAuditFailed       []OnAuditFailed
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: defaultHookTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets how long a single hook may run.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	var hooks []string
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
		hooks = append(hooks, "OnInit")
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
		hooks = append(hooks, "OnShutdown")
	}
	if v, ok := p.(OnRequestSubmitted); ok {
		r.onRequestSubmitted = append(r.onRequestSubmitted, v)
		hooks = append(hooks, "OnRequestSubmitted")
	}
	if v, ok := p.(OnRequestDecided); ok {
		r.onRequestDecided = append(r.onRequestDecided, v)
		hooks = append(hooks, "OnRequestDecided")
	}
	if v, ok := p.(OnCreditDebited); ok {
		r.onCreditDebited = append(r.onCreditDebited, v)
		hooks = append(hooks, "OnCreditDebited")
	}
	if v, ok := p.(OnEntitlementDenied); ok {
		r.onEntitlementDenied = append(r.onEntitlementDenied, v)
		hooks = append(hooks, "OnEntitlementDenied")
	}
	if v, ok := p.(OnContention); ok {
		r.onContention = append(r.onContention, v)
		hooks = append(hooks, "OnContention")
	}
	if v, ok := p.(OnDelivery); ok {
		r.onDelivery = append(r.onDelivery, v)
		hooks = append(hooks, "OnDelivery")
	}
	if v, ok := p.(OnUsageFlushed); ok {
		r.onUsageFlushed = append(r.onUsageFlushed, v)
		hooks = append(hooks, "OnUsageFlushed")
	}
	if v, ok := p.(OnAuditFailed); ok {
		r.onAuditFailed = append(r.onAuditFailed, v)
		hooks = append(hooks, "OnAuditFailed")
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"hooks", hooks,
	)

	return nil
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// snapshot copies a hook slice under the read lock.
func snapshot[T any](r *Registry, hooks *[]T) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *hooks
}

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	for _, p := range snapshot(r, &r.onInit) {
		r.call(ctx, p.Name(), "OnInit", func() error {
			return p.OnInit(ctx, engine)
		})
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, p := range snapshot(r, &r.onShutdown) {
		r.call(ctx, p.Name(), "OnShutdown", func() error {
			return p.OnShutdown(ctx)
		})
	}
}

// EmitRequestSubmitted calls OnRequestSubmitted for all plugins that implement it.
func (r *Registry) EmitRequestSubmitted(ctx context.Context, req *request.Request) {
	for _, p := range snapshot(r, &r.onRequestSubmitted) {
		r.call(ctx, p.Name(), "OnRequestSubmitted", func() error {
			return p.OnRequestSubmitted(ctx, req)
		})
	}
}

// EmitRequestDecided calls OnRequestDecided for all plugins that implement it.
func (r *Registry) EmitRequestDecided(ctx context.Context, req *request.Request, info routing.Info) {
	for _, p := range snapshot(r, &r.onRequestDecided) {
		r.call(ctx, p.Name(), "OnRequestDecided", func() error {
			return p.OnRequestDecided(ctx, req, info)
		})
	}
}

// EmitCreditDebited calls OnCreditDebited for all plugins that implement it.
func (r *Registry) EmitCreditDebited(ctx context.Context, receipt *entitlement.Receipt) {
	for _, p := range snapshot(r, &r.onCreditDebited) {
		r.call(ctx, p.Name(), "OnCreditDebited", func() error {
			return p.OnCreditDebited(ctx, receipt)
		})
	}
}

// EmitEntitlementDenied calls OnEntitlementDenied for all plugins that implement it.
func (r *Registry) EmitEntitlementDenied(ctx context.Context, accountID, featureID string, reason entitlement.Reason) {
	for _, p := range snapshot(r, &r.onEntitlementDenied) {
		r.call(ctx, p.Name(), "OnEntitlementDenied", func() error {
			return p.OnEntitlementDenied(ctx, accountID, featureID, reason)
		})
	}
}

// EmitContention calls OnContention for all plugins that implement it.
func (r *Registry) EmitContention(ctx context.Context, accountID string, attempts int) {
	for _, p := range snapshot(r, &r.onContention) {
		r.call(ctx, p.Name(), "OnContention", func() error {
			return p.OnContention(ctx, accountID, attempts)
		})
	}
}

// EmitDelivery calls OnDelivery for all plugins that implement it.
func (r *Registry) EmitDelivery(ctx context.Context, requestID string, outcome notify.Outcome) {
	for _, p := range snapshot(r, &r.onDelivery) {
		r.call(ctx, p.Name(), "OnDelivery", func() error {
			return p.OnDelivery(ctx, requestID, outcome)
		})
	}
}

// EmitUsageFlushed calls OnUsageFlushed for all plugins that implement it.
func (r *Registry) EmitUsageFlushed(ctx context.Context, count int, elapsed time.Duration) {
	for _, p := range snapshot(r, &r.onUsageFlushed) {
		r.call(ctx, p.Name(), "OnUsageFlushed", func() error {
			return p.OnUsageFlushed(ctx, count, elapsed)
		})
	}
}

// EmitAuditFailed calls OnAuditFailed for all plugins that implement it.
func (r *Registry) EmitAuditFailed(ctx context.Context, entry *audit.Entry, err error) {
	for _, p := range snapshot(r, &r.onAuditFailed) {
		r.call(ctx, p.Name(), "OnAuditFailed", func() error {
			return p.OnAuditFailed(ctx, entry, err)
		})
	}
}

// call runs a hook with a timeout and logs its failure. Plugins never
// fail or block the operation that triggered them.
func (r *Registry) call(ctx context.Context, pluginName, hook string, fn func() error) {
	if err := r.callWithTimeout(ctx, pluginName, fn); err != nil {
		r.logger.Warn("plugin "+hook+" failed",
			"plugin", pluginName,
			"error", err,
		)
	}
}

// callWithTimeout calls a plugin function with a timeout.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
