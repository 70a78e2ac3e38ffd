package almoner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/xraph/almoner/audit"
	"github.com/xraph/almoner/meter"
	"github.com/xraph/almoner/notify"
	"github.com/xraph/almoner/plugin"
	"github.com/xraph/almoner/store"
	"github.com/xraph/almoner/types"
)

const (
	defaultDebitRetries        = 5
	defaultDebitInitialBackoff = 5 * time.Millisecond
	defaultDebitMaxBackoff     = 100 * time.Millisecond
	defaultMeterBatchSize      = 100
	defaultMeterFlushInterval  = 5 * time.Second
	defaultMeterBufferSize     = 10000
	defaultDispatchConcurrency = 8
)

// Engine is the request lifecycle and entitlement engine.
type Engine struct {
	store      store.Store
	ledger     *Ledger
	audit      *audit.Log
	dispatcher *notify.Dispatcher
	plugins    *plugin.Registry
	logger     *slog.Logger
	clock      types.Clock

	// Dispatch
	deliverer           notify.Deliverer
	deliveries          notify.Store
	dispatchConcurrency int

	// Entitlement gate
	debitRetries        int
	debitInitialBackoff time.Duration
	debitMaxBackoff     time.Duration

	// Background workers
	meterBuffer chan *meter.UsageEvent
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	// Configuration
	meterBatchSize     int
	meterFlushInterval time.Duration
}

// New creates a new Engine over s.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:               s,
		plugins:             plugin.NewRegistry(),
		logger:              slog.Default(),
		clock:               types.SystemClock,
		dispatchConcurrency: defaultDispatchConcurrency,
		debitRetries:        defaultDebitRetries,
		debitInitialBackoff: defaultDebitInitialBackoff,
		debitMaxBackoff:     defaultDebitMaxBackoff,
		meterBuffer:         make(chan *meter.UsageEvent, defaultMeterBufferSize),
		stopChan:            make(chan struct{}),
		meterBatchSize:      defaultMeterBatchSize,
		meterFlushInterval:  defaultMeterFlushInterval,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.deliveries == nil {
		e.deliveries = s
	}

	e.ledger = NewLedger(s, e.clock)
	e.audit = audit.NewLog(s,
		audit.WithLogger(e.logger),
		audit.WithClock(e.clock),
		audit.WithFailureHandler(e.plugins.EmitAuditFailed),
	)
	if e.deliverer != nil {
		e.dispatcher = notify.NewDispatcher(e.deliveries, e.deliverer,
			notify.WithLogger(e.logger),
			notify.WithClock(e.clock),
			notify.WithConcurrency(e.dispatchConcurrency),
		)
	}

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithDeliverer enables dispatch of decisions through d.
func WithDeliverer(d notify.Deliverer) Option {
	return func(e *Engine) {
		e.deliverer = d
	}
}

// WithDeliveryStore keeps delivery records in ds instead of the main
// store, e.g. a shared Redis claim store.
func WithDeliveryStore(ds notify.Store) Option {
	return func(e *Engine) {
		e.deliveries = ds
	}
}

// WithDispatchConcurrency bounds how many audiences are delivered to at once.
func WithDispatchConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.dispatchConcurrency = n
		}
	}
}

// WithMeterConfig configures usage metering parameters.
func WithMeterConfig(batchSize int, flushInterval time.Duration) Option {
	return func(e *Engine) {
		if batchSize > 0 {
			e.meterBatchSize = batchSize
		}
		if flushInterval > 0 {
			e.meterFlushInterval = flushInterval
		}
	}
}

// WithMeterBufferSize sets how many usage events may wait for a flush.
func WithMeterBufferSize(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.meterBuffer = make(chan *meter.UsageEvent, n)
		}
	}
}

// WithDebitRetries sets how many read-check-swap attempts a debit makes
// before failing with a ContentionError.
func WithDebitRetries(attempts int) Option {
	return func(e *Engine) {
		if attempts > 0 {
			e.debitRetries = attempts
		}
	}
}

// WithDebitBackoff sets the jittered exponential wait between debit attempts.
func WithDebitBackoff(initial, maxInterval time.Duration) Option {
	return func(e *Engine) {
		e.debitInitialBackoff = initial
		e.debitMaxBackoff = maxInterval
	}
}

// WithClock sets the clock used for record timestamps.
func WithClock(clock types.Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// Start migrates the store and begins background workers.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Migrate(ctx); err != nil {
		return err
	}

	e.plugins.EmitInit(ctx, e)

	e.wg.Add(1)
	go e.meterFlushWorker(context.WithoutCancel(ctx))

	e.logger.Info("almoner started",
		"batch_size", e.meterBatchSize,
		"flush_interval", e.meterFlushInterval,
		"debit_retries", e.debitRetries,
		"dispatch", e.dispatcher != nil,
	)

	return nil
}

// Stop drains pending usage, shuts plugins down and closes the store.
func (e *Engine) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		close(e.stopChan)
		e.wg.Wait()

		ctx := context.Background()
		e.drainMeterBuffer(ctx)
		e.plugins.EmitShutdown(ctx)

		err = e.store.Close()
	})
	return err
}

// Ledger returns the versioned record accessor the engine mutates through.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Audit returns the audit log.
func (e *Engine) Audit() *audit.Log { return e.audit }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

func (e *Engine) newDebitBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.debitInitialBackoff
	b.MaxInterval = e.debitMaxBackoff
	b.Multiplier = 2
	return b
}

// ──────────────────────────────────────────────────
// Usage metering
// ──────────────────────────────────────────────────

// enqueueUsage buffers a usage event for the flush worker. A full buffer
// falls back to writing the event directly.
func (e *Engine) enqueueUsage(ctx context.Context, evt *meter.UsageEvent) {
	select {
	case e.meterBuffer <- evt:
		return
	default:
	}

	if err := e.store.RecordUsage(ctx, []*meter.UsageEvent{evt}); err != nil {
		e.logger.Error("failed to record usage",
			"error", err,
			"feature_id", evt.FeatureID.String(),
		)
	}
}

// meterFlushWorker flushes usage events to the store.
func (e *Engine) meterFlushWorker(ctx context.Context) {
	defer e.wg.Done()

	batch := make([]*meter.UsageEvent, 0, e.meterBatchSize)
	ticker := time.NewTicker(e.meterFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			if len(batch) > 0 {
				e.flushMeterBatch(ctx, batch)
			}
			return

		case evt := <-e.meterBuffer:
			batch = append(batch, evt)
			if len(batch) >= e.meterBatchSize {
				e.flushMeterBatch(ctx, batch)
				batch = make([]*meter.UsageEvent, 0, e.meterBatchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				e.flushMeterBatch(ctx, batch)
				batch = make([]*meter.UsageEvent, 0, e.meterBatchSize)
			}
		}
	}
}

// drainMeterBuffer flushes whatever is still buffered after the worker
// has exited.
func (e *Engine) drainMeterBuffer(ctx context.Context) {
	batch := make([]*meter.UsageEvent, 0, e.meterBatchSize)
	for {
		select {
		case evt := <-e.meterBuffer:
			batch = append(batch, evt)
			if len(batch) >= e.meterBatchSize {
				e.flushMeterBatch(ctx, batch)
				batch = make([]*meter.UsageEvent, 0, e.meterBatchSize)
			}
		default:
			if len(batch) > 0 {
				e.flushMeterBatch(ctx, batch)
			}
			return
		}
	}
}

func (e *Engine) flushMeterBatch(ctx context.Context, batch []*meter.UsageEvent) {
	start := time.Now()

	if err := e.store.RecordUsage(ctx, batch); err != nil {
		e.logger.Error("failed to flush usage batch",
			"error", err,
			"batch_size", len(batch),
		)
		return
	}

	elapsed := time.Since(start)
	e.plugins.EmitUsageFlushed(ctx, len(batch), elapsed)

	e.logger.Debug("flushed usage batch",
		"batch_size", len(batch),
		"elapsed_ms", elapsed.Milliseconds(),
	)
}
