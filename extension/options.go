package extension

import (
	"time"

	"github.com/xraph/almoner"
	"github.com/xraph/almoner/notify"
	"github.com/xraph/almoner/plugin"
	"github.com/xraph/almoner/store"
)

// Option configures the Almoner Forge extension.
type Option func(*Extension)

// WithStore sets the store for the engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithEngineOption passes an almoner.Option through to the underlying engine.
func WithEngineOption(opt almoner.Option) Option {
	return func(e *Extension) {
		e.almonerOpts = append(e.almonerOpts, opt)
	}
}

// WithPlugin registers an Almoner plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.almonerOpts = append(e.almonerOpts, almoner.WithPlugin(p))
	}
}

// WithDeliverer sets the channel decisions are dispatched through.
func WithDeliverer(d notify.Deliverer) Option {
	return func(e *Extension) {
		e.almonerOpts = append(e.almonerOpts, almoner.WithDeliverer(d))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithMeterBatchSize sets the number of usage events to buffer before flushing.
func WithMeterBatchSize(size int) Option {
	return func(e *Extension) { e.config.MeterBatchSize = size }
}

// WithMeterFlushInterval sets how frequently the meter buffer is flushed.
func WithMeterFlushInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.MeterFlushInterval = d }
}

// WithDebitRetries sets the debit attempt bound.
func WithDebitRetries(n int) Option {
	return func(e *Extension) { e.config.DebitRetries = n }
}

// WithRedisClaims keeps delivery claims in the Redis instance at url.
func WithRedisClaims(url string) Option {
	return func(e *Extension) { e.config.RedisURL = url }
}
