// Package extension provides the Forge extension adapter for Almoner.
//
// It implements the forge.Extension interface to integrate the Almoner
// engine into a Forge application with DI registration and lifecycle
// management.
//
// Configuration can be provided programmatically via Option functions,
// via YAML configuration files under "extensions.almoner" or "almoner"
// keys, or from a standalone file with LoadConfigFile.
package extension

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/almoner"
	"github.com/xraph/almoner/notify/redisclaim"
	"github.com/xraph/almoner/store"
	"github.com/xraph/almoner/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "almoner"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Request lifecycle and credit entitlement engine"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts Almoner as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config      Config
	engine      *almoner.Engine
	store       store.Store
	claims      *redisclaim.Store
	almonerOpts []almoner.Option
}

// New creates a new Almoner Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying engine.
// This is nil until Register is called.
func (e *Extension) Engine() *almoner.Engine { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// initializes the engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	// Use memory store if no store was provided programmatically.
	if e.store == nil {
		e.store = memory.New()
	}

	opts, err := e.buildEngineOpts()
	if err != nil {
		return err
	}

	e.engine = almoner.New(e.store, opts...)

	return vessel.Provide(fapp.Container(), func() (*almoner.Engine, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("almoner: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.engine.Start(ctx); err != nil {
			return err
		}
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	defer e.MarkStopped()

	var errs []error
	if e.engine != nil {
		errs = append(errs, e.engine.Stop())
	}
	if e.claims != nil {
		errs = append(errs, e.claims.Close())
	}
	return errors.Join(errs...)
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("almoner: store not initialized")
	}
	if err := e.store.Ping(ctx); err != nil {
		return err
	}
	if e.claims != nil {
		return e.claims.Ping(ctx)
	}
	return nil
}

// buildEngineOpts constructs almoner.Option values from the resolved config.
func (e *Extension) buildEngineOpts() ([]almoner.Option, error) {
	opts := make([]almoner.Option, 0, len(e.almonerOpts)+5)

	opts = append(opts,
		almoner.WithMeterConfig(e.config.MeterBatchSize, e.config.MeterFlushInterval),
		almoner.WithDebitRetries(e.config.DebitRetries),
		almoner.WithDispatchConcurrency(e.config.DispatchConcurrency),
	)

	if e.config.RedisURL != "" {
		var claimOpts []redisclaim.Option
		if e.config.RedisKeyPrefix != "" {
			claimOpts = append(claimOpts, redisclaim.WithKeyPrefix(e.config.RedisKeyPrefix))
		}
		claims, err := redisclaim.Dial(e.config.RedisURL, claimOpts...)
		if err != nil {
			return nil, fmt.Errorf("almoner: redis claim store: %w", err)
		}
		e.claims = claims
		opts = append(opts, almoner.WithDeliveryStore(claims))
	}

	// Append any pass-through engine options.
	opts = append(opts, e.almonerOpts...)

	return opts, nil
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("almoner: configuration is required but not found in config files; " +
				"ensure 'extensions.almoner' or 'almoner' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("almoner: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("meter_batch_size", e.config.MeterBatchSize),
		forge.F("meter_flush_interval", e.config.MeterFlushInterval),
		forge.F("debit_retries", e.config.DebitRetries),
		forge.F("dispatch_concurrency", e.config.DispatchConcurrency),
		forge.F("redis_claims", e.config.RedisURL != ""),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.almoner", "almoner"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err != nil {
			e.Logger().Warn("almoner: failed to bind config",
				forge.F("key", key),
				forge.F("error", err.Error()),
			)
			continue
		}
		e.Logger().Debug("almoner: loaded config from file",
			forge.F("key", key),
		)
		return cfg, true
	}

	return Config{}, false
}
