package server

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/watzon/forge/internal/config"
	"github.com/watzon/forge/internal/database"
	"github.com/watzon/forge/internal/deploy"
	"github.com/watzon/forge/internal/functions"
	"github.com/watzon/forge/internal/invocations"
	"github.com/watzon/forge/internal/storage"
)

// Components is the execution stack shared by the server and the CLI.
type Components struct {
	Engine   *functions.Engine
	Cache    *functions.ModuleCache
	Registry *functions.Registry
	Invoker  *functions.Service
	Deploys  *deploy.Service
	History  *invocations.Store
	// Recorder is nil when recording is disabled.
	Recorder *invocations.Recorder
	Source   *storage.Source
}

// NewComponents builds the engine, cache, registry, recorder and deploy
// service described by cfg. The recorder is created but not started.
func NewComponents(ctx context.Context, cfg *config.Config, db *database.DB) (*Components, error) {
	engine, err := functions.NewEngine(ctx, EngineConfig(cfg.Engine))
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	source, err := storage.NewSourceFromConfig(ctx, cfg.Storage)
	if err != nil {
		engine.Close(ctx)
		return nil, fmt.Errorf("creating code source: %w", err)
	}

	cache := functions.NewModuleCache(engine, cfg.Engine.CacheCapacity)
	executor := functions.NewWasmExecutor(engine, cache)

	registry := functions.NewRegistry()
	registry.Register(functions.RuntimeWasm, executor)

	c := &Components{
		Engine:   engine,
		Cache:    cache,
		Registry: registry,
		History:  invocations.NewStore(db),
		Source:   source,
	}

	var recorder functions.Recorder
	if cfg.Recorder.Enabled {
		c.Recorder, err = invocations.NewRecorder(c.History, invocations.RecorderOptions{
			QueueSize:       cfg.Recorder.QueueSize,
			Retention:       cfg.Recorder.Retention,
			CleanupSchedule: cfg.Recorder.CleanupSchedule,
		})
		if err != nil {
			cache.Close()
			engine.Close(ctx)
			return nil, fmt.Errorf("creating recorder: %w", err)
		}
		recorder = c.Recorder
	}

	store := deploy.NewStore(db)
	c.Invoker = functions.NewService(store, registry, recorder, Limits(cfg.Engine))
	c.Deploys = deploy.NewService(store, engine, executor, deploy.Options{
		DefaultMemoryMB:       cfg.Engine.DefaultMemoryMB,
		MaxMemoryMB:           cfg.Engine.MaxMemoryMB,
		DefaultTimeoutSeconds: int(cfg.Engine.DefaultTimeout.Seconds()),
		MaxTimeoutSeconds:     int(cfg.Engine.MaxTimeout.Seconds()),
		Source:                source,
		ManifestOwner:         cfg.Watch.Owner,
	})

	return c, nil
}

// Close stops the recorder, then releases cached modules and the engine.
func (c *Components) Close(ctx context.Context) {
	if c.Recorder != nil {
		c.Recorder.Stop()
	}
	c.Cache.Close()
	if err := c.Engine.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("Error closing engine")
	}
}

// EngineConfig maps engine settings onto the runtime configuration.
func EngineConfig(cfg config.EngineConfig) functions.EngineConfig {
	return functions.EngineConfig{
		MaxMemoryMB:         cfg.MaxMemoryMB,
		MaxOutputBytes:      cfg.MaxOutputBytes,
		MaxLogBytes:         cfg.MaxLogBytes,
		CompilationCacheDir: cfg.CompilationCacheDir,
		Interpreter:         cfg.Interpreter,
	}
}

// Limits maps engine settings onto invocation limits.
func Limits(cfg config.EngineConfig) functions.Limits {
	return functions.Limits{
		DefaultMemoryMB: cfg.DefaultMemoryMB,
		MaxMemoryMB:     cfg.MaxMemoryMB,
		DefaultTimeout:  cfg.DefaultTimeout,
		MaxTimeout:      cfg.MaxTimeout,
	}
}
