package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pagevault/pagevault/internal/auth"
	"github.com/pagevault/pagevault/internal/backend"
	"github.com/pagevault/pagevault/internal/cloud"
	"github.com/pagevault/pagevault/internal/media"
	"github.com/pagevault/pagevault/internal/scheduler"
	"github.com/pagevault/pagevault/internal/storage"
)

// appVersion is stamped on every outbound update.
const appVersion = "0.4.0"

// engine bundles everything a command needs to run the sync stack.
type engine struct {
	store      *storage.Store
	persistent *storage.Store
	settings   *storage.Settings
	tokens     *auth.TokenStore
	client     *backend.Client
	sched      *scheduler.TimerScheduler
	coord      *cloud.Coordinator
}

// openEngine builds the sync stack from the loaded configuration and
// runs the coordinator's setup. It does not start sync; commands that
// need the background loops call StartSync themselves.
func openEngine(ctx context.Context) (*engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	registry := storage.DefaultRegistry()
	if cfg.RegistryFile != "" {
		loaded, err := storage.LoadRegistry(cfg.RegistryFile)
		if err != nil {
			return nil, err
		}
		registry = loaded
	}

	store, err := storage.Open(cfg.StorePath(), registry)
	if err != nil {
		return nil, err
	}
	if err := store.InitSchemaContext(ctx); err != nil {
		store.Close()
		return nil, err
	}

	persistent, err := storage.Open(cfg.PersistentStorePath(), registry)
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := persistent.InitSchemaContext(ctx); err != nil {
		persistent.Close()
		store.Close()
		return nil, err
	}

	settings := storage.NewSettings(store.RawDB())
	if err := settings.InitSchema(ctx); err != nil {
		persistent.Close()
		store.Close()
		return nil, err
	}

	tokens := auth.NewTokenStore(cfg.TokenFile, newLogger("[auth] "))
	if err := tokens.Start(ctx); err != nil {
		persistent.Close()
		store.Close()
		return nil, err
	}

	client, err := backend.New(backend.Config{
		BaseURL: cfg.ServerURL,
		Auth:    tokens,
		Logger:  newLogger("[backend] "),
	})
	if err != nil {
		tokens.Close()
		persistent.Close()
		store.Close()
		return nil, err
	}

	var mediaBackend cloud.MediaBackend
	if cfg.Media.Endpoint != "" {
		mediaBackend, err = media.NewS3Backend(media.S3Config{
			Endpoint:  cfg.Media.Endpoint,
			AccessKey: cfg.Media.AccessKey,
			SecretKey: cfg.Media.SecretKey,
			Bucket:    cfg.Media.Bucket,
			Prefix:    cfg.Media.Prefix,
			UseSSL:    cfg.Media.UseSSL,
		})
		if err != nil {
			tokens.Close()
			persistent.Close()
			store.Close()
			return nil, err
		}
	}

	sched := scheduler.NewTimerScheduler()
	coord, err := cloud.New(cloud.Options{
		Backend:       client,
		Media:         mediaBackend,
		Usage:         client,
		Store:         store,
		Persistent:    persistent,
		Settings:      settings,
		Registry:      registry,
		Auth:          tokens,
		Scheduler:     sched,
		AppVersion:    appVersion,
		RetryInterval: cfg.RetryInterval,
		StrictErrors:  cfg.StrictErrors,
		Logger:        newLogger("[cloud] "),
	})
	if err != nil {
		sched.Stop()
		tokens.Close()
		persistent.Close()
		store.Close()
		return nil, err
	}

	if err := coord.Setup(ctx); err != nil {
		coord.Close()
		sched.Stop()
		tokens.Close()
		persistent.Close()
		store.Close()
		return nil, err
	}

	return &engine{
		store:      store,
		persistent: persistent,
		settings:   settings,
		tokens:     tokens,
		client:     client,
		sched:      sched,
		coord:      coord,
	}, nil
}

// Close tears the stack down in reverse construction order.
func (e *engine) Close() {
	e.coord.Close()
	e.sched.Stop()
	e.tokens.Close()
	e.persistent.Close()
	e.store.Close()
}
