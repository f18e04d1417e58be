package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/electrohub/panelscan/internal/catalog"
	"github.com/electrohub/panelscan/internal/db"
	"github.com/electrohub/panelscan/internal/enrich"
	"github.com/electrohub/panelscan/internal/notify"
	"github.com/electrohub/panelscan/internal/reconcile"
	"github.com/electrohub/panelscan/internal/scan"
	"github.com/electrohub/panelscan/internal/store"
	"github.com/electrohub/panelscan/internal/vision"
	anthropicpkg "github.com/electrohub/panelscan/pkg/anthropic"
	"github.com/electrohub/panelscan/pkg/mistral"
)

// scanEnv holds the initialized store, clients, and orchestrator needed by
// the scan/serve commands.
type scanEnv struct {
	Store        store.Store
	Cache        *catalog.Cache
	Reconciler   *reconcile.Reconciler
	Orchestrator *scan.Orchestrator
}

// Close stops the orchestrator and releases the store.
func (se *scanEnv) Close() {
	if se.Orchestrator != nil {
		se.Orchestrator.Stop()
	}
	if se.Store != nil {
		_ = se.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.SQLitePath
		if dsn == "" {
			dsn = "panelscan.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		poolCfg := &store.PoolConfig{
			MaxConns:          int32(cfg.Store.MaxConns),
			MinConns:          int32(cfg.Store.MinConns),
			KeepaliveInterval: time.Duration(cfg.Session.KeepaliveSecs) * time.Second,
		}
		sessCfg := db.DefaultSessionConfig()
		if cfg.Session.AcquireTimeoutSecs > 0 {
			sessCfg.AcquireTimeout = time.Duration(cfg.Session.AcquireTimeoutSecs) * time.Second
		}
		if cfg.Session.StatementTimeoutSecs > 0 {
			sessCfg.StatementTimeout = time.Duration(cfg.Session.StatementTimeoutSecs) * time.Second
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, poolCfg, sessCfg)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initExtractor builds the vision provider chain: Anthropic primary,
// Mistral as the quota fallback. At least one key is guaranteed by
// config validation.
func initExtractor() vision.Extractor {
	var providers []vision.Extractor
	if cfg.Anthropic.Key != "" {
		client := anthropicpkg.NewClient(cfg.Anthropic.Key)
		providers = append(providers, vision.NewAnthropicExtractor(client, cfg.Anthropic.VisionModel, cfg.Vision.RequestsPerSecond))
	}
	if cfg.Mistral.Key != "" {
		client := mistral.NewClient(cfg.Mistral.Key, mistral.WithBaseURL(cfg.Mistral.BaseURL), mistral.WithModel(cfg.Mistral.Model))
		providers = append(providers, vision.NewMistralExtractor(client, cfg.Mistral.Model, cfg.Vision.RequestsPerSecond))
	}
	if len(providers) == 1 {
		return providers[0]
	}
	return vision.NewFallback(providers...)
}

// initScanEnv sets up the store, clients, and orchestrator. Callers should
// defer env.Close().
func initScanEnv(ctx context.Context, mode string) (*scanEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	cache := catalog.NewCache(st)
	reconciler := reconcile.New(st, cache)

	// Enrichment needs an Anthropic key; a Mistral-only deployment still
	// scans, its candidates just keep whatever the cache could fill.
	var enricher *enrich.Enricher
	if cfg.Anthropic.Key != "" {
		enricher = enrich.New(anthropicpkg.NewClient(cfg.Anthropic.Key), cache, enrich.Config{
			Model:       cfg.Anthropic.EnrichModel,
			BatchSize:   cfg.Enrich.BatchSize,
			Concurrency: cfg.Enrich.Concurrency,
		})
	} else {
		zap.L().Warn("anthropic key not set, enrichment stage disabled")
	}

	var notifier notify.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL)
		zap.L().Info("webhook notifications enabled")
	}

	orchestrator := scan.New(scan.Config{
		MaxPhotos:     cfg.Scan.MaxPhotos,
		MaxPhotoBytes: cfg.Scan.MaxPhotoBytes,
		Retention:     time.Duration(cfg.Scan.RetentionMins) * time.Minute,
		GCInterval:    time.Duration(cfg.Scan.GCIntervalMins) * time.Minute,
		TargetURLBase: cfg.Scan.TargetURLBase,
	}, initExtractor(), cache, enricher, reconciler, notifier)
	orchestrator.Start()

	return &scanEnv{
		Store:        st,
		Cache:        cache,
		Reconciler:   reconciler,
		Orchestrator: orchestrator,
	}, nil
}
