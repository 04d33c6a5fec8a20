package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"panther/internal/cache"
	rediscache "panther/internal/cache/redis"
	"panther/internal/config"
	"panther/internal/conversation"
	"panther/internal/envelope"
	"panther/internal/privacy"
	"panther/internal/prompt"
	"panther/internal/provider"
	providerfactory "panther/internal/provider/factory"
	"panther/internal/retrieval"
	"panther/internal/router"
	"panther/internal/store"
	usagepkg "panther/internal/usage"
	"panther/internal/vault"
)

// app is the wired pipeline shared by every command.
type app struct {
	gateway  *config.Gateway
	settings config.AppSettings
	logger   *slog.Logger
	store    *store.Store
	keys     *envelope.Manager
	adapters *provider.Registry
	cache    cache.Cache
	recorder *usagepkg.Recorder
	registry *prometheus.Registry
	runner   *conversation.Runner
}

// newApp loads settings and wires storage, adapters and the executor.
// Logs go to logOut as sanitised JSON.
func newApp(ctx context.Context, configPath string, logOut io.Writer) (*app, error) {
	if err := config.LoadEnv(".env"); err != nil {
		return nil, err
	}

	gateway := config.NewGateway(configPath)
	settings, err := gateway.Load()
	if err != nil {
		return nil, err
	}

	base := slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(privacy.NewSanitizingHandler(base))
	pipelineLogger := slog.New(privacy.NewSanitizingHandler(base, privacy.WithAllowedKeys(privacy.PipelineLogKeys...)))

	a := &app{gateway: gateway, settings: settings, logger: logger}
	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.seedAccounts(ctx, settings); err != nil {
		a.Close()
		return nil, err
	}

	secrets := vault.Chain{vault.NewEnv(), vault.NewMemory()}
	a.adapters, err = providerfactory.NewRegistry(secrets)
	if err != nil {
		a.Close()
		return nil, err
	}

	if a.cache, err = newCache(settings.Cache); err != nil {
		a.Close()
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.recorder = usagepkg.NewRecorder(a.store, pipelineLogger)
	executor := router.New(router.NewResolver(a.store), a.adapters, a.recorder,
		router.WithCache(a.cache),
		router.WithRedactionMaps(a.store),
		router.WithMetrics(router.NewMetrics(a.registry)),
		router.WithLogger(pipelineLogger),
	)

	builder := &prompt.Builder{
		Global:    gateway,
		Retriever: retrieval.New(a.store),
		K:         settings.Retrieval.K,
	}
	a.runner = conversation.NewRunner(builder, executor, a.store, pipelineLogger,
		conversation.WithDefaults(func() router.ConversationSettings {
			return router.ConversationSettings{TimeoutSeconds: gateway.Current().Executor.TimeoutSeconds}
		}),
	)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	path, err := a.settings.DatabasePath()
	if err != nil {
		return err
	}
	if a.store, err = store.Open(path); err != nil {
		return err
	}

	var sealer envelope.Sealer = envelope.Plaintext{}
	if a.settings.Storage.Encryption == config.EncryptionPassphrase {
		a.keys, err = envelope.NewManager(ctx, a.store, os.Getenv(config.PassphraseEnv))
		if err != nil {
			if errors.Is(err, envelope.ErrPassphraseMissing) {
				return fmt.Errorf("%w: set %s", err, config.PassphraseEnv)
			}
			return err
		}
		sealer = a.keys
	}
	return a.store.UseSealer(ctx, sealer)
}

// seedAccounts upserts the provider accounts named in settings.
func (a *app) seedAccounts(ctx context.Context, settings config.AppSettings) error {
	for _, account := range settings.Providers {
		if err := a.store.PutAccount(ctx, account); err != nil {
			return err
		}
		a.logger.Info("provider account loaded",
			"event_type", "account_seed",
			"provider_id", account.ID,
			"provider_type", string(account.ProviderType),
			"provider_metadata", provider.SafeMetadata(account.ProviderMetadata))
	}
	return nil
}

func newCache(cfg config.CacheConfig) (cache.Cache, error) {
	if !cfg.Enabled {
		return cache.NoOp{}, nil
	}
	ttl := seconds(cfg.TTLSeconds)
	if cfg.Backend == config.CacheBackendRedis {
		c, err := rediscache.NewStoreFromURL(cfg.RedisURL, ttl)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return cache.NewMemory(ttl, cfg.MaxEntries), nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Close releases the store, the cache and key material.
func (a *app) Close() error {
	var errs []error
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.keys != nil {
		a.keys.Close()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
